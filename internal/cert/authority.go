package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	oidExtensionBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtensionKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}

	serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)
)

// Authority owns the in-memory root CA and signs leaf certificates with it.
// It is read-only after construction and safe for concurrent use.
type Authority struct {
	config  CertConfig
	caCert  *x509.Certificate
	caKey   *rsa.PrivateKey
	caPEM   []byte
	created time.Time
}

// NewAuthority generates a fresh self-signed root
func NewAuthority(config CertConfig) (*Authority, error) {
	config.SetDefaults()

	caKey, err := rsa.GenerateKey(rand.Reader, config.CAKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate CA key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: config.CAName},
		NotBefore:             now,
		NotAfter:              now.AddDate(config.CAValidYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CA certificate")
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse CA certificate")
	}

	log.Debugf("Created root CA: Subject=%s, Valid until=%s",
		caCert.Subject.CommonName, caCert.NotAfter.Format("2006-01-02"))

	return &Authority{
		config:  config,
		caCert:  caCert,
		caKey:   caKey,
		caPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		created: now,
	}, nil
}

// Certificate returns the root certificate
func (a *Authority) Certificate() *x509.Certificate {
	return a.caCert
}

// CertificatePEM returns the PEM-encoded root, for installation into a trust store
func (a *Authority) CertificatePEM() []byte {
	return a.caPEM
}

// CertPool returns a pool holding only the root
func (a *Authority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.caCert)
	return pool
}

// Export writes the root PEM to path
func (a *Authority) Export(path string) error {
	if err := os.WriteFile(path, a.caPEM, 0644); err != nil {
		return errors.Wrapf(err, "failed to write CA certificate to %s", path)
	}
	return nil
}

// Issue signs a new leaf certificate for host. Callers that need at-most-once
// issuance per host go through Cache.
func (a *Authority) Issue(host string) (*Leaf, error) {
	key, err := rsa.GenerateKey(rand.Reader, a.config.LeafKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate private key")
	}

	serial := a.caCert.SerialNumber
	if !a.config.ReuseRootSerial {
		if serial, err = randomSerial(); err != nil {
			return nil, err
		}
	}

	skid, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	extensions, err := leafExtensions()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         pkix.Name{CommonName: host},
		NotBefore:       now,
		NotAfter:        now.AddDate(0, 0, a.config.LeafValidDays),
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SubjectKeyId:    skid,
		ExtraExtensions: extensions,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create certificate for %s", host)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse generated certificate")
	}

	return &Leaf{
		Host:       host,
		DER:        der,
		Cert:       cert,
		PrivateKey: key,
		TLSCert: &tls.Certificate{
			Certificate: [][]byte{der, a.caCert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		},
		CreatedAt: now,
	}, nil
}

// leafExtensions builds basic constraints and key usage as non-critical
// extensions; the x509 package would otherwise mark both critical.
func leafExtensions() ([]pkix.Extension, error) {
	bc, err := asn1.Marshal(struct {
		IsCA       bool `asn1:"optional"`
		MaxPathLen int  `asn1:"optional,default:-1"`
	}{IsCA: false, MaxPathLen: -1})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode basic constraints")
	}

	// digitalSignature (bit 0) | keyEncipherment (bit 2)
	ku, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0xa0}, BitLength: 3})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode key usage")
	}

	return []pkix.Extension{
		{Id: oidExtensionBasicConstraints, Critical: false, Value: bc},
		{Id: oidExtensionKeyUsage, Critical: false, Value: ku},
	}, nil
}

func subjectKeyID(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal public key")
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, errors.Wrap(err, "failed to decode public key")
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}
	return serial, nil
}

package cert

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"
)

// Leaf represents an issued end-entity certificate together with its key.
// A Leaf is never modified after issuance.
type Leaf struct {
	Host       string
	DER        []byte
	Cert       *x509.Certificate
	PrivateKey *rsa.PrivateKey
	TLSCert    *tls.Certificate
	CreatedAt  time.Time
}

// PEM returns the certificate and private key as a single PEM bundle
func (l *Leaf) PEM() []byte {
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: l.DER})
	return append(out, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(l.PrivateKey),
	})...)
}

// Issuer signs leaf certificates for hosts
type Issuer interface {
	Issue(host string) (*Leaf, error)
}

// CertConfig holds certificate authority configuration
type CertConfig struct {
	CAName          string
	CAKeyBits       int
	CAValidYears    int
	LeafKeyBits     int
	LeafValidDays   int
	ReuseRootSerial bool
}

// SetDefaults fills zero values
func (c *CertConfig) SetDefaults() {
	if c.CAName == "" {
		c.CAName = "gosling"
	}
	if c.CAKeyBits == 0 {
		c.CAKeyBits = 4096
	}
	if c.CAValidYears == 0 {
		c.CAValidYears = 10
	}
	if c.LeafKeyBits == 0 {
		c.LeafKeyBits = 2048
	}
	if c.LeafValidDays == 0 {
		c.LeafValidDays = 365
	}
}

// CertStats tracks certificate management statistics
type CertStats struct {
	IssuedCerts int64 `json:"issued_certs"`
	CachedCerts int64 `json:"cached_certs"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	FailedIssue int64 `json:"failed_issue"`
	AvgIssueMs  int64 `json:"avg_issue_ms"`
	issueTotal  time.Duration
	mutex       sync.RWMutex
}

// NewCertStats creates a new certificate statistics tracker
func NewCertStats() *CertStats {
	return &CertStats{}
}

// RecordIssue records a completed signing operation
func (cs *CertStats) RecordIssue(d time.Duration) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.IssuedCerts++
	cs.issueTotal += d
	cs.AvgIssueMs = (cs.issueTotal / time.Duration(cs.IssuedCerts)).Milliseconds()
}

// IncrementCacheHit safely increments cache hits
func (cs *CertStats) IncrementCacheHit() {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.CacheHits++
}

// IncrementCacheMiss safely increments cache misses
func (cs *CertStats) IncrementCacheMiss() {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.CacheMisses++
}

// IncrementFailed safely increments failed issuance count
func (cs *CertStats) IncrementFailed() {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.FailedIssue++
}

// SetCached records the current cache size
func (cs *CertStats) SetCached(n int) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.CachedCerts = int64(n)
}

// CertStatsSnapshot represents a snapshot of certificate statistics without mutex
type CertStatsSnapshot struct {
	IssuedCerts int64 `json:"issued_certs"`
	CachedCerts int64 `json:"cached_certs"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	FailedIssue int64 `json:"failed_issue"`
	AvgIssueMs  int64 `json:"avg_issue_ms"`
}

// GetStats returns a copy of current statistics
func (cs *CertStats) GetStats() CertStatsSnapshot {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return CertStatsSnapshot{
		IssuedCerts: cs.IssuedCerts,
		CachedCerts: cs.CachedCerts,
		CacheHits:   cs.CacheHits,
		CacheMisses: cs.CacheMisses,
		FailedIssue: cs.FailedIssue,
		AvgIssueMs:  cs.AvgIssueMs,
	}
}

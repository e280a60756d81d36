package cert

import (
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Cache maps hostnames to issued leaves. Lookup and issuance happen under one
// lock, so each host is signed at most once for the life of the cache.
type Cache struct {
	mu     sync.Mutex
	store  *cache.Cache
	issuer Issuer
	stats  *CertStats
}

// NewCache creates a cache that issues missing leaves through issuer
func NewCache(issuer Issuer) *Cache {
	return &Cache{
		store:  cache.New(cache.NoExpiration, 0),
		issuer: issuer,
		stats:  NewCertStats(),
	}
}

// Get returns the leaf for host, issuing it on first use
func (c *Cache) Get(host string) (*Leaf, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil, errors.New("empty host")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.store.Get(host); ok {
		c.stats.IncrementCacheHit()
		return v.(*Leaf), nil
	}
	c.stats.IncrementCacheMiss()

	start := time.Now()
	leaf, err := c.issuer.Issue(host)
	if err != nil {
		c.stats.IncrementFailed()
		return nil, errors.Wrapf(err, "issue certificate for %s", host)
	}
	c.stats.RecordIssue(time.Since(start))

	c.store.Set(host, leaf, cache.NoExpiration)
	c.stats.SetCached(c.store.ItemCount())

	log.Debugf("Issued certificate for %s: serial=%s, valid until=%s",
		host, leaf.Cert.SerialNumber.Text(16), leaf.Cert.NotAfter.Format("2006-01-02"))

	return leaf, nil
}

// GetTLSCertificate returns the server credential for host
func (c *Cache) GetTLSCertificate(host string) (*tls.Certificate, error) {
	leaf, err := c.Get(host)
	if err != nil {
		return nil, err
	}
	return leaf.TLSCert, nil
}

// Len returns the number of cached leaves
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

// GetStats returns certificate cache statistics
func (c *Cache) GetStats() CertStatsSnapshot {
	return c.stats.GetStats()
}

// Shutdown drops every cached leaf
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.Len()
	c.store.Flush()
	c.stats.SetCached(0)

	stats := c.stats.GetStats()
	log.Debugf("Certificate cache shutdown: dropped=%d, issued=%d, hits=%d, misses=%d",
		n, stats.IssuedCerts, stats.CacheHits, stats.CacheMisses)
}

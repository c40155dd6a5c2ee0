package proxy

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"time"
)

type certEntry struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache is a thread-safe per-domain leaf certificate cache. On a
// miss it delegates to the CAManager. Entries expire after the TTL and
// are regenerated on the next access.
type CertCache struct {
	mu     sync.RWMutex
	certs  map[string]*certEntry
	ca     *CAManager
	ttl    time.Duration
	logger *slog.Logger
}

func NewCertCache(ca *CAManager, ttl time.Duration, logger *slog.Logger) *CertCache {
	return &CertCache{
		certs:  make(map[string]*certEntry),
		ca:     ca,
		ttl:    ttl,
		logger: logger,
	}
}

// GetCert returns a leaf certificate for domain: read lock for the
// fast path, write lock with a double-check on a miss.
func (cc *CertCache) GetCert(domain string) (*tls.Certificate, error) {
	cc.mu.RLock()
	entry, ok := cc.certs[domain]
	if ok && time.Now().Before(entry.expiresAt) {
		cc.mu.RUnlock()
		return entry.cert, nil
	}
	cc.mu.RUnlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	entry, ok = cc.certs[domain]
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.cert, nil
	}

	cc.logger.Debug("cert cache miss, generating", "domain", domain)
	cert, err := cc.ca.GenerateCert(domain)
	if err != nil {
		return nil, err
	}
	cc.certs[domain] = &certEntry{cert: cert, expiresAt: time.Now().Add(cc.ttl)}
	return cert, nil
}

// Size returns the number of cached certificates.
func (cc *CertCache) Size() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.certs)
}

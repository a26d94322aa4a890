// Package enrich annotates addresses with reverse DNS and, when
// GeoLite2 databases are present in the config directory, ASN and
// country data. Everything here is best effort: a missing database or a
// failed lookup degrades to empty fields, never to an error.
package enrich

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const (
	cacheTTL   = time.Hour
	ptrTimeout = time.Second
)

type Result struct {
	PTR     string
	ASN     uint
	ASNOrg  string
	Country string
	ts      time.Time
}

// Summary renders the non-empty fields as one short token for audit
// lines and list output.
func (r Result) Summary() string {
	var parts []string
	if r.PTR != "" {
		parts = append(parts, strings.TrimSuffix(r.PTR, "."))
	}
	if r.ASN != 0 {
		parts = append(parts, fmt.Sprintf("AS%d", r.ASN))
	}
	if r.Country != "" {
		parts = append(parts, r.Country)
	}
	return strings.Join(parts, "/")
}

type Enricher struct {
	mu     sync.RWMutex
	cache  map[string]Result
	asnDB  *geoip2.Reader
	cityDB *geoip2.Reader
}

// New looks for GeoLite2-ASN.mmdb and GeoLite2-City.mmdb in dirs. With
// no databases found the enricher still resolves PTR records.
func New(dirs ...string) *Enricher {
	e := &Enricher{cache: make(map[string]Result)}
	for _, dir := range dirs {
		if e.asnDB == nil {
			if p := filepath.Join(dir, "GeoLite2-ASN.mmdb"); fileExists(p) {
				if db, err := geoip2.Open(p); err == nil {
					e.asnDB = db
				}
			}
		}
		if e.cityDB == nil {
			if p := filepath.Join(dir, "GeoLite2-City.mmdb"); fileExists(p) {
				if db, err := geoip2.Open(p); err == nil {
					e.cityDB = db
				}
			}
		}
	}
	return e
}

// Enabled reports whether at least one GeoLite2 database is open.
// Callers on hot or lock-holding paths use this to skip lookups that
// would only ever stall on PTR timeouts.
func (e *Enricher) Enabled() bool {
	return e != nil && (e.asnDB != nil || e.cityDB != nil)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (e *Enricher) Close() {
	if e.asnDB != nil {
		_ = e.asnDB.Close()
	}
	if e.cityDB != nil {
		_ = e.cityDB.Close()
	}
}

// Lookup resolves addr, serving repeated queries from a TTL cache.
func (e *Enricher) Lookup(addr string) Result {
	now := time.Now()

	e.mu.RLock()
	if r, ok := e.cache[addr]; ok && now.Sub(r.ts) < cacheTTL {
		e.mu.RUnlock()
		return r
	}
	e.mu.RUnlock()

	r := Result{ts: now}
	ip := net.ParseIP(addr)
	if ip == nil {
		return r
	}

	ctx, cancel := context.WithTimeout(context.Background(), ptrTimeout)
	names, _ := net.DefaultResolver.LookupAddr(ctx, addr)
	cancel()
	if len(names) > 0 {
		r.PTR = names[0]
	}

	if e.asnDB != nil {
		if rec, err := e.asnDB.ASN(ip); err == nil && rec != nil {
			r.ASN = rec.AutonomousSystemNumber
			r.ASNOrg = rec.AutonomousSystemOrganization
		}
	}
	if e.cityDB != nil {
		if rec, err := e.cityDB.City(ip); err == nil && rec != nil {
			r.Country = rec.Country.IsoCode
			if name, ok := rec.Country.Names["en"]; ok && name != "" {
				r.Country = name
			}
		}
	}

	e.mu.Lock()
	e.cache[addr] = r
	e.mu.Unlock()
	return r
}

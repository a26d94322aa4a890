// Package trusted keeps the allow list in sync with a file of DNS
// names (one per line, optional "interval=5m" override). Names are
// re-resolved when their DNS TTL or interval expires; addresses that
// stop resolving are un-allowed again.
package trusted

import (
	"context"
	"crypto/sha256"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"rdpguard/internal/ipaddr"
	"rdpguard/internal/liststore"
)

const (
	defaultTTL   = 5 * time.Minute
	retryAfter   = time.Minute
	minTTL       = 30 * time.Second
	maxTTL       = time.Hour
	queryTimeout = 6 * time.Second
)

// Allower is the slice of the engine the refresher needs.
type Allower interface {
	Allow(addr string) (liststore.AddResult, error)
	Unallow(addr string) (liststore.RemoveResult, error)
}

type record struct {
	host     string
	interval time.Duration // 0 = follow DNS TTL
	next     time.Time
	addrs    []string
}

type Refresher struct {
	path   string
	engine Allower
	log    zerolog.Logger

	watch *fileWatcher
	hosts map[string]*record
}

func New(path string, engine Allower, log zerolog.Logger) *Refresher {
	return &Refresher{
		path:   path,
		engine: engine,
		log:    log,
		watch:  newFileWatcher(path),
		hosts:  make(map[string]*record),
	}
}

// Run ticks until ctx is cancelled. Each tick reloads the trusted file
// if it changed and re-resolves any due host.
func (r *Refresher) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	r.step(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.step(ctx)
		}
	}
}

func (r *Refresher) step(ctx context.Context) {
	if data, changed := r.watch.Changed(); changed {
		r.reload(data)
	}
	now := time.Now()
	for _, rec := range r.hosts {
		if now.Before(rec.next) {
			continue
		}
		r.refresh(ctx, rec, now)
	}
}

// reload diffs the file against the tracked hosts. Removed hosts have
// their addresses un-allowed.
func (r *Refresher) reload(data []byte) {
	seen := make(map[string]struct{})
	for _, ent := range parseFile(data) {
		seen[ent.host] = struct{}{}
		if rec, ok := r.hosts[ent.host]; ok {
			rec.interval = ent.interval
			continue
		}
		r.hosts[ent.host] = &record{host: ent.host, interval: ent.interval}
	}
	for host, rec := range r.hosts {
		if _, ok := seen[host]; ok {
			continue
		}
		r.retire(rec, nil)
		delete(r.hosts, host)
	}
}

func (r *Refresher) refresh(ctx context.Context, rec *record, now time.Time) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	addrs, ttl, err := resolve(qctx, rec.host)
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Str("host", rec.host).Msg("trusted host resolution failed")
		rec.next = now.Add(retryAfter)
		return
	}
	r.retire(rec, addrs)
	for _, addr := range addrs {
		if contains(rec.addrs, addr) {
			continue
		}
		if _, err := r.engine.Allow(addr); err != nil {
			r.log.Error().Err(err).Str("host", rec.host).Str("addr", addr).Msg("trusted allow failed")
			continue
		}
		r.log.Info().Str("host", rec.host).Str("addr", addr).Msg("trusted host allowed")
	}
	rec.addrs = addrs
	next := ttl
	if rec.interval > 0 {
		next = rec.interval
	}
	rec.next = now.Add(next)
}

// retire un-allows previously added addresses that are not in keep.
func (r *Refresher) retire(rec *record, keep []string) {
	for _, addr := range rec.addrs {
		if contains(keep, addr) {
			continue
		}
		if _, err := r.engine.Unallow(addr); err != nil {
			r.log.Error().Err(err).Str("host", rec.host).Str("addr", addr).Msg("trusted unallow failed")
		}
	}
}

// resolve queries A records via the system resolver config and returns
// the validated addresses plus the smallest TTL seen, clamped.
func resolve(ctx context.Context, host string) ([]string, time.Duration, error) {
	cfg, _ := dns.ClientConfigFromFile("/etc/resolv.conf")
	if cfg == nil || len(cfg.Servers) == 0 {
		cfg = &dns.ClientConfig{Servers: []string{"1.1.1.1"}, Port: "53", Timeout: 2}
	}
	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	resp, _, err := c.ExchangeContext(ctx, m, net.JoinHostPort(cfg.Servers[0], cfg.Port))
	if err != nil {
		return nil, 0, err
	}
	var addrs []string
	var min uint32
	for _, ans := range resp.Answer {
		a, ok := ans.(*dns.A)
		if !ok {
			continue
		}
		addr, err := ipaddr.Parse(a.A.String())
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
		if min == 0 || a.Hdr.Ttl < min {
			min = a.Hdr.Ttl
		}
	}
	ttl := defaultTTL
	if min > 0 {
		ttl = time.Duration(min) * time.Second
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return addrs, ttl, nil
}

type fileEntry struct {
	host     string
	interval time.Duration
}

func parseFile(data []byte) []fileEntry {
	var out []fileEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		ent := fileEntry{host: fields[0]}
		for _, f := range fields[1:] {
			if strings.HasPrefix(f, "interval=") {
				if d, err := time.ParseDuration(strings.TrimPrefix(f, "interval=")); err == nil {
					ent.interval = d
				}
			}
		}
		out = append(out, ent)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fileWatcher reports file content changes by mod time plus checksum.
// A missing file resets state so reappearance triggers a reload.
type fileWatcher struct {
	path string
	mod  time.Time
	sum  [32]byte
	have bool
}

func newFileWatcher(path string) *fileWatcher { return &fileWatcher{path: path} }

func (w *fileWatcher) Changed() ([]byte, bool) {
	st, err := os.Stat(w.path)
	if err != nil {
		w.have = false
		return nil, false
	}
	if w.have && st.ModTime().Equal(w.mod) {
		return nil, false
	}
	b, err := os.ReadFile(w.path)
	if err != nil {
		return nil, false
	}
	sum := sha256.Sum256(b)
	if w.have && sum == w.sum {
		w.mod = st.ModTime()
		return nil, false
	}
	w.mod, w.sum, w.have = st.ModTime(), sum, true
	return b, true
}

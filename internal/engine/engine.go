// Package engine orchestrates the address lists, attempt tracking and
// live filter rules behind the public allow/deny operations.
package engine

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"rdpguard/internal/enrich"
	"rdpguard/internal/firewall"
	"rdpguard/internal/ipaddr"
	"rdpguard/internal/liststore"
	"rdpguard/internal/tracker"
)

var (
	promotionsTotal = metrics.GetOrCreateCounter("rdpguard_promotions_total")
	ruleErrorsTotal = metrics.GetOrCreateCounter("rdpguard_rule_errors_total")
)

// WriteMetrics renders every registered counter in Prometheus text
// exposition format. The monitor dumps this into its log stream
// periodically.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}

type Config struct {
	// MaxAttempts is the promotion threshold; an observed failure count
	// reaching it moves the address to the deny list.
	MaxAttempts int
	// AttemptLog receives one line per observed failure and promotion.
	// Empty disables the audit trail.
	AttemptLog string
	// Enricher annotates audit entries when available.
	Enricher *enrich.Enricher
	Log      zerolog.Logger
}

// Engine serializes every mutation of the list/rule pair behind one
// mutex: a concurrently observed half-applied state (list updated, rule
// not yet) is the main correctness hazard here.
type Engine struct {
	mu       sync.Mutex
	store    *liststore.Store
	fw       firewall.Backend
	attempts *tracker.Tracker
	cfg      Config
}

func New(store *liststore.Store, fw firewall.Backend, cfg Config) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		store:    store,
		fw:       fw,
		attempts: tracker.New(),
		cfg:      cfg,
	}
}

// Snapshot is a read-only view for diagnostics.
type Snapshot struct {
	Allowed   []string        `json:"allowed"`
	Denied    []string        `json:"denied"`
	LiveRules []firewall.Rule `json:"live_rules"`
}

// Allow adds addr to the allow list, installs its ACCEPT rule and drops
// any stale DROP rule left from an earlier deny.
func (e *Engine) Allow(addr string) (liststore.AddResult, error) {
	addr, err := ipaddr.Parse(addr)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.store.Add(liststore.Allowed, addr)
	if err != nil {
		return 0, err
	}
	e.attempts.Clear(addr)
	if err := e.syncRules(addr, firewall.ActionAccept, firewall.ActionDrop); err != nil {
		return res, err
	}
	return res, nil
}

// Deny adds addr to the deny list, installs its DROP rule and drops any
// stale ACCEPT rule.
func (e *Engine) Deny(addr string) (liststore.AddResult, error) {
	addr, err := ipaddr.Parse(addr)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.denyLocked(addr)
}

func (e *Engine) denyLocked(addr string) (liststore.AddResult, error) {
	res, err := e.store.Add(liststore.Denied, addr)
	if err != nil {
		return 0, err
	}
	e.attempts.Clear(addr)
	if err := e.syncRules(addr, firewall.ActionDrop, firewall.ActionAccept); err != nil {
		return res, err
	}
	return res, nil
}

// syncRules applies the wanted rule and revokes the stale opposite one.
// The list mutation is already committed when this runs; errors leave a
// desync that reconcile repairs.
func (e *Engine) syncRules(addr string, want, stale firewall.Action) error {
	if err := e.fw.Apply(addr, want); err != nil {
		ruleErrorsTotal.Inc()
		return err
	}
	if err := e.fw.Revoke(addr, stale); err != nil {
		ruleErrorsTotal.Inc()
		return err
	}
	return nil
}

// Unallow removes addr from the allow list and revokes its ACCEPT rule.
// An absent address is not an error.
func (e *Engine) Unallow(addr string) (liststore.RemoveResult, error) {
	return e.removeFrom(addr, liststore.Allowed, firewall.ActionAccept)
}

// Undeny removes addr from the deny list and revokes its DROP rule.
func (e *Engine) Undeny(addr string) (liststore.RemoveResult, error) {
	return e.removeFrom(addr, liststore.Denied, firewall.ActionDrop)
}

func (e *Engine) removeFrom(addr string, set liststore.Set, action firewall.Action) (liststore.RemoveResult, error) {
	addr, err := ipaddr.Parse(addr)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.store.Remove(set, addr)
	if err != nil {
		return 0, err
	}
	if err := e.fw.Revoke(addr, action); err != nil {
		ruleErrorsTotal.Inc()
		return res, err
	}
	return res, nil
}

// OnFailureObserved feeds one failed-authentication event into the
// tracker and promotes the address once the threshold is reached.
// Allow-listed addresses are never counted; already denied addresses
// are ignored (their rule exists, re-counting is wasted work).
func (e *Engine) OnFailureObserved(addr string) error {
	addr, err := ipaddr.Parse(addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.Contains(liststore.Allowed, addr) {
		return nil
	}
	if e.store.Contains(liststore.Denied, addr) {
		return nil
	}

	n := e.attempts.RecordFailure(addr)
	if n < e.cfg.MaxAttempts {
		e.cfg.Log.Info().Str("addr", addr).Int("count", n).Msg("failure below threshold")
		e.audit(addr, n, "observed")
		return nil
	}

	e.cfg.Log.Warn().Str("addr", addr).Int("count", n).Msg("promoting to deny list")
	if _, err := e.denyLocked(addr); err != nil {
		// a rule-sync failure still commits the list entry; only audit
		// "denied" when that actually happened
		if e.store.Contains(liststore.Denied, addr) {
			promotionsTotal.Inc()
			e.audit(addr, n, "denied")
		} else {
			e.audit(addr, n, "deny-failed")
		}
		return fmt.Errorf("promote %s: %w", addr, err)
	}
	promotionsTotal.Inc()
	e.audit(addr, n, "denied")
	return nil
}

// Reconcile reinstalls any rule missing for a listed address. Rules it
// does not recognize are left alone; per-address failures are collected
// rather than aborting the pass.
func (e *Engine) Reconcile() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var merr *multierror.Error
	for _, addr := range e.store.All(liststore.Allowed) {
		if err := e.fw.Apply(addr, firewall.ActionAccept); err != nil {
			ruleErrorsTotal.Inc()
			merr = multierror.Append(merr, err)
		}
	}
	for _, addr := range e.store.All(liststore.Denied) {
		if err := e.fw.Apply(addr, firewall.ActionDrop); err != nil {
			ruleErrorsTotal.Inc()
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// Inspect returns both lists and the live rules for the protected port.
func (e *Engine) Inspect() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules, err := e.fw.List()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Allowed:   e.store.All(liststore.Allowed),
		Denied:    e.store.All(liststore.Denied),
		LiveRules: rules,
	}, nil
}

// audit appends one line to the attempt log. Audit failures are logged
// and swallowed; they must never stop event processing.
func (e *Engine) audit(addr string, count int, action string) {
	if e.cfg.AttemptLog == "" {
		return
	}
	line := fmt.Sprintf("%s addr=%s count=%d action=%s",
		time.Now().UTC().Format(time.RFC3339), addr, count, action)
	if e.cfg.Enricher.Enabled() {
		if s := e.cfg.Enricher.Lookup(addr).Summary(); s != "" {
			line += " origin=" + s
		}
	}
	f, err := os.OpenFile(e.cfg.AttemptLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.cfg.Log.Error().Err(err).Msg("attempt log unavailable")
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		e.cfg.Log.Error().Err(err).Msg("attempt log write failed")
	}
}

package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rdpguard/internal/firewall"
	"rdpguard/internal/liststore"
)

const testPort = 3389

// fakeBackend keeps the rule table in memory and mimics the real
// backend's membership-check-before-mutate behavior.
type fakeBackend struct {
	rules     []firewall.Rule
	failApply bool
	applied   int // underlying inserts actually issued
}

func (f *fakeBackend) EnsureBase() error { return nil }

func (f *fakeBackend) has(addr string, action firewall.Action) bool {
	for _, r := range f.rules {
		if r.Addr == addr && r.Action == action {
			return true
		}
	}
	return false
}

func (f *fakeBackend) Apply(addr string, action firewall.Action) error {
	if f.failApply {
		return fmt.Errorf("%w: injected", firewall.ErrFilterCommand)
	}
	if f.has(addr, action) {
		return nil
	}
	f.applied++
	f.rules = append([]firewall.Rule{{Addr: addr, Port: testPort, Action: action}}, f.rules...)
	return nil
}

func (f *fakeBackend) Revoke(addr string, action firewall.Action) error {
	out := f.rules[:0]
	for _, r := range f.rules {
		if r.Addr == addr && r.Action == action {
			continue
		}
		out = append(out, r)
	}
	f.rules = out
	return nil
}

func (f *fakeBackend) List() ([]firewall.Rule, error) {
	return append([]firewall.Rule(nil), f.rules...), nil
}

func newEngine(t *testing.T, cfg Config) (*Engine, *fakeBackend, *liststore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := liststore.Open(filepath.Join(dir, "allow"), filepath.Join(dir, "deny"))
	require.NoError(t, err)
	fw := &fakeBackend{}
	cfg.Log = zerolog.Nop()
	return New(store, fw, cfg), fw, store
}

func TestAllowInstallsAcceptRule(t *testing.T) {
	eng, fw, store := newEngine(t, Config{})

	res, err := eng.Allow("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, liststore.Added, res)
	assert.True(t, store.Contains(liststore.Allowed, "10.0.0.5"))
	assert.True(t, fw.has("10.0.0.5", firewall.ActionAccept))
}

func TestDisjointnessUnderAllowDeny(t *testing.T) {
	eng, fw, store := newEngine(t, Config{})

	_, err := eng.Allow("203.0.113.7")
	require.NoError(t, err)
	_, err = eng.Deny("203.0.113.7")
	require.NoError(t, err)

	assert.False(t, store.Contains(liststore.Allowed, "203.0.113.7"))
	assert.True(t, store.Contains(liststore.Denied, "203.0.113.7"))
	// stale ACCEPT revoked, single DROP live
	assert.False(t, fw.has("203.0.113.7", firewall.ActionAccept))
	assert.True(t, fw.has("203.0.113.7", firewall.ActionDrop))
	assert.Len(t, fw.rules, 1)
}

func TestDenyIdempotent(t *testing.T) {
	eng, fw, store := newEngine(t, Config{})

	_, err := eng.Deny("203.0.113.7")
	require.NoError(t, err)
	res, err := eng.Deny("203.0.113.7")
	require.NoError(t, err)

	assert.Equal(t, liststore.AlreadyPresent, res)
	assert.Equal(t, []string{"203.0.113.7"}, store.All(liststore.Denied))
	assert.Len(t, fw.rules, 1)
	assert.Equal(t, 1, fw.applied)
}

func TestAllowUnallowSymmetry(t *testing.T) {
	eng, fw, store := newEngine(t, Config{})

	_, err := eng.Allow("10.0.0.5")
	require.NoError(t, err)
	res, err := eng.Unallow("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, liststore.Removed, res)

	assert.Empty(t, store.All(liststore.Allowed))
	assert.Empty(t, fw.rules)

	res, err = eng.Unallow("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, liststore.NotPresent, res)
}

func TestValidationRejectedBeforeState(t *testing.T) {
	eng, fw, store := newEngine(t, Config{})

	for _, bad := range []string{"", "999.1.1.1", "2001:db8::1", "nonsense"} {
		_, err := eng.Deny(bad)
		assert.Error(t, err, bad)
	}
	assert.Empty(t, store.All(liststore.Denied))
	assert.Empty(t, fw.rules)
}

func TestThresholdDefaultBansFirstFailure(t *testing.T) {
	eng, fw, store := newEngine(t, Config{MaxAttempts: 1})

	require.NoError(t, eng.OnFailureObserved("203.0.113.7"))

	assert.True(t, store.Contains(liststore.Denied, "203.0.113.7"))
	assert.True(t, fw.has("203.0.113.7", firewall.ActionDrop))
	assert.Equal(t, 0, eng.attempts.Count("203.0.113.7"))
}

func TestThresholdAccumulates(t *testing.T) {
	eng, fw, store := newEngine(t, Config{MaxAttempts: 3})

	require.NoError(t, eng.OnFailureObserved("198.51.100.9"))
	require.NoError(t, eng.OnFailureObserved("198.51.100.9"))
	assert.False(t, store.Contains(liststore.Denied, "198.51.100.9"))
	assert.Empty(t, fw.rules)
	assert.Equal(t, 2, eng.attempts.Count("198.51.100.9"))

	require.NoError(t, eng.OnFailureObserved("198.51.100.9"))
	assert.True(t, store.Contains(liststore.Denied, "198.51.100.9"))
	assert.True(t, fw.has("198.51.100.9", firewall.ActionDrop))
	assert.Equal(t, 0, eng.attempts.Count("198.51.100.9"))
}

func TestAllowedAddressNeverCounted(t *testing.T) {
	eng, fw, store := newEngine(t, Config{MaxAttempts: 1})

	_, err := eng.Allow("10.0.0.5")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, eng.OnFailureObserved("10.0.0.5"))
	}

	assert.False(t, store.Contains(liststore.Denied, "10.0.0.5"))
	assert.Equal(t, 0, eng.attempts.Count("10.0.0.5"))
	assert.False(t, fw.has("10.0.0.5", firewall.ActionDrop))
}

func TestDeniedAddressNotRecounted(t *testing.T) {
	eng, _, _ := newEngine(t, Config{MaxAttempts: 5})

	_, err := eng.Deny("203.0.113.7")
	require.NoError(t, err)
	require.NoError(t, eng.OnFailureObserved("203.0.113.7"))
	assert.Equal(t, 0, eng.attempts.Count("203.0.113.7"))
}

func TestReconcileConvergence(t *testing.T) {
	eng, fw, store := newEngine(t, Config{})

	_, err := store.Add(liststore.Allowed, "10.0.0.5")
	require.NoError(t, err)
	_, err = store.Add(liststore.Denied, "203.0.113.7")
	require.NoError(t, err)
	_, err = store.Add(liststore.Denied, "198.51.100.9")
	require.NoError(t, err)

	require.NoError(t, eng.Reconcile())
	assert.True(t, fw.has("10.0.0.5", firewall.ActionAccept))
	assert.True(t, fw.has("203.0.113.7", firewall.ActionDrop))
	assert.True(t, fw.has("198.51.100.9", firewall.ActionDrop))
	assert.Len(t, fw.rules, 3)

	// converged state is a fixed point
	require.NoError(t, eng.Reconcile())
	assert.Len(t, fw.rules, 3)
	assert.Equal(t, 3, fw.applied)
}

func TestRuleFailureLeavesRecoverableDesync(t *testing.T) {
	eng, fw, store := newEngine(t, Config{})

	fw.failApply = true
	_, err := eng.Deny("203.0.113.7")
	require.ErrorIs(t, err, firewall.ErrFilterCommand)
	// list mutation committed, rule missing
	assert.True(t, store.Contains(liststore.Denied, "203.0.113.7"))
	assert.False(t, fw.has("203.0.113.7", firewall.ActionDrop))

	fw.failApply = false
	require.NoError(t, eng.Reconcile())
	assert.True(t, fw.has("203.0.113.7", firewall.ActionDrop))
}

func TestInspect(t *testing.T) {
	eng, _, _ := newEngine(t, Config{})

	_, err := eng.Allow("10.0.0.5")
	require.NoError(t, err)
	_, err = eng.Deny("203.0.113.7")
	require.NoError(t, err)

	snap, err := eng.Inspect()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, snap.Allowed)
	assert.Equal(t, []string{"203.0.113.7"}, snap.Denied)
	assert.Len(t, snap.LiveRules, 2)
}

func TestAuditTrail(t *testing.T) {
	dir := t.TempDir()
	store, err := liststore.Open(filepath.Join(dir, "allow"), filepath.Join(dir, "deny"))
	require.NoError(t, err)
	audit := filepath.Join(dir, "attempts.log")
	eng := New(store, &fakeBackend{}, Config{
		MaxAttempts: 2,
		AttemptLog:  audit,
		Log:         zerolog.Nop(),
	})

	require.NoError(t, eng.OnFailureObserved("198.51.100.9"))
	require.NoError(t, eng.OnFailureObserved("198.51.100.9"))

	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "addr=198.51.100.9")
	assert.Contains(t, lines[0], "count=1")
	assert.Contains(t, lines[0], "action=observed")
	assert.Contains(t, lines[1], "count=2")
	assert.Contains(t, lines[1], "action=denied")
}

func TestFailedPromotionNotAuditedAsDenied(t *testing.T) {
	base := t.TempDir()
	lists := filepath.Join(base, "lists")
	require.NoError(t, os.Mkdir(lists, 0o755))
	store, err := liststore.Open(filepath.Join(lists, "allow"), filepath.Join(lists, "deny"))
	require.NoError(t, err)
	audit := filepath.Join(base, "attempts.log")
	eng := New(store, &fakeBackend{}, Config{
		MaxAttempts: 1,
		AttemptLog:  audit,
		Log:         zerolog.Nop(),
	})

	// kill the list directory so the deny-list flush fails
	require.NoError(t, os.RemoveAll(lists))
	require.Error(t, eng.OnFailureObserved("203.0.113.7"))

	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(data), "action=deny-failed")
	assert.NotContains(t, string(data), "action=denied")
}

func TestPromotionRuleFailureAuditedAsDenied(t *testing.T) {
	// the list entry commits even when the rule insert fails, and the
	// audit trail must say so
	dir := t.TempDir()
	store, err := liststore.Open(filepath.Join(dir, "allow"), filepath.Join(dir, "deny"))
	require.NoError(t, err)
	audit := filepath.Join(dir, "attempts.log")
	fw := &fakeBackend{failApply: true}
	eng := New(store, fw, Config{
		MaxAttempts: 1,
		AttemptLog:  audit,
		Log:         zerolog.Nop(),
	})

	require.Error(t, eng.OnFailureObserved("203.0.113.7"))
	assert.True(t, store.Contains(liststore.Denied, "203.0.113.7"))

	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(data), "action=denied")
}

func TestWriteMetricsExposesCounters(t *testing.T) {
	before := metrics.GetOrCreateCounter("rdpguard_promotions_total").Get()
	eng, _, _ := newEngine(t, Config{MaxAttempts: 1})
	require.NoError(t, eng.OnFailureObserved("192.0.2.77"))

	assert.Equal(t, before+1, metrics.GetOrCreateCounter("rdpguard_promotions_total").Get())

	var buf bytes.Buffer
	WriteMetrics(&buf)
	assert.Contains(t, buf.String(), "rdpguard_promotions_total")
	assert.Contains(t, buf.String(), "rdpguard_rule_errors_total")
}

func TestEndToEndScenario(t *testing.T) {
	// a single observed failure line's address ends up denied with one
	// DROP rule and a cleared attempt record
	eng, fw, store := newEngine(t, Config{MaxAttempts: 1})

	require.NoError(t, eng.OnFailureObserved("198.51.100.9"))

	assert.Equal(t, []string{"198.51.100.9"}, store.All(liststore.Denied))
	require.Len(t, fw.rules, 1)
	assert.Equal(t, firewall.Rule{Addr: "198.51.100.9", Port: testPort, Action: firewall.ActionDrop}, fw.rules[0])
	assert.Equal(t, 0, eng.attempts.Count("198.51.100.9"))
}

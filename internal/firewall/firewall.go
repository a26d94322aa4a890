package firewall

import "errors"

// ErrFilterCommand wraps failures of the underlying kernel filter call.
// List state may already be committed when this surfaces; the desync is
// recoverable via reconcile.
var ErrFilterCommand = errors.New("filter command failed")

type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionDrop   Action = "DROP"
)

// Rule is one live per-address entry on the protected port.
type Rule struct {
	Addr   string
	Port   int
	Action Action
}

type Backend interface {
	// EnsureBase creates the dedicated chain and its hook into the
	// input path. Safe to call repeatedly.
	EnsureBase() error

	// Apply inserts the rule at the head of the chain. Applying a rule
	// that is already present is a no-op, not an error.
	Apply(addr string, action Action) error

	// Revoke removes the matching rule. Revoking an absent rule is a
	// no-op.
	Revoke(addr string, action Action) error

	// List returns the live per-address rules on the protected port.
	// Rules belonging to other services are never reported or touched.
	List() ([]Rule, error)
}

// Package apperrors defines the sentinel errors exchanged across the grid
// engine's component boundaries (spec §7). Accounting and grid-mutation
// layers never throw for expected domain conditions; they return one of
// these via errors.Is-compatible wrapping, and orchestration layers decide
// whether to log, retry, or surface the failure.
package apperrors

import "errors"

var (
	// ErrInsufficientFunds is returned locally when a slot's fund request
	// cannot be satisfied; never surfaced as an exception unless the
	// caller opts in.
	ErrInsufficientFunds = errors.New("apperrors: insufficient funds")

	// ErrPhantomOrder marks an order claiming on-chain state without a
	// chain_order_id. The gridstate layer auto-corrects (downgrade to
	// VIRTUAL, zero size, drop chain id) and logs at error level; callers
	// that see this error are reporting the correction, not blocking on it.
	ErrPhantomOrder = errors.New("apperrors: phantom order")

	// ErrIllegalStateTransition covers invalid type/state moves (e.g.
	// SPREAD -> ACTIVE). Rejected by the mutator; the manager also returns
	// it, wrapped with the reason, when a working grid is stale at planning
	// or commit time.
	ErrIllegalStateTransition = errors.New("apperrors: illegal state transition")

	// ErrInvariantViolation covers fund drift and surplus
	// over-estimation detected by the accountant. Logged at error level;
	// triggers at most one recovery attempt per cycle.
	ErrInvariantViolation = errors.New("apperrors: invariant violation")

	// ErrChainRPC wraps a failed blockchain RPC call. Propagated to the
	// caller; the manager logs and continues with last-known state.
	ErrChainRPC = errors.New("apperrors: chain rpc error")

	// ErrLockTimeout is returned when a sync-engine lease cannot be
	// acquired before its deadline. Leases self-expire; the operation is
	// rejected rather than retried inline.
	ErrLockTimeout = errors.New("apperrors: lock timeout")

	// ErrParse marks a malformed chain order or fill record. The
	// offending record is skipped with a warning; other records proceed.
	ErrParse = errors.New("apperrors: parse error")
)

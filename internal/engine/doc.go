// Package engine runs finalized changesets against their data layer.
//
// A run walks the changeset through its hook phases:
//
//	pending -> around_transaction -> before_transaction -> [transaction]
//	        -> around_action -> before_action -> write -> after_action
//	        -> after_transaction -> pending
//
// Around hooks wrap everything after them and receive a continuation.
// Before hooks run in registration order and the first failure, or the
// first hook that leaves the changeset invalid, halts the run. After-action
// hooks see the written record and the notifications gathered so far.
// After-transaction hooks run exactly once per run, on success, failure and
// panic, and may replace the outcome.
//
// TRANSACTIONS:
//
// A transaction is opened only when the caller allows it, the data layer
// supports one, and either the data layer prefers transactions or the
// changeset has action hooks or pending relationship work. Runs started
// from inside a hook with the hook's ctx share a reentrancy scope: they join
// the enclosing transaction instead of opening another, and their
// notifications are released by the outermost run after it commits.
//
// TIMEOUTS:
//
// A transactional run hands its timeout to the data layer. A run without a
// transaction executes from around_transaction to after_transaction in its
// own goroutine, bounded by the timeout; overrunning it returns
// *changeset.TimeoutExceededError while the abandoned unit finishes against
// a cancelled context.
//
// ENTRY POINTS:
//
// Create builds a changeset through the phased pipeline. Update, UpdateRecord
// and Destroy first try to compile the action into one atomic write and fall
// back to the phased pipeline when the compiler reports it is not atomic.
package engine

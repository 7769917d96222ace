// Package protocol implements the core state machines of the
// multi-party study protocol: study formation and key-share
// aggregation, dataset commitment bookkeeping, and the job
// approval/execution/threshold-decryption workflow.
//
// # Trust model
//
// Studies are coordinated, not trusted: participants hold their own key
// shares and encrypt their own data, so the coordinator can neither
// decrypt datasets nor release results on its own. Two thresholds
// govern a study of n institutions:
//
//  1. Full consent: all n participants must approve a computation
//     request before it runs.
//  2. Decryption quorum: t of n decryption shares (1 ≤ t ≤ n) release
//     the plaintext result.
//
// The asymmetry is deliberate: starting a computation exposes nothing,
// but it commits everyone's datasets to the analysis, so it requires
// unanimity. Releasing the result is a t-of-n threshold operation by
// construction of the underlying cryptography.
//
// # State machines
//
// A study moves from forming to active exactly when the n-th
// institution has joined and its key share has been folded into the
// combined study key.
//
// A job moves through
//
//	pending_approval → computing → awaiting_decryption → completed
//
// with rejected reachable from pending_approval (any single reject is
// terminal) and failed reachable from computing (engine error).
//
// Types in this package hold no locks; callers serialize access per
// entity and pair every transition with its audit append.
package protocol

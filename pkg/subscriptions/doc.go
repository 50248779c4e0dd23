// Package subscriptions implements the subscription lifecycle engine: lazy
// expiry reconciliation, the role demotion/restore cascade, and the trial
// data-retention sweep.
//
// Reconciliation is the single point where expiry becomes real. It runs as
// one database transaction holding a row lock on the subscription, so
// concurrent requests racing through it for the same owner are serialized;
// transient serialization conflicts are retried transparently. Nothing else
// in the system may infer expiry on its own; callers that need a
// trustworthy status go through CheckAndReconcile or IsActive.
//
// The role snapshot recorded at the first demotion of a lapse episode is
// what makes repeated expiry/renewal cycles lossless: a second demotion
// pass never overwrites an entry that already exists, and a restore
// consumes the snapshot to put every identity back exactly where it was.
// Members who joined during the lapse have no snapshot entry and are
// restored by a documented fallback heuristic.
package subscriptions

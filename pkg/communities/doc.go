// Package communities manages communities, memberships, and security
// reports.
//
// Membership is unique per user: a user belongs to at most one community at
// a time, and creating a membership for a user who already has one replaces
// the existing row atomically (explicit last-writer-wins). Role side effects
// of joining and leaving belong to the subscriptions coordinator, which the
// API layer invokes explicitly; this package owns rows, not roles.
package communities

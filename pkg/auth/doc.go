// Package auth provides identity types, credential verification, and
// per-IP login throttling for the vecino platform.
//
// The login throttle gates the authentication endpoint: callers check
// IsLocked before verifying credentials and record the outcome afterwards.
// The check is a mutating operation: a blocked record whose window has
// elapsed is healed during the read, so callers must never skip it on the
// assumption that it is a pure query.
//
// Two throttle implementations are provided:
//   - MemoryThrottle: per-IP records guarded by a mutex, for single-instance
//     deployments and tests.
//   - RedisThrottle: shared counters with TTL-based healing, for deployments
//     running more than one API instance.
package auth

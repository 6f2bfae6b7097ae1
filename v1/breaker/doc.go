// Package breaker provides a circuit breaker whose state can live in
// process memory, in a shared conditional-write store, or in a shared
// store with every read-modify-write serialized through a distributed
// lease. HALF_OPEN is never persisted: it is derived at read time from
// an OPEN record whose recovery timeout has elapsed, so any number of
// instances agree on it without an extra write.
package breaker

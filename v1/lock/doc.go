// Package lock provides lease-based distributed mutual exclusion over a
// conditional-write key-value store. A Manager grants, renews and
// revokes leases; competitors detect a dead holder by watching the
// lease's freshness token stop changing for the holder's declared lease
// duration, then take over with a conditional overwrite. Two background
// loops renew held leases (heartbeat sender) and flag leases whose last
// renewal is dangerously old (heartbeat checker).
package lock

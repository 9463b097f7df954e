// Package lock provides the per-key lock table guarding mail ownership.
//
// A [Table] maps a key (a mail name) to the owner currently holding it.
// Owners are plain strings; workers pass one id per processing loop.
// Acquisition is re-entrant for the holding owner and never blocks: a false
// return from [Table.Lock] is normal control flow meaning "try another key".
//
// # Orphaned locks
//
// By default locks never expire, so a crashed owner leaves its key locked
// until an operator calls [Table.Release]. [WithTTL] turns locks into leases:
// an expired lock may be taken over by another owner and is dropped by
// [Table.ReleaseStale].
//
// # Thread Safety
//
// All methods are safe for concurrent use. Keys are independent; there is no
// table-wide mutex, so contention on one key never delays another.
package lock

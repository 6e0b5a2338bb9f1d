// Package taskstore is the source of truth for task records, claim
// exclusivity, and leases.
//
// Layout in Pebble:
//
//	task/{id}                          task record (JSON)
//	pending/{command}/{seq}            visible pending index, oldest first
//	claimed/{command}/{seq}            tasks under a lease
//	failed/{command}/{seq}             terminal failures
//	delay_idx/{command}/{ms}/{seq}     pending but not yet visible
//	lease_idx/{ms}/{id}                lease expiry order (value = epoch)
//	idem/{key}                         idempotency key to task id
//	retain/{ms}/{id}                   retention deadline for terminal tasks
//	meta/seq                           last assigned creation sequence
//
// All transitions run under one mutex and commit as a single batch. A task
// moves PENDING -> CLAIMED -> {COMPLETED | FAILED}, never backward. Lease
// expiry is enforced lazily: every claim first reclaims lapsed leases, so no
// background process is needed for correctness. An optional sweeper can do
// the same reclaim between claims for observability.
//
// The lease epoch guards reclaim against racing renewals: each grant or
// renewal bumps the task's epoch and writes a fresh lease_idx entry carrying
// it, so an older entry whose epoch no longer matches is discarded instead of
// voiding the renewed lease.
package taskstore

// Package scheduler is the persistent delayed-job scheduler.
//
// Jobs live in a storage.JobStore keyed by a deterministic identity. A polling
// loop asks the store for due jobs, marks each one executing and hands it to
// the engine without waiting. Completion bookkeeping (remove, re-arm, retry)
// runs under the same lock as the executing guard, so a job fires at most once
// per schedule within one process.
//
// State per job:
//
//	PENDING -> EXECUTING -> DELETED   one-shot success, cancel, retries exhausted
//	PENDING -> EXECUTING -> PENDING   interval re-arm, one-shot retry
//	PENDING -> DELETED                cancel
package scheduler

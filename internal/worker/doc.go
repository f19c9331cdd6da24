// Package worker runs the executor pool. Each executor loops claim, execute
// pipeline, report outcome. A background renewal keeps the job's lease alive
// while stages run; losing the lease aborts local work immediately because
// another executor now owns recovery. Store outages pause claiming pool-wide
// instead of failing individual jobs.
package worker

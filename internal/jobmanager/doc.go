// Package jobmanager owns the development-job lifecycle: submission and
// validation, a bounded FIFO queue drained by a small worker pool, the job
// state machine, and the mapping from each job to its supervised process
// and resource leases.
//
// A Job is one tracked unit of work (build, launch, or template-create),
// identified by UUID. Job records are mutated only by the worker executing
// the job or by an explicit cancellation request, and are destroyed only by
// retention pruning of terminal jobs.
package jobmanager

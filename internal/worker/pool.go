package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job represents a unit of work to be processed by a worker.
// Implementations should define their own concrete job types with this as a base.
type Job interface {
	// Execute performs the work synchronously.
	// Context should be used to check for cancellation.
	Execute(ctx context.Context) Result
}

// Result represents the outcome of a job execution.
type Result interface {
	// Error returns any error that occurred during execution, or nil if successful.
	Error() error
}

// SpawnWorkerPool creates and manages a pool of worker goroutines.
// Workers process jobs from the provided job queue; panics are recovered
// and failures logged so one bad job never takes a worker down.
//
// Returns a WaitGroup that tracks all worker goroutines. Call Wait() to
// block until all workers exit. Workers exit only once the queue is
// closed; after the context is cancelled they keep executing queued jobs
// until then.
func SpawnWorkerPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	logger *slog.Logger,
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			logger.Debug("Worker started",
				"worker_id", workerID,
				"total_workers", numWorkers,
			)

			executeJob := func(job Job) {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("Job panicked",
							"worker_id", workerID,
							"panic", fmt.Sprintf("%v", r),
						)
					}
				}()

				result := job.Execute(ctx)

				if result != nil && result.Error() != nil {
					logger.Error("Job execution failed",
						"worker_id", workerID,
						"error", result.Error(),
					)
				}
			}

			for {
				select {
				case <-ctx.Done():
					// Context cancelled, run remaining jobs until the queue is closed
					for job := range jobQueue {
						executeJob(job)
					}
					logger.Debug("Worker exiting",
						"worker_id", workerID,
						"reason", "context_cancelled",
					)
					return

				case job, ok := <-jobQueue:
					if !ok {
						logger.Debug("Worker exiting",
							"worker_id", workerID,
							"reason", "job_queue_closed",
						)
						return
					}

					executeJob(job)
				}
			}
		}(i)
	}

	logger.Debug("Worker pool spawned",
		"num_workers", numWorkers,
	)

	return wg
}

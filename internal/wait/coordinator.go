// Package wait implements the synchronous wait-for-result primitive used by
// request-blocking endpoints: poll for job materialization, race the
// completion event against the deadline, fall back to the blob store for
// out-of-band results, and re-raise transported errors typed.
package wait

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nareg23/firecrawl/internal/blobstore"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/queue"
	"github.com/nareg23/firecrawl/internal/scrape"
)

const defaultPollInterval = 500 * time.Millisecond

type Coordinator struct {
	queue   *queue.Queue
	blobs   blobstore.Store
	metrics *monitoring.Metrics
	logger  *slog.Logger

	pollInterval   time.Duration
	defaultTimeout time.Duration
}

func New(q *queue.Queue, blobs blobstore.Store, metrics *monitoring.Metrics, logger *slog.Logger, defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 180 * time.Second
	}
	return &Coordinator{
		queue:          q,
		blobs:          blobs,
		metrics:        metrics,
		logger:         logger,
		pollInterval:   defaultPollInterval,
		defaultTimeout: defaultTimeout,
	}
}

// WaitForJob blocks until the job reaches a terminal state, the timeout
// passes, or the caller cancels. Exactly one outcome is returned per call.
func (c *Coordinator) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) ([]scrape.Document, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, err := c.awaitMaterialized(ctx, jobID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.metrics.RecordWaitOutcome("timeout_in_queue")
			return nil, scrape.ErrScrapeTimeoutInQueue
		}
		c.metrics.RecordWaitOutcome("cancelled")
		return nil, err
	}

	if !rec.State.Terminal() {
		rec, err = c.awaitTerminal(ctx, jobID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.metrics.RecordWaitOutcome("timeout")
				return nil, scrape.ErrScrapeTimeout
			}
			c.metrics.RecordWaitOutcome("cancelled")
			return nil, err
		}
	}

	return c.resolve(ctx, rec)
}

// awaitMaterialized polls until the job record appears. Deferred jobs have
// no record until the drainer promotes them.
func (c *Coordinator) awaitMaterialized(ctx context.Context, jobID string) (*queue.Record, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.queue.Job(ctx, jobID)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// awaitTerminal subscribes to the completion channel, then re-checks the
// record so a completion between poll and subscribe is not missed.
func (c *Coordinator) awaitTerminal(ctx context.Context, jobID string) (*queue.Record, error) {
	sub, err := c.queue.Subscribe(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	rec, err := c.queue.Job(ctx, jobID)
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	if rec != nil && rec.State.Terminal() {
		return rec, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec, ok := <-sub.C:
		if !ok || rec == nil {
			return nil, ctx.Err()
		}
		return rec, nil
	}
}

// resolve translates a terminal record into documents or a typed error.
func (c *Coordinator) resolve(ctx context.Context, rec *queue.Record) ([]scrape.Document, error) {
	if rec.State == queue.StateFailed {
		c.metrics.RecordWaitOutcome("failed")
		if te, ok := scrape.DeserializeError(rec.FailedReason); ok {
			return nil, te
		}
		msg := rec.FailedReason
		if msg == "" {
			msg = "scrape failed"
		}
		return nil, scrape.NewError(scrape.KindUnknown, msg)
	}

	docs, err := rec.Documents()
	if err != nil {
		c.metrics.RecordWaitOutcome("failed")
		return nil, scrape.WrapError(scrape.KindUnknown, "corrupt result payload", err)
	}
	if len(docs) > 0 {
		c.metrics.RecordWaitOutcome("completed")
		return docs, nil
	}

	// Empty inline result: the worker persisted the payload out-of-band.
	docs, found, err := c.blobs.Get(ctx, rec.ID)
	if err != nil {
		c.metrics.RecordWaitOutcome("failed")
		return nil, scrape.WrapError(scrape.KindUnknown, "blob fetch failed", err)
	}
	if !found {
		c.metrics.RecordWaitOutcome("not_found")
		return nil, scrape.ErrResultNotFound
	}

	if job, jobErr := rec.Job(); jobErr == nil && job != nil && job.ZeroDataRetention {
		if err := c.blobs.Delete(ctx, rec.ID); err != nil {
			c.logger.Warn("zero-data-retention blob delete failed", "job_id", rec.ID, "error", err)
		}
	}

	c.metrics.RecordWaitOutcome("completed_blob")
	return docs, nil
}

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nareg23/firecrawl/internal/blobstore"
	"github.com/nareg23/firecrawl/internal/drain"
	"github.com/nareg23/firecrawl/internal/httputil"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/planstore"
	"github.com/nareg23/firecrawl/internal/queue"
	"github.com/nareg23/firecrawl/internal/ratelimit"
	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/worker"
)

const (
	dequeuePollInterval = 500 * time.Millisecond

	// maxInlineResultBytes bounds what is stored inline on the queue
	// record; anything larger goes to the blob store.
	maxInlineResultBytes = 512 * 1024
)

// Engine executes one scrape. The real engine (browser fleet, PDF parsing,
// extraction) lives in its own service; this binary ships a plain HTTP
// fetch implementation.
type Engine interface {
	Scrape(ctx context.Context, job *scrape.Job) ([]scrape.Document, error)
}

type fetchEngine struct {
	client *http.Client
	logger *slog.Logger
}

func newFetchEngine(logger *slog.Logger) *fetchEngine {
	return &fetchEngine{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (e *fetchEngine) Scrape(ctx context.Context, job *scrape.Job) ([]scrape.Document, error) {
	body, status, err := httputil.Fetch(ctx, e.client, job.URL, e.logger)
	if err != nil {
		return nil, err
	}
	return []scrape.Document{{
		URL:        job.URL,
		RawHTML:    string(body),
		StatusCode: status,
	}}, nil
}

// consumer pops queue records and runs them through the engine, releasing
// ledger slots and draining the team when each job finishes.
type consumer struct {
	queue   *queue.Queue
	drainer *drain.Drainer
	blobs   blobstore.Store
	plans   planstore.Store
	engine  Engine
	limiter *ratelimit.TimeBasedRateLimiter
	metrics *monitoring.Metrics
	logger  *slog.Logger

	scrapeTimeout time.Duration
}

func newConsumer(q *queue.Queue, d *drain.Drainer, blobs blobstore.Store, plans planstore.Store, engine Engine, metrics *monitoring.Metrics, logger *slog.Logger, scrapeTimeout time.Duration) *consumer {
	return &consumer{
		queue:         q,
		drainer:       d,
		blobs:         blobs,
		plans:         plans,
		engine:        engine,
		limiter:       ratelimit.NewTimeBasedRateLimiter(),
		metrics:       metrics,
		logger:        logger,
		scrapeTimeout: scrapeTimeout,
	}
}

// Start spawns the processing pool plus the dequeue poller feeding it.
func (c *consumer) Start(ctx context.Context, workers int) *sync.WaitGroup {
	jobs := make(chan worker.Job, workers)
	wg := worker.SpawnWorkerPool(ctx, workers, jobs, c.logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)

		ticker := time.NewTicker(dequeuePollInterval)
		defer ticker.Stop()
		for {
			rec, err := c.queue.Dequeue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("dequeue failed", "error", err)
			}
			if rec != nil {
				select {
				case jobs <- &scrapeTask{consumer: c, rec: rec}:
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return wg
}

type scrapeTask struct {
	consumer *consumer
	rec      *queue.Record
}

type taskResult struct {
	err error
}

func (r taskResult) Error() error { return r.err }

func (t *scrapeTask) Execute(ctx context.Context) worker.Result {
	c := t.consumer

	job, err := t.rec.Job()
	if err != nil {
		_ = c.queue.Fail(ctx, t.rec.ID, scrape.WrapError(scrape.KindUnknown, "corrupt job payload", err))
		c.metrics.RecordJobProcessed("corrupt")
		return taskResult{err: err}
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = c.scrapeTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Crawls configured with a delay pace their fetches.
	if job.CrawlID != "" {
		if crawl, err := c.plans.Crawl(jobCtx, job.CrawlID); err == nil && crawl != nil && crawl.Delay > 0 {
			if err := c.limiter.Wait(jobCtx, crawl.ID, crawl.Delay); err != nil {
				return t.finish(ctx, job, nil, err)
			}
		}
	}

	docs, scrapeErr := c.engine.Scrape(jobCtx, job)
	return t.finish(ctx, job, docs, scrapeErr)
}

// finish records the outcome, releases the ledger slots and triggers a
// drain for the team. The release context deliberately ignores the scrape
// deadline so bookkeeping still happens for timed-out jobs.
func (t *scrapeTask) finish(ctx context.Context, job *scrape.Job, docs []scrape.Document, scrapeErr error) worker.Result {
	c := t.consumer

	if scrapeErr != nil {
		if err := c.queue.Fail(ctx, job.ID, scrape.WrapError(scrape.KindUnknown, "scrape failed", scrapeErr)); err != nil {
			c.logger.Error("failure report failed", "job_id", job.ID, "error", err)
		}
		c.metrics.RecordJobProcessed("failed")
	} else {
		inline := docs
		if encoded, err := json.Marshal(docs); err == nil && len(encoded) > maxInlineResultBytes {
			if err := c.blobs.Put(ctx, job.ID, docs); err != nil {
				c.logger.Error("blob write failed, keeping result inline", "job_id", job.ID, "error", err)
			} else {
				inline = nil
			}
		}
		if err := c.queue.Complete(ctx, job.ID, inline); err != nil {
			c.logger.Error("completion report failed", "job_id", job.ID, "error", err)
		}
		c.metrics.RecordJobProcessed("completed")
	}

	if err := c.drainer.Release(ctx, job.TeamID, job.CrawlID, job.ID); err != nil {
		c.logger.Warn("slot release failed", "team_id", job.TeamID, "job_id", job.ID, "error", err)
	}
	return taskResult{err: scrapeErr}
}

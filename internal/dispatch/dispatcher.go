// Package dispatch turns admission verdicts into effects: ledger writes,
// worker-queue publishes and concurrency-queue parking.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nareg23/firecrawl/internal/admission"
	"github.com/nareg23/firecrawl/internal/ledger"
	"github.com/nareg23/firecrawl/internal/mirror"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/notify"
	"github.com/nareg23/firecrawl/internal/queue"
	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/utils"
)

type Config struct {
	// ActiveEntryTTL is the safety-net TTL on active ledger entries.
	ActiveEntryTTL time.Duration
	// ScrapeTimeout is the default per-attempt timeout and the hold
	// deadline for deferred ad-hoc jobs.
	ScrapeTimeout time.Duration
}

type Dispatcher struct {
	ledger  *ledger.Ledger
	queue   *queue.Queue
	ctrl    *admission.Controller
	gate    *notify.Gate
	mirror  *mirror.Mirror
	metrics *monitoring.Metrics
	logger  *slog.Logger
	cfg     Config
}

func New(l *ledger.Ledger, q *queue.Queue, ctrl *admission.Controller, gate *notify.Gate, mir *mirror.Mirror, metrics *monitoring.Metrics, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.ActiveEntryTTL <= 0 {
		cfg.ActiveEntryTTL = 60 * time.Second
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 60 * time.Second
	}
	return &Dispatcher{
		ledger:  l,
		queue:   q,
		ctrl:    ctrl,
		gate:    gate,
		mirror:  mir,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

func (d *Dispatcher) normalize(job *scrape.Job) {
	if job.ID == "" {
		job.ID = scrape.NewJobID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = utils.NowUTC()
	}
	if job.Timeout <= 0 {
		job.Timeout = d.cfg.ScrapeTimeout
	}
}

// SubmitOne admits or parks a single job. Returns the worker-queue record
// on admit and nil on defer.
func (d *Dispatcher) SubmitOne(ctx context.Context, job *scrape.Job) (*queue.Record, error) {
	d.normalize(job)

	verdict, crawl, err := d.ctrl.AdmitOne(ctx, job)
	if err != nil {
		return nil, err
	}

	if verdict == admission.VerdictAdmit {
		rec, err := d.admit(ctx, job, crawl)
		if err != nil {
			return nil, err
		}
		d.mirror.Sample(job)
		return rec, nil
	}

	if err := d.park(ctx, job); err != nil {
		return nil, err
	}

	if verdict == admission.VerdictDeferTenant {
		d.maybeNotifyBacklog(ctx, job)
	}
	return nil, nil
}

// SubmitMany admits or parks a batch. Batches are partitioned by team
// regardless of caller discipline; input order is preserved within a team.
func (d *Dispatcher) SubmitMany(ctx context.Context, jobs []*scrape.Job) error {
	teams := make([]string, 0, 1)
	byTeam := make(map[string][]*scrape.Job)
	for _, job := range jobs {
		d.normalize(job)
		if _, ok := byTeam[job.TeamID]; !ok {
			teams = append(teams, job.TeamID)
		}
		byTeam[job.TeamID] = append(byTeam[job.TeamID], job)
	}

	for _, teamID := range teams {
		decision, err := d.ctrl.AdmitMany(ctx, teamID, byTeam[teamID])
		if err != nil {
			return err
		}

		for _, job := range decision.Admit {
			crawl := decision.Crawls[job.CrawlID]
			if _, err := d.admit(ctx, job, crawl); err != nil {
				// Ledger write failures are fatal for the submission.
				if errors.Is(err, scrape.ErrLedgerUnavailable) {
					return err
				}
				// The ledger entry self-heals via TTL; keep going so one
				// broken enqueue does not strand the rest of the batch.
				d.logger.Error("bulk admit failed", "team_id", teamID, "job_id", job.ID, "error", err)
				continue
			}
			d.mirror.Sample(job)
		}
		for _, job := range decision.DeferCrawl {
			if err := d.park(ctx, job); err != nil {
				return err
			}
		}
		for _, job := range decision.DeferTenant {
			if err := d.park(ctx, job); err != nil {
				return err
			}
		}

		if n, err := d.ledger.CountDeferred(ctx, teamID); err == nil {
			d.metrics.UpdateDeferredDepth(teamID, n)
		}
		if decision.NotifyBacklog {
			d.gate.MaybeNotify(ctx, teamID, notify.KindConcurrencyLimitReached, decision.HasCrawl)
		}
	}
	return nil
}

// Promote runs the admit path for a previously-deferred job. Used by the
// drainer once capacity frees; the admission decision was already made.
func (d *Dispatcher) Promote(ctx context.Context, job *scrape.Job, crawl *scrape.Crawl) (*queue.Record, error) {
	return d.admit(ctx, job, crawl)
}

// Queue exposes the worker queue for collaborators that record failures
// against job records (e.g. the drainer dropping timed-out entries).
func (d *Dispatcher) Queue() *queue.Queue {
	return d.queue
}

func (d *Dispatcher) admit(ctx context.Context, job *scrape.Job, crawl *scrape.Crawl) (*queue.Record, error) {
	if err := d.ledger.PushActive(ctx, job.TeamID, job.ID, d.cfg.ActiveEntryTTL); err != nil {
		d.metrics.RecordLedgerError("push-active")
		return nil, scrape.WrapError(scrape.KindLedgerUnavailable, "active slot write failed", err)
	}
	if crawl.Gated() {
		if err := d.ledger.PushCrawlActive(ctx, crawl.ID, job.ID, d.cfg.ActiveEntryTTL); err != nil {
			d.metrics.RecordLedgerError("crawl-push-active")
			return nil, scrape.WrapError(scrape.KindLedgerUnavailable, "crawl slot write failed", err)
		}
	}

	rec, err := d.queue.Enqueue(ctx, job)
	if err != nil {
		// No rollback: the active entries expire on their own within the
		// TTL, so a phantom slot heals itself.
		d.logger.Error("worker queue enqueue failed", "team_id", job.TeamID, "job_id", job.ID, "error", err)
		return nil, scrape.WrapError(scrape.KindWorkerQueueUnavailable, "enqueue failed", err)
	}
	d.metrics.RecordEnqueue(d.queue.Name())
	return rec, nil
}

func (d *Dispatcher) park(ctx context.Context, job *scrape.Job) error {
	job.WasDeferred = true

	payload, err := json.Marshal(job)
	if err != nil {
		return scrape.WrapError(scrape.KindUnknown, "marshal job", err)
	}

	entry := ledger.DeferredEntry{
		JobID:      job.ID,
		Payload:    payload,
		Priority:   job.Priority,
		EnqueuedAt: utils.NowUTC(),
	}
	// Crawl jobs park indefinitely; dropping them for queue age would
	// silently truncate the crawl.
	if job.CrawlID == "" {
		entry.HoldUntil = entry.EnqueuedAt.Add(job.Timeout)
	}

	if err := d.ledger.PushDeferred(ctx, job.TeamID, entry); err != nil {
		d.metrics.RecordLedgerError("push-deferred")
		return scrape.WrapError(scrape.KindLedgerUnavailable, "deferred write failed", err)
	}
	return nil
}

// maybeNotifyBacklog fires the saturation notification on the single-job
// path once the parked backlog outgrows the team's ceiling.
func (d *Dispatcher) maybeNotifyBacklog(ctx context.Context, job *scrape.Job) {
	n, err := d.ledger.CountDeferred(ctx, job.TeamID)
	if err != nil {
		return
	}
	d.metrics.UpdateDeferredDepth(job.TeamID, n)

	ceiling := d.ctrl.TenantCeiling(ctx, job.TeamID, job.ConcurrencyMode())
	if n > int64(ceiling) {
		d.gate.MaybeNotify(ctx, job.TeamID, notify.KindConcurrencyLimitReached, job.CrawlID != "")
	}
}

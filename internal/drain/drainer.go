// Package drain promotes deferred jobs into the active path as capacity
// frees: on a periodic sweep, and explicitly when a worker reports
// completion for a team.
package drain

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nareg23/firecrawl/internal/admission"
	"github.com/nareg23/firecrawl/internal/dispatch"
	"github.com/nareg23/firecrawl/internal/ledger"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/ratelimit"
	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/utils"
)

type Drainer struct {
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	ctrl       *admission.Controller
	pace       *ratelimit.TimeBasedRateLimiter
	metrics    *monitoring.Metrics
	logger     *slog.Logger

	sweepInterval time.Duration
}

func New(l *ledger.Ledger, d *dispatch.Dispatcher, ctrl *admission.Controller, metrics *monitoring.Metrics, logger *slog.Logger, sweepInterval time.Duration) *Drainer {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Drainer{
		ledger:        l,
		dispatcher:    d,
		ctrl:          ctrl,
		pace:          ratelimit.NewTimeBasedRateLimiter(),
		metrics:       metrics,
		logger:        logger,
		sweepInterval: sweepInterval,
	}
}

// Run sweeps all teams with deferred backlogs until the context is
// cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Drainer) sweep(ctx context.Context) {
	teams, err := d.ledger.TeamsWithDeferred(ctx)
	if err != nil {
		d.logger.Warn("sweep: deferred team listing failed", "error", err)
		return
	}
	for _, teamID := range teams {
		if ctx.Err() != nil {
			return
		}
		if err := d.DrainTenant(ctx, teamID); err != nil {
			d.logger.Warn("sweep: drain failed", "team_id", teamID, "error", err)
		}
	}
}

// Release frees the ledger slots of a finished job and immediately drains
// the team into the freed capacity. Workers call this after reporting
// completion or failure.
func (d *Drainer) Release(ctx context.Context, teamID, crawlID, jobID string) error {
	if err := d.ledger.RemoveActive(ctx, teamID, jobID); err != nil {
		return err
	}
	if crawlID != "" {
		if err := d.ledger.RemoveCrawlActive(ctx, crawlID, jobID); err != nil {
			return err
		}
	}
	return d.DrainTenant(ctx, teamID)
}

// DrainTenant promotes as many deferred entries as the team's freed
// capacity allows, in priority-then-enqueue order. Entries whose per-crawl
// gate is still closed are re-parked with their original enqueue time;
// entries past their hold deadline are dropped and recorded as timed out.
func (d *Drainer) DrainTenant(ctx context.Context, teamID string) error {
	now := utils.NowUTC()
	if err := d.ledger.CleanExpired(ctx, teamID, now); err != nil {
		return err
	}

	ceiling := d.ctrl.TenantCeiling(ctx, teamID, scrape.ConcurrencyModeCrawl)
	active, err := d.ledger.CountActive(ctx, teamID, now)
	if err != nil {
		return err
	}
	free := ceiling - int(active)
	if free <= 0 {
		return nil
	}

	entries, err := d.ledger.PopDeferred(ctx, teamID, free)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		d.promote(ctx, teamID, entry, now)
	}

	if n, err := d.ledger.CountDeferred(ctx, teamID); err == nil {
		d.metrics.UpdateDeferredDepth(teamID, n)
	}
	return nil
}

func (d *Drainer) promote(ctx context.Context, teamID string, entry ledger.DeferredEntry, now time.Time) {
	if entry.Expired(now) {
		d.metrics.RecordDropped(teamID)
		if err := d.dispatcher.Queue().Fail(ctx, entry.JobID, scrape.ErrScrapeTimeoutInQueue); err != nil {
			d.logger.Warn("could not record queue timeout", "team_id", teamID, "job_id", entry.JobID, "error", err)
		}
		return
	}

	var job scrape.Job
	if err := json.Unmarshal(entry.Payload, &job); err != nil {
		d.logger.Error("undecodable deferred payload, dropping", "team_id", teamID, "job_id", entry.JobID, "error", err)
		return
	}

	crawl := d.ctrl.CrawlRecord(ctx, job.CrawlID)
	if crawl != nil {
		headroom, bounded, err := d.ctrl.CrawlHeadroom(ctx, crawl)
		if err != nil || (bounded && headroom == 0) {
			d.repark(ctx, teamID, entry)
			return
		}
		if crawl.Delay > 0 && !d.pace.Ready(crawl.ID, crawl.Delay) {
			d.repark(ctx, teamID, entry)
			return
		}
	}

	if _, err := d.dispatcher.Promote(ctx, &job, crawl); err != nil {
		// A failed enqueue already holds a self-healing slot; a failed
		// ledger write means the slot was never taken. Re-park either way
		// so the job is not lost.
		d.logger.Error("promotion failed, re-parking", "team_id", teamID, "job_id", entry.JobID, "error", err)
		d.repark(ctx, teamID, entry)
		return
	}
	d.metrics.RecordPromotion(teamID)
}

// repark pushes an entry back unchanged, preserving its enqueue time and
// hold deadline so fairness and timeout semantics survive the round-trip.
func (d *Drainer) repark(ctx context.Context, teamID string, entry ledger.DeferredEntry) {
	if err := d.ledger.PushDeferred(ctx, teamID, entry); err != nil {
		d.logger.Error("re-park failed, deferred entry lost", "team_id", teamID, "job_id", entry.JobID, "error", err)
	}
}

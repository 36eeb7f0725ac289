// Package admission decides, for every submitted job, whether it may enter
// the worker queue immediately or must be parked in the concurrency queue.
package admission

import (
	"context"
	"log/slog"

	"github.com/nareg23/firecrawl/internal/ledger"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/planstore"
	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/utils"
)

// Verdict is the admission outcome for a single job.
type Verdict string

const (
	VerdictAdmit       Verdict = "admit"
	VerdictDeferTenant Verdict = "defer_tenant"
	VerdictDeferCrawl  Verdict = "defer_crawl"
)

type Controller struct {
	ledger         *ledger.Ledger
	plans          planstore.Store
	metrics        *monitoring.Metrics
	logger         *slog.Logger
	defaultCeiling int
}

func New(l *ledger.Ledger, plans planstore.Store, metrics *monitoring.Metrics, logger *slog.Logger, defaultCeiling int) *Controller {
	if defaultCeiling <= 0 {
		defaultCeiling = planstore.DefaultCeiling
	}
	return &Controller{
		ledger:         l,
		plans:          plans,
		metrics:        metrics,
		logger:         logger,
		defaultCeiling: defaultCeiling,
	}
}

// CrawlRecord resolves the crawl for a job. Lookup failures degrade to an
// unbounded crawl rather than failing the submission.
func (c *Controller) CrawlRecord(ctx context.Context, crawlID string) *scrape.Crawl {
	if crawlID == "" {
		return nil
	}
	crawl, err := c.plans.Crawl(ctx, crawlID)
	if err != nil {
		c.logger.Warn("crawl lookup failed, treating as unbounded", "crawl_id", crawlID, "error", err)
		return nil
	}
	return crawl
}

// TenantCeiling resolves the team's ceiling for the mode. Lookup failures
// degrade to the default ceiling.
func (c *Controller) TenantCeiling(ctx context.Context, teamID string, mode scrape.ConcurrencyMode) int {
	ceiling, err := c.plans.TenantCeiling(ctx, teamID, mode)
	if err != nil {
		c.logger.Warn("tenant ceiling lookup failed, using default",
			"team_id", teamID, "mode", string(mode), "error", err)
		return c.defaultCeiling
	}
	return ceiling
}

// CrawlHeadroom computes the remaining crawl headroom. The second return is
// false when the crawl is unbounded.
func (c *Controller) CrawlHeadroom(ctx context.Context, crawl *scrape.Crawl) (int, bool, error) {
	limit, bounded := crawl.ConcurrencyLimit()
	if !bounded {
		return 0, false, nil
	}
	if err := c.ledger.CleanCrawlExpired(ctx, crawl.ID); err != nil {
		c.metrics.RecordLedgerError("clean-crawl-expired")
		return 0, true, scrape.WrapError(scrape.KindLedgerUnavailable, "crawl slot count failed", err)
	}
	active, err := c.ledger.CountCrawlActive(ctx, crawl.ID)
	if err != nil {
		c.metrics.RecordLedgerError("count-crawl-active")
		return 0, true, scrape.WrapError(scrape.KindLedgerUnavailable, "crawl slot count failed", err)
	}
	free := limit - int(active)
	if free < 0 {
		free = 0
	}
	return free, true, nil
}

// tenantFree computes the remaining tenant headroom. Errors here are fatal
// for the submission.
func (c *Controller) tenantFree(ctx context.Context, teamID string, ceiling int) (int, error) {
	now := utils.NowUTC()
	if err := c.ledger.CleanExpired(ctx, teamID, now); err != nil {
		c.metrics.RecordLedgerError("clean-expired")
		return 0, scrape.WrapError(scrape.KindLedgerUnavailable, "tenant slot count failed", err)
	}
	active, err := c.ledger.CountActive(ctx, teamID, now)
	if err != nil {
		c.metrics.RecordLedgerError("count-active")
		return 0, scrape.WrapError(scrape.KindLedgerUnavailable, "tenant slot count failed", err)
	}
	free := ceiling - int(active)
	if free < 0 {
		free = 0
	}
	return free, nil
}

// AdmitOne applies the three-tier limit rule to a single job. The resolved
// crawl record is returned so the dispatcher does not look it up again.
func (c *Controller) AdmitOne(ctx context.Context, job *scrape.Job) (Verdict, *scrape.Crawl, error) {
	crawl := c.CrawlRecord(ctx, job.CrawlID)

	if job.DirectToQueue {
		c.record(VerdictAdmit, job)
		return VerdictAdmit, crawl, nil
	}

	if crawl != nil {
		free, bounded, err := c.CrawlHeadroom(ctx, crawl)
		if err != nil {
			return "", crawl, err
		}
		if bounded && free == 0 {
			c.record(VerdictDeferCrawl, job)
			return VerdictDeferCrawl, crawl, nil
		}
	}

	ceiling := c.TenantCeiling(ctx, job.TeamID, job.ConcurrencyMode())
	free, err := c.tenantFree(ctx, job.TeamID, ceiling)
	if err != nil {
		return "", crawl, err
	}
	if free == 0 {
		c.record(VerdictDeferTenant, job)
		return VerdictDeferTenant, crawl, nil
	}

	c.record(VerdictAdmit, job)
	return VerdictAdmit, crawl, nil
}

// BulkDecision is the outcome of a bulk admission for one team. Slices
// preserve input order, except that direct-to-queue jobs come first in
// Admit, ahead of jobs admitted against tenant headroom.
type BulkDecision struct {
	Admit       []*scrape.Job
	DeferTenant []*scrape.Job
	DeferCrawl  []*scrape.Job

	// Crawls caches the records resolved during admission, keyed by crawl id.
	Crawls map[string]*scrape.Crawl

	// HasCrawl is true when any job of the batch belongs to a crawl; it
	// suppresses the saturation notification.
	HasCrawl bool

	// NotifyBacklog is true when the backlog this submission created by
	// itself exceeds the ceiling; the dispatcher feeds it to the gate.
	NotifyBacklog bool

	Ceiling int
}

// AdmitMany applies the bulk admission algorithm for jobs of a single team.
// The number of ledger round-trips is bounded by the number of distinct
// crawls plus the tenant pair, regardless of batch size.
func (c *Controller) AdmitMany(ctx context.Context, teamID string, jobs []*scrape.Job) (*BulkDecision, error) {
	decision := &BulkDecision{
		Crawls: make(map[string]*scrape.Crawl),
	}
	if len(jobs) == 0 {
		return decision, nil
	}

	// Partition by crawl in input order; bounded crawls admit only up to
	// their remaining headroom, the rest is forced-deferred.
	crawlRemaining := make(map[string]int)
	crawlBounded := make(map[string]bool)
	admissible := make([]*scrape.Job, 0, len(jobs))

	for _, job := range jobs {
		if job.CrawlID != "" {
			decision.HasCrawl = true
		}

		if job.DirectToQueue {
			if job.CrawlID != "" {
				c.resolveCrawl(ctx, decision, job.CrawlID)
			}
			c.record(VerdictAdmit, job)
			decision.Admit = append(decision.Admit, job)
			continue
		}

		if job.CrawlID == "" {
			admissible = append(admissible, job)
			continue
		}

		crawl := c.resolveCrawl(ctx, decision, job.CrawlID)
		if _, seen := crawlBounded[job.CrawlID]; !seen {
			free, bounded, err := c.CrawlHeadroom(ctx, crawl)
			if err != nil {
				return nil, err
			}
			crawlBounded[job.CrawlID] = bounded
			crawlRemaining[job.CrawlID] = free
		}
		if !crawlBounded[job.CrawlID] {
			admissible = append(admissible, job)
			continue
		}
		if crawlRemaining[job.CrawlID] > 0 {
			crawlRemaining[job.CrawlID]--
			admissible = append(admissible, job)
		} else {
			c.record(VerdictDeferCrawl, job)
			decision.DeferCrawl = append(decision.DeferCrawl, job)
		}
	}

	decision.Ceiling = c.TenantCeiling(ctx, teamID, jobs[0].ConcurrencyMode())
	free, err := c.tenantFree(ctx, teamID, decision.Ceiling)
	if err != nil {
		return nil, err
	}

	for _, job := range admissible {
		if free > 0 {
			free--
			c.record(VerdictAdmit, job)
			decision.Admit = append(decision.Admit, job)
		} else {
			c.record(VerdictDeferTenant, job)
			decision.DeferTenant = append(decision.DeferTenant, job)
		}
	}

	decision.NotifyBacklog = len(decision.DeferTenant) > decision.Ceiling
	return decision, nil
}

func (c *Controller) resolveCrawl(ctx context.Context, decision *BulkDecision, crawlID string) *scrape.Crawl {
	if crawl, ok := decision.Crawls[crawlID]; ok {
		return crawl
	}
	crawl := c.CrawlRecord(ctx, crawlID)
	decision.Crawls[crawlID] = crawl
	return crawl
}

func (c *Controller) record(v Verdict, job *scrape.Job) {
	c.metrics.RecordVerdict(string(v), string(job.ConcurrencyMode()))
}

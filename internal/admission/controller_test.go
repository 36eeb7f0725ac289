package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareg23/firecrawl/internal/ledger"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/planstore"
	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/testhelpers"
)

func newTestController(t *testing.T) (*Controller, *ledger.Ledger, *planstore.MemoryStore) {
	t.Helper()
	_, client := testhelpers.NewRedis(t)
	log := testhelpers.NewTestLogger()
	led := ledger.New(client, log)
	plans := planstore.NewMemory(2)
	ctrl := New(led, plans, monitoring.New(false), log, 2)
	return ctrl, led, plans
}

func adHocJob(id string) *scrape.Job {
	return &scrape.Job{
		ID:     id,
		TeamID: "team-1",
		Mode:   scrape.ModeSingleURLs,
		URL:    "https://example.com/" + id,
	}
}

func crawlJob(id, crawlID string) *scrape.Job {
	job := adHocJob(id)
	job.CrawlID = crawlID
	job.Mode = scrape.ModeCrawl
	return job
}

func TestAdmitOne_AdmitsUnderCeiling(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	verdict, crawl, err := ctrl.AdmitOne(ctx, adHocJob("a"))
	require.NoError(t, err)
	assert.Equal(t, VerdictAdmit, verdict)
	assert.Nil(t, crawl)
}

func TestAdmitOne_DefersAtCeiling(t *testing.T) {
	ctrl, led, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, led.PushActive(ctx, "team-1", "x", time.Minute))
	require.NoError(t, led.PushActive(ctx, "team-1", "y", time.Minute))

	verdict, _, err := ctrl.AdmitOne(ctx, adHocJob("a"))
	require.NoError(t, err)
	assert.Equal(t, VerdictDeferTenant, verdict)
}

func TestAdmitOne_ExpiredEntriesFreeSlots(t *testing.T) {
	ctrl, led, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, led.PushActive(ctx, "team-1", "x", -time.Second))
	require.NoError(t, led.PushActive(ctx, "team-1", "y", time.Minute))

	verdict, _, err := ctrl.AdmitOne(ctx, adHocJob("a"))
	require.NoError(t, err)
	assert.Equal(t, VerdictAdmit, verdict)
}

func TestAdmitOne_CrawlCeilingExhausted(t *testing.T) {
	ctrl, led, plans := newTestController(t)
	ctx := context.Background()

	require.NoError(t, plans.SaveCrawl(ctx, &scrape.Crawl{ID: "crawl-1", TeamID: "team-1", MaxConcurrency: 1}))
	require.NoError(t, led.PushCrawlActive(ctx, "crawl-1", "x", time.Minute))

	verdict, crawl, err := ctrl.AdmitOne(ctx, crawlJob("a", "crawl-1"))
	require.NoError(t, err)
	assert.Equal(t, VerdictDeferCrawl, verdict)
	require.NotNil(t, crawl)
	assert.Equal(t, "crawl-1", crawl.ID)
}

func TestAdmitOne_MissingCrawlIsUnbounded(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	verdict, crawl, err := ctrl.AdmitOne(ctx, crawlJob("a", "ghost-crawl"))
	require.NoError(t, err)
	assert.Equal(t, VerdictAdmit, verdict)
	assert.Nil(t, crawl)
}

func TestAdmitOne_DirectToQueueSkipsLimits(t *testing.T) {
	ctrl, led, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, led.PushActive(ctx, "team-1", "x", time.Minute))
	require.NoError(t, led.PushActive(ctx, "team-1", "y", time.Minute))

	job := adHocJob("a")
	job.DirectToQueue = true
	verdict, _, err := ctrl.AdmitOne(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, VerdictAdmit, verdict)
}

func TestAdmitOne_ZeroCeilingDefersEverything(t *testing.T) {
	ctrl, _, plans := newTestController(t)
	ctx := context.Background()
	plans.SetCeiling("team-1", scrape.ConcurrencyModeCrawl, 0)

	verdict, _, err := ctrl.AdmitOne(ctx, adHocJob("a"))
	require.NoError(t, err)
	assert.Equal(t, VerdictDeferTenant, verdict)
}

func TestAdmitOne_ExtractUsesExtractCeiling(t *testing.T) {
	ctrl, led, plans := newTestController(t)
	ctx := context.Background()
	plans.SetCeiling("team-1", scrape.ConcurrencyModeExtract, 1)
	plans.SetCeiling("team-1", scrape.ConcurrencyModeCrawl, 5)

	require.NoError(t, led.PushActive(ctx, "team-1", "x", time.Minute))

	job := adHocJob("a")
	job.IsExtract = true
	verdict, _, err := ctrl.AdmitOne(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeferTenant, verdict)
}

// Tenant saturation: ceiling=2, submit 5 ad-hoc jobs. 2 admit, 3 defer,
// and the backlog (3) exceeds the ceiling (2) so the gate should fire.
func TestAdmitMany_TenantSaturation(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	jobs := []*scrape.Job{
		adHocJob("a"), adHocJob("b"), adHocJob("c"), adHocJob("d"), adHocJob("e"),
	}
	decision, err := ctrl.AdmitMany(ctx, "team-1", jobs)
	require.NoError(t, err)

	assert.Len(t, decision.Admit, 2)
	assert.Len(t, decision.DeferTenant, 3)
	assert.Empty(t, decision.DeferCrawl)
	assert.True(t, decision.NotifyBacklog)
	assert.False(t, decision.HasCrawl)

	// Input order is preserved.
	assert.Equal(t, "a", decision.Admit[0].ID)
	assert.Equal(t, "b", decision.Admit[1].ID)
	assert.Equal(t, "c", decision.DeferTenant[0].ID)
}

// Crawl backpressure: max_concurrency=1, submit 4 jobs under the crawl.
// 1 admitted, 3 forced-deferred, notification suppressed.
func TestAdmitMany_CrawlBackpressure(t *testing.T) {
	ctrl, _, plans := newTestController(t)
	ctx := context.Background()
	require.NoError(t, plans.SaveCrawl(ctx, &scrape.Crawl{ID: "crawl-1", TeamID: "team-1", MaxConcurrency: 1}))

	jobs := []*scrape.Job{
		crawlJob("a", "crawl-1"), crawlJob("b", "crawl-1"),
		crawlJob("c", "crawl-1"), crawlJob("d", "crawl-1"),
	}
	decision, err := ctrl.AdmitMany(ctx, "team-1", jobs)
	require.NoError(t, err)

	assert.Len(t, decision.Admit, 1)
	assert.Len(t, decision.DeferCrawl, 3)
	assert.Empty(t, decision.DeferTenant)
	assert.True(t, decision.HasCrawl)
	assert.False(t, decision.NotifyBacklog)
}

// Delay implies ceiling 1: submit 2 jobs under a delay-only crawl.
func TestAdmitMany_DelayImpliesCeilingOne(t *testing.T) {
	ctrl, _, plans := newTestController(t)
	ctx := context.Background()
	require.NoError(t, plans.SaveCrawl(ctx, &scrape.Crawl{ID: "crawl-1", TeamID: "team-1", Delay: 5 * time.Second}))

	decision, err := ctrl.AdmitMany(ctx, "team-1", []*scrape.Job{
		crawlJob("a", "crawl-1"), crawlJob("b", "crawl-1"),
	})
	require.NoError(t, err)

	assert.Len(t, decision.Admit, 1)
	assert.Len(t, decision.DeferCrawl, 1)
}

// Bulk mixed: ceiling=3; 3 jobs under a max_concurrency=1 crawl and 3 ad-hoc.
// 1 of the crawl admitted, 2 forced-deferred; 2 ad-hoc admitted filling the
// remaining tenant headroom, 1 tenant-deferred; notification suppressed.
func TestAdmitMany_BulkMixed(t *testing.T) {
	ctrl, _, plans := newTestController(t)
	ctx := context.Background()
	plans.SetCeiling("team-1", scrape.ConcurrencyModeCrawl, 3)
	require.NoError(t, plans.SaveCrawl(ctx, &scrape.Crawl{ID: "crawl-1", TeamID: "team-1", MaxConcurrency: 1}))

	jobs := []*scrape.Job{
		crawlJob("c1", "crawl-1"), crawlJob("c2", "crawl-1"), crawlJob("c3", "crawl-1"),
		adHocJob("s1"), adHocJob("s2"), adHocJob("s3"),
	}
	decision, err := ctrl.AdmitMany(ctx, "team-1", jobs)
	require.NoError(t, err)

	require.Len(t, decision.Admit, 3)
	assert.Equal(t, "c1", decision.Admit[0].ID)
	assert.Equal(t, "s1", decision.Admit[1].ID)
	assert.Equal(t, "s2", decision.Admit[2].ID)

	require.Len(t, decision.DeferCrawl, 2)
	assert.Equal(t, "c2", decision.DeferCrawl[0].ID)
	assert.Equal(t, "c3", decision.DeferCrawl[1].ID)

	require.Len(t, decision.DeferTenant, 1)
	assert.Equal(t, "s3", decision.DeferTenant[0].ID)

	assert.True(t, decision.HasCrawl, "a batch containing a crawl suppresses the notification")
}

func TestAdmitMany_ZeroCeiling(t *testing.T) {
	ctrl, _, plans := newTestController(t)
	ctx := context.Background()
	plans.SetCeiling("team-1", scrape.ConcurrencyModeCrawl, 0)

	decision, err := ctrl.AdmitMany(ctx, "team-1", []*scrape.Job{adHocJob("a"), adHocJob("b")})
	require.NoError(t, err)
	assert.Empty(t, decision.Admit)
	assert.Len(t, decision.DeferTenant, 2)
}

func TestAdmitMany_Empty(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	decision, err := ctrl.AdmitMany(context.Background(), "team-1", nil)
	require.NoError(t, err)
	assert.Empty(t, decision.Admit)
	assert.False(t, decision.NotifyBacklog)
}

// Bulk admission admits exactly min(N, free) regardless of how full the
// ledger already is.
func TestAdmitMany_RespectsExistingActive(t *testing.T) {
	ctrl, led, plans := newTestController(t)
	ctx := context.Background()
	plans.SetCeiling("team-1", scrape.ConcurrencyModeCrawl, 3)
	require.NoError(t, led.PushActive(ctx, "team-1", "busy", time.Minute))

	decision, err := ctrl.AdmitMany(ctx, "team-1", []*scrape.Job{
		adHocJob("a"), adHocJob("b"), adHocJob("c"),
	})
	require.NoError(t, err)
	assert.Len(t, decision.Admit, 2)
	assert.Len(t, decision.DeferTenant, 1)
}

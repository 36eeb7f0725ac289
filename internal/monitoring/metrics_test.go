package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New(true)
	assert.NotNil(t, m)
	assert.True(t, m.enabled)

	m2 := New(false)
	assert.NotNil(t, m2)
	assert.False(t, m2.enabled)
}

func TestRecordVerdict_Enabled(t *testing.T) {
	AdmissionVerdicts.Reset()

	m := New(true)
	m.RecordVerdict("admit", "crawl")
	m.RecordVerdict("defer_tenant", "crawl")

	count := testutil.CollectAndCount(AdmissionVerdicts)
	assert.Greater(t, count, 0)
}

func TestRecordVerdict_Disabled(t *testing.T) {
	AdmissionVerdicts.Reset()

	m := New(false)
	m.RecordVerdict("admit", "crawl")

	count := testutil.CollectAndCount(AdmissionVerdicts)
	assert.Equal(t, 0, count)
}

func TestUpdateDeferredDepth(t *testing.T) {
	DeferredDepth.Reset()

	m := New(true)
	m.UpdateDeferredDepth("team-1", 7)

	value := testutil.ToFloat64(DeferredDepth.WithLabelValues("team-1"))
	assert.Equal(t, 7.0, value)

	m.UpdateDeferredDepth("team-1", 0)
	value = testutil.ToFloat64(DeferredDepth.WithLabelValues("team-1"))
	assert.Equal(t, 0.0, value)
}

func TestNotificationCounters(t *testing.T) {
	NotificationsSent.Reset()
	NotificationsSuppressed.Reset()

	m := New(true)
	m.RecordNotificationSent("concurrency_limit_reached")
	m.RecordNotificationSuppressed("concurrency_limit_reached", "crawl")
	m.RecordNotificationSuppressed("concurrency_limit_reached", "window")

	assert.Equal(t, 1.0, testutil.ToFloat64(NotificationsSent.WithLabelValues("concurrency_limit_reached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NotificationsSuppressed.WithLabelValues("concurrency_limit_reached", "crawl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NotificationsSuppressed.WithLabelValues("concurrency_limit_reached", "window")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordVerdict("admit", "crawl")
	m.RecordLedgerError("push-active")
	m.UpdateDeferredDepth("team-1", 1)
	m.RecordEnqueue("scrape")
	m.RecordPromotion("team-1")
	m.RecordDropped("team-1")
	m.RecordNotificationSent("k")
	m.RecordNotificationSuppressed("k", "r")
	m.RecordWaitOutcome("completed")
	m.RecordJobProcessed("completed")
}

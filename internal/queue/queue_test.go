package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/testhelpers"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	_, client := testhelpers.NewRedis(t)
	return New(client, "scrape", time.Hour, testhelpers.NewTestLogger())
}

func testJob(id string, priority int) *scrape.Job {
	return &scrape.Job{
		ID:       id,
		TeamID:   "team-1",
		Mode:     scrape.ModeSingleURLs,
		Priority: priority,
		URL:      "https://example.com/" + id,
	}
}

func TestEnqueue_JobVisible(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	rec, err := q.Enqueue(ctx, testJob("job-a", 10))
	require.NoError(t, err)
	assert.Equal(t, StateQueued, rec.State)

	loaded, err := q.Job(ctx, "job-a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "job-a", loaded.ID)
	assert.Equal(t, "team-1", loaded.TeamID)

	job, err := loaded.Job()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/job-a", job.URL)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestJob_UnknownIsNil(t *testing.T) {
	q := newTestQueue(t)
	rec, err := q.Job(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDequeue_PriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("slow-1", 20))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testJob("urgent", 1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testJob("slow-2", 20))
	require.NoError(t, err)

	var order []string
	for {
		rec, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		assert.Equal(t, StateActive, rec.State)
		require.NotNil(t, rec.StartedAt)
		order = append(order, rec.ID)
	}
	assert.Equal(t, []string{"urgent", "slow-1", "slow-2"}, order)
}

func TestComplete_InlineResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("job-a", 10))
	require.NoError(t, err)

	docs := []scrape.Document{{URL: "https://example.com/job-a", Markdown: "# hi"}}
	require.NoError(t, q.Complete(ctx, "job-a", docs))

	rec, err := q.Job(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
	assert.True(t, rec.State.Terminal())

	got, err := rec.Documents()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "# hi", got[0].Markdown)
}

func TestComplete_OutOfBandLeavesResultEmpty(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("job-a", 10))
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, "job-a", nil))

	rec, err := q.Job(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)

	docs, err := rec.Documents()
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFail_TransportableRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("job-a", 10))
	require.NoError(t, err)

	cause := scrape.NewError("DNS_RESOLUTION_ERROR", "no such host")
	require.NoError(t, q.Fail(ctx, "job-a", cause))

	rec, err := q.Job(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)

	decoded, ok := scrape.DeserializeError(rec.FailedReason)
	require.True(t, ok)
	assert.Equal(t, "DNS_RESOLUTION_ERROR", decoded.Kind)
	assert.Equal(t, "no such host", decoded.Message)
}

func TestFail_UpsertsUnknownJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// A job dropped from the concurrency queue was never enqueued, yet its
	// timeout must be observable.
	require.NoError(t, q.Fail(ctx, "parked", scrape.ErrScrapeTimeoutInQueue))

	rec, err := q.Job(ctx, "parked")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateFailed, rec.State)

	decoded, ok := scrape.DeserializeError(rec.FailedReason)
	require.True(t, ok)
	assert.True(t, errors.Is(decoded, scrape.ErrScrapeTimeoutInQueue))
}

func TestSubscribe_DeliversCompletion(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("job-a", 10))
	require.NoError(t, err)

	sub, err := q.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer sub.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Complete(ctx, "job-a", []scrape.Document{{URL: "u"}})
	}()

	select {
	case rec := <-sub.C:
		require.NotNil(t, rec)
		assert.Equal(t, StateCompleted, rec.State)
	case <-time.After(2 * time.Second):
		t.Fatal("completion event not delivered")
	}
}

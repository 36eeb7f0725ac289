package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/testhelpers"
)

func testJob(id string) *scrape.Job {
	return &scrape.Job{
		ID:     id,
		TeamID: "team-1",
		Mode:   scrape.ModeSingleURLs,
		URL:    "https://example.com/" + id,
	}
}

func TestEnabled(t *testing.T) {
	log := testhelpers.NewTestLogger()

	assert.False(t, New("", 0.5, log).Enabled())
	assert.False(t, New("https://staging.internal", 0, log).Enabled())
	assert.True(t, New("https://staging.internal", 0.5, log).Enabled())

	var nilMirror *Mirror
	assert.False(t, nilMirror.Enabled())
}

func TestSample_RateOnePostsToStaging(t *testing.T) {
	var hits atomic.Int64
	var gotID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/scrape", r.URL.Path)
		var job scrape.Job
		if err := json.NewDecoder(r.Body).Decode(&job); err == nil {
			gotID.Store(job.ID)
		}
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := New(srv.URL, 1.0, testhelpers.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Sample(testJob("mirrored"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hits.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.EqualValues(t, 1, hits.Load())
	assert.Equal(t, "mirrored", gotID.Load())
}

func TestSample_RateZeroNeverPosts(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	m := New(srv.URL, 0, testhelpers.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	for i := 0; i < 20; i++ {
		m.Sample(testJob("never"))
	}
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, hits.Load())
}

func TestSample_NilAndDisabledAreSafe(t *testing.T) {
	var nilMirror *Mirror
	nilMirror.Sample(testJob("a"))
	nilMirror.Stop()

	m := New("", 0, testhelpers.NewTestLogger())
	m.Sample(testJob("b"))
	m.Stop()
}

// A staging host that errors must stay invisible to the caller.
func TestSample_FailureSwallowed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "staging down", http.StatusBadGateway)
	}))
	defer srv.Close()

	m := New(srv.URL, 1.0, testhelpers.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Sample(testJob("doomed"))
	m.Stop()

	assert.EqualValues(t, 1, hits.Load())
}

// Package mirror re-posts a sample of admitted submissions to a staging
// host for A/B comparison. Strictly fire-and-forget: the dispatcher never
// awaits a mirror send and a mirror failure never affects admission.
// Deferred submissions are not mirrored.
package mirror

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/nareg23/firecrawl/internal/httputil"
	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/worker"
)

type Mirror struct {
	host   string
	rate   float64
	client *http.Client
	logger *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand

	jobs chan worker.Job
	wg   *sync.WaitGroup
	once sync.Once
}

func New(host string, rate float64, logger *slog.Logger) *Mirror {
	return &Mirror{
		host:   host,
		rate:   rate,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		jobs:   make(chan worker.Job, 128),
	}
}

// Enabled reports whether mirroring is configured at all.
func (m *Mirror) Enabled() bool {
	return m != nil && m.host != "" && m.rate > 0
}

// Start spawns the background sender pool.
func (m *Mirror) Start(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	m.wg = worker.SpawnWorkerPool(ctx, 2, m.jobs, m.logger)
}

// Stop closes the send queue and waits for in-flight posts.
func (m *Mirror) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		close(m.jobs)
	})
	if m.wg != nil {
		m.wg.Wait()
	}
}

// Sample possibly mirrors an admitted job. Returns immediately; the post
// happens on the background pool and a full buffer drops the sample.
func (m *Mirror) Sample(job *scrape.Job) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	hit := m.rnd.Float64() < m.rate
	m.mu.Unlock()
	if !hit {
		return
	}

	send := &sendJob{
		client: m.client,
		url:    httputil.JoinURL(m.host, "/v1/scrape"),
		job:    job,
		logger: m.logger,
	}
	select {
	case m.jobs <- send:
	default:
	}
}

type sendJob struct {
	client *http.Client
	url    string
	job    *scrape.Job
	logger *slog.Logger
}

type sendResult struct{}

func (sendResult) Error() error { return nil }

func (j *sendJob) Execute(ctx context.Context) worker.Result {
	if err := httputil.PostJSON(ctx, j.client, j.url, j.job, j.logger); err != nil {
		// Mirror failures are log-only noise, not pool errors.
		j.logger.Debug("mirror post failed", "job_id", j.job.ID, "error", err)
	}
	return sendResult{}
}

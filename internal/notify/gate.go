// Package notify emits the side-channel "concurrency limit reached" events
// sent when a tenant persistently saturates its quota. Delivery is
// asynchronous and failures are swallowed; the gate only guarantees the
// rate limit, at most one event per tenant, kind and resend window.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nareg23/firecrawl/internal/httputil"
	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/utils"
	"github.com/nareg23/firecrawl/internal/worker"
)

// Kind of notification.
type Kind string

const KindConcurrencyLimitReached Kind = "concurrency_limit_reached"

// Notification is the delivered payload.
type Notification struct {
	TeamID string    `json:"team_id"`
	Kind   Kind      `json:"kind"`
	SentAt time.Time `json:"sent_at"`
}

// Sender delivers one notification. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// WebhookSender posts notifications to a webhook URL.
type WebhookSender struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookSender(url string, logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	return httputil.PostJSON(ctx, s.client, s.url, n, s.logger)
}

const lastSentKeyPrefix = "notification-sent:"

type Gate struct {
	rdb      redis.UniversalClient
	sender   Sender
	interval time.Duration
	metrics  *monitoring.Metrics
	logger   *slog.Logger

	jobs chan worker.Job
	wg   *sync.WaitGroup
	once sync.Once
}

func New(rdb redis.UniversalClient, sender Sender, interval time.Duration, metrics *monitoring.Metrics, logger *slog.Logger) *Gate {
	if interval <= 0 {
		interval = 15 * 24 * time.Hour
	}
	return &Gate{
		rdb:      rdb,
		sender:   sender,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		jobs:     make(chan worker.Job, 64),
	}
}

// Start spawns the delivery pool. Safe to skip entirely in tests; an
// unstarted gate still applies the rate limit and simply drops deliveries
// once the buffer fills.
func (g *Gate) Start(ctx context.Context, workers int) {
	g.wg = worker.SpawnWorkerPool(ctx, workers, g.jobs, g.logger)
}

// Stop closes the delivery queue and waits for in-flight sends.
func (g *Gate) Stop() {
	g.once.Do(func() {
		close(g.jobs)
	})
	if g.wg != nil {
		g.wg.Wait()
	}
}

func lastSentKey(teamID string, kind Kind) string {
	return lastSentKeyPrefix + string(kind) + ":" + teamID
}

// MaybeNotify fires a notification for the team unless one was sent within
// the resend window, or the triggering submission belongs to a crawl or
// batch scrape. Never returns an error: notification problems must not
// affect admission.
func (g *Gate) MaybeNotify(ctx context.Context, teamID string, kind Kind, isCrawl bool) {
	if g == nil {
		return
	}
	if isCrawl {
		g.metrics.RecordNotificationSuppressed(string(kind), "crawl")
		return
	}

	now := utils.NowUTC()
	// SET NX EX makes check-and-mark atomic across producer replicas.
	set, err := g.rdb.SetNX(ctx, lastSentKey(teamID, kind), now.Format(time.RFC3339), g.interval).Result()
	if err != nil {
		g.logger.Warn("notification window check failed", "team_id", teamID, "kind", string(kind), "error", err)
		return
	}
	if !set {
		g.metrics.RecordNotificationSuppressed(string(kind), "window")
		return
	}

	g.metrics.RecordNotificationSent(string(kind))
	job := &deliveryJob{
		sender: g.sender,
		n: Notification{
			TeamID: teamID,
			Kind:   kind,
			SentAt: now,
		},
	}
	select {
	case g.jobs <- job:
	default:
		g.logger.Warn("notification delivery queue full, dropping", "team_id", teamID, "kind", string(kind))
	}
}

type deliveryJob struct {
	sender Sender
	n      Notification
}

type deliveryResult struct {
	err error
}

func (r deliveryResult) Error() error { return r.err }

func (j *deliveryJob) Execute(ctx context.Context) worker.Result {
	if j.sender == nil {
		return deliveryResult{}
	}
	// The pool logs the error; delivery failures never propagate further.
	return deliveryResult{err: j.sender.Send(ctx, j.n)}
}

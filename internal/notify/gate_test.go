package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicebob/miniredis/v2"

	"github.com/nareg23/firecrawl/internal/monitoring"
	"github.com/nareg23/firecrawl/internal/testhelpers"
)

// recorderSender captures deliveries for assertions.
type recorderSender struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recorderSender) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorderSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestGate(t *testing.T, interval time.Duration) (*Gate, *recorderSender, *miniredis.Miniredis) {
	t.Helper()
	mr, client := testhelpers.NewRedis(t)
	rec := &recorderSender{}
	gate := New(client, rec, interval, monitoring.New(false), testhelpers.NewTestLogger())
	return gate, rec, mr
}

func waitForDeliveries(t *testing.T, rec *recorderSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d deliveries, got %d", want, rec.count())
}

func TestMaybeNotify_DeliversOnce(t *testing.T) {
	gate, rec, _ := newTestGate(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate.Start(ctx, 1)
	defer gate.Stop()

	gate.MaybeNotify(ctx, "team-1", KindConcurrencyLimitReached, false)
	waitForDeliveries(t, rec, 1)
	assert.Equal(t, "team-1", rec.sent[0].TeamID)
	assert.Equal(t, KindConcurrencyLimitReached, rec.sent[0].Kind)

	// Second trigger inside the window is a no-op.
	gate.MaybeNotify(ctx, "team-1", KindConcurrencyLimitReached, false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestMaybeNotify_CrawlSuppressed(t *testing.T) {
	gate, rec, mr := newTestGate(t, time.Hour)
	ctx := context.Background()

	gate.MaybeNotify(ctx, "team-1", KindConcurrencyLimitReached, true)

	assert.Equal(t, 0, rec.count())
	assert.False(t, mr.Exists(lastSentKey("team-1", KindConcurrencyLimitReached)),
		"crawl suppression must not consume the resend window")
}

func TestMaybeNotify_IndependentTeams(t *testing.T) {
	gate, rec, _ := newTestGate(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate.Start(ctx, 1)
	defer gate.Stop()

	gate.MaybeNotify(ctx, "team-1", KindConcurrencyLimitReached, false)
	gate.MaybeNotify(ctx, "team-2", KindConcurrencyLimitReached, false)
	waitForDeliveries(t, rec, 2)
}

func TestMaybeNotify_WindowExpiryAllowsResend(t *testing.T) {
	gate, rec, mr := newTestGate(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate.Start(ctx, 1)
	defer gate.Stop()

	gate.MaybeNotify(ctx, "team-1", KindConcurrencyLimitReached, false)
	waitForDeliveries(t, rec, 1)

	// The resend window elapses.
	mr.FastForward(2 * time.Minute)

	gate.MaybeNotify(ctx, "team-1", KindConcurrencyLimitReached, false)
	waitForDeliveries(t, rec, 2)
}

func TestMaybeNotify_NilGateIsSafe(t *testing.T) {
	var gate *Gate
	gate.MaybeNotify(context.Background(), "team-1", KindConcurrencyLimitReached, false)
}

func TestGate_RedisDownSwallowed(t *testing.T) {
	mr, client := testhelpers.NewRedis(t)
	rec := &recorderSender{}
	gate := New(client, rec, time.Hour, monitoring.New(false), testhelpers.NewTestLogger())
	mr.Close()

	// Delivery problems and store problems never propagate.
	gate.MaybeNotify(context.Background(), "team-1", KindConcurrencyLimitReached, false)
	assert.Equal(t, 0, rec.count())
}

func TestWebhookSenderConstruct(t *testing.T) {
	s := NewWebhookSender("http://127.0.0.1:0/hook", testhelpers.NewTestLogger())
	require.NotNil(t, s)
	// Unreachable endpoint: the send fails but returns a plain error the
	// pool merely logs.
	err := s.Send(context.Background(), Notification{TeamID: "t", Kind: KindConcurrencyLimitReached})
	assert.Error(t, err)
}

// Package ledger is the authoritative store of currently-active jobs per
// team and per crawl, plus the holding area for deferred jobs. It is built
// on redis primitives only and does not interpret job contents.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nareg23/firecrawl/internal/utils"
)

const (
	activeKeyPrefix       = "concurrency-limiter:"
	crawlActiveKeyPrefix  = "crawl-concurrency-limiter:"
	deferredKeyPrefix     = "concurrency-queue:"
	deferredJobsKeyPrefix = "concurrency-queue-jobs:"
	deferredTeamsKey      = "concurrency-queue-teams"

	// priorityScoreBase spaces deferred scores so that priority orders
	// first and enqueue time breaks ties. Unix millis fit below 2^42 and
	// the combined value stays inside float64's exact integer range.
	priorityScoreBase = 1 << 42
)

// DeferredEntry is a parked admission awaiting a freed slot.
type DeferredEntry struct {
	JobID      string          `json:"job_id"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// HoldUntil is the deadline after which the entry is dropped instead of
	// promoted. Zero means park indefinitely (crawl jobs).
	HoldUntil time.Time `json:"hold_until,omitempty"`
}

// Expired reports whether the entry outlived its hold deadline.
func (e *DeferredEntry) Expired(now time.Time) bool {
	return !e.HoldUntil.IsZero() && e.HoldUntil.Before(now)
}

type Ledger struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func New(rdb redis.UniversalClient, logger *slog.Logger) *Ledger {
	return &Ledger{
		rdb:    rdb,
		logger: logger,
	}
}

func activeKey(teamID string) string       { return activeKeyPrefix + teamID }
func crawlActiveKey(crawlID string) string { return crawlActiveKeyPrefix + crawlID }
func deferredKey(teamID string) string     { return deferredKeyPrefix + teamID }
func deferredJobsKey(teamID string) string { return deferredJobsKeyPrefix + teamID }

// PushActive records a job as occupying a slot for the team until now+ttl.
// A duplicate push for the same job id refreshes the expiry.
func (l *Ledger) PushActive(ctx context.Context, teamID, jobID string, ttl time.Duration) error {
	return l.pushActive(ctx, activeKey(teamID), jobID, ttl, "push-active")
}

// PushCrawlActive records a job as occupying a slot within a crawl.
func (l *Ledger) PushCrawlActive(ctx context.Context, crawlID, jobID string, ttl time.Duration) error {
	return l.pushActive(ctx, crawlActiveKey(crawlID), jobID, ttl, "crawl-push-active")
}

func (l *Ledger) pushActive(ctx context.Context, key, jobID string, ttl time.Duration, op string) error {
	expiresAt := utils.NowUTC().Add(ttl)
	pipe := l.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: jobID,
	})
	// The set itself ages out well after its newest entry; explicit release
	// and clean-expired do the precise work.
	pipe.Expire(ctx, key, 2*ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	return nil
}

// RemoveActive releases a team slot explicitly at job completion.
func (l *Ledger) RemoveActive(ctx context.Context, teamID, jobID string) error {
	if err := l.rdb.ZRem(ctx, activeKey(teamID), jobID).Err(); err != nil {
		return fmt.Errorf("ledger: remove-active: %w", err)
	}
	return nil
}

// RemoveCrawlActive releases a crawl slot explicitly at job completion.
func (l *Ledger) RemoveCrawlActive(ctx context.Context, crawlID, jobID string) error {
	if err := l.rdb.ZRem(ctx, crawlActiveKey(crawlID), jobID).Err(); err != nil {
		return fmt.Errorf("ledger: remove-crawl-active: %w", err)
	}
	return nil
}

// CountActive returns the number of non-expired active entries for the team.
// Callers make an admission decision only after CleanExpired.
func (l *Ledger) CountActive(ctx context.Context, teamID string, now time.Time) (int64, error) {
	n, err := l.rdb.ZCount(ctx, activeKey(teamID),
		"("+strconv.FormatInt(now.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count-active: %w", err)
	}
	return n, nil
}

// CountCrawlActive returns the number of non-expired active entries for the crawl.
func (l *Ledger) CountCrawlActive(ctx context.Context, crawlID string) (int64, error) {
	n, err := l.rdb.ZCount(ctx, crawlActiveKey(crawlID),
		"("+strconv.FormatInt(utils.NowUTC().UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count-crawl-active: %w", err)
	}
	return n, nil
}

// CleanExpired removes active entries whose expiry has passed. TTL expiry is
// the safety net for crashed workers.
func (l *Ledger) CleanExpired(ctx context.Context, teamID string, now time.Time) error {
	err := l.rdb.ZRemRangeByScore(ctx, activeKey(teamID),
		"-inf", strconv.FormatInt(now.UnixMilli(), 10)).Err()
	if err != nil {
		return fmt.Errorf("ledger: clean-expired: %w", err)
	}
	return nil
}

// CleanCrawlExpired removes expired active entries of a crawl.
func (l *Ledger) CleanCrawlExpired(ctx context.Context, crawlID string) error {
	err := l.rdb.ZRemRangeByScore(ctx, crawlActiveKey(crawlID),
		"-inf", strconv.FormatInt(utils.NowUTC().UnixMilli(), 10)).Err()
	if err != nil {
		return fmt.Errorf("ledger: clean-crawl-expired: %w", err)
	}
	return nil
}

// PushDeferred parks an entry in the team's holding area, ordered by
// priority then enqueue time. A duplicate push for the same job id replaces
// the prior entry.
func (l *Ledger) PushDeferred(ctx context.Context, teamID string, entry DeferredEntry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = utils.NowUTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: push-deferred: marshal: %w", err)
	}

	score := float64(entry.Priority)*priorityScoreBase + float64(entry.EnqueuedAt.UnixMilli())
	pipe := l.rdb.Pipeline()
	pipe.ZAdd(ctx, deferredKey(teamID), redis.Z{Score: score, Member: entry.JobID})
	pipe.HSet(ctx, deferredJobsKey(teamID), entry.JobID, string(data))
	pipe.SAdd(ctx, deferredTeamsKey, teamID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger: push-deferred: %w", err)
	}
	return nil
}

// CountDeferred returns the depth of the team's holding area.
func (l *Ledger) CountDeferred(ctx context.Context, teamID string) (int64, error) {
	n, err := l.rdb.ZCard(ctx, deferredKey(teamID)).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count-deferred: %w", err)
	}
	return n, nil
}

// PopDeferred removes and returns up to n entries in priority-then-enqueue
// order.
func (l *Ledger) PopDeferred(ctx context.Context, teamID string, n int) ([]DeferredEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	popped, err := l.rdb.ZPopMin(ctx, deferredKey(teamID), int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: pop-deferred: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobsKey := deferredJobsKey(teamID)
	entries := make([]DeferredEntry, 0, len(popped))
	for _, z := range popped {
		jobID, ok := z.Member.(string)
		if !ok {
			continue
		}
		data, err := l.rdb.HGet(ctx, jobsKey, jobID).Result()
		if err == redis.Nil {
			l.logger.Warn("deferred entry without payload, skipping", "team_id", teamID, "job_id", jobID)
			continue
		}
		if err != nil {
			return entries, fmt.Errorf("ledger: pop-deferred: load payload: %w", err)
		}
		l.rdb.HDel(ctx, jobsKey, jobID)

		var entry DeferredEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			l.logger.Error("corrupt deferred entry, skipping", "team_id", teamID, "job_id", jobID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	// Keep the sweep registry tight: unregister teams with a drained queue.
	remaining, err := l.rdb.ZCard(ctx, deferredKey(teamID)).Result()
	if err == nil && remaining == 0 {
		l.rdb.SRem(ctx, deferredTeamsKey, teamID)
	}

	return entries, nil
}

// TeamsWithDeferred lists teams that currently hold deferred entries. The
// periodic sweep drains each of them.
func (l *Ledger) TeamsWithDeferred(ctx context.Context) ([]string, error) {
	teams, err := l.rdb.SMembers(ctx, deferredTeamsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: teams-with-deferred: %w", err)
	}
	return teams, nil
}

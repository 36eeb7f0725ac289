// Package queue is the redis-backed worker queue: a pending zset ordered by
// priority then enqueue time, a per-job record carrying state and result,
// and a per-job pub/sub channel for completion events.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/utils"
)

// State of a job record.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state will not change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Record is the persisted state of a queued job. It doubles as the handle
// returned to submitters.
type Record struct {
	ID       string          `json:"id"`
	TeamID   string          `json:"team_id"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	State    State           `json:"state"`
	// Result is the inline result document set. Empty on out-of-band
	// completion, in which case the blob store holds the payload.
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Job decodes the record payload back into the submitted job.
func (r *Record) Job() (*scrape.Job, error) {
	var job scrape.Job
	if err := json.Unmarshal(r.Payload, &job); err != nil {
		return nil, fmt.Errorf("queue: decode payload: %w", err)
	}
	return &job, nil
}

// Documents decodes the inline result. Empty when the worker persisted the
// result out-of-band.
func (r *Record) Documents() ([]scrape.Document, error) {
	if len(r.Result) == 0 {
		return nil, nil
	}
	var docs []scrape.Document
	if err := json.Unmarshal(r.Result, &docs); err != nil {
		return nil, fmt.Errorf("queue: decode result: %w", err)
	}
	return docs, nil
}

// priorityScoreBase spaces pending scores: priority orders first, enqueue
// time breaks ties, and the combined integer stays float64-exact.
const priorityScoreBase = 1 << 42

type Queue struct {
	rdb       redis.UniversalClient
	name      string
	recordTTL time.Duration
	logger    *slog.Logger
}

func New(rdb redis.UniversalClient, name string, recordTTL time.Duration, logger *slog.Logger) *Queue {
	if recordTTL <= 0 {
		recordTTL = 24 * time.Hour
	}
	return &Queue{
		rdb:       rdb,
		name:      name,
		recordTTL: recordTTL,
		logger:    logger,
	}
}

func (q *Queue) pendingKey() string             { return "queue:" + q.name + ":pending" }
func (q *Queue) jobKey(id string) string        { return "queue:" + q.name + ":job:" + id }
func (q *Queue) eventsChannel(id string) string { return "queue:" + q.name + ":events:" + id }

// Name returns the queue name, used as a metric label.
func (q *Queue) Name() string { return q.name }

// Enqueue publishes a job to the pending queue and returns its record.
func (q *Queue) Enqueue(ctx context.Context, job *scrape.Job) (*Record, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job: %w", err)
	}

	now := utils.NowUTC()
	rec := &Record{
		ID:        job.ID,
		TeamID:    job.TeamID,
		Priority:  job.Priority,
		Payload:   payload,
		State:     StateQueued,
		CreatedAt: now,
	}
	if err := q.save(ctx, rec); err != nil {
		return nil, err
	}

	score := float64(job.Priority)*priorityScoreBase + float64(now.UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return rec, nil
}

// Job loads a record by id. Returns nil when the job has not materialized
// (or its record aged out).
func (q *Queue) Job(ctx context.Context, id string) (*Record, error) {
	data, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &rec, nil
}

// Dequeue pops the most urgent pending job and marks it active. Returns nil
// when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Record, error) {
	popped, err := q.rdb.ZPopMin(ctx, q.pendingKey(), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)

	rec, err := q.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		q.logger.Warn("pending entry without record, dropping", "queue", q.name, "job_id", id)
		return nil, nil
	}

	now := utils.NowUTC()
	rec.State = StateActive
	rec.StartedAt = &now
	if err := q.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Complete finishes a job with its inline result. Pass nil docs when the
// result was persisted out-of-band in the blob store.
func (q *Queue) Complete(ctx context.Context, id string, docs []scrape.Document) error {
	rec, err := q.Job(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("queue: complete: unknown job %s", id)
	}

	if docs != nil {
		result, err := json.Marshal(docs)
		if err != nil {
			return fmt.Errorf("queue: marshal result: %w", err)
		}
		rec.Result = result
	}
	now := utils.NowUTC()
	rec.State = StateCompleted
	rec.FinishedAt = &now
	if err := q.save(ctx, rec); err != nil {
		return err
	}
	q.publish(ctx, rec)
	return nil
}

// Fail finishes a job with a failure. The cause is serialized as a
// transportable error so the waiter can re-raise it typed. Unknown jobs are
// upserted so a failure recorded before enqueue (e.g. timed out while
// parked) is still observable.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	rec, err := q.Job(ctx, id)
	if err != nil {
		return err
	}
	now := utils.NowUTC()
	if rec == nil {
		rec = &Record{
			ID:        id,
			State:     StateFailed,
			CreatedAt: now,
		}
	}
	rec.State = StateFailed
	rec.FailedReason = scrape.SerializeError(cause)
	rec.FinishedAt = &now
	if err := q.save(ctx, rec); err != nil {
		return err
	}
	q.publish(ctx, rec)
	return nil
}

// Len returns the pending queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}

func (q *Queue) save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: marshal record: %w", err)
	}
	if err := q.rdb.Set(ctx, q.jobKey(rec.ID), string(data), q.recordTTL).Err(); err != nil {
		return fmt.Errorf("queue: save record: %w", err)
	}
	return nil
}

func (q *Queue) publish(ctx context.Context, rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := q.rdb.Publish(ctx, q.eventsChannel(rec.ID), string(data)).Err(); err != nil {
		q.logger.Warn("completion publish failed", "queue", q.name, "job_id", rec.ID, "error", err)
	}
}

// Subscription delivers terminal records for one job.
type Subscription struct {
	pubsub *redis.PubSub
	C      <-chan *Record
}

// Close releases the underlying pub/sub connection.
func (s *Subscription) Close() {
	_ = s.pubsub.Close()
}

// Subscribe opens a completion subscription for the job. The returned
// channel receives the terminal record; callers must Close.
func (q *Queue) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	pubsub := q.rdb.Subscribe(ctx, q.eventsChannel(id))
	// Force the subscription onto the wire before the caller re-checks job
	// state, otherwise a completion between check and subscribe is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("queue: subscribe: %w", err)
	}

	ch := make(chan *Record, 1)
	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			var rec Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				q.logger.Warn("undecodable completion event", "queue", q.name, "job_id", id, "error", err)
				continue
			}
			select {
			case ch <- &rec:
			default:
			}
			return
		}
	}()

	return &Subscription{pubsub: pubsub, C: ch}, nil
}

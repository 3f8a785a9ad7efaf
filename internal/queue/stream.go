package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// payloadField is the single stream entry field carrying the JSON job.
const payloadField = "payload"

// AskJob is one queued AI request. Kind selects the gateway operation,
// SessionID scopes conversation history, PhotoFileID is set when the user
// attached an image to analyze.
type AskJob struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	ChatID      int64     `json:"chat_id"`
	ChatType    string    `json:"chat_type"`
	UserID      int64     `json:"user_id"`
	MessageID   int64     `json:"message_id"`
	Prompt      string    `json:"prompt"`
	PhotoFileID string    `json:"photo_file_id,omitempty"`
	SessionID   string    `json:"session_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
}

// Message pairs a decoded job with the stream entry ID needed to ack it.
type Message struct {
	ID  string
	Job AskJob
}

// StreamQueue hands jobs from the ingress to workers over a redis stream
// consumer group. Acked entries are deleted so the stream does not grow
// without bound.
type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) Consumer() string { return q.consumer }

// EnsureGroup creates the consumer group, tolerating a group that already
// exists from a previous run.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	switch err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err(); {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "BUSYGROUP"):
		return nil
	default:
		return fmt.Errorf("create group %s on %s: %w", q.group, q.stream, err)
	}
}

// Enqueue appends the job to the stream, assigning a job ID and enqueue
// time when the caller left them zero. The returned ID is the stream
// entry ID, not the job ID.
func (q *StreamQueue) Enqueue(ctx context.Context, job AskJob) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	entryID, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: encoded},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd job %s: %w", job.JobID, err)
	}
	return entryID, nil
}

// Read blocks up to the configured window for new entries assigned to this
// consumer. A drained stream yields (nil, nil). Entries whose payload does
// not decode are skipped rather than poisoning the loop.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	streams, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
	}

	var out []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			job, ok := decodeJob(entry.Values)
			if !ok {
				continue
			}
			out = append(out, Message{ID: entry.ID, Job: job})
		}
	}
	return out, nil
}

// Ack marks the entry processed and drops it from the stream.
func (q *StreamQueue) Ack(ctx context.Context, entryID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, entryID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", entryID, err)
	}
	if err := q.redis.XDel(ctx, q.stream, entryID).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", entryID, err)
	}
	return nil
}

func decodeJob(values map[string]any) (AskJob, bool) {
	var raw []byte
	switch v := values[payloadField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return AskJob{}, false
	}
	var job AskJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return AskJob{}, false
	}
	return job, true
}

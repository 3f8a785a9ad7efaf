package queue

import (
	"context"
	"testing"
	"time"
)

func TestStreamQueueRoundtrip(t *testing.T) {
	rdb := testRedis(t)
	q := NewStreamQueue(rdb, "polybot:jobs", "workers", "worker-1", 50*time.Millisecond)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	// Creating an existing group is tolerated.
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup again: %v", err)
	}

	job := AskJob{
		Kind:      "chat",
		ChatID:    42,
		ChatType:  "private",
		UserID:    7,
		MessageID: 100,
		Prompt:    "hello",
		SessionID: "chat:42",
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	got := msgs[0].Job
	if got.JobID == "" {
		t.Fatal("job id not assigned on enqueue")
	}
	if got.EnqueuedAt.IsZero() {
		t.Fatal("enqueue timestamp not set")
	}
	if got.Kind != "chat" || got.ChatID != 42 || got.Prompt != "hello" || got.SessionID != "chat:42" {
		t.Fatalf("job = %+v", got)
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	msgs, err = q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read after ack: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("acked message redelivered: %+v", msgs)
	}
}

func TestStreamQueueKeepsExplicitJobID(t *testing.T) {
	rdb := testRedis(t)
	q := NewStreamQueue(rdb, "polybot:jobs", "workers", "worker-1", 50*time.Millisecond)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := q.Enqueue(ctx, AskJob{JobID: "job-1", Kind: "tts", Prompt: "say hi", Attempts: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.JobID != "job-1" || msgs[0].Job.Attempts != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
}

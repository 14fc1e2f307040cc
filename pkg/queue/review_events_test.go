package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStream(t *testing.T, maxLen int64) (*RedisEventStream, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisEventStream(RedisStreamConfig{Addr: mr.Addr(), Stream: "test:reviews:events", MaxLen: maxLen})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	return s, mr
}

func TestPublishAndRecent(t *testing.T) {
	s, _ := newTestStream(t, 0)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	first, err := s.Publish(ctx, ReviewEvent{Type: EventReviewSubmitted, ReviewID: "r-1", BookID: 42, Status: "pending"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if first.ID == "" || !first.OccurredAt.Equal(at) {
		t.Fatalf("publish did not fill defaults: %+v", first)
	}
	if _, err := s.Publish(ctx, ReviewEvent{Type: EventReviewModerated, ReviewID: "r-1", BookID: 42, Status: "approved"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != EventReviewModerated || events[1].Type != EventReviewSubmitted {
		t.Fatalf("expected newest first, got %+v", events)
	}
	if events[1].ID != first.ID || events[1].BookID != 42 || !events[1].OccurredAt.Equal(at) {
		t.Fatalf("round trip mismatch: %+v vs %+v", events[1], first)
	}
}

func TestPublishRequiresReviewAndType(t *testing.T) {
	s, _ := newTestStream(t, 0)
	ctx := context.Background()
	if _, err := s.Publish(ctx, ReviewEvent{Type: EventReviewSubmitted}); err == nil {
		t.Fatalf("expected missing review id to fail")
	}
	if _, err := s.Publish(ctx, ReviewEvent{ReviewID: "r-1"}); err == nil {
		t.Fatalf("expected missing type to fail")
	}
}

func TestPublishFailsWhenRedisDown(t *testing.T) {
	s, mr := newTestStream(t, 0)
	mr.Close()
	if _, err := s.Publish(context.Background(), ReviewEvent{Type: EventReviewSubmitted, ReviewID: "r-1"}); err == nil {
		t.Fatalf("expected publish to fail with redis down")
	}
}

func TestNewRedisEventStreamRequiresAddr(t *testing.T) {
	if _, err := NewRedisEventStream(RedisStreamConfig{}); err == nil {
		t.Fatalf("expected missing addr to fail")
	}
}

// Package queue publishes review lifecycle events to a Redis stream. The
// moderation console reads the stream with its own consumer group.
package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"citylibrary/internal/util"
)

const (
	DefaultStream = "citylibrary:reviews:events"
	defaultMaxLen = 10000
)

type EventType string

const (
	EventReviewSubmitted EventType = "review.submitted"
	EventReviewModerated EventType = "review.moderated"
)

// ReviewEvent is one entry on the review event stream.
type ReviewEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	ReviewID   string    `json:"reviewId"`
	BookID     int64     `json:"bookId"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

// RedisStreamConfig configures the event stream. Client takes precedence over
// Addr so the service can share one connection pool.
type RedisStreamConfig struct {
	Addr     string
	Password string
	Client   *redis.Client
	Stream   string
	MaxLen   int64
}

// RedisEventStream appends review events with XADD, trimming approximately
// to MaxLen entries.
type RedisEventStream struct {
	client *redis.Client
	stream string
	maxLen int64
	now    func() time.Time
}

func NewRedisEventStream(cfg RedisStreamConfig) (*RedisEventStream, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisEventStream{
		client: client,
		stream: stream,
		maxLen: maxLen,
		now:    time.Now,
	}, nil
}

// Publish appends ev to the stream, filling in ID and OccurredAt when unset.
func (s *RedisEventStream) Publish(ctx context.Context, ev ReviewEvent) (ReviewEvent, error) {
	if strings.TrimSpace(ev.ReviewID) == "" {
		return ReviewEvent{}, errors.New("reviewId required")
	}
	if ev.Type == "" {
		return ReviewEvent{}, errors.New("event type required")
	}
	if ev.ID == "" {
		ev.ID = util.NewID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: encodeEvent(ev),
	}).Err(); err != nil {
		return ReviewEvent{}, err
	}
	return ev, nil
}

// Recent returns up to count events, newest first.
func (s *RedisEventStream) Recent(ctx context.Context, count int64) ([]ReviewEvent, error) {
	if count <= 0 {
		count = 50
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ReviewEvent, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, decodeEvent(msg.Values))
	}
	return out, nil
}

func encodeEvent(ev ReviewEvent) map[string]any {
	return map[string]any{
		"event_id":    ev.ID,
		"type":        string(ev.Type),
		"review_id":   ev.ReviewID,
		"book_id":     strconv.FormatInt(ev.BookID, 10),
		"status":      ev.Status,
		"occurred_at": ev.OccurredAt.Format(time.RFC3339Nano),
	}
}

func decodeEvent(values map[string]any) ReviewEvent {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}
	ev := ReviewEvent{
		ID:       str("event_id"),
		Type:     EventType(str("type")),
		ReviewID: str("review_id"),
		Status:   str("status"),
	}
	if n, err := strconv.ParseInt(str("book_id"), 10, 64); err == nil {
		ev.BookID = n
	}
	if t, err := time.Parse(time.RFC3339Nano, str("occurred_at")); err == nil {
		ev.OccurredAt = t
	}
	return ev
}

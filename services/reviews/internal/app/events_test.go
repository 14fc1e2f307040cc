package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"citylibrary/pkg/domain"
	"citylibrary/pkg/queue"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.ReviewEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.ReviewEvent) (queue.ReviewEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return queue.ReviewEvent{}, p.err
	}
	p.events = append(p.events, ev)
	return ev, nil
}

func TestSubmitAndModerationPublishEvents(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	f.app.events = pub
	ctx := context.Background()

	out := f.app.Submit(ctx, Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if !out.Accepted {
		t.Fatalf("expected accepted outcome, got %+v", out)
	}
	if _, err := f.app.SetStatus(ctx, out.ReviewID, domain.ReviewRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	if pub.events[0].Type != queue.EventReviewSubmitted || pub.events[0].Status != string(domain.ReviewPending) {
		t.Fatalf("unexpected submitted event %+v", pub.events[0])
	}
	if pub.events[1].Type != queue.EventReviewModerated || pub.events[1].Status != string(domain.ReviewRejected) {
		t.Fatalf("unexpected moderated event %+v", pub.events[1])
	}
	if pub.events[0].ReviewID != out.ReviewID || pub.events[0].BookID != 42 {
		t.Fatalf("event does not describe the review: %+v", pub.events[0])
	}
}

func TestRejectedSubmissionPublishesNothing(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	f.app.events = pub

	out := f.app.Submit(context.Background(), Session{Key: "sess-1"}, alexSubmission("NOPE"), domain.SubmissionContext{})
	if out.Accepted {
		t.Fatalf("expected rejection")
	}
	if len(pub.events) != 0 {
		t.Fatalf("rejected submission published %+v", pub.events)
	}
}

func TestEventOutageDoesNotFailSubmission(t *testing.T) {
	f := newFixture(t)
	f.app.events = &recordingPublisher{err: errors.New("stream unavailable")}

	out := f.app.Submit(context.Background(), Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if !out.Accepted {
		t.Fatalf("expected accepted outcome despite publish failure, got %+v", out)
	}
}

func TestSubmitPublishesToRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	stream, err := queue.NewRedisEventStream(queue.RedisStreamConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	f := newFixture(t)
	f.app.events = stream
	ctx := context.Background()

	out := f.app.Submit(ctx, Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if !out.Accepted {
		t.Fatalf("expected accepted outcome, got %+v", out)
	}
	events, err := stream.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].ReviewID != out.ReviewID {
		t.Fatalf("unexpected stream contents %+v", events)
	}
}

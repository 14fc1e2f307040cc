package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"citylibrary/pkg/domain"
	"citylibrary/pkg/store"
	"citylibrary/services/reviews/internal/challenge"
	"citylibrary/services/reviews/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"
)

// flakyStore injects failures into an otherwise working memory store.
type flakyStore struct {
	*store.MemoryStore
	failGuest   bool
	failCreate  bool
	failCatalog bool
	guestCalls  atomic.Int32
}

func (s *flakyStore) GetBook(ctx context.Context, id int64) (domain.Book, bool, error) {
	if s.failCatalog {
		return domain.Book{}, false, errors.New("catalog offline")
	}
	return s.MemoryStore.GetBook(ctx, id)
}

func (s *flakyStore) CreateOrGetGuest(ctx context.Context, guest domain.GuestIdentity) (domain.Identity, bool, error) {
	s.guestCalls.Add(1)
	if s.failGuest {
		return nil, false, errors.New("identity store unavailable")
	}
	return s.MemoryStore.CreateOrGetGuest(ctx, guest)
}

func (s *flakyStore) CreateReview(ctx context.Context, r domain.Review) (domain.Review, error) {
	if s.failCreate {
		return domain.Review{}, errors.New("disk full")
	}
	return s.MemoryStore.CreateReview(ctx, r)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	app     *App
	store   *flakyStore
	clock   *clock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()
	if _, err := mem.SaveBook(ctx, domain.Book{ID: 42, Title: "The Long Shelf", Author: "M. Reyes"}); err != nil {
		t.Fatalf("save book: %v", err)
	}
	if _, err := mem.SaveBook(ctx, domain.Book{ID: 7, Title: "Night Stacks", Author: "J. Okafor"}); err != nil {
		t.Fatalf("save book: %v", err)
	}
	fs := &flakyStore{MemoryStore: mem}
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := metrics.New()
	a, err := New(Config{
		Store:             fs,
		Challenges:        challenge.NewMemoryStore(),
		Metrics:           m,
		ChallengeTTL:      5 * time.Minute,
		ChallengeHashCost: bcrypt.MinCost,
		Now:               c.Now,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &fixture{app: a, store: fs, clock: c, metrics: m}
}

func (f *fixture) issue(t *testing.T, sessionKey string) string {
	t.Helper()
	c, err := f.app.IssueChallenge(context.Background(), sessionKey)
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	return c.Code
}

func alexSubmission(code string) Submission {
	return Submission{
		BookID:      42,
		DisplayName: "Alex",
		Rating:      5,
		Body:        "Loved every page of it.",
		Captcha:     code,
	}
}

func TestSubmitEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := Session{Key: "sess-1"}

	out := f.app.Submit(ctx, session, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{RequestID: "req-1"})
	if !out.Accepted {
		t.Fatalf("expected accepted outcome, got %+v", out)
	}
	if out.Status != domain.ReviewPending || out.ReviewID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	stored, ok, err := f.store.GetReview(ctx, out.ReviewID)
	if err != nil || !ok {
		t.Fatalf("get review: ok=%v err=%v", ok, err)
	}
	if stored.Status != domain.ReviewPending || stored.Submission.RequestID != "req-1" {
		t.Fatalf("unexpected stored review %+v", stored)
	}

	listing, err := f.app.ListApproved(ctx, 42)
	if err != nil {
		t.Fatalf("list approved: %v", err)
	}
	if listing.Count != 0 || len(listing.Items) != 0 {
		t.Fatalf("pending review must not be listed: %+v", listing)
	}

	if _, err := f.app.SetStatus(ctx, out.ReviewID, domain.ReviewApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	listing, err = f.app.ListApproved(ctx, 42)
	if err != nil {
		t.Fatalf("list approved: %v", err)
	}
	if listing.Count != 1 || listing.Items[0].ID != out.ReviewID {
		t.Fatalf("expected approved review listed, got %+v", listing)
	}
	if listing.Items[0].DisplayName != "Alex" || listing.AverageRating != 5 {
		t.Fatalf("unexpected listing projection %+v", listing)
	}
	if got := testutil.ToFloat64(f.metrics.SubmissionOutcome.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("accepted metric = %v, want 1", got)
	}
}

func TestSubmitCaptchaFailureHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.issue(t, "sess-1")

	out := f.app.Submit(ctx, Session{Key: "sess-1"}, alexSubmission(code+"X"), domain.SubmissionContext{})
	if out.Accepted || out.Reason != ReasonCaptchaFailed {
		t.Fatalf("expected captcha failure, got %+v", out)
	}
	if out.Fields.DisplayName != "Alex" || out.Fields.Body != "Loved every page of it." || out.Fields.Captcha != "" {
		t.Fatalf("expected fields preserved without captcha, got %+v", out.Fields)
	}
	pending, err := f.app.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no review, got %d", len(pending))
	}
	if _, ok, _ := f.store.GetIdentityByContactKey(ctx, "alex@guest.local"); ok {
		t.Fatalf("expected no guest identity after captcha failure")
	}
	if f.store.guestCalls.Load() != 0 {
		t.Fatalf("identity store must not be touched")
	}

	// The consumed challenge cannot be reused even with the right code.
	out = f.app.Submit(ctx, Session{Key: "sess-1"}, alexSubmission(code), domain.SubmissionContext{})
	if out.Reason != ReasonCaptchaFailed {
		t.Fatalf("expected consumed challenge to fail, got %+v", out)
	}
}

func TestSubmitExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	code := f.issue(t, "sess-1")
	f.clock.Advance(5*time.Minute + time.Second)

	out := f.app.Submit(context.Background(), Session{Key: "sess-1"}, alexSubmission(code), domain.SubmissionContext{})
	if out.Reason != ReasonCaptchaFailed {
		t.Fatalf("expected expired challenge to fail, got %+v", out)
	}
	if got := testutil.ToFloat64(f.metrics.ChallengeVerifyRes.WithLabelValues("expired")); got != 1 {
		t.Fatalf("expired metric = %v, want 1", got)
	}
}

func TestSubmitReportsAllViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := Submission{BookID: 42, DisplayName: "Alex", Rating: 7, Body: "bad", Captcha: f.issue(t, "sess-1")}

	out := f.app.Submit(ctx, Session{Key: "sess-1"}, in, domain.SubmissionContext{})
	if out.Reason != ReasonValidationFailed {
		t.Fatalf("expected validation failure, got %+v", out)
	}
	codes := map[ViolationCode]bool{}
	for _, v := range out.Violations {
		codes[v.Code] = true
	}
	if len(out.Violations) != 2 || !codes[ViolationRatingRange] || !codes[ViolationBodyTooShort] {
		t.Fatalf("expected rating and body violations, got %+v", out.Violations)
	}
	if f.store.guestCalls.Load() != 0 {
		t.Fatalf("identity must not be resolved for invalid payload")
	}

	// The challenge was consumed by the attempt.
	in = alexSubmission(in.Captcha)
	if out := f.app.Submit(ctx, Session{Key: "sess-1"}, in, domain.SubmissionContext{}); out.Reason != ReasonCaptchaFailed {
		t.Fatalf("expected fresh challenge to be required, got %+v", out)
	}
}

func TestSubmitReusesGuestIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.app.Submit(ctx, Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	second := f.app.Submit(ctx, Session{Key: "sess-2"}, Submission{
		BookID: 7, DisplayName: "  a.l.e.x ", Rating: 3, Body: "Decent, a bit slow.", Captcha: f.issue(t, "sess-2"),
	}, domain.SubmissionContext{})
	if !first.Accepted || !second.Accepted {
		t.Fatalf("expected both accepted: %+v / %+v", first, second)
	}
	r1, _, _ := f.store.GetReview(ctx, first.ReviewID)
	r2, _, _ := f.store.GetReview(ctx, second.ReviewID)
	if r1.IdentityID != r2.IdentityID {
		t.Fatalf("expected same guest identity, got %q and %q", r1.IdentityID, r2.IdentityID)
	}
	ident, ok, _ := f.store.GetIdentity(ctx, r1.IdentityID)
	if !ok || ident.Name() != "Alex" {
		t.Fatalf("existing guest display name must be kept, got %+v", ident)
	}
}

func TestSubmitIdentityFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failGuest = true

	out := f.app.Submit(context.Background(), Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if out.Reason != ReasonIdentityFailure {
		t.Fatalf("expected identity failure, got %+v", out)
	}
}

func TestSubmitStorageFailureKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	f.store.failCreate = true
	ctx := context.Background()

	out := f.app.Submit(ctx, Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if out.Reason != ReasonStorageFailure {
		t.Fatalf("expected storage failure, got %+v", out)
	}
	if _, ok, _ := f.store.GetIdentityByContactKey(ctx, "alex@guest.local"); !ok {
		t.Fatalf("resolved guest identity should remain after storage failure")
	}
}

func TestSubmitCatalogFailureIsStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failCatalog = true

	out := f.app.Submit(context.Background(), Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if out.Reason != ReasonStorageFailure {
		t.Fatalf("expected storage failure, got %+v", out)
	}
}

func TestSubmitAuthenticatedUsesAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.SaveRegisteredIdentity(ctx, domain.RegisteredIdentity{ID: "acct-1", DisplayName: "Jordan", ContactKey: "jordan@example.com", Role: domain.RoleUser}); err != nil {
		t.Fatalf("save account: %v", err)
	}

	in := alexSubmission(f.issue(t, "sess-1"))
	in.DisplayName = ""
	out := f.app.Submit(ctx, Session{Key: "sess-1", AccountID: "acct-1"}, in, domain.SubmissionContext{})
	if !out.Accepted {
		t.Fatalf("expected accepted, got %+v", out)
	}
	review, _, _ := f.store.GetReview(ctx, out.ReviewID)
	if review.IdentityID != "acct-1" {
		t.Fatalf("expected account identity, got %q", review.IdentityID)
	}
	if f.store.guestCalls.Load() != 0 {
		t.Fatalf("authenticated submissions must not create guests")
	}

	out = f.app.Submit(ctx, Session{Key: "sess-1", AccountID: "ghost"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if out.Reason != ReasonIdentityFailure {
		t.Fatalf("expected identity failure for unknown account, got %+v", out)
	}
}

func TestResolveConcurrentGuestsYieldOneIdentity(t *testing.T) {
	mem := store.NewMemoryStore()
	var seq atomic.Int64
	r := NewIdentityResolver(mem, "", func() string { return fmt.Sprintf("g-%d", seq.Add(1)) }, nil)

	const workers = 24
	start := make(chan struct{})
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ident, err := r.Resolve(context.Background(), Session{Key: fmt.Sprintf("s-%d", i)}, "Sam")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = ident.IdentityID()
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("resolve %d returned %q, want %q", i, ids[i], ids[0])
		}
	}
	ident, ok, _ := mem.GetIdentityByContactKey(context.Background(), "sam@guest.local")
	if !ok || ident.IdentityID() != ids[0] {
		t.Fatalf("stored identity mismatch: %+v", ident)
	}
}

func TestResolveRejectsGuestKeyOwnedByAccount(t *testing.T) {
	mem := store.NewMemoryStore()
	if err := mem.SaveRegisteredIdentity(context.Background(), domain.RegisteredIdentity{ID: "acct-1", DisplayName: "Sam", ContactKey: "sam@guest.local"}); err != nil {
		t.Fatalf("save account: %v", err)
	}
	r := NewIdentityResolver(mem, "", nil, nil)
	if _, err := r.Resolve(context.Background(), Session{}, "Sam"); !errors.Is(err, ErrIdentityFailure) {
		t.Fatalf("expected identity failure, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.app.Submit(ctx, Session{Key: "sess-1"}, alexSubmission(f.issue(t, "sess-1")), domain.SubmissionContext{})
	if !out.Accepted {
		t.Fatalf("submit: %+v", out)
	}

	if _, err := f.app.SetStatus(ctx, out.ReviewID, domain.ReviewPending); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := f.app.SetStatus(ctx, out.ReviewID, domain.ReviewStatus("archived")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for unknown status, got %v", err)
	}
	if _, err := f.app.SetStatus(ctx, "missing", domain.ReviewApproved); !errors.Is(err, ErrReviewNotFound) {
		t.Fatalf("expected ErrReviewNotFound, got %v", err)
	}
	review, err := f.app.SetStatus(ctx, out.ReviewID, domain.ReviewRejected)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if review.Status != domain.ReviewRejected {
		t.Fatalf("expected rejected, got %s", review.Status)
	}
	if _, err := f.app.SetStatus(ctx, out.ReviewID, domain.ReviewApproved); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	listing, err := f.app.ListApproved(ctx, 42)
	if err != nil {
		t.Fatalf("list approved: %v", err)
	}
	if listing.Count != 0 {
		t.Fatalf("rejected review must never be listed")
	}
}

func TestListApprovedOrdersNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i, name := range []string{"Alex", "Sam", "Riley"} {
		key := fmt.Sprintf("sess-%d", i)
		in := Submission{BookID: 42, DisplayName: name, Rating: i + 2, Body: "A thoughtful and moving read.", Captcha: f.issue(t, key)}
		out := f.app.Submit(ctx, Session{Key: key}, in, domain.SubmissionContext{})
		if !out.Accepted {
			t.Fatalf("submit %d: %+v", i, out)
		}
		ids = append(ids, out.ReviewID)
		f.clock.Advance(time.Minute)
	}
	// Approve out of order; listing order follows creation time.
	for _, idx := range []int{1, 0, 2} {
		if _, err := f.app.SetStatus(ctx, ids[idx], domain.ReviewApproved); err != nil {
			t.Fatalf("approve %d: %v", idx, err)
		}
	}
	listing, err := f.app.ListApproved(ctx, 42)
	if err != nil {
		t.Fatalf("list approved: %v", err)
	}
	if listing.Count != 3 || listing.Items[0].ID != ids[2] || listing.Items[2].ID != ids[0] {
		t.Fatalf("unexpected order: %+v", listing.Items)
	}
	if listing.AverageRating != 3 {
		t.Fatalf("average rating = %v, want 3", listing.AverageRating)
	}

	if _, err := f.app.ListApproved(ctx, 0); !errors.Is(err, ErrInvalidBookID) {
		t.Fatalf("expected ErrInvalidBookID, got %v", err)
	}
	empty, err := f.app.ListApproved(ctx, 7)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if empty.Items == nil || empty.Count != 0 {
		t.Fatalf("expected empty non-nil listing, got %+v", empty)
	}
}

func TestIssueChallengeRequiresSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.app.IssueChallenge(context.Background(), ""); !errors.Is(err, ErrSessionRequired) {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
	if f.app.ChallengeTTL() != 5*time.Minute {
		t.Fatalf("unexpected ttl %v", f.app.ChallengeTTL())
	}
}

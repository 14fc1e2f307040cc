package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"citylibrary/internal/util"
	"citylibrary/pkg/domain"
	"citylibrary/pkg/queue"
	"citylibrary/pkg/store"
	"citylibrary/services/reviews/internal/challenge"
	"citylibrary/services/reviews/internal/metrics"
)

// Config holds runtime configuration for the review pipeline.
type Config struct {
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	ChallengeTTL    time.Duration
	ChallengeLength int
	GuestDomain     string

	Store      store.Store
	Challenges challenge.Store
	Metrics    *metrics.Metrics
	// Events receives review lifecycle events; nil disables publishing.
	Events EventPublisher

	// ChallengeHashCost overrides the bcrypt cost for challenge codes.
	ChallengeHashCost int
	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// EventPublisher records review lifecycle events for the moderation console.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.ReviewEvent) (queue.ReviewEvent, error)
}

// App sequences challenge verification, validation, identity resolution and
// persistence for review submissions, and serves the read and moderation
// operations around them.
type App struct {
	store      store.Store
	challenges *challenge.Manager
	resolver   *IdentityResolver
	validator  Validator
	metrics    *metrics.Metrics
	events     EventPublisher
	now        func() time.Time
	newID      func() string
}

// New constructs the application with database storage and Redis-backed
// challenges unless stores are injected.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	challengeStore := cfg.Challenges
	if challengeStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for challenge storage")
		}
		rs, err := challenge.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("init challenge store: %w", err)
		}
		challengeStore = rs
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = util.NewID
	}

	manager, err := challenge.NewManager(challenge.Config{
		Store:    challengeStore,
		TTL:      cfg.ChallengeTTL,
		Length:   cfg.ChallengeLength,
		HashCost: cfg.ChallengeHashCost,
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("init challenge manager: %w", err)
	}

	return &App{
		store:      dataStore,
		challenges: manager,
		resolver:   NewIdentityResolver(dataStore, cfg.GuestDomain, newID, cfg.Metrics),
		validator:  NewValidator(dataStore),
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		now:        now,
		newID:      newID,
	}, nil
}

// RejectReason classifies a refused submission.
type RejectReason string

const (
	ReasonCaptchaFailed    RejectReason = "captcha_failed"
	ReasonValidationFailed RejectReason = "validation_failed"
	ReasonIdentityFailure  RejectReason = "identity_failure"
	ReasonStorageFailure   RejectReason = "storage_failure"
)

// Outcome is the result of Submit. Exactly one of Accepted or Reason is set.
// Fields echoes the submitted values, minus the challenge answer, so a form
// can be re-rendered.
type Outcome struct {
	Accepted   bool
	ReviewID   string
	Status     domain.ReviewStatus
	Reason     RejectReason
	Violations []Violation
	Fields     Submission
}

func rejected(reason RejectReason, fields Submission) Outcome {
	return Outcome{Reason: reason, Fields: fields}
}

// Submit runs the submission pipeline. It stops at the first failing step;
// nothing is retried.
func (a *App) Submit(ctx context.Context, session Session, in Submission, meta domain.SubmissionContext) Outcome {
	start := time.Now()
	defer func() { a.metrics.ObserveSubmitLatency(time.Since(start)) }()
	logger := util.LoggerFromContext(ctx)

	fields := in
	fields.Captcha = ""

	if err := a.challenges.Verify(ctx, session.Key, in.Captcha); err != nil {
		a.metrics.IncrementChallengeVerify(verifyResult(err))
		if challenge.IsCheckFailure(err) {
			logger.Info("review challenge rejected", "reason", err.Error())
		} else {
			logger.Error("review challenge verification error", "err", err)
		}
		a.metrics.IncrementSubmission(string(ReasonCaptchaFailed))
		return rejected(ReasonCaptchaFailed, fields)
	}
	a.metrics.IncrementChallengeVerify("ok")

	normalized, violations, err := a.validator.Validate(ctx, in, session.Authenticated())
	if err != nil {
		logger.Error("review validation lookup failed", "err", err)
		a.metrics.IncrementSubmission(string(ReasonStorageFailure))
		return rejected(ReasonStorageFailure, fields)
	}
	if len(violations) > 0 {
		for _, v := range violations {
			a.metrics.IncrementViolation(string(v.Code))
		}
		a.metrics.IncrementSubmission(string(ReasonValidationFailed))
		out := rejected(ReasonValidationFailed, fields)
		out.Violations = violations
		return out
	}

	ident, err := a.resolver.Resolve(ctx, session, normalized.DisplayName)
	if err != nil {
		logger.Error("review identity resolution failed", "err", err)
		a.metrics.IncrementSubmission(string(ReasonIdentityFailure))
		return rejected(ReasonIdentityFailure, fields)
	}

	review, err := a.store.CreateReview(ctx, domain.Review{
		ID:         a.newID(),
		BookID:     normalized.BookID,
		IdentityID: ident.IdentityID(),
		Rating:     normalized.Rating,
		Body:       normalized.Body,
		Submission: meta,
		CreatedAt:  a.now().UTC(),
	})
	if err != nil {
		logger.Error("review persist failed", "err", fmt.Errorf("%w: %w", ErrStorageFailure, err), "identity_id", ident.IdentityID())
		a.metrics.IncrementSubmission(string(ReasonStorageFailure))
		return rejected(ReasonStorageFailure, fields)
	}

	logger.Info("review submitted", "review_id", review.ID, "book_id", review.BookID, "identity_kind", string(ident.Kind()))
	a.publish(ctx, queue.EventReviewSubmitted, review)
	a.metrics.IncrementSubmission("accepted")
	return Outcome{
		Accepted: true,
		ReviewID: review.ID,
		Status:   review.Status,
		Fields:   fields,
	}
}

func verifyResult(err error) string {
	switch {
	case errors.Is(err, challenge.ErrCaptchaMissing):
		return "missing"
	case errors.Is(err, challenge.ErrCaptchaExpired):
		return "expired"
	case errors.Is(err, challenge.ErrCaptchaMismatch):
		return "mismatch"
	default:
		return "error"
	}
}

// IssueChallenge creates a fresh challenge for the session, invalidating any
// previous one.
func (a *App) IssueChallenge(ctx context.Context, sessionKey string) (challenge.Challenge, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return challenge.Challenge{}, ErrSessionRequired
	}
	c, err := a.challenges.Issue(ctx, sessionKey)
	if err != nil {
		return challenge.Challenge{}, err
	}
	a.metrics.IncrementChallengeIssued()
	return c, nil
}

// DiscardChallenge consumes the session's challenge for an attempt that never
// reached verification, such as an unreadable request body.
func (a *App) DiscardChallenge(ctx context.Context, sessionKey string) error {
	if err := a.challenges.Discard(ctx, sessionKey); err != nil {
		return err
	}
	a.metrics.IncrementChallengeVerify("discarded")
	return nil
}

// ChallengeTTL returns how long issued challenges remain valid.
func (a *App) ChallengeTTL() time.Duration {
	return a.challenges.TTL()
}

// BookReviews is the public listing for one book.
type BookReviews struct {
	Items         []domain.ReviewView `json:"items"`
	Count         int                 `json:"count"`
	AverageRating float64             `json:"averageRating"`
}

// ListApproved returns the approved reviews for a book, newest first. A book
// with no approved reviews yields an empty listing.
func (a *App) ListApproved(ctx context.Context, bookID int64) (BookReviews, error) {
	if bookID <= 0 {
		return BookReviews{}, ErrInvalidBookID
	}
	views, err := a.store.ListApprovedReviews(ctx, bookID)
	if err != nil {
		return BookReviews{}, fmt.Errorf("list approved reviews: %w", err)
	}
	if views == nil {
		views = []domain.ReviewView{}
	}
	out := BookReviews{Items: views, Count: len(views)}
	if len(views) > 0 {
		sum := 0
		for _, v := range views {
			sum += v.Rating
		}
		out.AverageRating = math.Round(float64(sum)/float64(len(views))*10) / 10
	}
	return out, nil
}

// ListPending returns reviews awaiting moderation, oldest first.
func (a *App) ListPending(ctx context.Context, limit int) ([]domain.ReviewView, error) {
	views, err := a.store.ListPendingReviews(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	if views == nil {
		views = []domain.ReviewView{}
	}
	return views, nil
}

// SetStatus applies a moderation decision. Only approved and rejected are
// accepted as targets, and only from pending.
func (a *App) SetStatus(ctx context.Context, reviewID string, next domain.ReviewStatus) (domain.Review, error) {
	reviewID = strings.TrimSpace(reviewID)
	if reviewID == "" {
		return domain.Review{}, ErrReviewNotFound
	}
	if !next.Valid() || !next.Terminal() {
		return domain.Review{}, ErrInvalidStatus
	}
	review, err := a.store.SetReviewStatus(ctx, reviewID, next)
	switch {
	case errors.Is(err, store.ErrReviewNotFound):
		a.metrics.IncrementModeration(string(next), "not_found")
		return domain.Review{}, ErrReviewNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		a.metrics.IncrementModeration(string(next), "invalid_transition")
		return domain.Review{}, ErrInvalidTransition
	case err != nil:
		a.metrics.IncrementModeration(string(next), "error")
		return domain.Review{}, fmt.Errorf("set review status: %w", err)
	}
	a.metrics.IncrementModeration(string(next), "ok")
	util.LoggerFromContext(ctx).Info("review moderated", "review_id", review.ID, "status", string(review.Status))
	a.publish(ctx, queue.EventReviewModerated, review)
	return review, nil
}

// publish is best effort: the review is already durable, so a stream outage
// is logged and does not change the result.
func (a *App) publish(ctx context.Context, typ queue.EventType, review domain.Review) {
	if a.events == nil {
		return
	}
	_, err := a.events.Publish(ctx, queue.ReviewEvent{
		Type:     typ,
		ReviewID: review.ID,
		BookID:   review.BookID,
		Status:   string(review.Status),
	})
	if err != nil {
		util.LoggerFromContext(ctx).Warn("review event publish failed", "type", string(typ), "review_id", review.ID, "err", err)
	}
}

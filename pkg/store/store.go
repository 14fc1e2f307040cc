package store

import (
	"context"
	"errors"

	"citylibrary/pkg/domain"
)

var (
	// ErrReviewNotFound indicates no review exists with the given ID.
	ErrReviewNotFound = errors.New("review not found")
	// ErrInvalidTransition is returned when a moderation status change is not
	// allowed from the review's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidContactKey rejects guest creation without a contact key.
	ErrInvalidContactKey = errors.New("contact key required")
)

// CatalogStore answers read-only questions about books.
type CatalogStore interface {
	GetBook(ctx context.Context, id int64) (domain.Book, bool, error)
}

// IdentityStore reads registered accounts and owns guest identity records.
type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (domain.Identity, bool, error)
	GetIdentityByContactKey(ctx context.Context, contactKey string) (domain.Identity, bool, error)
	// CreateOrGetGuest inserts guest unless an identity with the same contact
	// key exists, in which case the existing record is returned unchanged.
	// created reports whether this call inserted the row.
	CreateOrGetGuest(ctx context.Context, guest domain.GuestIdentity) (identity domain.Identity, created bool, err error)
}

// ReviewStore persists reviews and enforces the moderation state machine.
type ReviewStore interface {
	CreateReview(ctx context.Context, review domain.Review) (domain.Review, error)
	GetReview(ctx context.Context, id string) (domain.Review, bool, error)
	// ListApprovedReviews returns approved reviews for a book, newest first.
	ListApprovedReviews(ctx context.Context, bookID int64) ([]domain.ReviewView, error)
	// ListPendingReviews returns reviews awaiting moderation, oldest first.
	ListPendingReviews(ctx context.Context, limit int) ([]domain.ReviewView, error)
	// SetReviewStatus moves a review to next. It returns ErrReviewNotFound or
	// ErrInvalidTransition without modifying anything when the move is illegal.
	SetReviewStatus(ctx context.Context, id string, next domain.ReviewStatus) (domain.Review, error)
}

// Store is the full persistence surface used by the review service.
type Store interface {
	CatalogStore
	IdentityStore
	ReviewStore
}

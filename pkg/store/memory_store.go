package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"citylibrary/pkg/domain"
)

type memoryReview struct {
	review domain.Review
	seq    uint64
}

// MemoryStore keeps books, identities and reviews in process memory.
// A single mutex serializes writers, which makes CreateOrGetGuest and
// SetReviewStatus atomic.
type MemoryStore struct {
	mu         sync.RWMutex
	books      map[int64]domain.Book
	identities map[string]domain.Identity
	byKey      map[string]string // contactKey -> identity ID
	reviews    map[string]memoryReview
	seq        uint64
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:      make(map[int64]domain.Book),
		identities: make(map[string]domain.Identity),
		byKey:      make(map[string]string),
		reviews:    make(map[string]memoryReview),
	}
}

// SaveBook inserts or replaces a catalog entry.
func (s *MemoryStore) SaveBook(_ context.Context, b domain.Book) (domain.Book, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.books[b.ID] = b
	s.mu.Unlock()
	return b, nil
}

func (s *MemoryStore) GetBook(_ context.Context, id int64) (domain.Book, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	return b, ok, nil
}

// SaveRegisteredIdentity inserts or replaces an account projection.
func (s *MemoryStore) SaveRegisteredIdentity(_ context.Context, r domain.RegisteredIdentity) error {
	if r.Role == "" {
		r.Role = domain.RoleUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.identities[r.ID]; ok {
		delete(s.byKey, prev.Key())
	}
	s.identities[r.ID] = r
	if r.ContactKey != "" {
		s.byKey[r.ContactKey] = r.ID
	}
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id string) (domain.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	return ident, ok, nil
}

func (s *MemoryStore) GetIdentityByContactKey(_ context.Context, contactKey string) (domain.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[contactKey]
	if !ok {
		return nil, false, nil
	}
	ident, ok := s.identities[id]
	return ident, ok, nil
}

func (s *MemoryStore) CreateOrGetGuest(_ context.Context, guest domain.GuestIdentity) (domain.Identity, bool, error) {
	key := strings.TrimSpace(guest.ContactKey)
	if key == "" {
		return nil, false, ErrInvalidContactKey
	}
	guest.ContactKey = key

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		return s.identities[id], false, nil
	}
	s.identities[guest.ID] = guest
	s.byKey[key] = guest.ID
	return guest, true, nil
}

func (s *MemoryStore) CreateReview(_ context.Context, r domain.Review) (domain.Review, error) {
	r = prepareNewReview(r)
	s.mu.Lock()
	s.seq++
	s.reviews[r.ID] = memoryReview{review: r, seq: s.seq}
	s.mu.Unlock()
	return r, nil
}

func (s *MemoryStore) GetReview(_ context.Context, id string) (domain.Review, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.reviews[id]
	return rec.review, ok, nil
}

func (s *MemoryStore) ListApprovedReviews(_ context.Context, bookID int64) ([]domain.ReviewView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.filterLocked(func(r domain.Review) bool {
		return r.BookID == bookID && r.Status == domain.ReviewApproved
	})
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.review.CreatedAt.Equal(b.review.CreatedAt) {
			return a.review.CreatedAt.After(b.review.CreatedAt)
		}
		return a.seq > b.seq
	})
	return s.viewsLocked(recs, 0), nil
}

func (s *MemoryStore) ListPendingReviews(_ context.Context, limit int) ([]domain.ReviewView, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.filterLocked(func(r domain.Review) bool {
		return r.Status == domain.ReviewPending
	})
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.review.CreatedAt.Equal(b.review.CreatedAt) {
			return a.review.CreatedAt.Before(b.review.CreatedAt)
		}
		return a.seq < b.seq
	})
	return s.viewsLocked(recs, limit), nil
}

func (s *MemoryStore) SetReviewStatus(_ context.Context, id string, next domain.ReviewStatus) (domain.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.reviews[id]
	if !ok {
		return domain.Review{}, ErrReviewNotFound
	}
	if !rec.review.Status.CanTransitionTo(next) {
		return domain.Review{}, ErrInvalidTransition
	}
	rec.review.Status = next
	rec.review.UpdatedAt = time.Now().UTC()
	s.reviews[id] = rec
	return rec.review, nil
}

func (s *MemoryStore) filterLocked(keep func(domain.Review) bool) []memoryReview {
	out := make([]memoryReview, 0)
	for _, rec := range s.reviews {
		if keep(rec.review) {
			out = append(out, rec)
		}
	}
	return out
}

func (s *MemoryStore) viewsLocked(recs []memoryReview, limit int) []domain.ReviewView {
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	views := make([]domain.ReviewView, 0, len(recs))
	for _, rec := range recs {
		name := ""
		if ident, ok := s.identities[rec.review.IdentityID]; ok {
			name = ident.Name()
		}
		views = append(views, domain.ReviewView{
			ID:          rec.review.ID,
			BookID:      rec.review.BookID,
			DisplayName: name,
			Rating:      rec.review.Rating,
			Body:        rec.review.Body,
			Status:      rec.review.Status,
			CreatedAt:   rec.review.CreatedAt,
		})
	}
	return views
}

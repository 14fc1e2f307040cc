package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"citylibrary/internal/util"
	"citylibrary/pkg/domain"
	"citylibrary/pkg/store"
	"citylibrary/services/reviews/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultGuestDomain = "guest.local"
	MaxDisplayName     = 100
)

// Session is the per-visitor context a request arrives with.
type Session struct {
	// Key identifies the visitor's session and its challenge slot.
	Key string
	// AccountID is the verified account subject, empty for guests.
	AccountID string
}

// Authenticated reports whether the visitor presented a valid account token.
func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.AccountID) != ""
}

// errRegisteredContactKey means a guest key collided with an account. Guest
// submissions are never attributed to accounts.
var errRegisteredContactKey = errors.New("contact key belongs to a registered account")

type guestResult struct {
	identity domain.Identity
	created  bool
}

// IdentityResolver maps a submission to a durable identity.
type IdentityResolver struct {
	store       store.IdentityStore
	guestDomain string
	newID       func() string
	metrics     *metrics.Metrics
	inflight    singleflight.Group
}

func NewIdentityResolver(s store.IdentityStore, guestDomain string, newID func() string, m *metrics.Metrics) *IdentityResolver {
	guestDomain = strings.TrimSpace(guestDomain)
	if guestDomain == "" {
		guestDomain = DefaultGuestDomain
	}
	if newID == nil {
		newID = util.NewID
	}
	return &IdentityResolver{
		store:       s,
		guestDomain: guestDomain,
		newID:       newID,
		metrics:     m,
	}
}

// Resolve returns the account for authenticated sessions and otherwise finds
// or creates the guest identity for claimedName. An existing guest keeps the
// display name it was created with.
func (r *IdentityResolver) Resolve(ctx context.Context, session Session, claimedName string) (domain.Identity, error) {
	if session.Authenticated() {
		ident, ok, err := r.store.GetIdentity(ctx, session.AccountID)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup account: %w", ErrIdentityFailure, err)
		}
		if !ok || ident.Kind() != domain.IdentityRegistered {
			return nil, fmt.Errorf("%w: account %s not found", ErrIdentityFailure, session.AccountID)
		}
		return ident, nil
	}

	name := strings.TrimSpace(claimedName)
	if n := utf8.RuneCountInString(name); n == 0 || n > MaxDisplayName {
		return nil, ErrInvalidDisplayName
	}
	key := ContactKey(name, r.guestDomain)

	// Concurrent submissions for the same key in this process share one store
	// round trip. Cross-process races are settled by the unique contact key.
	v, err, _ := r.inflight.Do(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		if existing, ok, err := r.store.GetIdentityByContactKey(ctx, key); err != nil {
			return nil, err
		} else if ok {
			if existing.Kind() != domain.IdentityGuest {
				return nil, errRegisteredContactKey
			}
			r.metrics.IncrementGuestResolution(false)
			return guestResult{identity: existing}, nil
		}
		ident, created, err := r.store.CreateOrGetGuest(ctx, domain.GuestIdentity{
			ID:          r.newID(),
			DisplayName: name,
			ContactKey:  key,
		})
		if err != nil {
			return nil, err
		}
		if ident.Kind() != domain.IdentityGuest {
			return nil, errRegisteredContactKey
		}
		r.metrics.IncrementGuestResolution(created)
		if created {
			util.LoggerFromContext(ctx).Info("guest identity created", "identity_id", ident.IdentityID())
		}
		return guestResult{identity: ident, created: created}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityFailure, err)
	}
	return v.(guestResult).identity, nil
}

// ContactKey derives the guest dedup key: the lower-cased display name with
// everything but letters and digits removed, plus "@" and guestDomain. Names
// with no letters or digits fall back to a hash of the trimmed name so the
// derivation never yields an empty local part.
func ContactKey(displayName, guestDomain string) string {
	trimmed := strings.TrimSpace(displayName)
	var b strings.Builder
	for _, r := range strings.ToLower(trimmed) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	local := b.String()
	if local == "" {
		sum := sha256.Sum256([]byte(trimmed))
		local = "guest-" + hex.EncodeToString(sum[:8])
	}
	return local + "@" + guestDomain
}

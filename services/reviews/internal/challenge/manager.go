// Package challenge issues and verifies the per-session human verification
// code shown on the review form.
package challenge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrCaptchaMissing  = errors.New("security check not started")
	ErrCaptchaExpired  = errors.New("security check expired")
	ErrCaptchaMismatch = errors.New("security check failed")
)

// Alphabet excludes glyphs that are easy to confuse when rendered (0/O, 1/I/L).
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	DefaultTTL    = 5 * time.Minute
	DefaultLength = 6
	MinLength     = 5
	MaxLength     = 8
)

// Challenge is a freshly issued code. Code is only ever handed to the
// renderer; it is not logged or returned to clients as text.
type Challenge struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PNG renders the challenge code.
func (c Challenge) PNG() ([]byte, error) {
	return Render(c.Code)
}

// DataURI renders the challenge code as an inline PNG data URI.
func (c Challenge) DataURI() (string, error) {
	return RenderDataURI(c.Code)
}

type Config struct {
	Store  Store
	TTL    time.Duration
	Length int
	// HashCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	HashCost int
	Now      func() time.Time
}

// Manager owns the challenge lifecycle for every session.
type Manager struct {
	store    Store
	ttl      time.Duration
	length   int
	hashCost int
	now      func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("challenge store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	length := cfg.Length
	if length == 0 {
		length = DefaultLength
	}
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("challenge length must be between %d and %d", MinLength, MaxLength)
	}
	cost := cfg.HashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		ttl:      ttl,
		length:   length,
		hashCost: cost,
		now:      now,
	}, nil
}

// TTL returns how long an issued challenge stays valid.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue generates a new code for sessionKey, replacing any live one.
func (m *Manager) Issue(ctx context.Context, sessionKey string) (Challenge, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return Challenge{}, errors.New("session key is required")
	}
	code, err := generateCode(m.length)
	if err != nil {
		return Challenge{}, fmt.Errorf("generate challenge code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), m.hashCost)
	if err != nil {
		return Challenge{}, fmt.Errorf("hash challenge code: %w", err)
	}
	issued := m.now().UTC()
	if err := m.store.Put(ctx, sessionKey, Record{CodeHash: string(hash), IssuedAt: issued}, m.ttl); err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return Challenge{Code: code, IssuedAt: issued, ExpiresAt: issued.Add(m.ttl)}, nil
}

// Verify consumes the session's challenge and checks candidate against it.
// The challenge is gone afterwards whatever the result. A store failure is
// returned wrapped and must be treated as a failed check.
func (m *Manager) Verify(ctx context.Context, sessionKey, candidate string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return ErrCaptchaMissing
	}
	rec, ok, err := m.store.Take(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if !ok || rec.CodeHash == "" {
		return ErrCaptchaMissing
	}
	if m.now().UTC().Sub(rec.IssuedAt) > m.ttl {
		return ErrCaptchaExpired
	}
	candidate = strings.ToUpper(strings.TrimSpace(candidate))
	if candidate == "" {
		return ErrCaptchaMismatch
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(candidate)) != nil {
		return ErrCaptchaMismatch
	}
	return nil
}

// Discard removes the session's challenge without checking anything. It is
// used when an attempt is refused before it can be verified.
func (m *Manager) Discard(ctx context.Context, sessionKey string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil
	}
	if _, _, err := m.store.Take(ctx, sessionKey); err != nil {
		return fmt.Errorf("discard challenge: %w", err)
	}
	return nil
}

// IsCheckFailure reports whether err is one of the user-facing check errors.
func IsCheckFailure(err error) bool {
	return errors.Is(err, ErrCaptchaMissing) ||
		errors.Is(err, ErrCaptchaExpired) ||
		errors.Is(err, ErrCaptchaMismatch)
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	limit := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

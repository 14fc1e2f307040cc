package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// ReviewStatus is the moderation state of a review.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// reviewTransitions lists every legal moderation move. Approved and Rejected
// are terminal.
var reviewTransitions = map[ReviewStatus][]ReviewStatus{
	ReviewPending: {ReviewApproved, ReviewRejected},
}

// SourcesOf returns the statuses a review may leave to reach next.
func SourcesOf(next ReviewStatus) []ReviewStatus {
	var out []ReviewStatus
	for from, targets := range reviewTransitions {
		for _, target := range targets {
			if target == next {
				out = append(out, from)
			}
		}
	}
	return out
}

// Valid reports whether s is one of the known statuses.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s ReviewStatus) Terminal() bool {
	return len(reviewTransitions[s]) == 0
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ReviewStatus) CanTransitionTo(next ReviewStatus) bool {
	for _, allowed := range reviewTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Book struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type IdentityKind string

const (
	IdentityRegistered IdentityKind = "registered"
	IdentityGuest      IdentityKind = "guest"
)

// Identity is a resolved reviewer. The only implementations are
// RegisteredIdentity and GuestIdentity.
type Identity interface {
	IdentityID() string
	Name() string
	Key() string
	Kind() IdentityKind
	sealed()
}

// RegisteredIdentity is an account owned by the account system.
type RegisteredIdentity struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	ContactKey  string   `json:"-"`
	Role        UserRole `json:"role"`
}

func (r RegisteredIdentity) IdentityID() string { return r.ID }
func (r RegisteredIdentity) Name() string       { return r.DisplayName }
func (r RegisteredIdentity) Key() string        { return r.ContactKey }
func (r RegisteredIdentity) Kind() IdentityKind { return IdentityRegistered }
func (RegisteredIdentity) sealed()              {}

// GuestIdentity is created lazily for unauthenticated reviewers and keyed by
// a contact key derived from the display name.
type GuestIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	ContactKey  string `json:"-"`
}

func (g GuestIdentity) IdentityID() string { return g.ID }
func (g GuestIdentity) Name() string       { return g.DisplayName }
func (g GuestIdentity) Key() string        { return g.ContactKey }
func (g GuestIdentity) Kind() IdentityKind { return IdentityGuest }
func (GuestIdentity) sealed()              {}

// SubmissionContext is request metadata kept with a review for moderators.
type SubmissionContext struct {
	RequestID string `json:"requestId,omitempty"`
	ClientIP  string `json:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type Review struct {
	ID         string            `json:"id"`
	BookID     int64             `json:"bookId"`
	IdentityID string            `json:"identityId"`
	Rating     int               `json:"rating"`
	Body       string            `json:"body"`
	Status     ReviewStatus      `json:"status"`
	Submission SubmissionContext `json:"submission"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// ReviewView is a review joined with its reviewer's display name.
type ReviewView struct {
	ID          string       `json:"id"`
	BookID      int64        `json:"bookId"`
	DisplayName string       `json:"displayName"`
	Rating      int          `json:"rating"`
	Body        string       `json:"body"`
	Status      ReviewStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
}

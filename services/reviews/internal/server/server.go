package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"citylibrary/internal/servicetoken"
	"citylibrary/internal/usertoken"
	"citylibrary/internal/util"
	"citylibrary/pkg/domain"
	"citylibrary/pkg/queue"
	"citylibrary/services/reviews/internal/app"
	"citylibrary/services/reviews/internal/challenge"
	"citylibrary/services/reviews/internal/metrics"
)

const (
	defaultSessionCookie = "reviews_session"
	maxBodyBytes         = 64 << 10
	maxListLimit         = 500
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App             *app.App
	AccountVerifier *usertoken.Verifier
	Metrics         *metrics.Metrics
	Events          EventReader

	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
	InternalJWTAudience         string
	InternalAllowedIssuers      []string

	SessionCookieName   string
	SessionCookieSecure bool
	TrustedProxies      *util.TrustedProxies
	CORSAllowedOrigins  []string
}

// EventReader lists recent review lifecycle events.
type EventReader interface {
	Recent(ctx context.Context, count int64) ([]queue.ReviewEvent, error)
}

// Server exposes the review submission, listing and moderation endpoints.
type Server struct {
	app              *app.App
	accountVerifier  *usertoken.Verifier
	moderationVerify *servicetoken.Verifier
	metrics          *metrics.Metrics
	events           EventReader
	mux              *http.ServeMux

	cookieName     string
	cookieSecure   bool
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	cookieName := strings.TrimSpace(cfg.SessionCookieName)
	if cookieName == "" {
		cookieName = defaultSessionCookie
	}
	audience := strings.TrimSpace(cfg.InternalJWTAudience)
	if audience == "" {
		audience = "reviews"
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
		VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           audience,
		AllowedIssuers:     cfg.InternalAllowedIssuers,
		RequiredScope:      servicetoken.ScopeModerateReviews,
		Leeway:             servicetoken.DefaultLeeway,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:              cfg.App,
		accountVerifier:  cfg.AccountVerifier,
		moderationVerify: verifier,
		metrics:          cfg.Metrics,
		events:           cfg.Events,
		mux:              http.NewServeMux(),
		cookieName:       cookieName,
		cookieSecure:     cfg.SessionCookieSecure,
		trustedProxies:   cfg.TrustedProxies,
		corsOrigins:      cfg.CORSAllowedOrigins,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("reviews", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.HandleFunc("/api/challenge", s.handleChallenge)
	s.mux.HandleFunc("/api/challenge.png", s.handleChallengePNG)
	s.mux.HandleFunc("/api/reviews", s.handleSubmit)
	s.mux.HandleFunc("/api/books/", s.handleBookReviews)

	// moderation console
	s.mux.Handle("/internal/moderation/reviews", s.withModerator(s.handlePending))
	s.mux.Handle("/internal/moderation/reviews/", s.withModerator(s.handleDecision))
	s.mux.Handle("/internal/moderation/events", s.withModerator(s.handleEvents))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionKey returns the visitor's session key from the cookie. When create
// is set and the cookie is missing or malformed a new key is issued.
func (s *Server) sessionKey(w http.ResponseWriter, r *http.Request, create bool) string {
	if c, err := r.Cookie(s.cookieName); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(c.Value)); err == nil {
			return id.String()
		}
	}
	if !create {
		return ""
	}
	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	c, ok := s.issueChallenge(w, r)
	if !ok {
		return
	}
	image, err := c.DataURI()
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("render challenge failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"image":            image,
		"expiresInSeconds": int(s.app.ChallengeTTL() / time.Second),
	})
}

func (s *Server) handleChallengePNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	c, ok := s.issueChallenge(w, r)
	if !ok {
		return
	}
	png, err := c.PNG()
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("render challenge failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) issueChallenge(w http.ResponseWriter, r *http.Request) (challenge.Challenge, bool) {
	key := s.sessionKey(w, r, true)
	c, err := s.app.IssueChallenge(r.Context(), key)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("issue challenge failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return challenge.Challenge{}, false
	}
	return c, true
}

type submitRequest struct {
	BookID      json.Number `json:"bookId"`
	DisplayName string      `json:"displayName"`
	Rating      json.Number `json:"rating"`
	Body        string      `json:"body"`
	Captcha     string      `json:"captcha"`
}

// submission converts the wire form. Unparseable numbers become zero so the
// validator reports them alongside every other problem.
func (req submitRequest) submission() app.Submission {
	bookID, err := strconv.ParseInt(req.BookID.String(), 10, 64)
	if err != nil {
		bookID = 0
	}
	rating, err := strconv.Atoi(req.Rating.String())
	if err != nil {
		rating = 0
	}
	return app.Submission{
		BookID:      bookID,
		DisplayName: req.DisplayName,
		Rating:      rating,
		Body:        req.Body,
		Captcha:     req.Captcha,
	}
}

type submitResponse struct {
	ReviewID string              `json:"reviewId"`
	Status   domain.ReviewStatus `json:"status"`
}

type rejectionResponse struct {
	Error      string           `json:"error"`
	Reason     app.RejectReason `json:"reason"`
	Violations []app.Violation  `json:"violations,omitempty"`
	Fields     app.Submission   `json:"fields"`
	RequestID  string           `json:"requestId,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	session := app.Session{Key: s.sessionKey(w, r, false)}
	if token, ok := servicetoken.BearerToken(r); ok {
		if s.accountVerifier == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := s.accountVerifier.VerifySubject(token)
		if err != nil {
			s.audit(r, "review_account_token", "failure")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		session.AccountID = subject
	}

	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		if err := s.app.DiscardChallenge(r.Context(), session.Key); err != nil {
			util.LoggerFromContext(r.Context()).Warn("discard challenge failed", "err", err)
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	meta := domain.SubmissionContext{
		RequestID: util.RequestIDFromRequest(r),
		ClientIP:  util.ClientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
	}
	out := s.app.Submit(r.Context(), session, req.submission(), meta)
	if out.Accepted {
		writeJSON(w, http.StatusCreated, submitResponse{ReviewID: out.ReviewID, Status: out.Status})
		return
	}

	resp := rejectionResponse{
		Reason:     out.Reason,
		Violations: out.Violations,
		Fields:     out.Fields,
		RequestID:  strings.TrimSpace(w.Header().Get("X-Request-Id")),
	}
	switch out.Reason {
	case app.ReasonCaptchaFailed:
		s.audit(r, "review_challenge", "failure")
		resp.Error = "security check failed"
		writeJSON(w, http.StatusBadRequest, resp)
	case app.ReasonValidationFailed:
		resp.Error = "validation failed"
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		resp.Error = "could not submit review"
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

// /api/books/{id}/reviews
func (s *Server) handleBookReviews(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "reviews" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	bookID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || bookID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid book id")
		return
	}
	listing, err := s.app.ListApproved(r.Context(), bookID)
	if err != nil {
		if errors.Is(err, app.ErrInvalidBookID) {
			writeError(w, http.StatusBadRequest, "invalid book id")
			return
		}
		util.LoggerFromContext(r.Context()).Error("list approved reviews failed", "book_id", bookID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

type moderatorHandler func(http.ResponseWriter, *http.Request, servicetoken.Claims)

func (s *Server) withModerator(next moderatorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, "moderation_auth", "failure", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.moderationVerify.Verify(token)
		if err != nil {
			if errors.Is(err, servicetoken.ErrScopeMissing) {
				s.audit(r, "moderation_auth", "failure", "reason", "scope_missing", "subject", claims.Subject)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			s.audit(r, "moderation_auth", "failure", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

func parseLimit(r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, _ servicetoken.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	views, err := s.app.ListPending(r.Context(), limit)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list pending reviews failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": views,
		"count": len(views),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ servicetoken.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.events == nil {
		notFound(w, "not found")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events, err := s.events.Recent(r.Context(), int64(limit))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list review events failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}

type decisionRequest struct {
	Status string `json:"status"`
}

// /internal/moderation/reviews/{id}
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, claims servicetoken.Claims) {
	id := strings.TrimPrefix(r.URL.Path, "/internal/moderation/reviews/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	next := domain.ReviewStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	review, err := s.app.SetStatus(r.Context(), id, next)
	switch {
	case errors.Is(err, app.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	case errors.Is(err, app.ErrReviewNotFound):
		notFound(w, "review not found")
		return
	case errors.Is(err, app.ErrInvalidTransition):
		s.audit(r, "review_moderation", "failure", "review_id", id, "status", string(next), "moderator", claims.Subject)
		writeError(w, http.StatusConflict, "invalid transition")
		return
	case err != nil:
		util.LoggerFromContext(r.Context()).Error("set review status failed", "review_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "review_moderation", "success", "review_id", review.ID, "status", string(review.Status), "moderator", claims.Subject)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     review.ID,
		"status": string(review.Status),
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForReviews(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForReviews(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "forbidden":
		return "MODERATION_SCOPE_REQUIRED"
	case "review not found":
		return "REVIEW_NOT_FOUND"
	case "invalid transition":
		return "REVIEW_INVALID_TRANSITION"
	case "invalid status":
		return "REVIEW_INVALID_STATUS"
	case "invalid book id":
		return "REVIEW_INVALID_BOOK"
	case "invalid json body", "invalid limit":
		return "REVIEW_INVALID_REQUEST"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}
	if status >= http.StatusInternalServerError {
		return "SYSTEM_INTERNAL_ERROR"
	}
	return "REQUEST_ERROR"
}

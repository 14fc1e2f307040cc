package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncrementSubmission("accepted")
	m.IncrementViolation("rating_range")
	m.IncrementChallengeIssued()
	m.IncrementChallengeVerify("ok")
	m.IncrementGuestResolution(true)
	m.IncrementModeration("approved", "ok")
	m.ObserveSubmitLatency(0)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.IncrementSubmission("accepted")
	m.IncrementSubmission("accepted")
	m.IncrementGuestResolution(false)

	if got := testutil.ToFloat64(m.SubmissionOutcome.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("accepted submissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.GuestResolutions.WithLabelValues("reused")); got != 1 {
		t.Fatalf("reused guests = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "reviews_submissions_total") {
		t.Fatalf("expected submissions counter in exposition")
	}

	// A second instance must not collide with the first.
	_ = New()
}

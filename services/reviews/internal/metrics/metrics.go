package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the review pipeline. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Submission outcomes: accepted, captcha_failed, validation_failed, ...
	SubmissionOutcome *prometheus.CounterVec

	// Violations by field code
	Violations *prometheus.CounterVec

	// Challenges issued and verified by result
	ChallengesIssued   prometheus.Counter
	ChallengeVerifyRes *prometheus.CounterVec

	// Guest identities created vs reused
	GuestResolutions *prometheus.CounterVec

	// Moderation transitions by target status and result
	ModerationDecisions *prometheus.CounterVec

	SubmitLatency prometheus.Histogram
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SubmissionOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reviews_submissions_total",
			Help: "Review submissions by outcome",
		}, []string{"outcome"}),

		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reviews_validation_violations_total",
			Help: "Validation violations by code",
		}, []string{"code"}),

		ChallengesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "reviews_challenges_issued_total",
			Help: "Challenges issued",
		}),

		ChallengeVerifyRes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reviews_challenge_verifications_total",
			Help: "Challenge verifications by result",
		}, []string{"result"}), // result: "ok", "missing", "expired", "mismatch", "error"

		GuestResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reviews_guest_resolutions_total",
			Help: "Guest identity resolutions by result",
		}, []string{"result"}), // result: "created", "reused"

		ModerationDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reviews_moderation_decisions_total",
			Help: "Moderation status changes by target status and result",
		}, []string{"status", "result"}),

		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reviews_submit_duration_seconds",
			Help:    "Duration of the full submission pipeline",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncrementSubmission(outcome string) {
	if m != nil {
		m.SubmissionOutcome.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementViolation(code string) {
	if m != nil {
		m.Violations.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) IncrementChallengeIssued() {
	if m != nil {
		m.ChallengesIssued.Inc()
	}
}

func (m *Metrics) IncrementChallengeVerify(result string) {
	if m != nil {
		m.ChallengeVerifyRes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementGuestResolution(created bool) {
	if m == nil {
		return
	}
	result := "reused"
	if created {
		result = "created"
	}
	m.GuestResolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementModeration(status, result string) {
	if m != nil {
		m.ModerationDecisions.WithLabelValues(status, result).Inc()
	}
}

// ObserveSubmitLatency records the total submission duration.
func (m *Metrics) ObserveSubmitLatency(d time.Duration) {
	if m != nil {
		m.SubmitLatency.Observe(d.Seconds())
	}
}

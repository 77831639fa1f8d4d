package audit

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats holds process-wide counters, updated exclusively via atomics so the
// hot path never read-modify-writes under a lock, plus the matching
// Prometheus instruments for the /api/metrics exposition. Grounded on
// EveShark-CyberMesh/enforcement-agent/internal/metrics.Recorder's
// Counter/CounterVec/HistogramVec registration pattern.
type Stats struct {
	totalRequests       atomic.Uint64
	blockedRequests     atomic.Uint64
	rateLimitedRequests atomic.Uint64
	botsDetected        atomic.Uint64
	challengesIssued    atomic.Uint64
	challengesSolved    atomic.Uint64

	startedAt time.Time

	promRequests  prometheus.Counter
	promBlocked   *prometheus.CounterVec
	promLatency   *prometheus.HistogramVec
	promRuleHits  *prometheus.CounterVec
	promBots      prometheus.Counter
	promChallenge *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewStats builds a Stats instance with its own private Prometheus
// registry (kept private, not the global default registry, so multiple
// instances can coexist in tests without collector-already-registered
// panics).
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	s := &Stats{
		startedAt: time.Now(),
		registry:  reg,
		promRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "l7waf_requests_total",
			Help: "Total requests processed by the pipeline.",
		}),
		promBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l7waf_blocked_total",
			Help: "Total requests blocked, grouped by reason.",
		}, []string{"reason"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "l7waf_request_duration_seconds",
			Help:    "End-to-end pipeline latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		promRuleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l7waf_rule_hits_total",
			Help: "WAF rule hits, grouped by rule id.",
		}, []string{"rule_id"}),
		promBots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "l7waf_bots_detected_total",
			Help: "Requests scoring over the bot-detection threshold.",
		}),
		promChallenge: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l7waf_challenges_total",
			Help: "Bot challenges, grouped by outcome (issued, solved).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(s.promRequests, s.promBlocked, s.promLatency, s.promRuleHits, s.promBots, s.promChallenge)
	return s
}

// IncRequests records one processed request.
func (s *Stats) IncRequests() {
	s.totalRequests.Add(1)
	s.promRequests.Inc()
}

// IncBlocked records a blocked request with the given reason (e.g.
// "ip_blocked", "bot", "waf").
func (s *Stats) IncBlocked(reason string) {
	s.blockedRequests.Add(1)
	s.promBlocked.WithLabelValues(reason).Inc()
}

// IncRateLimited records a rate-limit denial.
func (s *Stats) IncRateLimited() {
	s.rateLimitedRequests.Add(1)
}

// IncBotsDetected records a request scoring over the bot threshold.
func (s *Stats) IncBotsDetected() {
	s.botsDetected.Add(1)
	s.promBots.Inc()
}

// IncChallengesIssued records a freshly minted challenge.
func (s *Stats) IncChallengesIssued() {
	s.challengesIssued.Add(1)
	s.promChallenge.WithLabelValues("issued").Inc()
}

// IncChallengesSolved records the first successful verification of a token.
func (s *Stats) IncChallengesSolved() {
	s.challengesSolved.Add(1)
	s.promChallenge.WithLabelValues("solved").Inc()
}

// ObserveRuleHit records a WAF rule match for audit/metrics purposes.
func (s *Stats) ObserveRuleHit(ruleID string) {
	if ruleID == "" {
		return
	}
	s.promRuleHits.WithLabelValues(ruleID).Inc()
}

// ObserveLatency records end-to-end pipeline duration for one transaction.
func (s *Stats) ObserveLatency(outcome string, d time.Duration) {
	s.promLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// Snapshot is a point-in-time read of the atomic counters, for /api/stats.
type Snapshot struct {
	TotalRequests       uint64  `json:"total_requests"`
	BlockedRequests     uint64  `json:"blocked_requests"`
	RateLimitedRequests uint64  `json:"rate_limited_requests"`
	BotsDetected        uint64  `json:"bots_detected"`
	ChallengesIssued    uint64  `json:"challenges_issued"`
	ChallengesSolved    uint64  `json:"challenges_solved"`
	UptimeSecs          float64 `json:"uptime_secs"`
	RequestsPerSecond   float64 `json:"requests_per_second"`
}

// Snapshot reads all counters without locking (plain atomic loads).
func (s *Stats) Snapshot() Snapshot {
	uptime := time.Since(s.startedAt).Seconds()
	total := s.totalRequests.Load()
	rps := 0.0
	if uptime > 0 {
		rps = float64(total) / uptime
	}
	return Snapshot{
		TotalRequests:       total,
		BlockedRequests:     s.blockedRequests.Load(),
		RateLimitedRequests: s.rateLimitedRequests.Load(),
		BotsDetected:        s.botsDetected.Load(),
		ChallengesIssued:    s.challengesIssued.Load(),
		ChallengesSolved:    s.challengesSolved.Load(),
		UptimeSecs:          uptime,
		RequestsPerSecond:   rps,
	}
}

// Uptime reports process uptime.
func (s *Stats) Uptime() time.Duration { return time.Since(s.startedAt) }

// MetricsHandler returns the promhttp handler for /api/metrics.
func (s *Stats) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

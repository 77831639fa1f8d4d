package pipeline

import (
	"fmt"
	"time"

	"github.com/astracat2022/l7waf/internal/botdetect"
	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/ratelimit"
	"github.com/astracat2022/l7waf/internal/upstream"
	"github.com/astracat2022/l7waf/internal/waf"
)

// state is the full set of engines and tables rebuilt atomically on every
// config reload. A Pipeline holds exactly one *state behind an
// atomic.Pointer so that a transaction which has loaded a snapshot never
// observes a mix of old and new engines, satisfying the "config reload is
// atomic" invariant in spec.md section 8.
type state struct {
	routes    []config.Route
	upstreams map[string]*upstream.Selector

	rateLimitEnabled bool
	defaultLimiter   *ratelimit.Limiter
	routeLimiters    map[int]*ratelimit.Limiter
	routeKeyFuncs    map[int]ratelimit.KeyFunc

	botEnabled   bool
	botThreshold float64
	botDetector  *botdetect.Detector

	wafBridge        *waf.Bridge
	localEngine      *waf.LocalEngine
	requestBodyLimit int64

	upstreamTimeout time.Duration
}

func buildState(doc *config.Document) (*state, []*upstream.HealthChecker, error) {
	st := &state{
		routes:           doc.Routes,
		upstreams:        make(map[string]*upstream.Selector, len(doc.Upstreams)),
		rateLimitEnabled: doc.RateLimit.Enabled,
		routeLimiters:    make(map[int]*ratelimit.Limiter),
		routeKeyFuncs:    make(map[int]ratelimit.KeyFunc),
		botEnabled:       doc.BotDetection.Enabled,
		botThreshold:     doc.BotDetection.ScoreThreshold,
		requestBodyLimit: doc.WAF.RequestBodyLimit,
		upstreamTimeout:  doc.Server.UpstreamTimeout.Std(),
	}

	var checkers []*upstream.HealthChecker
	for _, u := range doc.Upstreams {
		servers := make([]*upstream.Server, 0, len(u.Servers))
		for _, s := range u.Servers {
			servers = append(servers, &upstream.Server{Address: s.Address, Weight: s.Weight})
		}
		sel := upstream.New(u.Name, servers)
		st.upstreams[u.Name] = sel
		if u.HealthCheck != nil {
			checkers = append(checkers, upstream.NewHealthChecker(sel, u.HealthCheck.Interval.Std(), u.HealthCheck.Path))
		}
	}

	if doc.RateLimit.Enabled {
		algo := ratelimit.Algorithm(doc.RateLimit.Algorithm)
		st.defaultLimiter = ratelimit.New(algo, doc.RateLimit.DefaultRPS, doc.RateLimit.DefaultBurst)

		for i, r := range doc.Routes {
			if r.RateLimit == nil && r.PenaltyBox == nil {
				continue
			}
			rps, burst := doc.RateLimit.DefaultRPS, doc.RateLimit.DefaultBurst
			routeAlgo := algo
			keyByRoute := false
			if r.RateLimit != nil {
				if r.RateLimit.RPS > 0 {
					rps = r.RateLimit.RPS
				}
				if r.RateLimit.Burst > 0 {
					burst = r.RateLimit.Burst
				}
				if r.RateLimit.Algorithm != "" {
					routeAlgo = ratelimit.Algorithm(r.RateLimit.Algorithm)
				}
				keyByRoute = r.RateLimit.KeyByRoute
			}
			var opts []ratelimit.Option
			if r.PenaltyBox != nil {
				opts = append(opts, ratelimit.WithPenaltyBox(ratelimit.PenaltyBoxConfig{
					Threshold: r.PenaltyBox.Threshold,
					Window:    r.PenaltyBox.Window.Std(),
					BanFor:    r.PenaltyBox.BanFor.Std(),
				}))
			}
			st.routeLimiters[i] = ratelimit.New(routeAlgo, rps, burst, opts...)
			if keyByRoute {
				st.routeKeyFuncs[i] = ratelimit.KeyByIPAndRoute(r.PathPrefix)
			}
		}
	}

	if doc.BotDetection.Enabled {
		det, err := botdetect.NewDetector(botdetect.Config{
			Mode:                botdetect.Mode(doc.BotDetection.Mode),
			ScoreThreshold:      doc.BotDetection.ScoreThreshold,
			KnownBotsAllowlist:  doc.BotDetection.KnownBots,
			ChallengeSecret:     []byte(doc.BotDetection.JSChallenge.Secret),
			ChallengeDifficulty: doc.BotDetection.JSChallenge.Difficulty,
			ChallengeTTL:        doc.BotDetection.JSChallenge.TTL.Std(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: build bot detector: %w", err)
		}
		st.botDetector = det
	}

	bridge, err := waf.New(buildDirectives(doc.WAF))
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: build waf bridge: %w", err)
	}
	st.wafBridge = bridge
	st.localEngine = waf.NewLocalEngine(0)

	return st, checkers, nil
}

func (s *state) limiterFor(routeIdx int) (*ratelimit.Limiter, ratelimit.KeyFunc) {
	if l, ok := s.routeLimiters[routeIdx]; ok {
		kf := s.routeKeyFuncs[routeIdx]
		if kf == nil {
			kf = ratelimit.KeyByIP
		}
		return l, kf
	}
	return s.defaultLimiter, ratelimit.KeyByIP
}

package pipeline

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/astracat2022/l7waf/internal/audit"
	"github.com/astracat2022/l7waf/internal/botdetect"
	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/ipreputation"
	"github.com/astracat2022/l7waf/internal/ratelimit"
	"github.com/astracat2022/l7waf/internal/risk"
	"github.com/astracat2022/l7waf/internal/waf"
)

// reaperPeriod and reaperIdleAfter drive the periodic sweep of idle per-key
// state (rate limiter buckets, risk entries, bot sessions) described in
// SPEC_FULL.md sections 4.3/5: swept every 60s, evicted after sitting idle
// for 10 minutes. The same cutoff applies to every limiter, whatever its
// window.
const (
	reaperPeriod    = 60 * time.Second
	reaperIdleAfter = 10 * time.Minute
)

// Pipeline runs every inbound transaction through the fixed eight-phase
// decision sequence of SPEC_FULL.md section 4.1, dispatching to the
// ip-reputation, rate-limit, bot-detection, WAF, and upstream-selection
// engines it owns.
type Pipeline struct {
	st atomic.Pointer[state]

	ipRep *ipreputation.Engine
	risk  *risk.Tracker
	stats *audit.Stats
	ring  *audit.Ring
	log   *zap.Logger

	healthMu   sync.Mutex
	healthStop []chan struct{}

	// reapStop holds the stop channels for the per-reload reapers (rate
	// limiters and bot detector), torn down and restarted on every Reload
	// alongside the health checkers.
	reapMu   sync.Mutex
	reapStop []chan struct{}

	// riskReaperStop stops the risk tracker's reaper, started once in New
	// since the risk tracker persists across reloads.
	riskReaperStop chan struct{}
}

// New builds a Pipeline from the given configuration document and the
// shared engines that persist across reload (ip reputation, risk tracker,
// stats, audit ring). logger may be nil, in which case a no-op logger is
// used. New starts the background reapers that sweep idle rate-limit,
// risk, and bot-session state (SPEC_FULL.md sections 4.3/5); Stop must be
// called to halt them.
func New(doc *config.Document, ipRep *ipreputation.Engine, riskTracker *risk.Tracker, stats *audit.Stats, ring *audit.Ring, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{ipRep: ipRep, risk: riskTracker, stats: stats, ring: ring, log: logger}
	if err := p.Reload(doc); err != nil {
		return nil, err
	}
	p.riskReaperStop = make(chan struct{})
	p.risk.StartReaper(reaperPeriod, p.riskReaperStop)
	return p, nil
}

// Reload rebuilds every config-derived engine and atomically swaps them in.
// In-flight transactions that already loaded the previous snapshot keep
// running against it to completion, per spec.md section 6.1.
func (p *Pipeline) Reload(doc *config.Document) error {
	st, checkers, err := buildState(doc)
	if err != nil {
		p.log.Error("pipeline reload rejected", zap.Error(err))
		return newPhaseError("reload", ErrConfig, err)
	}
	if err := p.ipRep.Reload(doc.IPReputation.BlocklistPath, doc.IPReputation.AllowlistPath); err != nil {
		p.log.Error("ip reputation reload rejected", zap.Error(err))
		return newPhaseError("reload", ErrConfig, err)
	}
	old := p.st.Swap(st)
	if old != nil {
		old.wafBridge.Destroy()
	}

	p.healthMu.Lock()
	for _, stop := range p.healthStop {
		close(stop)
	}
	stops := make([]chan struct{}, 0, len(checkers))
	for _, hc := range checkers {
		stop := make(chan struct{})
		hc.Start(stop)
		stops = append(stops, stop)
	}
	p.healthStop = stops
	p.healthMu.Unlock()

	p.reapMu.Lock()
	for _, stop := range p.reapStop {
		close(stop)
	}
	var reapStops []chan struct{}
	if st.defaultLimiter != nil {
		stop := make(chan struct{})
		st.defaultLimiter.StartReaper(reaperPeriod, reaperIdleAfter, stop)
		reapStops = append(reapStops, stop)
	}
	for _, l := range st.routeLimiters {
		stop := make(chan struct{})
		l.StartReaper(reaperPeriod, reaperIdleAfter, stop)
		reapStops = append(reapStops, stop)
	}
	if st.botDetector != nil {
		stop := make(chan struct{})
		st.botDetector.StartReaper(reaperPeriod, reaperIdleAfter, stop)
		reapStops = append(reapStops, stop)
	}
	p.reapStop = reapStops
	p.reapMu.Unlock()

	p.log.Info("pipeline reloaded", zap.Int("routes", len(st.routes)), zap.Int("upstreams", len(st.upstreams)))
	return nil
}

// clientIP resolves the peer address, ignoring any forwarding headers per
// spec.md's "trusted X-Forwarded-For policy is out of scope" note.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Run executes phases 1 through 6 (route resolution through upstream
// selection) for r. A non-Pass Verdict is fully finalized (audited and
// counted) before Run returns. A Pass Verdict means phase 6 selected
// tx.UpstreamAddress; the caller is responsible for proxying the request
// and then invoking ResponsePhase, WriteResponseBodyChunk,
// FinalizeResponseBody and Finalize to complete phases 7 and 8.
func (p *Pipeline) Run(ctx context.Context, r *http.Request) (verdict Verdict, tx *Transaction) {
	tx = NewTransaction(r, clientIP(r))

	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("pipeline panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
			verdict = p.finalize(tx, blockVerdict(http.StatusInternalServerError, "internal"))
		}
	}()

	p.stats.IncRequests()
	p.risk.UpdateRequest(tx.ClientIP, r)
	tx.RiskScore = p.risk.Score(tx.ClientIP)

	st := p.st.Load()

	// Phase 1: route resolution.
	idx, ok := matchRoute(st.routes, tx.Host, tx.Path)
	if !ok {
		return p.finalize(tx, blockVerdict(http.StatusNotFound, "no_route")), tx
	}
	tx.RouteIndex = idx
	tx.Route = st.routes[idx]

	// Phase 2: IP reputation.
	ipVerdict := p.ipRep.Check(net.ParseIP(tx.ClientIP))
	if ipVerdict == ipreputation.Blocked {
		return p.finalize(tx, blockVerdict(http.StatusForbidden, "ip_blocked")), tx
	}
	skipRateAndBot := ipVerdict == ipreputation.Allowed

	// Phase 3: rate limit.
	if !skipRateAndBot && st.rateLimitEnabled {
		limiter, keyFunc := st.limiterFor(idx)
		key := keyFunc(tx.ClientIP, r)
		outcome := limiter.Check(key, riskBurstScale(tx.RiskScore))
		if outcome != ratelimit.Allowed {
			p.stats.IncRateLimited()
			return p.finalize(tx, blockVerdict(http.StatusTooManyRequests, "rate_limited")), tx
		}
	}

	// Phase 4: bot detection.
	if !skipRateAndBot && st.botEnabled && st.botDetector != nil {
		result := st.botDetector.Check(tx.ClientIP, r, tx.RiskScore)
		tx.BotScore = result.Score
		if result.Score >= st.botThreshold {
			p.stats.IncBotsDetected()
		}
		if result.FirstSolve {
			p.stats.IncChallengesSolved()
		}
		switch result.Verdict {
		case botdetect.Block:
			p.log.Info("bot detector blocked request",
				zap.String("client_ip", tx.ClientIP),
				zap.Float64("score", result.Score),
				zap.String("ua_family", result.Fingerprint.UAFamily),
				zap.String("header_order_hash", result.Fingerprint.HeaderOrderHash))
			return p.finalize(tx, blockVerdict(http.StatusForbidden, "bot")), tx
		case botdetect.IssueChallenge:
			p.stats.IncChallengesIssued()
			p.log.Info("bot detector issued challenge",
				zap.String("client_ip", tx.ClientIP),
				zap.Float64("score", result.Score),
				zap.String("ua_family", result.Fingerprint.UAFamily))
			return p.finalize(tx, challengeVerdict(result.ChallengeHTML, result.ChallengeCookie)), tx
		}
	}

	// Phase 5: WAF request phase.
	if tx.Route.WAFMode != "off" {
		if v, blocked := p.requestWAFPhase(st, tx, r); blocked {
			return p.finalize(tx, v), tx
		}
	}

	// Phase 6: upstream selection.
	sel, ok := st.upstreams[tx.Route.Upstream]
	if !ok {
		return p.finalize(tx, blockVerdict(http.StatusBadGateway, "no_upstream")), tx
	}
	srv, err := sel.Select()
	if err != nil {
		return p.finalize(tx, blockVerdict(http.StatusBadGateway, "no_upstream")), tx
	}
	tx.UpstreamName = tx.Route.Upstream
	tx.UpstreamAddress = srv.Address
	tx.UpstreamTimeout = st.upstreamTimeout

	return passVerdict(), tx
}

// requestWAFPhase runs the local pre-filter (if enabled for the route) and
// then the coraza transaction's request phase, including the bounded body
// read. It returns (verdict, true) when the route's mode calls for a block;
// in "detect" mode an interruption is recorded on tx but never blocks.
func (p *Pipeline) requestWAFPhase(st *state, tx *Transaction, r *http.Request) (Verdict, bool) {
	if tx.Route.UsesLocalSignatures() {
		in, err := st.localEngine.Inspect(r)
		if err != nil {
			p.log.Warn("local waf pre-filter error, failing open", zap.Error(err))
		} else if in != nil {
			if v, blocked := p.dispositionForIntervention(tx, in); blocked {
				return v, true
			}
		}
	}

	tx.wafTx = st.wafBridge.Begin()
	if tx.wafTx.RuleEngineOff() {
		return Verdict{}, false
	}
	if in := tx.wafTx.ProcessRequest(tx.Method, tx.URI, "HTTP/1.1", tx.Header); in != nil {
		if v, blocked := p.dispositionForIntervention(tx, in); blocked {
			return v, true
		}
	}

	if r.Body == nil || r.Body == http.NoBody {
		return Verdict{}, false
	}
	limited := io.LimitReader(r.Body, st.requestBodyLimit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		p.log.Warn("waf request body read error, failing open", zap.Error(err))
		return Verdict{}, false
	}
	if int64(len(body)) > st.requestBodyLimit {
		return blockVerdict(http.StatusRequestEntityTooLarge, "body_too_large"), true
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if in, err := tx.wafTx.WriteRequestBody(bytes.NewReader(body)); err != nil {
		p.log.Warn("waf write request body error, failing open", zap.Error(err))
	} else if in != nil {
		if v, blocked := p.dispositionForIntervention(tx, in); blocked {
			return v, true
		}
	}
	if in, err := tx.wafTx.FinalizeRequestBody(); err != nil {
		p.log.Warn("waf finalize request body error, failing open", zap.Error(err))
	} else if in != nil {
		if v, blocked := p.dispositionForIntervention(tx, in); blocked {
			return v, true
		}
	}
	return Verdict{}, false
}

func (p *Pipeline) dispositionForIntervention(tx *Transaction, in *waf.Intervention) (Verdict, bool) {
	tx.RuleID = in.RuleID
	if tx.Route.WAFMode == "detect" {
		return Verdict{}, false
	}
	status := in.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	return blockVerdictRule(status, "waf", in.RuleID), true
}

// ResponsePhase runs the WAF's response-headers phase (phase 7). A nil
// return means no interruption; the caller proceeds to stream the body.
func (p *Pipeline) ResponsePhase(tx *Transaction, status int, header http.Header) *waf.Intervention {
	if tx.wafTx == nil || tx.Route.WAFMode == "off" {
		return nil
	}
	return tx.wafTx.ProcessResponse(status, header)
}

// WriteResponseBodyChunk feeds one response body chunk to the WAF's
// response-body phase.
func (p *Pipeline) WriteResponseBodyChunk(tx *Transaction, chunk []byte) *waf.Intervention {
	if tx.wafTx == nil || tx.Route.WAFMode == "off" {
		return nil
	}
	in, err := tx.wafTx.WriteResponseBody(chunk)
	if err != nil {
		p.log.Warn("waf write response body error, failing open", zap.Error(err))
		return nil
	}
	return in
}

// FinalizeResponseBody runs the response-body-phase rules now that the full
// upstream body has been streamed through WriteResponseBodyChunk.
func (p *Pipeline) FinalizeResponseBody(tx *Transaction) *waf.Intervention {
	if tx.wafTx == nil || tx.Route.WAFMode == "off" {
		return nil
	}
	in, err := tx.wafTx.FinalizeResponseBody()
	if err != nil {
		p.log.Warn("waf finalize response body error, failing open", zap.Error(err))
		return nil
	}
	return in
}

// Finalize completes phase 8: it records the audit entry, updates counters
// and the latency histogram, updates the risk tracker with the final
// status, and closes the transaction's WAF handle. Callers must invoke it
// exactly once for every transaction whose Run verdict was Pass, after
// completing phase 7; Run has already finalized every non-Pass verdict.
func (p *Pipeline) Finalize(tx *Transaction, v Verdict) Verdict {
	return p.finalize(tx, v)
}

func (p *Pipeline) finalize(tx *Transaction, v Verdict) Verdict {
	status := v.Status
	if status == 0 {
		status = http.StatusOK
	}
	action := actionForVerdict(v)

	p.risk.UpdateStatus(tx.ClientIP, status)

	p.ring.Append(audit.Entry{
		Timestamp: time.Now().UnixNano(),
		ClientIP:  tx.ClientIP,
		Method:    tx.Method,
		URI:       tx.URI,
		RuleID:    v.RuleID,
		Action:    action,
		Status:    status,
	})

	if v.Kind == Block {
		p.stats.IncBlocked(v.Reason)
	}
	p.stats.ObserveRuleHit(v.RuleID)
	p.stats.ObserveLatency(string(action), tx.Elapsed())

	if tx.wafTx != nil {
		if matched := tx.wafTx.MatchedRuleIDs(); len(matched) > 0 {
			p.log.Debug("waf rules matched",
				zap.String("client_ip", tx.ClientIP),
				zap.Strings("rule_ids", matched),
				zap.String("action", string(action)))
		}
	}

	tx.Close()
	return v
}

func actionForVerdict(v Verdict) audit.Action {
	switch v.Kind {
	case Challenge:
		return audit.ActionChallenged
	case Block:
		switch v.Reason {
		case "rate_limited":
			return audit.ActionRateLimited
		case "bot":
			return audit.ActionBotBlocked
		default:
			return audit.ActionBlocked
		}
	default:
		return audit.ActionAllowed
	}
}

// riskBurstScale shrinks a rate limiter's effective burst for clients with
// an elevated adaptive risk score, per SPEC_FULL.md section 3's "risk score
// biases rate-limit burst" addition. Score 0 leaves burst unmodified; each
// risk point below a floor of 0.25x shrinks burst by 15%.
func riskBurstScale(riskScore int) float64 {
	scale := 1.0 - 0.15*float64(riskScore)
	if scale < 0.25 {
		scale = 0.25
	}
	return scale
}

// Stop halts all background health checkers and reapers started by Reload,
// plus the risk tracker's reaper started by New.
func (p *Pipeline) Stop() {
	p.healthMu.Lock()
	for _, stop := range p.healthStop {
		close(stop)
	}
	p.healthStop = nil
	p.healthMu.Unlock()

	p.reapMu.Lock()
	for _, stop := range p.reapStop {
		close(stop)
	}
	p.reapStop = nil
	p.reapMu.Unlock()

	if p.riskReaperStop != nil {
		close(p.riskReaperStop)
		p.riskReaperStop = nil
	}
}

// Package admin implements the JSON/YAML administrative HTTP API described
// in spec.md section 6.3: health, stats, metrics exposition, config
// get/reload, custom rule CRUD and testing, audit log query, and bot-detection
// counters. It is served on its own net.Listener, separate from the
// data-plane listener, per spec.md's "separate listen address" requirement.
// Routing follows erfianugrah-caddy-compose/waf-api/main.go's
// net/http.ServeMux method-pattern idiom.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astracat2022/l7waf/internal/audit"
	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/pipeline"
	"github.com/astracat2022/l7waf/internal/rules"
)

// Server holds the shared state backing the admin API.
type Server struct {
	mu  sync.Mutex
	doc *config.Document

	pipeline *pipeline.Pipeline
	stats    *audit.Stats
	ring     *audit.Ring
	rules    *rules.Store

	version   string
	startedAt time.Time
	log       *zap.Logger
}

// NewServer builds an admin Server. logger may be nil, in which case a
// no-op logger is used.
func NewServer(doc *config.Document, pl *pipeline.Pipeline, stats *audit.Stats, ring *audit.Ring, ruleStore *rules.Store, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ruleStore == nil {
		ruleStore = rules.NewStore()
	}
	return &Server{
		doc:       doc,
		pipeline:  pl,
		stats:     stats,
		ring:      ring,
		rules:     ruleStore,
		version:   version,
		startedAt: time.Now(),
		log:       logger,
	}
}

// Handler builds the admin API's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("POST /api/rules", s.handleCreateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST /api/rules/test", s.handleTestRule)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/bot-stats", s.handleBotStats)
	return mux
}

type healthResponse struct {
	Status     string  `json:"status"`
	UptimeSecs float64 `json:"uptime_secs"`
	Version    string  `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Version:    s.version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.stats.MetricsHandler().ServeHTTP(w, r)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	out, err := doc.Serialize()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to serialize config", Details: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body", Details: err.Error()})
		return
	}
	doc, err := config.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid config", Details: err.Error()})
		return
	}
	if err := s.pipeline.Reload(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "reload rejected", Details: err.Error()})
		return
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	s.log.Info("admin api applied config reload")
	writeJSON(w, http.StatusOK, statusResponse{Status: "reloaded"})
}

type ruleRequest struct {
	Rule string `json:"rule"`
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.List())
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Details: err.Error()})
		return
	}
	if req.Rule == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "rule must not be empty"})
		return
	}
	added := s.rules.Add(req.Rule)
	if err := s.applyRules(); err != nil {
		s.rules.Delete(added.ID)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "rule rejected by engine", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.rules.Delete(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "rule not found"})
		return
	}
	if err := s.applyRules(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to apply rule set", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule    string            `json:"rule"`
		Request rules.TestRequest `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Details: err.Error()})
		return
	}
	result, err := rules.Evaluate(req.Rule, req.Request)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid rule", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// applyRules re-renders the stored custom rules into the live document's
// WAF directives and reloads the pipeline, so a rule CRUD mutation takes
// effect on the very next transaction.
func (s *Server) applyRules() error {
	s.mu.Lock()
	s.doc.WAF.CustomRules = s.rules.RenderDirectives()
	doc := s.doc
	s.mu.Unlock()
	return s.pipeline.Reload(doc)
}

type logsResponse struct {
	Total   int           `json:"total"`
	Offset  int           `json:"offset"`
	Limit   int           `json:"limit"`
	Entries []audit.Entry `json:"entries"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 50)
	if limit <= 0 {
		limit = 50
	}
	offset := queryInt(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	filter := audit.Filter{IP: q.Get("ip"), RuleID: q.Get("rule_id")}

	entries, total := s.ring.Query(offset, limit, filter)
	writeJSON(w, http.StatusOK, logsResponse{
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		Entries: entries,
	})
}

type botStatsResponse struct {
	BotsDetected     uint64  `json:"bots_detected"`
	ChallengesIssued uint64  `json:"challenges_issued"`
	ChallengesSolved uint64  `json:"challenges_solved"`
	PassRate         float64 `json:"pass_rate"`
}

func (s *Server) handleBotStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	passRate := 0.0
	if snap.ChallengesIssued > 0 {
		passRate = float64(snap.ChallengesSolved) / float64(snap.ChallengesIssued)
	}
	writeJSON(w, http.StatusOK, botStatsResponse{
		BotsDetected:     snap.BotsDetected,
		ChallengesIssued: snap.ChallengesIssued,
		ChallengesSolved: snap.ChallengesSolved,
		PassRate:         passRate,
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

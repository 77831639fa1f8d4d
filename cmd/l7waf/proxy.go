package main

import (
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/pipeline"
	"github.com/astracat2022/l7waf/internal/waf"
)

// maxBufferedResponseBody bounds how much of an upstream response the data
// plane holds in memory while the WAF's response-body phase inspects it.
// Bodies larger than this are passed through unchecked past the cutoff,
// trading strict inspection completeness for bounded memory use.
const maxBufferedResponseBody = 10 << 20 // 10 MiB

// dataPlaneHandler dispatches every inbound request through the pipeline
// and, on a Pass verdict, proxies it to the selected upstream and completes
// phases 7 and 8 (response WAF phase, then audit).
type dataPlaneHandler struct {
	pipeline     *pipeline.Pipeline
	log          *zap.Logger
	challengeTTL time.Duration
}

func newDataPlaneServer(doc *config.Document, pl *pipeline.Pipeline, logger *zap.Logger) *http.Server {
	h := &dataPlaneHandler{
		pipeline:     pl,
		log:          logger,
		challengeTTL: doc.BotDetection.JSChallenge.TTL.Std(),
	}
	return &http.Server{
		Addr:    doc.Server.Listen,
		Handler: h,
	}
}

func (h *dataPlaneHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	verdict, tx := h.pipeline.Run(r.Context(), r)
	switch verdict.Kind {
	case pipeline.Pass:
		h.proxy(w, r, tx)
	case pipeline.Challenge:
		writeChallenge(w, verdict, h.challengeTTL)
	default:
		writeBlock(w, verdict)
	}
}

// proxy forwards r to tx.UpstreamAddress, then runs the response through
// phases 7/8 before relaying status, headers, and body to the client.
func (h *dataPlaneHandler) proxy(w http.ResponseWriter, r *http.Request, tx *pipeline.Transaction) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, "http://"+tx.UpstreamAddress+r.URL.RequestURI(), r.Body)
	if err != nil {
		h.log.Error("build upstream request", zap.Error(err))
		h.finalizeBlock(w, tx, http.StatusBadGateway, "no_upstream")
		return
	}
	upstreamReq.Header = r.Header.Clone()
	upstreamReq.Host = r.Host
	upstreamReq.ContentLength = r.ContentLength

	client := &http.Client{Timeout: tx.UpstreamTimeout}
	resp, err := client.Do(upstreamReq)
	if err != nil {
		if r.Context().Err() != nil {
			h.finalizeBlock(w, tx, 499, "client_disconnected")
			return
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			h.finalizeBlock(w, tx, http.StatusGatewayTimeout, "upstream_timeout")
			return
		}
		h.log.Warn("upstream request failed", zap.String("upstream", tx.UpstreamAddress), zap.Error(err))
		h.finalizeBlock(w, tx, http.StatusBadGateway, "upstream_unreachable")
		return
	}
	defer resp.Body.Close()

	if in := h.pipeline.ResponsePhase(tx, resp.StatusCode, resp.Header); in != nil {
		h.finalizeBlockIntervention(w, tx, in)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponseBody))
	if err != nil {
		h.log.Warn("read upstream response body, failing open", zap.Error(err))
	}
	if len(body) > 0 {
		if in := h.pipeline.WriteResponseBodyChunk(tx, body); in != nil {
			h.finalizeBlockIntervention(w, tx, in)
			return
		}
	}
	if in := h.pipeline.FinalizeResponseBody(tx); in != nil {
		h.finalizeBlockIntervention(w, tx, in)
		return
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
	// Anything past maxBufferedResponseBody was not inspected; relay it as is.
	io.Copy(w, resp.Body)

	h.pipeline.Finalize(tx, pipeline.Verdict{Kind: pipeline.Pass, Status: resp.StatusCode})
}

func (h *dataPlaneHandler) finalizeBlock(w http.ResponseWriter, tx *pipeline.Transaction, status int, reason string) {
	v := h.pipeline.Finalize(tx, pipeline.Verdict{Kind: pipeline.Block, Status: status, Reason: reason})
	writeBlock(w, v)
}

func (h *dataPlaneHandler) finalizeBlockIntervention(w http.ResponseWriter, tx *pipeline.Transaction, in *waf.Intervention) {
	status := in.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	v := h.pipeline.Finalize(tx, pipeline.Verdict{Kind: pipeline.Block, Status: status, Reason: "waf", RuleID: in.RuleID})
	writeBlock(w, v)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeBlock(w http.ResponseWriter, v pipeline.Verdict) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	status := v.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	io.WriteString(w, "blocked: "+v.Reason+"\n")
}

func writeChallenge(w http.ResponseWriter, v pipeline.Verdict, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     "l7waf_bot",
		Value:    v.ChallengeCookie,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(ttl.Seconds()),
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, v.ChallengeHTML)
}

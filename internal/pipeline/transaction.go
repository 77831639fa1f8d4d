package pipeline

import (
	"net/http"
	"time"

	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/waf"
)

// Transaction carries one request through the pipeline's eight phases. A
// Transaction is owned by exactly one caller at a time and shares no
// mutable state with any other in-flight transaction, per SPEC_FULL.md
// section 5's "sequential state machine owned by exactly one worker"
// scheduling model.
type Transaction struct {
	ClientIP string
	Method   string
	Host     string
	Path     string
	URI      string
	Header   http.Header

	RouteIndex int
	Route      config.Route

	RiskScore int
	BotScore  float64

	UpstreamName    string
	UpstreamAddress string
	UpstreamTimeout time.Duration

	RuleID string

	startedAt time.Time
	wafTx     *waf.Transaction
}

// NewTransaction builds a Transaction from an inbound request and the
// resolved client IP (peer address, per spec.md's "trusted X-Forwarded-For
// policy is out of scope" note).
func NewTransaction(r *http.Request, clientIP string) *Transaction {
	return &Transaction{
		ClientIP:  clientIP,
		Method:    r.Method,
		Host:      r.Host,
		Path:      r.URL.Path,
		URI:       r.URL.RequestURI(),
		Header:    r.Header,
		startedAt: time.Now(),
	}
}

// Elapsed reports how long this transaction has been in flight, for the
// latency histogram recorded at phase 8.
func (t *Transaction) Elapsed() time.Duration { return time.Since(t.startedAt) }

// Close releases any WAF transaction handle still open on this
// Transaction. Safe to call multiple times and when no handle was opened.
func (t *Transaction) Close() {
	if t.wafTx != nil {
		t.wafTx.Close()
		t.wafTx = nil
	}
}

package waf

import (
	"fmt"
	"io"
	"net/http"

	"github.com/corazawaf/coraza/v3"
	"github.com/corazawaf/coraza/v3/types"
)

// Bridge wraps a coraza.WAF instance and exposes the pipeline's opaque
// external-engine vocabulary (new/begin/process_request/.../close/destroy)
// from SPEC_FULL.md section 4.6/6.2. Grounded on
// other_examples/GoFurry-coraza-fiber-lite's CorazaCfg/createWAFWithCfg and
// transaction-processing flow.
type Bridge struct {
	waf coraza.WAF
}

// New builds a Bridge from concatenated directive text (rule-file Include
// globs plus inline custom rules), mirroring original_source's
// build_waf_directives.
func New(directives string) (*Bridge, error) {
	cfg := coraza.NewWAFConfig().
		WithDirectives(directives).
		WithRequestBodyAccess().
		WithResponseBodyAccess()
	w, err := coraza.NewWAF(cfg)
	if err != nil {
		return nil, fmt.Errorf("waf: build engine: %w", err)
	}
	return &Bridge{waf: w}, nil
}

// Destroy releases engine resources. coraza.WAF holds no explicit close
// method; this is a no-op kept for parity with the spec's close/destroy
// vocabulary and as the extension point if a future coraza release adds one.
func (b *Bridge) Destroy() {}

// Transaction wraps one coraza.Transaction for the lifetime of one HTTP
// request/response.
type Transaction struct {
	tx types.Transaction
}

// Begin starts a new transaction.
func (b *Bridge) Begin() *Transaction {
	return &Transaction{tx: b.waf.NewTransaction()}
}

// RuleEngineOff reports whether the underlying engine is configured with
// SecRuleEngine Off, in which case callers should skip processing.
func (t *Transaction) RuleEngineOff() bool { return t.tx.IsRuleEngineOff() }

// ProcessRequest feeds method, URI, protocol, and headers to the engine and
// returns an Intervention if the engine interrupts at the headers phase.
func (t *Transaction) ProcessRequest(method, uri, protocol string, headers http.Header) *Intervention {
	t.tx.ProcessURI(uri, method, protocol)
	for name, values := range headers {
		for _, v := range values {
			t.tx.AddRequestHeader(name, v)
		}
	}
	if in := t.tx.ProcessRequestHeaders(); in != nil {
		return toIntervention(in)
	}
	return nil
}

// WriteRequestBody streams body bytes into the transaction's body buffer,
// returning an Intervention if writing triggers an early interruption
// (e.g. a body-phase rule firing mid-stream, or the body limit hit).
func (t *Transaction) WriteRequestBody(body io.Reader) (*Intervention, error) {
	if !t.tx.IsRequestBodyAccessible() {
		return nil, nil
	}
	in, _, err := t.tx.ReadRequestBodyFrom(body)
	if err != nil {
		return nil, fmt.Errorf("waf: write request body: %w", err)
	}
	if in != nil {
		return toIntervention(in), nil
	}
	return nil, nil
}

// FinalizeRequestBody runs the body-phase rules now that the full body has
// been written.
func (t *Transaction) FinalizeRequestBody() (*Intervention, error) {
	in, err := t.tx.ProcessRequestBody()
	if err != nil {
		return nil, fmt.Errorf("waf: finalize request body: %w", err)
	}
	if in != nil {
		return toIntervention(in), nil
	}
	return nil, nil
}

// ProcessResponse feeds the upstream's response status and headers.
func (t *Transaction) ProcessResponse(status int, headers http.Header) *Intervention {
	for name, values := range headers {
		for _, v := range values {
			t.tx.AddResponseHeader(name, v)
		}
	}
	if in := t.tx.ProcessResponseHeaders(status, "HTTP/1.1"); in != nil {
		return toIntervention(in)
	}
	return nil
}

// WriteResponseBody streams response body bytes into the transaction.
func (t *Transaction) WriteResponseBody(chunk []byte) (*Intervention, error) {
	if !t.tx.IsResponseBodyAccessible() {
		return nil, nil
	}
	in, _, err := t.tx.WriteResponseBody(chunk)
	if err != nil {
		return nil, fmt.Errorf("waf: write response body: %w", err)
	}
	if in != nil {
		return toIntervention(in), nil
	}
	return nil, nil
}

// FinalizeResponseBody runs the response-body-phase rules.
func (t *Transaction) FinalizeResponseBody() (*Intervention, error) {
	in, err := t.tx.ProcessResponseBody()
	if err != nil {
		return nil, fmt.Errorf("waf: finalize response body: %w", err)
	}
	if in != nil {
		return toIntervention(in), nil
	}
	return nil, nil
}

// Close logs and releases the transaction.
func (t *Transaction) Close() error {
	t.tx.ProcessLogging()
	return t.tx.Close()
}

// MatchedRuleIDs returns the IDs of rules that matched during this
// transaction, for audit logging.
func (t *Transaction) MatchedRuleIDs() []string {
	matched := t.tx.MatchedRules()
	ids := make([]string, 0, len(matched))
	for _, m := range matched {
		ids = append(ids, fmt.Sprintf("%d", m.Rule().ID()))
	}
	return ids
}

func toIntervention(in *types.Interruption) *Intervention {
	action := ActionDeny
	if in.Action == "redirect" {
		action = ActionRedirect
	}
	status := in.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	return &Intervention{
		Status:      status,
		Action:      action,
		RuleID:      fmt.Sprintf("%d", in.RuleID),
		RedirectURL: in.Data,
	}
}

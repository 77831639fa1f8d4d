package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/astracat2022/l7waf/internal/audit"
	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/ipreputation"
	"github.com/astracat2022/l7waf/internal/risk"
)

func writeCIDRFile(t *testing.T, cidrs ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.txt")
	if err := os.WriteFile(path, []byte(strings.Join(cidrs, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write cidr file: %v", err)
	}
	return path
}

const baseYAML = `
server:
  listen: "127.0.0.1:0"
  request_body_limit: 1024
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers:
      - address: "127.0.0.1:19000"
        weight: 1
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: off
rate_limit:
  enabled: false
bot_detection:
  enabled: false
`

func newTestPipeline(t *testing.T, yamlDoc string) (*Pipeline, *audit.Ring, *ipreputation.Engine) {
	t.Helper()
	doc, err := config.Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	ipRep := ipreputation.NewEngine()
	riskTracker := risk.NewTracker(0, 0)
	stats := audit.NewStats()
	ring := audit.NewRing(100)
	p, err := New(doc, ipRep, riskTracker, stats, ring, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, ring, ipRep
}

func newReq(method, target, clientIP string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = clientIP + ":54321"
	return r
}

func TestRunAllowsCleanRequest(t *testing.T) {
	p, ring, _ := newTestPipeline(t, baseYAML)
	v, tx := p.Run(context.Background(), newReq(http.MethodGet, "/", "1.2.3.4"))
	if v.Kind != Pass {
		t.Fatalf("expected Pass, got %+v", v)
	}
	if tx.UpstreamAddress != "127.0.0.1:19000" {
		t.Fatalf("expected selected upstream address, got %q", tx.UpstreamAddress)
	}
	p.Finalize(tx, passVerdict())
	if ring.Len() != 1 {
		t.Fatalf("expected exactly one audit entry for an admitted request, got %d", ring.Len())
	}
}

func TestRunBlocksUnmatchedRoute(t *testing.T) {
	p, _, _ := newTestPipeline(t, baseYAML)
	v, _ := p.Run(context.Background(), newReq(http.MethodGet, "/", "1.2.3.4"))
	if v.Kind != Pass {
		t.Fatalf("sanity: expected / to match the catch-all route")
	}

	// A narrower route table has no prefix matching a request outside it.
	narrowYAML := `
server:
  listen: "127.0.0.1:0"
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 1}]
routes:
  - path_prefix: "/only-this"
    upstream: backend
    waf_mode: off
`
	p2, ring2, _ := newTestPipeline(t, narrowYAML)
	v2, _ := p2.Run(context.Background(), newReq(http.MethodGet, "/elsewhere", "1.2.3.4"))
	if v2.Kind != Block || v2.Status != http.StatusNotFound || v2.Reason != "no_route" {
		t.Fatalf("expected 404 no_route, got %+v", v2)
	}
	if ring2.Len() != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", ring2.Len())
	}
}

func TestRunBlocksBlocklistedIP(t *testing.T) {
	p, _, ipRep := newTestPipeline(t, baseYAML)
	if _, _, err := ipRep.LoadBlocklist(writeCIDRFile(t, "10.0.0.0/8")); err != nil {
		t.Fatalf("load blocklist: %v", err)
	}

	v, _ := p.Run(context.Background(), newReq(http.MethodGet, "/", "10.1.2.3"))
	if v.Kind != Block || v.Status != http.StatusForbidden || v.Reason != "ip_blocked" {
		t.Fatalf("expected 403 ip_blocked, got %+v", v)
	}
}

func TestRunAllowlistSkipsRateLimitButStillRunsWAF(t *testing.T) {
	yamlDoc := `
server:
  listen: "127.0.0.1:0"
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 1}]
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: off
rate_limit:
  enabled: true
  algorithm: token_bucket
  default_rps: 0
  default_burst: 1
`
	p, _, ipRep := newTestPipeline(t, yamlDoc)
	if _, _, err := ipRep.LoadAllowlist(writeCIDRFile(t, "9.9.9.9/32")); err != nil {
		t.Fatalf("load allowlist: %v", err)
	}

	for i := 0; i < 5; i++ {
		v, _ := p.Run(context.Background(), newReq(http.MethodGet, "/", "9.9.9.9"))
		if v.Kind != Pass {
			t.Fatalf("iteration %d: allow-listed client should never be rate-limited, got %+v", i, v)
		}
	}
}

func TestRunRateLimitsAfterBurstExhausted(t *testing.T) {
	yamlDoc := `
server:
  listen: "127.0.0.1:0"
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 1}]
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: off
rate_limit:
  enabled: true
  algorithm: token_bucket
  default_rps: 0
  default_burst: 1
`
	p, _, _ := newTestPipeline(t, yamlDoc)
	v1, _ := p.Run(context.Background(), newReq(http.MethodGet, "/", "5.5.5.5"))
	if v1.Kind != Pass {
		t.Fatalf("expected first request to pass, got %+v", v1)
	}
	v2, _ := p.Run(context.Background(), newReq(http.MethodGet, "/", "5.5.5.5"))
	if v2.Kind != Block || v2.Status != http.StatusTooManyRequests || v2.Reason != "rate_limited" {
		t.Fatalf("expected second request to be rate-limited, got %+v", v2)
	}
}

func TestRunBlocksKnownBadBotInBlockMode(t *testing.T) {
	yamlDoc := `
server:
  listen: "127.0.0.1:0"
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 1}]
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: off
bot_detection:
  enabled: true
  mode: block
  score_threshold: 0.7
`
	p, _, _ := newTestPipeline(t, yamlDoc)
	req := newReq(http.MethodGet, "/", "6.6.6.6")
	req.Header.Set("User-Agent", "curl/8.0")
	v, _ := p.Run(context.Background(), req)
	if v.Kind != Block || v.Status != http.StatusForbidden || v.Reason != "bot" {
		t.Fatalf("expected 403 bot, got %+v", v)
	}
}

func TestRunBlocksPathTraversalViaLocalWAF(t *testing.T) {
	yamlDoc := `
server:
  listen: "127.0.0.1:0"
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 1}]
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: block
`
	p, _, _ := newTestPipeline(t, yamlDoc)
	v, _ := p.Run(context.Background(), newReq(http.MethodGet, "/../../etc/passwd", "7.7.7.7"))
	if v.Kind != Block || v.Reason != "waf" {
		t.Fatalf("expected a waf block for path traversal, got %+v", v)
	}
}

func TestRunReturns502ForZeroWeightUpstream(t *testing.T) {
	yamlDoc := `
server:
  listen: "127.0.0.1:0"
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 0}]
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: off
`
	p, _, _ := newTestPipeline(t, yamlDoc)
	v, _ := p.Run(context.Background(), newReq(http.MethodGet, "/", "8.8.8.8"))
	if v.Kind != Block || v.Status != http.StatusBadGateway || v.Reason != "no_upstream" {
		t.Fatalf("expected 502 no_upstream, got %+v", v)
	}
}

func TestRunRejectsOversizeBodyWith413(t *testing.T) {
	yamlDoc := `
server:
  listen: "127.0.0.1:0"
  request_body_limit: 8
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 1}]
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: block
waf:
  request_body_limit: 8
`
	p, _, _ := newTestPipeline(t, yamlDoc)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this body is definitely over eight bytes"))
	req.RemoteAddr = "3.3.3.3:1111"
	v, _ := p.Run(context.Background(), req)
	if v.Kind != Block || v.Status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversize body, got %+v", v)
	}
}

func TestRunAcceptsBodyExactlyAtLimit(t *testing.T) {
	yamlDoc := `
server:
  listen: "127.0.0.1:0"
  request_body_limit: 8
admin:
  listen: "127.0.0.1:0"
upstreams:
  - name: backend
    servers: [{address: "127.0.0.1:19000", weight: 1}]
routes:
  - path_prefix: "/"
    upstream: backend
    waf_mode: block
waf:
  request_body_limit: 8
`
	p, _, _ := newTestPipeline(t, yamlDoc)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345678"))
	req.RemoteAddr = "3.3.3.4:1111"
	v, _ := p.Run(context.Background(), req)
	if v.Kind != Pass {
		t.Fatalf("expected a body exactly at the limit to be accepted, got %+v", v)
	}
}

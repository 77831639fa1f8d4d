package config

import (
	"strings"
	"testing"
)

const sampleYAML = `
server:
  listen: "0.0.0.0:8080"
admin:
  listen: "127.0.0.1:9090"
upstreams:
  - name: api
    servers:
      - address: "10.0.0.1:8000"
        weight: 3
      - address: "10.0.0.2:8000"
        weight: 1
routes:
  - path_prefix: "/"
    upstream: api
    waf_mode: block
waf:
  rule_globs: ["rules/*.conf"]
rate_limit:
  enabled: true
  default_rps: 50
  default_burst: 100
ip_reputation:
  blocklist_path: "block.txt"
bot_detection:
  enabled: true
  mode: challenge
  score_threshold: 0.7
  js_challenge:
    enabled: true
    difficulty: 18
    ttl: 5m
    secret: "s3cr3t"
`

func TestParseValid(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Server.Listen != "0.0.0.0:8080" {
		t.Fatalf("unexpected listen: %q", doc.Server.Listen)
	}
	if len(doc.Upstreams) != 1 || len(doc.Upstreams[0].Servers) != 2 {
		t.Fatalf("unexpected upstream shape: %+v", doc.Upstreams)
	}
	if doc.Server.UpstreamTimeout == 0 {
		t.Fatalf("expected default upstream timeout to be applied")
	}
}

func TestValidateRejectsUnknownUpstream(t *testing.T) {
	bad := strings.Replace(sampleYAML, "upstream: api", "upstream: ghost", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatalf("expected error for unknown upstream reference")
	}
}

func TestValidateRejectsMissingListen(t *testing.T) {
	bad := strings.Replace(sampleYAML, `listen: "0.0.0.0:8080"`, `listen: ""`, 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatalf("expected error for missing server.listen")
	}
}

func TestValidateRejectsInvalidWAFMode(t *testing.T) {
	bad := strings.Replace(sampleYAML, "waf_mode: block", "waf_mode: nonsense", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatalf("expected error for invalid waf_mode")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := doc.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	doc2, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(serialize): %v", err)
	}
	if doc2.Server.Listen != doc.Server.Listen || len(doc2.Upstreams) != len(doc.Upstreams) {
		t.Fatalf("round trip mismatch: %+v vs %+v", doc2, doc)
	}
}

func TestZeroWeightServerStillParses(t *testing.T) {
	withZero := strings.Replace(sampleYAML, "weight: 1", "weight: 0", 1)
	doc, err := Parse([]byte(withZero))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Upstreams[0].Servers[1].Weight != 0 {
		t.Fatalf("expected zero weight to be preserved")
	}
}

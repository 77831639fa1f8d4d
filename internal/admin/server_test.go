package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/astracat2022/l7waf/internal/audit"
	"github.com/astracat2022/l7waf/internal/config"
	"github.com/astracat2022/l7waf/internal/ipreputation"
	"github.com/astracat2022/l7waf/internal/pipeline"
	"github.com/astracat2022/l7waf/internal/risk"
	"github.com/astracat2022/l7waf/internal/rules"
)

const baseYAML = `
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
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	doc, err := config.Parse([]byte(baseYAML))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	pl, err := pipeline.New(doc, ipreputation.NewEngine(), risk.NewTracker(0, 0), audit.NewStats(), audit.NewRing(100), nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return NewServer(doc, pl, audit.NewStats(), audit.NewRing(100), rules.NewStore(), "test", nil)
}

func TestHandleHealth(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %q", body.Status)
	}
}

func TestHandleConfigGetReturnsYAML(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/yaml" {
		t.Fatalf("expected application/yaml, got %q", ct)
	}
}

func doPut(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleConfigPutRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	getResp, err := http.Get(srv.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(getResp.Body); err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()

	putResp := doPut(t, srv.URL+"/api/config", buf.String())
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on reload of an unchanged config, got %d", putResp.StatusCode)
	}
}

func TestHandleConfigPutRejectsInvalidYAML(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	resp := doPut(t, srv.URL+"/api/config", "server:\n  listen: \"\"\n")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a document missing server.listen, got %d", resp.StatusCode)
	}
}

func TestRuleCRUDLifecycle(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	createResp, err := http.Post(srv.URL+"/api/rules", "application/json",
		strings.NewReader(`{"rule":"SecRule ARGS:id \"@rx evil\" \"id:9100,phase:1,deny,status:403\""}`))
	if err != nil {
		t.Fatal(err)
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", createResp.StatusCode)
	}
	var created rules.Rule
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatalf("expected a non-empty rule id")
	}

	listResp, err := http.Get(srv.URL + "/api/rules")
	if err != nil {
		t.Fatal(err)
	}
	var list []rules.Rule
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	listResp.Body.Close()
	if len(list) != 1 {
		t.Fatalf("expected exactly one rule, got %d", len(list))
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/rules/"+created.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", delResp.StatusCode)
	}

	listResp2, err := http.Get(srv.URL + "/api/rules")
	if err != nil {
		t.Fatal(err)
	}
	defer listResp2.Body.Close()
	var list2 []rules.Rule
	if err := json.NewDecoder(listResp2.Body).Decode(&list2); err != nil {
		t.Fatal(err)
	}
	if len(list2) != 0 {
		t.Fatalf("expected the rule list to be empty after delete, got %d", len(list2))
	}
}

func TestHandleTestRuleReportsMatch(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	payload := `{"rule":"SecRule ARGS:id \"@rx (?i)^1\\s+OR\\s+1=1$\" \"id:9200,phase:1,deny,status:403\"","request":{"method":"GET","uri":"/?id=1%20OR%201=1"}}`
	resp, err := http.Post(srv.URL+"/api/rules/test", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result rules.TestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Matched {
		t.Fatalf("expected the test rule to match, got %+v", result)
	}
}

func TestHandleLogsAndBotStatsRespond(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	logsResp, err := http.Get(srv.URL + "/api/logs?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer logsResp.Body.Close()
	if logsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", logsResp.StatusCode)
	}

	botResp, err := http.Get(srv.URL + "/api/bot-stats")
	if err != nil {
		t.Fatal(err)
	}
	defer botResp.Body.Close()
	var bs botStatsResponse
	if err := json.NewDecoder(botResp.Body).Decode(&bs); err != nil {
		t.Fatal(err)
	}
	if bs.PassRate != 0 {
		t.Fatalf("expected zero pass rate with no challenges issued, got %f", bs.PassRate)
	}
}

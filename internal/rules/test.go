package rules

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/astracat2022/l7waf/internal/waf"
)

// TestRequest is a synthetic request used to evaluate one candidate rule in
// isolation, without touching the running WAF bridge or any route.
type TestRequest struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// TestResult reports whether the candidate rule matched the given request.
type TestResult struct {
	Matched bool   `json:"matched"`
	Message string `json:"message"`
}

// Evaluate builds a throwaway WAF engine containing only ruleText and runs
// req through its request phase, letting an operator validate a candidate
// rule before it is added to the live set.
func Evaluate(ruleText string, req TestRequest) (TestResult, error) {
	directives := "SecRuleEngine On\nSecRequestBodyAccess On\nSecResponseBodyAccess On\n" + ruleText + "\n"
	bridge, err := waf.New(directives)
	if err != nil {
		return TestResult{}, fmt.Errorf("rules: build test engine: %w", err)
	}

	tx := bridge.Begin()
	defer tx.Close()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	uri := req.URI
	if uri == "" {
		uri = "/"
	}
	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	if in := tx.ProcessRequest(method, uri, "HTTP/1.1", header); in != nil {
		return matchResult(in.RuleID, in.Status), nil
	}
	if req.Body == "" {
		return TestResult{Matched: false, Message: "no match"}, nil
	}
	if in, err := tx.WriteRequestBody(strings.NewReader(req.Body)); err == nil && in != nil {
		return matchResult(in.RuleID, in.Status), nil
	}
	if in, err := tx.FinalizeRequestBody(); err == nil && in != nil {
		return matchResult(in.RuleID, in.Status), nil
	}
	return TestResult{Matched: false, Message: "no match"}, nil
}

func matchResult(ruleID string, status int) TestResult {
	return TestResult{Matched: true, Message: fmt.Sprintf("matched rule %s (status %d)", ruleID, status)}
}

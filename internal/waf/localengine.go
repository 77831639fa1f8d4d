package waf

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// LocalEngine is a small in-process regex pre-filter that runs ahead of the
// coraza.Transaction on the request phase, adapted from the teacher's
// hand-rolled internal/waf engine. It covers a handful of unambiguous attack
// patterns (obvious path traversal, obvious SQLi/XSS) and does not inspect
// the request method. A match short-circuits the request phase before any
// coraza transaction starts; a request it passes still goes through the full
// coraza transaction, so it is not a replacement for the external engine.
type LocalEngine struct {
	maxInspectBytes int64
	rules           []localRule
}

type localRule struct {
	id    string
	regex *regexp.Regexp
}

// NewLocalEngine builds the built-in local pre-filter ruleset.
func NewLocalEngine(maxInspectBytes int64) *LocalEngine {
	if maxInspectBytes <= 0 {
		maxInspectBytes = 8 * 1024
	}
	return &LocalEngine{
		maxInspectBytes: maxInspectBytes,
		rules:           defaultLocalRules(),
	}
}

func defaultLocalRules() []localRule {
	return []localRule{
		{id: "local-100-traversal", regex: regexp.MustCompile(`(?i)\.\./|\.\.\\`)},
		{id: "local-200-sqli-union", regex: regexp.MustCompile(`(?i)\bunion\b.{0,40}\bselect\b`)},
		{id: "local-201-sqli-boolean", regex: regexp.MustCompile(`(?i)\bor\b\s+1\s*=\s*1\b`)},
		{id: "local-300-xss-script", regex: regexp.MustCompile(`(?i)<script[\s>]`)},
		{id: "local-301-xss-onerror", regex: regexp.MustCompile(`(?i)on(error|load)\s*=`)},
	}
}

// Inspect runs the local pre-filter over the request path, query, and a
// bounded sample of the body. It does not consume r.Body permanently: the
// body is restored via io.MultiReader so the coraza transaction (or the
// upstream request) still sees the full body afterward.
func (e *LocalEngine) Inspect(r *http.Request) (*Intervention, error) {
	if in := e.matchString(r.URL.Path); in != nil {
		return in, nil
	}
	if in := e.matchString(r.URL.RawQuery); in != nil {
		return in, nil
	}
	for _, values := range r.URL.Query() {
		for _, v := range values {
			if in := e.matchString(v); in != nil {
				return in, nil
			}
		}
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if in, err := e.inspectBody(r); err != nil {
		return nil, err
	} else if in != nil {
		return in, nil
	}
	return nil, nil
}

func (e *LocalEngine) inspectBody(r *http.Request) (*Intervention, error) {
	limited := io.LimitReader(r.Body, e.maxInspectBytes)
	sample, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(io.MultiReader(strings.NewReader(string(sample)), r.Body))

	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(sample))
		if err == nil {
			for _, vs := range values {
				for _, v := range vs {
					if in := e.matchString(v); in != nil {
						return in, nil
					}
				}
			}
		}
	case "multipart/form-data":
		if in := e.inspectMultipart(contentType, sample); in != nil {
			return in, nil
		}
	default:
		if in := e.matchString(string(sample)); in != nil {
			return in, nil
		}
	}
	return nil, nil
}

func (e *LocalEngine) inspectMultipart(contentType string, sample []byte) *Intervention {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil
	}
	reader := multipart.NewReader(strings.NewReader(string(sample)), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil
		}
		buf, _ := io.ReadAll(io.LimitReader(part, e.maxInspectBytes))
		if in := e.matchString(string(buf)); in != nil {
			return in
		}
	}
}

func (e *LocalEngine) matchString(s string) *Intervention {
	if s == "" {
		return nil
	}
	for _, rule := range e.rules {
		if rule.regex.MatchString(s) {
			return &Intervention{Status: http.StatusForbidden, Action: ActionDeny, RuleID: rule.id}
		}
	}
	return nil
}

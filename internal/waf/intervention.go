// Package waf implements the boundary to the signature rules engine:
// github.com/corazawaf/coraza/v3 as the primary opaque external engine
// (see SPEC_FULL.md section 4.6/6.2), plus an optional in-process local
// signature pre-filter adapted from the teacher's regex-rule engine.
package waf

// Action is what an Intervention asks the caller to do.
type Action string

const (
	ActionDeny     Action = "deny"
	ActionRedirect Action = "redirect"
)

// Intervention is the verdict emitted by either the local pre-filter or the
// coraza bridge, matching SPEC_FULL.md section 6.2's Intervention shape.
type Intervention struct {
	Status      int
	Action      Action
	RuleID      string
	RedirectURL string
}

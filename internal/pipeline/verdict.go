// Package pipeline wires the route table and every decision engine
// (ip reputation, rate limiting, bot detection, WAF, upstream selection,
// audit) into the fixed eight-phase request pipeline described in
// SPEC_FULL.md section 4.1.
package pipeline

// Kind is the outcome discriminant for a Verdict.
type Kind int

const (
	Pass Kind = iota
	Block
	Challenge
)

// Verdict is the result of running a transaction through the pipeline.
// It is a plain sum type in the sense spec.md describes: exactly one of
// its three shapes is meaningful, selected by Kind.
type Verdict struct {
	Kind Kind

	// Block fields.
	Status int
	Reason string
	RuleID string

	// Challenge fields.
	ChallengeHTML   string
	ChallengeCookie string
}

func passVerdict() Verdict { return Verdict{Kind: Pass, Status: 200} }

func blockVerdict(status int, reason string) Verdict {
	return Verdict{Kind: Block, Status: status, Reason: reason}
}

func blockVerdictRule(status int, reason, ruleID string) Verdict {
	return Verdict{Kind: Block, Status: status, Reason: reason, RuleID: ruleID}
}

func challengeVerdict(html, cookie string) Verdict {
	return Verdict{Kind: Challenge, Status: 200, Reason: "bot_challenge", ChallengeHTML: html, ChallengeCookie: cookie}
}

package pipeline

import (
	"fmt"
	"strings"

	"github.com/astracat2022/l7waf/internal/config"
)

// buildDirectives concatenates rule-file Include globs and inline custom
// rules into the coraza directive text the bridge compiles, mirroring
// original_source's build_waf_directives: SecRuleEngine On,
// SecRequestBodyLimit, request/response body access, one Include per glob,
// then the operator's custom rules verbatim.
//
// coraza rejects a body whose length reaches SecRequestBodyLimit, while a
// body of exactly the configured limit is accepted; the pipeline enforces the
// configured limit itself, so coraza's limit is set one byte above it.
func buildDirectives(cfg config.WAFConfig) string {
	var b strings.Builder
	b.WriteString("SecRuleEngine On\n")
	b.WriteString(fmt.Sprintf("SecRequestBodyLimit %d\n", cfg.RequestBodyLimit+1))
	b.WriteString("SecRequestBodyAccess On\n")
	b.WriteString("SecResponseBodyAccess On\n")
	for _, glob := range cfg.RuleGlobs {
		b.WriteString(fmt.Sprintf("Include %s\n", glob))
	}
	if cfg.CustomRules != "" {
		b.WriteString(cfg.CustomRules)
		b.WriteString("\n")
	}
	return b.String()
}

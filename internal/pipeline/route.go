package pipeline

import (
	"strings"

	"github.com/astracat2022/l7waf/internal/config"
)

// matchRoute resolves the route for (host, path) per SPEC_FULL.md section
// 4.1: match by optional host, then by longest path_prefix; ties broken by
// earliest declaration order (routes is iterated in config file order and
// only replaced on a strictly longer prefix match).
func matchRoute(routes []config.Route, host, path string) (int, bool) {
	bestIdx := -1
	bestLen := -1
	reqHost := stripPort(host)
	for i, r := range routes {
		if r.Host != "" && !strings.EqualFold(stripPort(r.Host), reqHost) {
			continue
		}
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if len(r.PathPrefix) > bestLen {
			bestLen = len(r.PathPrefix)
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return 0, false
	}
	return bestIdx, true
}

func stripPort(host string) string {
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

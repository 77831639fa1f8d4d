// Package botdetect classifies user agents, fingerprints requests, computes
// a composite bot score, and issues/verifies a signed proof-of-work
// challenge, per SPEC_FULL.md section 4.4.
package botdetect

import "strings"

// Category is the result of UA classification.
type Category int

const (
	LikelyHuman Category = iota
	Suspicious
	KnownBadBot
	KnownGoodBot
)

// knownGoodBots are substrings of well-behaved, operator-trusted crawlers.
var knownGoodBots = []string{
	"googlebot", "bingbot", "yandexbot", "duckduckbot", "baiduspider",
	"slurp", "facebookexternalhit", "twitterbot", "linkedinbot", "applebot",
}

// knownBadBots are substrings of common automation tooling.
var knownBadBots = []string{
	"curl", "wget", "python-requests", "python-urllib", "scrapy",
	"httpclient", "go-http-client", "java/", "libwww-perl", "mechanize",
	"phantom", "headlesschrome", "selenium",
}

// suspiciousPatterns are generic substrings suggesting automated traffic
// that isn't explicitly known-good or known-bad.
var suspiciousPatterns = []string{"bot", "crawler", "spider", "scraper", "fetch", "scan"}

// ClassifyUserAgent categorizes ua, consulting an optional operator-provided
// allowlist of extra known-good substrings (checked before the built-in
// lists).
func ClassifyUserAgent(ua string, allowlist []string) Category {
	lower := strings.ToLower(ua)
	if lower == "" {
		return Suspicious
	}
	for _, a := range allowlist {
		if a != "" && strings.Contains(lower, strings.ToLower(a)) {
			return KnownGoodBot
		}
	}
	for _, b := range knownGoodBots {
		if strings.Contains(lower, b) {
			return KnownGoodBot
		}
	}
	for _, b := range knownBadBots {
		if strings.Contains(lower, b) {
			return KnownBadBot
		}
	}
	if !looksLikeBrowser(lower) {
		for _, p := range suspiciousPatterns {
			if strings.Contains(lower, p) {
				return Suspicious
			}
		}
	}
	return LikelyHuman
}

func looksLikeBrowser(lowerUA string) bool {
	if !strings.Contains(lowerUA, "mozilla") {
		return false
	}
	return strings.Contains(lowerUA, "chrome") ||
		strings.Contains(lowerUA, "firefox") ||
		strings.Contains(lowerUA, "safari") ||
		strings.Contains(lowerUA, "edge")
}

// Package config loads and validates the declarative YAML configuration
// document described in SPEC_FULL.md section 6.1.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the full on-disk configuration for one running instance.
type Document struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Upstreams []Upstream  `yaml:"upstreams"`
	Routes    []Route     `yaml:"routes"`
	WAF       WAFConfig   `yaml:"waf"`
	RateLimit RateLimit   `yaml:"rate_limit"`
	IPReputation IPReputationConfig `yaml:"ip_reputation"`
	BotDetection BotDetectionConfig `yaml:"bot_detection"`
}

// ServerConfig holds the data-plane listener settings.
type ServerConfig struct {
	Listen             string   `yaml:"listen"`
	TLSCertFile         string   `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile          string   `yaml:"tls_key_file,omitempty"`
	UpstreamTimeout     Duration `yaml:"upstream_timeout"`
	RequestBodyLimit    int64    `yaml:"request_body_limit"`
}

// AdminConfig holds the admin-API listener settings.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// Server describes one weighted backend behind an upstream.
type Server struct {
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
}

// HealthCheck configures active probing of an upstream's servers.
type HealthCheck struct {
	Interval Duration `yaml:"interval"`
	Path     string   `yaml:"path"`
}

// Upstream is a named pool of weighted servers.
type Upstream struct {
	Name        string       `yaml:"name"`
	Servers     []Server     `yaml:"servers"`
	HealthCheck *HealthCheck `yaml:"health_check,omitempty"`
}

// RouteRateLimit overrides the default rate-limit parameters for one route.
type RouteRateLimit struct {
	Algorithm   string  `yaml:"algorithm"` // "token_bucket" | "sliding_window"
	RPS         float64 `yaml:"rps"`
	Burst       float64 `yaml:"burst"`
	KeyByRoute  bool    `yaml:"key_by_route"`
}

// PenaltyBoxConfig escalates repeated rate-limit violations into an outright ban.
type PenaltyBoxConfig struct {
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
	BanFor    Duration `yaml:"ban_for"`
}

// Route matches inbound requests to an upstream and a WAF mode.
type Route struct {
	Host             string          `yaml:"host,omitempty"`
	PathPrefix       string          `yaml:"path_prefix"`
	Upstream         string          `yaml:"upstream"`
	WAFMode          string          `yaml:"waf_mode"` // "block" | "detect" | "off"
	LocalSignatures  *bool           `yaml:"local_signatures,omitempty"`
	RateLimit        *RouteRateLimit `yaml:"rate_limit,omitempty"`
	PenaltyBox       *PenaltyBoxConfig `yaml:"penalty_box,omitempty"`
}

// UsesLocalSignatures reports whether the local fast-path pre-filter runs
// for this route; it defaults to on.
func (r Route) UsesLocalSignatures() bool {
	if r.LocalSignatures == nil {
		return true
	}
	return *r.LocalSignatures
}

// WAFConfig configures the signature WAF bridge.
type WAFConfig struct {
	RuleGlobs        []string `yaml:"rule_globs"`
	CustomRules      string   `yaml:"custom_rules,omitempty"`
	RequestBodyLimit int64    `yaml:"request_body_limit"`
	AuditLogPath     string   `yaml:"audit_log_path,omitempty"`
}

// RateLimit configures process-wide rate-limit defaults.
type RateLimit struct {
	Enabled     bool    `yaml:"enabled"`
	Algorithm   string  `yaml:"algorithm"`
	DefaultRPS  float64 `yaml:"default_rps"`
	DefaultBurst float64 `yaml:"default_burst"`
}

// IPReputationConfig points at the blocklist/allowlist CIDR files.
type IPReputationConfig struct {
	BlocklistPath string `yaml:"blocklist_path,omitempty"`
	AllowlistPath string `yaml:"allowlist_path,omitempty"`
}

// BotDetectionConfig configures the bot detector and its JS challenge.
type BotDetectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Mode           string        `yaml:"mode"` // "block" | "challenge" | "detect"
	ScoreThreshold float64       `yaml:"score_threshold"`
	KnownBots      []string      `yaml:"known_bots_allowlist,omitempty"`
	JSChallenge    JSChallenge   `yaml:"js_challenge"`
}

// JSChallenge configures the proof-of-work challenge.
type JSChallenge struct {
	Enabled    bool     `yaml:"enabled"`
	Difficulty int      `yaml:"difficulty"`
	TTL        Duration `yaml:"ttl"`
	Secret     string   `yaml:"secret"`
}

// Load reads and validates a configuration document from path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses and validates a configuration document from raw YAML bytes.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Serialize renders the document back to YAML, used for the admin config GET
// and for the parse(serialize(config)) == config round-trip property.
func (d *Document) Serialize() ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("config: serialize: %w", err)
	}
	return out, nil
}

func (d *Document) applyDefaults() {
	if d.Server.UpstreamTimeout == 0 {
		d.Server.UpstreamTimeout = Duration(30 * time.Second)
	}
	if d.Server.RequestBodyLimit == 0 {
		d.Server.RequestBodyLimit = 1 << 20 // 1 MiB
	}
	if d.WAF.RequestBodyLimit == 0 {
		d.WAF.RequestBodyLimit = d.Server.RequestBodyLimit
	}
	if d.RateLimit.Algorithm == "" {
		d.RateLimit.Algorithm = "token_bucket"
	}
	if d.RateLimit.DefaultRPS == 0 {
		d.RateLimit.DefaultRPS = 100
	}
	if d.RateLimit.DefaultBurst == 0 {
		d.RateLimit.DefaultBurst = 200
	}
	if d.BotDetection.ScoreThreshold == 0 {
		d.BotDetection.ScoreThreshold = 0.7
	}
	if d.BotDetection.Mode == "" {
		d.BotDetection.Mode = "detect"
	}
	if d.BotDetection.JSChallenge.TTL == 0 {
		d.BotDetection.JSChallenge.TTL = Duration(5 * time.Minute)
	}
	if d.BotDetection.JSChallenge.Difficulty == 0 {
		d.BotDetection.JSChallenge.Difficulty = 16
	}
	for i := range d.Routes {
		if d.Routes[i].WAFMode == "" {
			d.Routes[i].WAFMode = "block"
		}
	}
}

// Validate checks referential integrity and required fields. It returns the
// first error found, matching the teacher's fail-fast validation style.
func (d *Document) Validate() error {
	if d.Server.Listen == "" {
		return fmt.Errorf("config: server.listen is required")
	}
	upstreams := make(map[string]Upstream, len(d.Upstreams))
	for _, u := range d.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("config: upstream with empty name")
		}
		if len(u.Servers) == 0 {
			return fmt.Errorf("config: upstream %q has no servers", u.Name)
		}
		for _, s := range u.Servers {
			if s.Address == "" {
				return fmt.Errorf("config: upstream %q has a server with empty address", u.Name)
			}
			if s.Weight < 0 {
				return fmt.Errorf("config: upstream %q server %q has negative weight", u.Name, s.Address)
			}
		}
		upstreams[u.Name] = u
	}
	for _, r := range d.Routes {
		if r.Upstream == "" {
			return fmt.Errorf("config: route %q has no upstream", r.PathPrefix)
		}
		if _, ok := upstreams[r.Upstream]; !ok {
			return fmt.Errorf("config: route %q references unknown upstream %q", r.PathPrefix, r.Upstream)
		}
		switch r.WAFMode {
		case "block", "detect", "off":
		default:
			return fmt.Errorf("config: route %q has invalid waf_mode %q", r.PathPrefix, r.WAFMode)
		}
	}
	switch d.BotDetection.Mode {
	case "", "block", "challenge", "detect":
	default:
		return fmt.Errorf("config: bot_detection.mode %q is invalid", d.BotDetection.Mode)
	}
	return nil
}

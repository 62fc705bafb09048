// Package policy decides whether an authenticated request may proceed. A
// decision runs through fixed stages: token scope, role rules, parameter
// constraints, quota, schedule. The first failing stage denies with its
// reason; only a request that clears every stage reaches an upstream.
//
// Rules come from a YAML bundle (POLICY_FILE) or the compiled-in default.
// Bundles declare the minimum gateway version they need; loading an
// incompatible bundle is a startup error, not a silent downgrade.
package policy

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Rule effects.
const (
	EffectAllow           = "allow"
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

// Denial reasons, also used as the {"reason": ...} field of 403 bodies.
const (
	ReasonScope    = "scope"
	ReasonRole     = "role"
	ReasonParams   = "params"
	ReasonQuota    = "quota"
	ReasonSchedule = "schedule"
	ReasonApproval = "approval"
)

// Bundle is a declarative policy set.
type Bundle struct {
	Version           string   `yaml:"version" json:"version"`
	MinGatewayVersion string   `yaml:"min_gateway_version,omitempty" json:"min_gateway_version,omitempty"`
	SensitiveTools    []string `yaml:"sensitive_tools,omitempty" json:"sensitive_tools,omitempty"`
	Rules             []Rule   `yaml:"rules" json:"rules"`
}

// Rule matches (role or agent, tool, action) and yields an effect. Matching
// is first-match-wins in bundle order; a request no rule matches is allowed
// unless its tool is sensitive. Either Role or AgentID must be set; "*"
// wildcards role, tool, and action.
type Rule struct {
	Role    string `yaml:"role,omitempty" json:"role,omitempty"`
	AgentID string `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	Tool    string `yaml:"tool" json:"tool"`
	Action  string `yaml:"action" json:"action"`
	Effect  string `yaml:"effect" json:"effect"`

	// When is a CEL expression over {"input": params}; it must evaluate to
	// true for the request to pass. Evaluation errors fail closed.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	// ParamsSchema is an inline JSON Schema (draft 2020-12) for params.
	ParamsSchema string `yaml:"params_schema,omitempty" json:"params_schema,omitempty"`

	Constraints *Constraints `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Quota       *Quota       `yaml:"quota,omitempty" json:"quota,omitempty"`
	Schedule    *Schedule    `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Shaping     *Shaping     `yaml:"shaping,omitempty" json:"shaping,omitempty"`
}

// Constraints are structural parameter checks.
type Constraints struct {
	// URLField names a param holding a URL whose host must fall under
	// AllowedDomains.
	URLField string `yaml:"url_field,omitempty" json:"url_field,omitempty"`
	// ToField names a param holding one or more mail addresses whose domains
	// must fall under AllowedDomains.
	ToField string `yaml:"to_field,omitempty" json:"to_field,omitempty"`
	// AllowedDomains lists acceptable domains; subdomains match. Empty means
	// unrestricted.
	AllowedDomains []string `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	// MaxParamBytes caps the serialized size of params. 0 means uncapped.
	MaxParamBytes int `yaml:"max_param_bytes,omitempty" json:"max_param_bytes,omitempty"`
}

// Quota bounds request rate per (agent, tool, action) over a sliding window.
type Quota struct {
	Limit    int `yaml:"limit" json:"limit"`
	WindowMS int `yaml:"window_ms" json:"window_ms"`
}

// Schedule restricts a rule to wall-clock windows, evaluated in UTC.
type Schedule struct {
	// Days uses three-letter names ("mon".."sun"). Empty means every day.
	Days []string `yaml:"days,omitempty" json:"days,omitempty"`
	// Start and End are "HH:MM". End is exclusive. Start > End wraps past
	// midnight.
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// Shaping rewrites responses after a successful upstream call.
type Shaping struct {
	// RedactFields masks matching keys anywhere in a JSON response body.
	RedactFields []string `yaml:"redact_fields,omitempty" json:"redact_fields,omitempty"`
	// WASMModule is a path to a response filter compiled to WASI. The module
	// reads the body on stdin and writes the filtered body to stdout. Filter
	// failures fail closed.
	WASMModule string `yaml:"wasm_module,omitempty" json:"wasm_module,omitempty"`
}

// Load reads and parses a bundle file, then gates it against the running
// gateway version.
func Load(path, gatewayVersion string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("policy: parse bundle %s: %w", path, err)
	}
	if err := b.CheckGatewayVersion(gatewayVersion); err != nil {
		return nil, err
	}
	return &b, nil
}

// CheckGatewayVersion verifies the bundle's min_gateway_version constraint.
func (b *Bundle) CheckGatewayVersion(gatewayVersion string) error {
	if b.MinGatewayVersion == "" {
		return nil
	}
	min, err := semver.NewVersion(b.MinGatewayVersion)
	if err != nil {
		return fmt.Errorf("policy: bad min_gateway_version %q: %w", b.MinGatewayVersion, err)
	}
	cur, err := semver.NewVersion(gatewayVersion)
	if err != nil {
		return fmt.Errorf("policy: bad gateway version %q: %w", gatewayVersion, err)
	}
	if cur.LessThan(min) {
		return fmt.Errorf("policy: bundle requires gateway >= %s, running %s", min, cur)
	}
	return nil
}

// Default returns the compiled-in bundle used when POLICY_FILE is unset. It
// allows the four built-in tools with schema-checked parameters, leaves
// gmail_send to the mailer role, and marks it sensitive so unmatched roles
// are denied.
func Default() *Bundle {
	return &Bundle{
		Version:        "default",
		SensitiveTools: []string{"gmail_send"},
		Rules: []Rule{
			{
				Role: "*", Tool: "serpapi", Action: "search", Effect: EffectAllow,
				ParamsSchema: `{"type":"object","required":["q"],"properties":{"q":{"type":"string","minLength":1}}}`,
				Constraints:  &Constraints{MaxParamBytes: 16 << 10},
			},
			{
				Role: "*", Tool: "http_fetch", Action: "get", Effect: EffectAllow,
				ParamsSchema: `{"type":"object","required":["url"],"properties":{"url":{"type":"string","minLength":1}}}`,
				Constraints:  &Constraints{URLField: "url", MaxParamBytes: 16 << 10},
			},
			{
				Role: "*", Tool: "openai", Action: "chat", Effect: EffectAllow,
				Constraints: &Constraints{MaxParamBytes: 1 << 20},
			},
			{
				Role: "mailer", Tool: "gmail_send", Action: "send", Effect: EffectAllow,
				ParamsSchema: `{"type":"object","required":["to","subject"],"properties":{"to":{"type":"string","minLength":3},"subject":{"type":"string"},"body":{"type":"string"}}}`,
				Constraints:  &Constraints{ToField: "to", MaxParamBytes: 256 << 10},
			},
		},
	}
}

// quotaWindow returns the quota's window as a duration, defaulting to one
// minute when unset.
func (q *Quota) quotaWindow() time.Duration {
	if q.WindowMS <= 0 {
		return time.Minute
	}
	return time.Duration(q.WindowMS) * time.Millisecond
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

// Input is one authorization question.
type Input struct {
	AgentID       string
	Role          string
	Scope         token.Scope
	Tool          string
	Action        string
	Params        map[string]any
	CorrelationID string
}

// ShapingDirective is the compiled form of a rule's response shaping, with
// the WASM module bytes already loaded.
type ShapingDirective struct {
	RedactFields []string
	WASM         []byte
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Effect  string
	Reason  string
	Shaping *ShapingDirective
}

// Allowed reports whether the request may proceed to an upstream.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

type compiledRule struct {
	src     Rule
	prg     cel.Program
	schema  *jsonschema.Schema
	shaping *ShapingDirective

	hasSchedule      bool
	days             map[time.Weekday]bool
	startMin, endMin int
	quotaLimit       int
	quotaWindow      time.Duration
}

// Engine evaluates requests against a compiled bundle. Compilation happens
// once at construction; evaluation is lock-free over immutable state.
type Engine struct {
	bundle    *Bundle
	rules     []compiledRule
	sensitive map[string]bool
	quotas    QuotaStore
	sink      *telemetry.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine compiles the bundle. CEL expressions, JSON schemas, schedules,
// and WASM module paths are all resolved here so a broken bundle fails at
// startup rather than at request time.
func NewEngine(bundle *Bundle, quotas QuotaStore, sink *telemetry.Sink, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if quotas == nil {
		quotas = NewMemoryQuota()
	}

	celEnv, err := cel.NewEnv(cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	e := &Engine{
		bundle:    bundle,
		sensitive: make(map[string]bool, len(bundle.SensitiveTools)),
		quotas:    quotas,
		sink:      sink,
		logger:    logger.With("component", "policy"),
		now:       time.Now,
	}
	for _, t := range bundle.SensitiveTools {
		e.sensitive[t] = true
	}

	for i, r := range bundle.Rules {
		cr, err := compileRule(celEnv, i, r)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

func compileRule(celEnv *cel.Env, idx int, r Rule) (compiledRule, error) {
	cr := compiledRule{src: r, startMin: -1, endMin: -1}

	if r.Role == "" && r.AgentID == "" {
		return cr, fmt.Errorf("policy: rule %d needs role or agent_id", idx)
	}
	if r.Tool == "" || r.Action == "" {
		return cr, fmt.Errorf("policy: rule %d needs tool and action", idx)
	}
	switch r.Effect {
	case EffectAllow, EffectDeny, EffectRequireApproval:
	default:
		return cr, fmt.Errorf("policy: rule %d has unknown effect %q", idx, r.Effect)
	}

	if r.When != "" {
		ast, iss := celEnv.Compile(r.When)
		if iss.Err() != nil {
			return cr, fmt.Errorf("policy: rule %d cel: %w", idx, iss.Err())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return cr, fmt.Errorf("policy: rule %d cel program: %w", idx, err)
		}
		cr.prg = prg
	}

	if r.ParamsSchema != "" {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		name := fmt.Sprintf("gateway:///policy/rule-%d.schema.json", idx)
		if err := compiler.AddResource(name, strings.NewReader(r.ParamsSchema)); err != nil {
			return cr, fmt.Errorf("policy: rule %d schema: %w", idx, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return cr, fmt.Errorf("policy: rule %d schema: %w", idx, err)
		}
		cr.schema = schema
	}

	if r.Schedule != nil {
		start, err := parseClock(r.Schedule.Start)
		if err != nil {
			return cr, fmt.Errorf("policy: rule %d schedule start: %w", idx, err)
		}
		end, err := parseClock(r.Schedule.End)
		if err != nil {
			return cr, fmt.Errorf("policy: rule %d schedule end: %w", idx, err)
		}
		cr.hasSchedule = true
		cr.startMin, cr.endMin = start, end
		if len(r.Schedule.Days) > 0 {
			cr.days = make(map[time.Weekday]bool, len(r.Schedule.Days))
			for _, d := range r.Schedule.Days {
				wd, ok := weekdays[strings.ToLower(d)]
				if !ok {
					return cr, fmt.Errorf("policy: rule %d has unknown day %q", idx, d)
				}
				cr.days[wd] = true
			}
		}
	}

	if r.Quota != nil {
		if r.Quota.Limit <= 0 {
			return cr, fmt.Errorf("policy: rule %d quota limit must be positive", idx)
		}
		cr.quotaLimit = r.Quota.Limit
		cr.quotaWindow = r.Quota.quotaWindow()
	}

	if r.Shaping != nil {
		d := &ShapingDirective{RedactFields: r.Shaping.RedactFields}
		if r.Shaping.WASMModule != "" {
			wasm, err := os.ReadFile(r.Shaping.WASMModule)
			if err != nil {
				return cr, fmt.Errorf("policy: rule %d wasm module: %w", idx, err)
			}
			d.WASM = wasm
		}
		cr.shaping = d
	}
	return cr, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Evaluate runs the stages in order and returns the first non-allow outcome.
func (e *Engine) Evaluate(ctx context.Context, in *Input) Decision {
	// Stage 1: the token's own scope.
	if !in.Scope.HasTool(in.Tool) || !in.Scope.HasAction(in.Action) {
		return e.deny(in, EffectDeny, ReasonScope)
	}

	// Stage 2: role rules, first match wins.
	rule := e.match(in)
	if rule == nil {
		if e.sensitive[in.Tool] {
			return e.deny(in, EffectDeny, ReasonRole)
		}
		return Decision{Effect: EffectAllow}
	}
	switch rule.src.Effect {
	case EffectDeny:
		return e.deny(in, EffectDeny, ReasonRole)
	case EffectRequireApproval:
		return e.deny(in, EffectRequireApproval, ReasonApproval)
	}

	// Stage 3: parameter constraints.
	if !e.paramsPass(rule, in) {
		return e.deny(in, EffectDeny, ReasonParams)
	}

	// Stage 4: quota.
	if rule.quotaLimit > 0 {
		key := in.AgentID + ":" + in.Tool + ":" + in.Action
		ok, err := e.quotas.Allow(ctx, key, rule.quotaLimit, rule.quotaWindow)
		if err != nil {
			// The quota store being unreachable fails closed.
			e.logger.Error("quota store error", "key", key, "error", err)
			return e.deny(in, EffectDeny, ReasonQuota)
		}
		if !ok {
			return e.deny(in, EffectDeny, ReasonQuota)
		}
	}

	// Stage 5: schedule.
	if rule.hasSchedule && !rule.withinSchedule(e.now().UTC()) {
		return e.deny(in, EffectDeny, ReasonSchedule)
	}

	return Decision{Effect: EffectAllow, Shaping: rule.shaping}
}

func (e *Engine) match(in *Input) *compiledRule {
	for i := range e.rules {
		r := &e.rules[i]
		if r.src.AgentID != "" {
			if r.src.AgentID != in.AgentID {
				continue
			}
		} else if r.src.Role != "*" && r.src.Role != in.Role {
			continue
		}
		if r.src.Tool != "*" && r.src.Tool != in.Tool {
			continue
		}
		if r.src.Action != "*" && r.src.Action != in.Action {
			continue
		}
		return r
	}
	return nil
}

func (e *Engine) paramsPass(r *compiledRule, in *Input) bool {
	c := r.src.Constraints

	if c != nil && c.MaxParamBytes > 0 {
		raw, err := json.Marshal(in.Params)
		if err != nil || len(raw) > c.MaxParamBytes {
			return false
		}
	}

	if r.schema != nil {
		if err := r.schema.Validate(anyParams(in.Params)); err != nil {
			return false
		}
	}

	if c != nil && len(c.AllowedDomains) > 0 {
		if c.URLField != "" {
			raw, _ := in.Params[c.URLField].(string)
			if !urlDomainAllowed(raw, c.AllowedDomains) {
				return false
			}
		}
		if c.ToField != "" {
			raw, _ := in.Params[c.ToField].(string)
			if !mailDomainsAllowed(raw, c.AllowedDomains) {
				return false
			}
		}
	}

	if r.prg != nil {
		out, _, err := r.prg.Eval(map[string]any{"input": anyParams(in.Params)})
		if err != nil {
			return false
		}
		ok, isBool := out.Value().(bool)
		return isBool && ok
	}
	return true
}

// anyParams never hands nil to a schema or CEL program.
func anyParams(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func urlDomainAllowed(raw string, domains []string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return domainAllowed(u.Hostname(), domains)
}

func mailDomainsAllowed(raw string, domains []string) bool {
	if raw == "" {
		return false
	}
	for _, addr := range strings.Split(raw, ",") {
		addr = strings.TrimSpace(addr)
		at := strings.LastIndex(addr, "@")
		if at < 0 || at == len(addr)-1 {
			return false
		}
		if !domainAllowed(addr[at+1:], domains) {
			return false
		}
	}
	return true
}

func domainAllowed(host string, domains []string) bool {
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (r *compiledRule) withinSchedule(now time.Time) bool {
	if r.days != nil && !r.days[now.Weekday()] {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if r.startMin <= r.endMin {
		return minute >= r.startMin && minute < r.endMin
	}
	// Window wraps past midnight.
	return minute >= r.startMin || minute < r.endMin
}

func (e *Engine) deny(in *Input, effect, reason string) Decision {
	metrics.RecordPolicyDenial(in.AgentID, in.Tool, in.Action, reason)
	if e.sink != nil {
		e.sink.Emit(telemetry.Event{
			Kind:          telemetry.KindPolicyDenial,
			Severity:      telemetry.SeverityWarn,
			AgentID:       in.AgentID,
			CorrelationID: in.CorrelationID,
			Payload: map[string]any{
				"tool":   in.Tool,
				"action": in.Action,
				"reason": reason,
			},
		})
	}
	return Decision{Effect: effect, Reason: reason}
}

// GrantableScope implements token.SurfaceOracle: every requested tool must be
// reachable for the role through some non-deny rule, or be non-sensitive.
// Agent-specific rules are runtime refinements and do not widen the mint
// surface.
func (e *Engine) GrantableScope(role string, scope token.Scope) bool {
	for _, tool := range scope.Tools {
		if !e.toolGrantable(role, tool) {
			return false
		}
	}
	return true
}

func (e *Engine) toolGrantable(role, tool string) bool {
	if !e.sensitive[tool] {
		return true
	}
	for i := range e.rules {
		r := &e.rules[i].src
		if r.AgentID != "" {
			continue
		}
		if r.Role != "*" && r.Role != role {
			continue
		}
		if r.Tool != "*" && r.Tool != tool {
			continue
		}
		if r.Effect != EffectDeny {
			return true
		}
	}
	return false
}

// BundleView returns the bundle the engine was compiled from, for the
// administrative surface.
func (e *Engine) BundleView() *Bundle { return e.bundle }

// Package proxy orchestrates the mediated request path: authenticate,
// authorize, fingerprint, coalesce, admit, retry, invoke, shape. Each stage
// owns its denials; the pipeline maps every outcome onto one terminal wire
// state and records it exactly once.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/adapters"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/breaker"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/cache"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/observability"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/policy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/retrier"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/secrets"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

// Wire error kinds for non-200 terminals.
const (
	KindUnauthorized    = "unauthorized"
	KindForbidden       = "forbidden"
	KindValidation      = "validation"
	KindQuotaExceeded   = "quota_exceeded"
	KindOverloaded      = "overloaded"
	KindBreakerOpen     = "breaker_open"
	KindUpstreamTimeout = "upstream_timeout"
	KindUpstreamFailure = "upstream_failure"
	KindInternal        = "internal_error"
)

var errOverloaded = errors.New("proxy: tool concurrency exhausted")

// Request is one tool invocation on behalf of an agent.
type Request struct {
	Token  string         `json:"agent_token"`
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// Result is the terminal state of one invocation. Body is set only on 200;
// Reason carries the denial code on 403.
type Result struct {
	Status        int
	Body          []byte
	Kind          string
	Reason        string
	CorrelationID string
	AgentID       string
	CacheHit      bool
}

// Config tunes the pipeline.
type Config struct {
	// HTTPTimeout bounds each upstream attempt.
	HTTPTimeout time.Duration
	// CacheTTL is how long successful responses stay servable.
	CacheTTL time.Duration
	// ToolConcurrency caps in-flight upstream calls per tool.
	ToolConcurrency int64

	CacheEnabled    bool
	RetryEnabled    bool
	BreakersEnabled bool
	PolicyEnabled   bool
}

// Deps are the pipeline's collaborators, all constructed at startup.
type Deps struct {
	Tokens   *token.Service
	Policy   *policy.Engine
	Cache    *cache.Cache
	Breakers *breaker.Pool
	Retrier  *retrier.Retrier
	Secrets  *secrets.Store
	Adapters *adapters.Registry
	Shaper   *Shaper
	Tracer   *observability.Provider
	Sink     *telemetry.Sink
	Logger   *slog.Logger
}

// Pipeline runs requests through the full mediation chain. Safe for
// concurrent use; all shared state synchronizes at its own boundary.
type Pipeline struct {
	cfg      Config
	tokens   *token.Service
	engine   *policy.Engine
	store    *cache.Cache
	breakers *breaker.Pool
	retry    *retrier.Retrier
	secrets  *secrets.Store
	registry *adapters.Registry
	shaper   *Shaper
	tracer   *observability.Provider
	sink     *telemetry.Sink
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// New wires a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 6 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = 32
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		tokens:   deps.Tokens,
		engine:   deps.Policy,
		store:    deps.Cache,
		breakers: deps.Breakers,
		retry:    deps.Retrier,
		secrets:  deps.Secrets,
		registry: deps.Adapters,
		shaper:   deps.Shaper,
		tracer:   deps.Tracer,
		sink:     deps.Sink,
		logger:   logger.With("component", "proxy"),
		slots:    make(map[string]*semaphore.Weighted),
	}
}

// Proxy runs one request to its terminal state. Every call records exactly
// one gateway_requests_total observation and one duration sample.
func (p *Pipeline) Proxy(ctx context.Context, req *Request) *Result {
	correlationID := uuid.NewString()
	start := time.Now()

	ctx, span := p.tracer.StartSpan(ctx, "proxy.request",
		observability.RequestAttrs(req.Tool, req.Action, correlationID)...)
	defer span.End()

	res := p.run(ctx, req, correlationID)
	res.CorrelationID = correlationID

	metrics.RecordRequest(req.Tool, req.Action, strconv.Itoa(res.Status), time.Since(start))
	if res.Status == http.StatusOK {
		span.SetAttributes(
			observability.AttrAgentID.String(res.AgentID),
			observability.AttrCacheHit.Bool(res.CacheHit),
		)
		p.logger.Info("request served",
			"correlation_id", correlationID, "agent_id", res.AgentID,
			"tool", req.Tool, "action", req.Action,
			"status", res.Status, "cache_hit", res.CacheHit,
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		span.SetAttributes(observability.AttrErrorKind.String(res.Kind))
		p.logger.Warn("request refused",
			"correlation_id", correlationID, "agent_id", res.AgentID,
			"tool", req.Tool, "action", req.Action,
			"status", res.Status, "kind", res.Kind, "reason", res.Reason)
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, req *Request, correlationID string) *Result {
	// Authentication failures collapse to one opaque kind on the wire; the
	// telemetry sink keeps the distinction.
	vctx, vspan := p.tracer.StartSpan(ctx, "token.validate")
	identity, err := p.tokens.Validate(vctx, req.Token)
	vspan.End()
	if err != nil {
		return &Result{Status: http.StatusUnauthorized, Kind: KindUnauthorized}
	}

	res := &Result{AgentID: identity.AgentID}

	var shaping *policy.ShapingDirective
	if p.cfg.PolicyEnabled {
		ectx, espan := p.tracer.StartSpan(ctx, "policy.evaluate")
		decision := p.engine.Evaluate(ectx, &policy.Input{
			AgentID:       identity.AgentID,
			Role:          identity.AgentRole,
			Scope:         identity.Scope,
			Tool:          req.Tool,
			Action:        req.Action,
			Params:        req.Params,
			CorrelationID: correlationID,
		})
		if !decision.Allowed() {
			espan.SetAttributes(observability.AttrPolicyReason.String(decision.Reason))
		}
		espan.End()
		if !decision.Allowed() {
			if decision.Reason == policy.ReasonQuota {
				res.Status, res.Kind = http.StatusTooManyRequests, KindQuotaExceeded
			} else {
				res.Status, res.Kind, res.Reason = http.StatusForbidden, KindForbidden, decision.Reason
			}
			return res
		}
		shaping = decision.Shaping
	}

	adapter, err := p.registry.Lookup(req.Tool, req.Action)
	if err != nil {
		res.Status, res.Kind = http.StatusBadRequest, KindValidation
		return res
	}

	fp, err := Fingerprint(req.Tool, req.Action, req.Params, identity.Scope)
	if err != nil {
		p.logger.Error("fingerprint failed", "correlation_id", correlationID, "error", err)
		res.Status, res.Kind = http.StatusInternalServerError, KindInternal
		return res
	}

	compute := func(cctx context.Context) ([]byte, error) {
		return p.invoke(cctx, req, adapter, correlationID)
	}

	var body []byte
	var hit bool
	if p.cfg.CacheEnabled {
		lctx, lspan := p.tracer.StartSpan(ctx, "cache.lookup")
		body, hit, err = p.store.GetOrCompute(lctx, fp, p.cfg.CacheTTL, compute)
		lspan.End()
	} else {
		body, err = compute(ctx)
	}
	if err != nil {
		p.fail(res, req, err, correlationID)
		return res
	}
	if hit {
		observability.AddSpanEvent(ctx, "cache.hit")
		metrics.RecordCacheHit(req.Tool, req.Action)
		res.CacheHit = true
	}

	// Shaping runs after the cache so stored bytes stay canonical and every
	// reader gets the filtering its policy demands.
	if shaping != nil {
		shaped, err := p.shaper.Apply(ctx, body, shaping)
		if err != nil {
			p.logger.Error("response filter failed",
				"correlation_id", correlationID, "tool", req.Tool, "action", req.Action, "error", err)
			p.sink.Emit(telemetry.Event{
				Kind:          telemetry.KindFilterFailure,
				Severity:      telemetry.SeverityError,
				CorrelationID: correlationID,
				AgentID:       identity.AgentID,
				Payload:       map[string]any{"tool": req.Tool, "action": req.Action, "reason": "filter"},
			})
			res.Status, res.Kind = http.StatusBadGateway, KindUpstreamFailure
			return res
		}
		body = shaped
	}

	res.Status, res.Body = http.StatusOK, body
	return res
}

// invoke is the upstream leg, run at most once per fingerprint at a time:
// concurrency cap, breaker admission, then the retry loop around credential
// acquisition and the adapter call. The breaker observes one outcome per
// request, and only when the upstream was actually reached.
func (p *Pipeline) invoke(ctx context.Context, req *Request, adapter adapters.Adapter, correlationID string) ([]byte, error) {
	slot := p.slot(req.Tool)
	if !slot.TryAcquire(1) {
		return nil, errOverloaded
	}
	defer slot.Release(1)

	var route *breaker.Breaker
	if p.cfg.BreakersEnabled {
		route = p.breakers.Route(req.Tool, req.Action)
		if err := route.Admit(correlationID); err != nil {
			return nil, err
		}
	}

	recorded := false
	defer func() {
		if route != nil && !recorded {
			route.RecordNeutral(correlationID)
		}
	}()

	var body []byte
	invoked := false
	attempt := func(actx context.Context) error {
		actx, cancel := context.WithTimeout(actx, p.cfg.HTTPTimeout)
		defer cancel()
		actx, aspan := p.tracer.StartSpan(actx, "adapter.invoke")
		defer aspan.End()

		lease, err := p.secrets.GetActive(actx, req.Tool)
		if err != nil {
			return err
		}
		defer lease.Release()

		invoked = true
		out, err := adapter.Invoke(actx, req.Params, lease.Value())
		if err != nil {
			observability.SetSpanStatus(actx, err)
			return err
		}
		body = out
		return nil
	}

	var err error
	if p.cfg.RetryEnabled {
		err = p.retry.Do(ctx, req.Tool, req.Action, attempt)
	} else {
		err = attempt(ctx)
	}

	if route != nil {
		recorded = true
		switch {
		case err == nil:
			route.RecordSuccess(correlationID)
		case invoked && retrier.Transient(err):
			route.RecordFailure(correlationID)
		default:
			route.RecordNeutral(correlationID)
		}
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// fail maps a compute-path error onto its terminal wire state.
func (p *Pipeline) fail(res *Result, req *Request, err error, correlationID string) {
	var ue *adapters.UpstreamError
	switch {
	case errors.Is(err, errOverloaded), errors.Is(err, cache.ErrTooManyWaiters):
		res.Status, res.Kind = http.StatusTooManyRequests, KindOverloaded
	case errors.Is(err, breaker.ErrOpen):
		res.Status, res.Kind = http.StatusServiceUnavailable, KindBreakerOpen
	case errors.As(err, &ue):
		if ue.Reason == "timeout" {
			res.Status, res.Kind = http.StatusGatewayTimeout, KindUpstreamTimeout
		} else {
			res.Status, res.Kind = http.StatusBadGateway, KindUpstreamFailure
		}
	case errors.Is(err, context.DeadlineExceeded):
		res.Status, res.Kind = http.StatusGatewayTimeout, KindUpstreamTimeout
	case errors.Is(err, secrets.ErrNoActiveCredential):
		p.logger.Error("no active credential",
			"correlation_id", correlationID, "tool", req.Tool)
		res.Status, res.Kind = http.StatusBadGateway, KindUpstreamFailure
	default:
		p.logger.Error("upstream leg failed",
			"correlation_id", correlationID, "tool", req.Tool, "action", req.Action, "error", err)
		res.Status, res.Kind = http.StatusInternalServerError, KindInternal
	}
}

func (p *Pipeline) slot(tool string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[tool]
	if !ok {
		s = semaphore.NewWeighted(p.cfg.ToolConcurrency)
		p.slots[tool] = s
	}
	return s
}

// Package adapters dispatches (tool, action) routes to uniform upstream
// shims. An adapter performs exactly one upstream exchange per call: it
// never retries internally, respects the ctx deadline, and reports each
// failure with a retry classification for the pipeline to act on.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Adapter translates one (tool, action) into an upstream call. The
// credential is plaintext material leased for the duration of the call;
// implementations must not retain or log it.
type Adapter interface {
	Invoke(ctx context.Context, params map[string]any, credential []byte) ([]byte, error)
}

// ErrNotRegistered reports an unknown (tool, action) route.
var ErrNotRegistered = errors.New("adapters: route not registered")

// UpstreamError classifies an adapter failure for the retry loop and the
// breaker. Retryable covers upstream timeouts, 5xx and transient network
// faults; everything else is terminal on first occurrence.
type UpstreamError struct {
	Reason    string // timeout, upstream or network
	Status    int    // upstream HTTP status when known
	Retryable bool
	cause     error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("adapters: upstream status %d", e.Status)
	case e.cause != nil:
		return fmt.Sprintf("adapters: %s: %v", e.Reason, e.cause)
	default:
		return fmt.Sprintf("adapters: %s failure", e.Reason)
	}
}

func (e *UpstreamError) Unwrap() error { return e.cause }

// Transient reports the retry classification to the retrier.
func (e *UpstreamError) Transient() bool { return e.Retryable }

// RetryReason names the failure class for metrics labels.
func (e *UpstreamError) RetryReason() string { return e.Reason }

// Timeout wraps a deadline expiry as a retryable timeout failure.
func Timeout(cause error) *UpstreamError {
	return &UpstreamError{Reason: "timeout", Retryable: true, cause: cause}
}

// NetworkError wraps a transport fault as a retryable network failure.
func NetworkError(cause error) *UpstreamError {
	return &UpstreamError{Reason: "network", Retryable: true, cause: cause}
}

// StatusError classifies an upstream HTTP status: 5xx retry, 4xx do not.
func StatusError(status int) *UpstreamError {
	return &UpstreamError{Reason: "upstream", Status: status, Retryable: status >= 500}
}

// Classify converts an http.Client transport error into an UpstreamError.
func Classify(err error) *UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(err)
	}
	return NetworkError(err)
}

type route struct {
	tool   string
	action string
}

// Registry maps (tool, action) routes to adapters. Registration happens at
// process init; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	routes map[route]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[route]Adapter)}
}

// Register binds a route to an adapter, replacing any previous binding.
func (r *Registry) Register(tool, action string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route{tool, action}] = a
}

// Lookup returns the adapter for a route or ErrNotRegistered.
func (r *Registry) Lookup(tool, action string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.routes[route{tool, action}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotRegistered, tool, action)
	}
	return a, nil
}

// ActionsFor lists the registered actions of a tool, sorted.
func (r *Registry) ActionsFor(tool string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var actions []string
	for rt := range r.routes {
		if rt.tool == tool {
			actions = append(actions, rt.action)
		}
	}
	sort.Strings(actions)
	return actions
}

// Tools lists the registered tools, sorted and deduplicated.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.routes))
	var tools []string
	for rt := range r.routes {
		if !seen[rt.tool] {
			seen[rt.tool] = true
			tools = append(tools, rt.tool)
		}
	}
	sort.Strings(tools)
	return tools
}

// Mock returns the mock behind a route when the registry was built in mock
// mode, for failure injection in tests and chaos runs.
func (r *Registry) Mock(tool, action string) (*Mock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.routes[route{tool, action}].(*Mock)
	return m, ok
}

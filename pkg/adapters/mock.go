package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/canonicalize"
)

// MockConfig controls the synthesized upstreams.
type MockConfig struct {
	// Delay is artificial upstream latency applied to every call.
	Delay time.Duration
	// FailRate in [0, 1] is the fraction of calls failing retryably.
	// The draw is seeded from the request content, so a given request
	// always behaves the same.
	FailRate float64
}

// Mock synthesizes a deterministic response for one route without leaving
// the process. It honors the adapter contract bit for bit: deadline
// respected, failures classified, no internal retries.
type Mock struct {
	tool    string
	action  string
	respond func(params map[string]any) map[string]any

	mu       sync.RWMutex
	delay    time.Duration
	failRate float64
}

// NewMock builds a mock for one route with the given response synthesizer.
func NewMock(tool, action string, cfg MockConfig, respond func(map[string]any) map[string]any) *Mock {
	return &Mock{
		tool:     tool,
		action:   action,
		respond:  respond,
		delay:    cfg.Delay,
		failRate: cfg.FailRate,
	}
}

// SetFailRate adjusts the failure fraction at runtime. 1 fails every call,
// 0 restores normal service.
func (m *Mock) SetFailRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRate = rate
}

// SetDelay adjusts the artificial latency at runtime.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Invoke synthesizes the response. The credential is accepted to satisfy
// the contract and otherwise ignored.
func (m *Mock) Invoke(ctx context.Context, params map[string]any, credential []byte) ([]byte, error) {
	m.mu.RLock()
	delay, failRate := m.delay, m.failRate
	m.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, Timeout(ctx.Err())
		case <-t.C:
		}
	} else if ctx.Err() != nil {
		return nil, Timeout(ctx.Err())
	}

	if failRate > 0 && m.draw(params) < failRate {
		return nil, StatusError(http.StatusInternalServerError)
	}
	return json.Marshal(m.respond(params))
}

// draw maps the request content to a uniform value in [0, 1).
func (m *Mock) draw(params map[string]any) float64 {
	raw, err := canonicalize.JSON(params)
	if err != nil {
		raw = []byte(fmt.Sprint(params))
	}
	h := sha256.New()
	h.Write([]byte(m.tool))
	h.Write([]byte{0})
	h.Write([]byte(m.action))
	h.Write([]byte{0})
	h.Write(raw)
	u := binary.BigEndian.Uint64(h.Sum(nil)[:8])
	return float64(u>>11) / float64(1<<53)
}

// NewMockRegistry registers the built-in toolset backed by mocks.
func NewMockRegistry(cfg MockConfig) *Registry {
	reg := NewRegistry()
	reg.Register("serpapi", "search", NewMock("serpapi", "search", cfg, mockSearch))
	reg.Register("http_fetch", "get", NewMock("http_fetch", "get", cfg, mockFetch))
	reg.Register("openai", "chat", NewMock("openai", "chat", cfg, mockChat))
	reg.Register("gmail_send", "send", NewMock("gmail_send", "send", cfg, mockSend))
	return reg
}

func mockSearch(params map[string]any) map[string]any {
	q, _ := params["q"].(string)
	return map[string]any{
		"search_metadata":   map[string]any{"status": "Success", "engine": "mock"},
		"search_parameters": map[string]any{"q": q},
		"organic_results": []any{
			map[string]any{
				"position": 1,
				"title":    "Top result for " + q,
				"link":     "https://example.com/results/1",
			},
			map[string]any{
				"position": 2,
				"title":    "Second result for " + q,
				"link":     "https://example.com/results/2",
			},
		},
	}
}

func mockFetch(params map[string]any) map[string]any {
	u, _ := params["url"].(string)
	return map[string]any{
		"url":          u,
		"status":       200,
		"content_type": "text/html; charset=utf-8",
		"body":         "<html><head><title>mock page</title></head><body>ok</body></html>",
	}
}

func mockChat(params map[string]any) map[string]any {
	model, _ := params["model"].(string)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return map[string]any{
		"id":     "chatcmpl-" + contentTag(params),
		"object": "chat.completion",
		"model":  model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": "Mock completion.",
				},
			},
		},
		"usage": map[string]any{"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12},
	}
}

func mockSend(params map[string]any) map[string]any {
	to, _ := params["to"].(string)
	return map[string]any{
		"id":       "msg-" + contentTag(params),
		"threadId": "thread-" + contentTag(params),
		"labelIds": []any{"SENT"},
		"to":       to,
	}
}

// contentTag derives a short stable identifier from the request content.
func contentTag(params map[string]any) string {
	raw, err := canonicalize.JSON(params)
	if err != nil {
		raw = []byte(fmt.Sprint(params))
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:9])
}

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/policy"
)

// filterTimeout bounds a single WASM filter run.
const filterTimeout = time.Second

// Shaper applies policy-directed response shaping: redact masks named JSON
// fields, WASM filters rewrite the body inside a deny-by-default sandbox
// (no filesystem, no network, no clock, stdin in, stdout out). Shaping
// failures are terminal for the request; the unshaped body never leaves.
type Shaper struct {
	runtime wazero.Runtime
	logger  *slog.Logger
}

// NewShaper builds the sandbox runtime, capped at 16 MiB of guest memory.
func NewShaper(ctx context.Context, logger *slog.Logger) *Shaper {
	if logger == nil {
		logger = slog.Default()
	}
	runtimeCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(256)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &Shaper{runtime: r, logger: logger.With("component", "shaper")}
}

// Apply runs the directive over body and returns the shaped bytes. A nil
// directive passes the body through untouched.
func (s *Shaper) Apply(ctx context.Context, body []byte, d *policy.ShapingDirective) ([]byte, error) {
	if d == nil {
		return body, nil
	}
	out := body
	if len(d.RedactFields) > 0 {
		var err error
		out, err = redact(out, d.RedactFields)
		if err != nil {
			return nil, fmt.Errorf("proxy: redact response: %w", err)
		}
	}
	if len(d.WASM) > 0 {
		var err error
		out, err = s.runFilter(ctx, out, d.WASM)
		if err != nil {
			return nil, fmt.Errorf("proxy: wasm filter: %w", err)
		}
	}
	return out, nil
}

// Close tears down the sandbox runtime.
func (s *Shaper) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

func (s *Shaper) runFilter(ctx context.Context, body, module []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, filterTimeout)
	defer cancel()

	compiled, err := s.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	defer compiled.Close(ctx)

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(body)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := s.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("filter timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("run module: %w", err)
	}
	defer mod.Close(ctx)

	if stderr.Len() > 0 {
		return nil, fmt.Errorf("filter reported: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// redact masks every occurrence of the named fields anywhere in the JSON
// document, including inside nested objects and arrays.
func redact(body []byte, fields []string) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}
	mask := make(map[string]bool, len(fields))
	for _, f := range fields {
		mask[f] = true
	}
	return json.Marshal(redactValue(doc, mask))
}

func redactValue(v any, mask map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if mask[k] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redactValue(val, mask)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, mask)
		}
		return out
	default:
		return v
	}
}

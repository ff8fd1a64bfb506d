package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/provider"
)

// HandlerFunc executes one tool invocation in-process.
type HandlerFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registry resolves tool names to executable targets. Targets are either
// in-process handlers or remote HTTP endpoints; callers see a uniform
// Execute surface either way.
type Registry struct {
	mu       sync.RWMutex
	log      *logger.Logger
	client   *http.Client
	handlers map[string]registration
}

type registration struct {
	def     provider.ToolDef
	handler HandlerFunc
	httpURL string
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:      log.With("service", "ToolRegistry"),
		client:   &http.Client{Timeout: 30 * time.Second},
		handlers: make(map[string]registration),
	}
}

// Register binds an in-process handler to a tool name. Registering the same
// name twice replaces the previous target.
func (r *Registry) Register(def provider.ToolDef, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = registration{def: def, handler: h}
}

// RegisterHTTP binds a remote endpoint to a tool name. The input map is
// POSTed as JSON and the response body is decoded as the tool output.
func (r *Registry) RegisterHTTP(def provider.ToolDef, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = registration{def: def, httpURL: url}
}

// Definitions returns the registered tool definitions in name order, shaped
// for the model request.
func (r *Registry) Definitions() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDef, 0, len(r.handlers))
	for _, reg := range r.handlers {
		defs = append(defs, reg.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool. Unknown names return an error rather than a
// result so the caller can record an error tool_result.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	reg, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	if reg.handler != nil {
		return reg.handler(ctx, input)
	}
	return r.executeHTTP(ctx, reg.httpURL, input)
}

func (r *Registry) executeHTTP(ctx context.Context, url string, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode tool input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool endpoint returned %d", resp.StatusCode)
	}

	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode tool response: %w", err)
		}
	}
	return out, nil
}

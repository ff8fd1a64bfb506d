package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/provider"
)

func TestExecuteInProcessHandler(t *testing.T) {
	reg := NewRegistry(logger.NewNop())
	reg.Register(provider.ToolDef{Name: "echo"}, func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"echoed": input["value"]}, nil
	})

	out, err := reg.Execute(context.Background(), "echo", map[string]any{"value": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["echoed"] != "hi" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestExecuteUnknownToolErrors(t *testing.T) {
	reg := NewRegistry(logger.NewNop())
	if _, err := reg.Execute(context.Background(), "nope", nil); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}

func TestExecuteHTTPTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"city": in["city"], "temp": 21})
	}))
	defer srv.Close()

	reg := NewRegistry(logger.NewNop())
	reg.RegisterHTTP(provider.ToolDef{Name: "weather"}, srv.URL)

	out, err := reg.Execute(context.Background(), "weather", map[string]any{"city": "Oslo"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["city"] != "Oslo" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestExecuteHTTPTargetNon2xxErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := NewRegistry(logger.NewNop())
	reg.RegisterHTTP(provider.ToolDef{Name: "flaky"}, srv.URL)

	if _, err := reg.Execute(context.Background(), "flaky", nil); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestDefinitionsSortedByName(t *testing.T) {
	reg := NewRegistry(logger.NewNop())
	reg.Register(provider.ToolDef{Name: "zeta"}, nil)
	reg.Register(provider.ToolDef{Name: "alpha"}, nil)
	reg.Register(provider.ToolDef{Name: "mid"}, nil)

	defs := reg.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Fatalf("unexpected order %v", defs)
	}
}

package mcpserver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/bridge"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/tools"
	"github.com/jkaninda/sanduku/internal/tools/sandbox"
)

type fakeProvider struct {
	mu      sync.Mutex
	creates int
	invokes int
	output  string
}

func (f *fakeProvider) Create(ctx context.Context, name string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return "remote-1", nil
}

func (f *fakeProvider) Status(ctx context.Context, remoteID string) (provider.Status, error) {
	return provider.StatusReady, nil
}

func (f *fakeProvider) Invoke(ctx context.Context, remoteID string, op provider.Operation, args provider.InvokeArgs) (provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes++
	return provider.Single{Result: provider.RawResult{Content: f.output}}, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, remoteID string) error { return nil }

func newTestServer(t *testing.T, p *fakeProvider) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	manager := session.NewManager(p, session.NewSharedRegistry(), nil, session.Config{}, logger)
	b := bridge.New(manager, bridge.Config{}, logger)
	toolset := sandbox.New(manager, b, nil, logger)
	return New(toolset, "test", logger)
}

func findTool(t *testing.T, name string) toolDef {
	t.Helper()
	for _, def := range toolDefs {
		if def.name == name {
			return def
		}
	}
	t.Fatalf("tool %q not registered", name)
	return toolDef{}
}

func TestExecuteCode_RoundTrip(t *testing.T) {
	p := &fakeProvider{output: "42\n"}
	s := newTestServer(t, p)

	def := findTool(t, "executeCode")
	result, err := def.handler(context.Background(), s, map[string]any{
		"session": "analysis",
		"code":    "print(6 * 7)",
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError() {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if got := result.Text(); !strings.Contains(got, "42") {
		t.Errorf("output = %q, want sandbox output", got)
	}
	if p.creates != 1 {
		t.Errorf("creates = %d, want auto-created session", p.creates)
	}
}

func TestExecuteCode_MissingCodeIsToolError(t *testing.T) {
	s := newTestServer(t, &fakeProvider{})

	def := findTool(t, "executeCode")
	_, err := def.handler(context.Background(), s, map[string]any{"session": "analysis"})
	if err == nil {
		t.Fatal("expected validation error for empty code")
	}
	var verr *tools.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestReadFiles_RejectsNonStringPaths(t *testing.T) {
	s := newTestServer(t, &fakeProvider{})

	def := findTool(t, "readFiles")
	_, err := def.handler(context.Background(), s, map[string]any{
		"session": "analysis",
		"paths":   []any{"ok.txt", 7},
	})
	if err == nil || !strings.Contains(err.Error(), "strings") {
		t.Fatalf("error = %v, want type complaint", err)
	}
}

func TestWriteFiles_DecodesFileSpecs(t *testing.T) {
	p := &fakeProvider{output: "written"}
	s := newTestServer(t, p)

	def := findTool(t, "writeFiles")
	result, err := def.handler(context.Background(), s, map[string]any{
		"session": "analysis",
		"files": []any{
			map[string]any{"path": "a.txt", "content": "hello"},
		},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError() {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if p.invokes != 1 {
		t.Errorf("invokes = %d, want 1", p.invokes)
	}
}

func TestToMCPResult_MapsStatusAndContent(t *testing.T) {
	result := tools.Errorf("session %q not found", "ghost")
	converted := toMCPResult(result)
	if !converted.IsError {
		t.Error("error status not mapped to IsError")
	}
	if len(converted.Content) != 1 {
		t.Fatalf("content items = %d, want 1", len(converted.Content))
	}
}

func TestToolDefs_SchemasAreWellFormed(t *testing.T) {
	seen := map[string]bool{}
	for _, def := range toolDefs {
		if seen[def.name] {
			t.Errorf("duplicate tool name %q", def.name)
		}
		seen[def.name] = true

		schema := buildSchema(def)
		for _, req := range def.required {
			if _, ok := schema.Properties[req]; !ok {
				t.Errorf("tool %q: required param %q missing from properties", def.name, req)
			}
		}
	}
	for _, want := range []string{
		"initSession", "listLocalSessions", "executeCode", "executeCommand",
		"readFiles", "listFiles", "writeFiles", "removeFiles",
		"downloadFiles", "stopSession", "cleanup",
	} {
		if !seen[want] {
			t.Errorf("tool %q not registered", want)
		}
	}
}

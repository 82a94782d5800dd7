package provider

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jkaninda/sanduku/internal/tools"
)

func TestNormalize_SingleStringContent(t *testing.T) {
	result := Normalize(Single{Result: RawResult{Content: "hello"}})

	if result.Status != tools.StatusSuccess {
		t.Errorf("status = %q, want %q", result.Status, tools.StatusSuccess)
	}
	if got := result.Text(); got != "hello" {
		t.Errorf("text = %q, want %q", got, "hello")
	}
}

func TestNormalize_SingleStructuredContent(t *testing.T) {
	result := Normalize(Single{Result: RawResult{
		Content: map[string]any{"rows": 3},
	}})

	if result.Status != tools.StatusSuccess {
		t.Errorf("status = %q, want %q", result.Status, tools.StatusSuccess)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(result.Text()), &decoded); err != nil {
		t.Fatalf("text is not valid JSON: %v", err)
	}
	if decoded["rows"] != float64(3) {
		t.Errorf("rows = %v, want 3", decoded["rows"])
	}
}

func TestNormalize_SinglePreservesErrorFlag(t *testing.T) {
	result := Normalize(Single{Result: RawResult{IsError: true, Content: "boom"}})

	if result.Status != tools.StatusError {
		t.Errorf("status = %q, want %q", result.Status, tools.StatusError)
	}
	if got := result.Text(); got != "boom" {
		t.Errorf("text = %q, want %q", got, "boom")
	}
}

func TestNormalize_StreamedUsesLastFragment(t *testing.T) {
	ch := make(chan Fragment, 3)
	ch <- Fragment{Chunk: &RawResult{Content: "progress 1"}}
	ch <- Fragment{Event: json.RawMessage(`{"kind":"heartbeat"}`)}
	ch <- Fragment{Result: &RawResult{Content: "final output"}}
	close(ch)

	result := Normalize(Streamed{Fragments: ch})

	if result.Status != tools.StatusSuccess {
		t.Errorf("status = %q, want %q", result.Status, tools.StatusSuccess)
	}
	if got := result.Text(); got != "final output" {
		t.Errorf("text = %q, want %q", got, "final output")
	}
}

func TestNormalize_StreamedLastFragmentIsChunk(t *testing.T) {
	ch := make(chan Fragment, 2)
	ch <- Fragment{Result: &RawResult{Content: "not this one"}}
	ch <- Fragment{Chunk: &RawResult{Content: "tail chunk"}}
	close(ch)

	result := Normalize(Streamed{Fragments: ch})

	if got := result.Text(); got != "tail chunk" {
		t.Errorf("text = %q, want %q", got, "tail chunk")
	}
}

func TestNormalize_StreamedErrorFlagPreserved(t *testing.T) {
	ch := make(chan Fragment, 2)
	ch <- Fragment{Chunk: &RawResult{Content: "partial"}}
	ch <- Fragment{Result: &RawResult{IsError: true, Content: "interpreter crashed"}}
	close(ch)

	result := Normalize(Streamed{Fragments: ch})

	if result.Status != tools.StatusError {
		t.Errorf("status = %q, want %q", result.Status, tools.StatusError)
	}
}

func TestNormalize_EmptyStream(t *testing.T) {
	ch := make(chan Fragment)
	close(ch)

	result := Normalize(Streamed{Fragments: ch})

	if result.Status != tools.StatusError {
		t.Fatalf("status = %q, want %q", result.Status, tools.StatusError)
	}
	if got := result.Text(); !strings.Contains(got, "No results received from stream") {
		t.Errorf("text = %q, want stream-empty message", got)
	}
}

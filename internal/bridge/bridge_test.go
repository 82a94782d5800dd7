package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/tools"
)

// fakeInvoker returns scripted sandbox output and counts calls.
type fakeInvoker struct {
	calls  int
	output string
	err    error

	lastCode string
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, autoCreate bool, op provider.Operation, args provider.InvokeArgs) (*tools.Result, error) {
	f.calls++
	f.lastCode = args.Code
	if f.err != nil {
		return nil, f.err
	}
	return tools.TextResult(f.output), nil
}

func newTestBridge(invoker Invoker) *Bridge {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(invoker, Config{}, logger)
}

// sandboxOutput builds marker-wrapped encoder output for the given entries,
// surrounded by unrelated program noise.
func sandboxOutput(t *testing.T, entries map[string]fileEntry) string {
	t.Helper()
	payload, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal entries: %v", err)
	}
	return fmt.Sprintf("some warning line\n%s\n%s\n%s\ntrailing noise\n", StartMarker, payload, EndMarker)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestDownload_PartialFailure(t *testing.T) {
	content := strings.Repeat("x", 1234)
	invoker := &fakeInvoker{}
	invoker.output = sandboxOutput(t, map[string]fileEntry{
		"out.png":     {Data: b64(content), Size: 1234},
		"missing.csv": {Error: "File not found: missing.csv"},
	})
	b := newTestBridge(invoker)
	dir := t.TempDir()

	result, err := b.Download(context.Background(), "analysis", []string{"out.png", "missing.csv"}, dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if result.TotalFiles != 1 {
		t.Errorf("totalFiles = %d, want 1", result.TotalFiles)
	}
	if len(result.DownloadedFiles) != 1 {
		t.Fatalf("downloadedFiles = %d, want 1", len(result.DownloadedFiles))
	}
	got := result.DownloadedFiles[0]
	if got.SourcePath != "out.png" || got.Size != 1234 {
		t.Errorf("downloaded = %+v", got)
	}
	if got.LocalPath != filepath.Join(dir, "out.png") {
		t.Errorf("localPath = %q", got.LocalPath)
	}
	wantErr := "missing.csv: File not found: missing.csv"
	if len(result.Errors) != 1 || result.Errors[0] != wantErr {
		t.Errorf("errors = %v, want [%q]", result.Errors, wantErr)
	}

	data, err := os.ReadFile(got.LocalPath)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(data) != content {
		t.Error("downloaded bytes do not match source content")
	}
}

func TestDownload_TotalFailure(t *testing.T) {
	invoker := &fakeInvoker{}
	invoker.output = sandboxOutput(t, map[string]fileEntry{
		"a.txt": {Error: "File not found: a.txt"},
		"b.txt": {Error: "File not found: b.txt"},
	})
	b := newTestBridge(invoker)

	result, err := b.Download(context.Background(), "analysis", []string{"a.txt", "b.txt"}, t.TempDir())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(result.DownloadedFiles) != 0 {
		t.Errorf("downloadedFiles = %d, want 0", len(result.DownloadedFiles))
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %v, want 2 entries", result.Errors)
	}
}

func TestDownload_FilenameCollision(t *testing.T) {
	invoker := &fakeInvoker{}
	invoker.output = sandboxOutput(t, map[string]fileEntry{
		"plots/chart.png":   {Data: b64("first"), Size: 5},
		"reports/chart.png": {Data: b64("second"), Size: 6},
	})
	b := newTestBridge(invoker)
	dir := t.TempDir()

	result, err := b.Download(context.Background(), "analysis", []string{"plots/chart.png", "reports/chart.png"}, dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.TotalFiles != 2 {
		t.Fatalf("totalFiles = %d, want 2", result.TotalFiles)
	}

	paths := []string{result.DownloadedFiles[0].LocalPath, result.DownloadedFiles[1].LocalPath}
	if paths[0] != filepath.Join(dir, "chart.png") {
		t.Errorf("first path = %q", paths[0])
	}
	if paths[1] != filepath.Join(dir, "chart_1.png") {
		t.Errorf("second path = %q, want numeric suffix before extension", paths[1])
	}
}

func TestDownload_RelativeDestinationRejectedBeforeAnyCall(t *testing.T) {
	invoker := &fakeInvoker{}
	b := newTestBridge(invoker)

	_, err := b.Download(context.Background(), "analysis", []string{"a.txt"}, "relative/dir")

	var validation *tools.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if invoker.calls != 0 {
		t.Errorf("invoker calls = %d, want 0", invoker.calls)
	}
}

func TestDownload_MissingMarkersIsProtocolError(t *testing.T) {
	invoker := &fakeInvoker{output: "Traceback (most recent call last): boom"}
	b := newTestBridge(invoker)

	_, err := b.Download(context.Background(), "analysis", []string{"a.txt"}, t.TempDir())

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if !strings.Contains(protoErr.Reason, "neither start nor end marker") {
		t.Errorf("reason = %q, want marker diagnosis", protoErr.Reason)
	}
	if !strings.Contains(protoErr.Raw, "Traceback") {
		t.Errorf("raw = %q, want raw output excerpt", protoErr.Raw)
	}
}

func TestDownload_EmptyPayloadIsProtocolError(t *testing.T) {
	invoker := &fakeInvoker{output: StartMarker + "\n  \n" + EndMarker}
	b := newTestBridge(invoker)

	_, err := b.Download(context.Background(), "analysis", []string{"a.txt"}, t.TempDir())

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if !strings.Contains(protoErr.Reason, "empty payload") {
		t.Errorf("reason = %q", protoErr.Reason)
	}
}

func TestDownload_MalformedJSONIsProtocolError(t *testing.T) {
	invoker := &fakeInvoker{output: "warning noise\n" + StartMarker + "\n{not json}\n" + EndMarker}
	b := newTestBridge(invoker)

	_, err := b.Download(context.Background(), "analysis", []string{"a.txt"}, t.TempDir())

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if !strings.Contains(protoErr.Excerpt, "{not json}") {
		t.Errorf("excerpt = %q, want offending payload", protoErr.Excerpt)
	}
	// The surrounding program output travels too, for diagnosing what
	// corrupted the payload.
	if !strings.Contains(protoErr.Raw, "warning noise") {
		t.Errorf("raw = %q, want output surrounding the payload", protoErr.Raw)
	}
	if !strings.Contains(protoErr.Error(), "{not json}") || !strings.Contains(protoErr.Error(), "warning noise") {
		t.Errorf("Error() = %q, want both excerpts quoted", protoErr.Error())
	}
}

func TestDownload_PayloadOverLimit(t *testing.T) {
	big := map[string]fileEntry{"big.bin": {Data: b64(strings.Repeat("z", 4096)), Size: 4096}}
	invoker := &fakeInvoker{output: sandboxOutput(t, big)}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	b := New(invoker, Config{MaxPayloadBytes: 100}, logger)

	_, err := b.Download(context.Background(), "analysis", []string{"big.bin"}, t.TempDir())

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if !strings.Contains(protoErr.Reason, "exceeds limit") {
		t.Errorf("reason = %q", protoErr.Reason)
	}
}

func TestEncoderProgram_RoundTripsHostilePaths(t *testing.T) {
	paths := []string{`weird"name'.txt`, "normal.csv"}
	program, err := encoderProgram(paths)
	if err != nil {
		t.Fatalf("encoderProgram: %v", err)
	}

	// The path list travels base64-encoded, raw path text never appears in
	// the program body.
	if strings.Contains(program, "weird") {
		t.Error("program embeds raw path text")
	}

	// Recover the embedded list the way the sandbox-side decoder would.
	start := strings.Index(program, `b64decode("`) + len(`b64decode("`)
	end := strings.Index(program[start:], `"`)
	decoded, err := base64.StdEncoding.DecodeString(program[start : start+end])
	if err != nil {
		t.Fatalf("decoding embedded paths: %v", err)
	}
	var got []string
	if err := json.Unmarshal(decoded, &got); err != nil {
		t.Fatalf("unmarshal embedded paths: %v", err)
	}
	if len(got) != 2 || got[0] != paths[0] || got[1] != paths[1] {
		t.Errorf("embedded paths = %v, want %v", got, paths)
	}
}

func TestDownload_InvokerErrorPropagates(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("session unreachable")}
	b := newTestBridge(invoker)

	_, err := b.Download(context.Background(), "analysis", []string{"a.txt"}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "session unreachable") {
		t.Fatalf("error = %v, want invoker error", err)
	}
}

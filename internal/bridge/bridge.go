// Package bridge moves files out of the sandbox's isolated filesystem onto
// the host. There is no shared storage and no binary channel, only the text
// output of code executed inside the sandbox, so files travel base64-encoded
// inside a marker-delimited JSON payload.
//
// The markers are part of the wire contract, not an implementation detail:
// a sandbox-side encoder prints StartMarker, the JSON result map, then
// EndMarker, and the host extracts whatever sits between them out of the
// otherwise unstructured program output.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/tools"
)

const (
	StartMarker = "===SANDUKU_FILES_START==="
	EndMarker   = "===SANDUKU_FILES_END==="

	// DefaultMaxPayloadBytes caps the combined encoded payload for one
	// download batch. The channel has no chunking, the whole payload rides
	// one captured-output round trip.
	DefaultMaxPayloadBytes = 8 << 20 // 8 MiB

	// rawExcerptLimit bounds each slice of output a protocol error quotes.
	// Captured program output can run to megabytes, so errors carry bounded
	// excerpts rather than the full text.
	rawExcerptLimit = 512
)

// Invoker executes code inside a named session. Satisfied by the session
// manager.
type Invoker interface {
	Invoke(ctx context.Context, name string, autoCreate bool, op provider.Operation, args provider.InvokeArgs) (*tools.Result, error)
}

// ProtocolError reports a malformed marker-delimited payload. Excerpt holds
// the offending payload substring when one was isolated; Raw holds a bounded
// slice of the full program output.
type ProtocolError struct {
	Reason  string
	Excerpt string
	Raw     string
}

func (e *ProtocolError) Error() string {
	msg := "file bridge protocol error: " + e.Reason
	if e.Excerpt != "" {
		msg += fmt.Sprintf("; offending payload: %q", e.Excerpt)
	}
	if e.Raw != "" {
		msg += fmt.Sprintf("; raw output: %q", e.Raw)
	}
	return msg
}

// DownloadedFile describes one file successfully written to the host.
type DownloadedFile struct {
	SourcePath string `json:"source_path"`
	LocalPath  string `json:"local_path"`
	Size       int64  `json:"size"`
}

// DownloadResult is the outcome of one download batch. Errors lists per-file
// failures; a batch with some successes and some failures is still a success.
type DownloadResult struct {
	DownloadedFiles []DownloadedFile `json:"downloadedFiles"`
	TotalFiles      int              `json:"totalFiles"`
	DestinationDir  string           `json:"destinationDir"`
	Errors          []string         `json:"errors,omitempty"`
}

// Config configures the bridge.
type Config struct {
	MaxPayloadBytes int // Zero = 8 MiB.
}

// Bridge copies sandbox files to the host filesystem.
type Bridge struct {
	invoker Invoker
	cfg     Config
	logger  *slog.Logger
}

// New creates a file bridge over the invoker.
func New(invoker Invoker, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Bridge{invoker: invoker, cfg: cfg, logger: logger}
}

// fileEntry is the per-path record the sandbox-side encoder emits.
type fileEntry struct {
	Data  string `json:"data,omitempty"`
	Size  int64  `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

// Download copies the named sandbox files into destinationDir. The directory
// must be absolute; it is created if missing. Per-file failures land in the
// result's Errors list and never abort the batch.
func (b *Bridge) Download(ctx context.Context, sessionName string, sourcePaths []string, destinationDir string) (*DownloadResult, error) {
	if len(sourcePaths) == 0 {
		return nil, tools.Validationf("sourcePaths must not be empty")
	}
	if !filepath.IsAbs(destinationDir) {
		return nil, tools.Validationf("destinationDir must be an absolute path, got %q", destinationDir)
	}

	if err := os.MkdirAll(destinationDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}

	program, err := encoderProgram(sourcePaths)
	if err != nil {
		return nil, err
	}

	result, err := b.invoker.Invoke(ctx, sessionName, true, provider.OpExecuteCode, provider.InvokeArgs{
		Language: "python",
		Code:     program,
	})
	if err != nil {
		return nil, err
	}

	entries, err := b.decodePayload(result.Text())
	if err != nil {
		return nil, err
	}

	out := &DownloadResult{DestinationDir: destinationDir}
	for _, sourcePath := range sourcePaths {
		entry, ok := entries[sourcePath]
		if !ok {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: missing from sandbox response", sourcePath))
			continue
		}
		if entry.Error != "" {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", sourcePath, entry.Error))
			continue
		}

		data, err := base64.StdEncoding.DecodeString(entry.Data)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: invalid base64 data: %v", sourcePath, err))
			continue
		}

		localPath := uniqueDestPath(destinationDir, filepath.Base(sourcePath))
		if err := os.WriteFile(localPath, data, 0o644); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: writing local file: %v", sourcePath, err))
			continue
		}

		out.DownloadedFiles = append(out.DownloadedFiles, DownloadedFile{
			SourcePath: sourcePath,
			LocalPath:  localPath,
			Size:       entry.Size,
		})
	}
	out.TotalFiles = len(out.DownloadedFiles)

	b.logger.Info("download batch complete",
		slog.String("session", sessionName),
		slog.Int("downloaded", out.TotalFiles),
		slog.Int("failed", len(out.Errors)),
		slog.String("destination", destinationDir),
	)
	return out, nil
}

// encoderProgram builds the sandbox-side Python encoder. The path list rides
// in base64 so no path content can break out of the program text.
func encoderProgram(sourcePaths []string) (string, error) {
	encoded, err := json.Marshal(sourcePaths)
	if err != nil {
		return "", fmt.Errorf("encoding source paths: %w", err)
	}
	pathsB64 := base64.StdEncoding.EncodeToString(encoded)

	return fmt.Sprintf(`import base64, json, os

paths = json.loads(base64.b64decode(%q).decode("utf-8"))
out = {}
for p in paths:
    if not os.path.exists(p):
        out[p] = {"error": "File not found: " + p}
        continue
    try:
        with open(p, "rb") as f:
            data = f.read()
        out[p] = {"data": base64.b64encode(data).decode("ascii"), "size": len(data)}
    except Exception as e:
        out[p] = {"error": str(e)}

print(%q)
print(json.dumps(out))
print(%q)
`, pathsB64, StartMarker, EndMarker), nil
}

// decodePayload extracts and parses the marker-delimited JSON from the mixed
// program output.
func (b *Bridge) decodePayload(output string) (map[string]fileEntry, error) {
	start := strings.Index(output, StartMarker)
	end := strings.Index(output, EndMarker)

	if start < 0 || end < 0 || end < start {
		return nil, &ProtocolError{
			Reason: markerDiagnosis(start >= 0, end >= 0),
			Raw:    excerpt(output),
		}
	}

	payload := strings.TrimSpace(output[start+len(StartMarker) : end])
	if payload == "" {
		return nil, &ProtocolError{Reason: "empty payload between markers", Raw: excerpt(output)}
	}
	if len(payload) > b.cfg.MaxPayloadBytes {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("payload size %d exceeds limit %d", len(payload), b.cfg.MaxPayloadBytes),
		}
	}

	var entries map[string]fileEntry
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, &ProtocolError{
			Reason:  fmt.Sprintf("payload is not valid JSON: %v", err),
			Excerpt: excerpt(payload),
			Raw:     excerpt(output),
		}
	}
	return entries, nil
}

func markerDiagnosis(foundStart, foundEnd bool) string {
	switch {
	case !foundStart && !foundEnd:
		return "neither start nor end marker found in output"
	case !foundStart:
		return "start marker missing (end marker present)"
	case !foundEnd:
		return "end marker missing (start marker present)"
	default:
		return "end marker precedes start marker"
	}
}

func excerpt(s string) string {
	if len(s) <= rawExcerptLimit {
		return s
	}
	return s[:rawExcerptLimit] + "..."
}

// uniqueDestPath returns base joined to dir, suffixing the name with _1, _2
// and so on before the extension until no file exists at the result.
func uniqueDestPath(dir, base string) string {
	candidate := filepath.Join(dir, base)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

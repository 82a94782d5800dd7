package docker

import (
	"fmt"
	"strings"

	"github.com/jkaninda/sanduku/internal/provider"
)

// buildCommand translates an operation into the argv to pass to docker exec.
// Untrusted input (code, paths, file content) is always passed as positional
// shell arguments, never interpolated into the script text.
func buildCommand(op provider.Operation, args provider.InvokeArgs) ([]string, error) {
	switch op {
	case provider.OpExecuteCode:
		return codeCommand(args.Language, args.Code)

	case provider.OpExecuteCommand:
		if strings.TrimSpace(args.Command) == "" {
			return nil, fmt.Errorf("command must not be empty")
		}
		return []string{"sh", "-c", args.Command}, nil

	case provider.OpReadFiles:
		if len(args.Paths) == 0 {
			return nil, fmt.Errorf("paths must not be empty")
		}
		script := `for f in "$@"; do printf '=== %s ===\n' "$f"; cat -- "$f" || exit 1; done`
		return append([]string{"sh", "-c", script, "sh"}, args.Paths...), nil

	case provider.OpListFiles:
		path := args.Path
		if path == "" {
			path = "."
		}
		return []string{"sh", "-c", `ls -la -- "$1"`, "sh", path}, nil

	case provider.OpWriteFiles:
		if len(args.Files) == 0 {
			return nil, fmt.Errorf("files must not be empty")
		}
		return writeCommand(args.Files), nil

	case provider.OpRemoveFiles:
		if len(args.Paths) == 0 {
			return nil, fmt.Errorf("paths must not be empty")
		}
		return append([]string{"sh", "-c", `rm -f -- "$@"`, "sh"}, args.Paths...), nil

	default:
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
}

// codeCommand writes the source to a temp script through a positional arg and
// runs it with the matching interpreter.
func codeCommand(language, code string) ([]string, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("code must not be empty")
	}
	if language == "" {
		language = "python"
	}
	interpreter, ok := interpreters[strings.ToLower(language)]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", language)
	}
	script := fmt.Sprintf(`printf '%%s' "$1" > "$HOME/.script" && %s "$HOME/.script"`, interpreter)
	return []string{"sh", "-c", script, "sh", code}, nil
}

// writeCommand builds one shell invocation writing every file. Path/content
// pairs are interleaved as positional args and consumed two at a time.
func writeCommand(files []provider.FileSpec) []string {
	script := `while [ "$#" -ge 2 ]; do mkdir -p "$(dirname -- "$1")" && printf '%s' "$2" > "$1" || exit 1; shift 2; done`
	cmd := []string{"sh", "-c", script, "sh"}
	for _, f := range files {
		cmd = append(cmd, f.Path, f.Content)
	}
	return cmd
}

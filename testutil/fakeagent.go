package testutil

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// FakeAgentConfig controls the behavior of a fake agent script.
type FakeAgentConfig struct {
	// SessionID is printed by the create-chat subcommand.
	SessionID string
	// Response is printed for non-streaming invocations.
	Response string
	// Stream is printed line by line for stream-json invocations.
	Stream string
	// ModelListing is printed by the models subcommand.
	ModelListing string
	// ExitCode makes completion invocations fail after printing Stderr.
	ExitCode int
	// Stderr is written to stderr before a non-zero exit.
	Stderr string
}

// fakeAgentScript dispatches on the first argument the way the real
// agent CLI does; completion invocations start with flags. Every
// invocation records its argv under calls/ so tests can assert what
// was forwarded.
const fakeAgentScript = `#!/bin/sh
base="$(dirname "$0")"
mkdir -p "$base/calls"
n="$(ls "$base/calls" | wc -l)"
{ for arg in "$@"; do printf '%s\037' "$arg"; done; } > "$base/calls/$(printf 'call_%04d' "$n")"
case "$1" in
  create-chat)
    cat "$base/session_id.txt"
    ;;
  models)
    cat "$base/models.txt"
    ;;
  *)
    if [ -s "$base/stderr.txt" ]; then
      cat "$base/stderr.txt" >&2
    fi
    streaming=0
    for arg in "$@"; do
      [ "$arg" = "stream-json" ] && streaming=1
    done
    if [ "$streaming" = "1" ]; then
      cat "$base/stream.txt"
    else
      cat "$base/response.txt"
    fi
    exit $(cat "$base/exit_code.txt")
    ;;
esac
`

// WriteFakeAgent materializes an executable script that impersonates
// the agent CLI and returns its path. Fixture files live next to the
// script so tests can rewrite them between calls.
func WriteFakeAgent(t *testing.T, cfg FakeAgentConfig) string {
	t.Helper()

	dir := CreateTempDir(t)
	if cfg.SessionID == "" {
		cfg.SessionID = "fake-session-id"
	}

	WriteFile(t, filepath.Join(dir, "session_id.txt"), []byte(cfg.SessionID+"\n"))
	WriteFile(t, filepath.Join(dir, "models.txt"), []byte(cfg.ModelListing))
	WriteFile(t, filepath.Join(dir, "response.txt"), []byte(cfg.Response))
	WriteFile(t, filepath.Join(dir, "stream.txt"), []byte(cfg.Stream))
	WriteFile(t, filepath.Join(dir, "stderr.txt"), []byte(cfg.Stderr))
	WriteFile(t, filepath.Join(dir, "exit_code.txt"), []byte(strconv.Itoa(cfg.ExitCode)))

	script := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(script, []byte(fakeAgentScript), 0755); err != nil {
		t.Fatalf("Failed to write fake agent script: %v", err)
	}
	return script
}

// RecordedCalls returns the argv (without the binary name) of every
// invocation of the fake agent at script, oldest first.
func RecordedCalls(t *testing.T, script string) [][]string {
	t.Helper()

	callsDir := filepath.Join(filepath.Dir(script), "calls")
	entries, err := os.ReadDir(callsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("Failed to read recorded calls: %v", err)
	}

	var calls [][]string
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(callsDir, entry.Name()))
		if err != nil {
			t.Fatalf("Failed to read recorded call %s: %v", entry.Name(), err)
		}
		argv := strings.Split(string(data), "\x1f")
		// The record ends with a trailing separator.
		if len(argv) > 0 && argv[len(argv)-1] == "" {
			argv = argv[:len(argv)-1]
		}
		calls = append(calls, argv)
	}
	return calls
}

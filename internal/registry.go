package internal

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// defaultModels seed the registry until a refresh against the agent
// binary succeeds.
var defaultModels = []string{"auto", "composer-1", "gpt-5.1", "sonnet-4.5"}

var (
	modelLineRe  = regexp.MustCompile(`^([a-zA-Z0-9._-]+)\s+-\s+(.+)$`)
	statusTagRe  = regexp.MustCompile(`\s+\([^)]*?\b(?:default|current)\b[^)]*?\)$`)
	ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)
)

// ModelRegistry caches the agent's model listing in a JSON file and
// translates between API-facing display ids and the agent's own ids.
type ModelRegistry struct {
	mu       sync.Mutex
	path     string
	agentBin string
	models   []string
}

// NewModelRegistry returns an uninitialized registry backed by the
// cache file at path.
func NewModelRegistry(path, agentBin string) *ModelRegistry {
	return &ModelRegistry{path: path, agentBin: agentBin}
}

// Initialize loads the cache file, falling back to the built-in
// defaults when it is absent or unreadable.
func (r *ModelRegistry) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("Failed to read model cache %s: %v", r.path, err)
		}
		r.models = append([]string(nil), defaultModels...)
		return
	}

	var cached []string
	if err := json.Unmarshal(data, &cached); err != nil || len(cached) == 0 {
		logger.Warnf("Model cache %s is invalid, using defaults", r.path)
		r.models = append([]string(nil), defaultModels...)
		return
	}
	r.models = cached
}

// Get returns the known model ids in agent form.
func (r *ModelRegistry) Get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.models == nil {
		r.models = append([]string(nil), defaultModels...)
	}
	return append([]string(nil), r.models...)
}

// Refresh queries the agent binary for its model listing and rewrites
// the cache. A failed query leaves the current set untouched.
func (r *ModelRegistry) Refresh() ([]string, error) {
	output, err := exec.Command(r.agentBin, "models").CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExecutionError{ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(string(output))}
		}
		return nil, err
	}

	models := parseModelListing(string(output))
	if len(models) == 0 {
		logger.Warnf("Agent model listing produced no models, keeping current set")
		return r.Get(), nil
	}

	r.mu.Lock()
	r.models = models
	r.mu.Unlock()

	data, err := json.MarshalIndent(models, "", "  ")
	if err == nil {
		err = os.WriteFile(r.path, data, 0644)
	}
	if err != nil {
		logger.Warnf("Failed to write model cache %s: %v", r.path, err)
	}
	return append([]string(nil), models...), nil
}

// Reset discards the cache file and restores the defaults.
func (r *ModelRegistry) Reset() error {
	r.mu.Lock()
	r.models = append([]string(nil), defaultModels...)
	r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Path: r.path, Op: "remove", Err: err}
	}
	return nil
}

// parseModelListing extracts model ids from the agent's "models"
// command output. Only lines after the "Available models" banner are
// considered; trailing status tags like "(default)" are stripped.
func parseModelListing(output string) []string {
	var models []string
	inListing := false

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(ansiEscapeRe.ReplaceAllString(raw, ""))
		if line == "" {
			continue
		}
		if !inListing {
			if strings.Contains(line, "Available models") {
				inListing = true
			}
			continue
		}

		line = statusTagRe.ReplaceAllString(line, "")
		if m := modelLineRe.FindStringSubmatch(line); m != nil {
			models = append(models, m[1])
			continue
		}
		// Bare-id lines appear in some listing formats.
		if !strings.ContainsAny(line, " \t") {
			models = append(models, line)
		}
	}
	return models
}

// ToDisplayID maps an agent model id to its API-facing form, adding
// the claude- prefix to opus and sonnet families. Already-prefixed ids
// pass through unchanged.
func ToDisplayID(id string) string {
	if strings.HasPrefix(id, "claude-") {
		return id
	}
	if strings.HasPrefix(id, "opus-") || strings.HasPrefix(id, "sonnet-") {
		return "claude-" + id
	}
	return id
}

// ToCLIID maps an API-facing model id back to the agent's form,
// stripping a claude- prefix from opus and sonnet families.
func ToCLIID(id string) string {
	trimmed := strings.TrimPrefix(id, "claude-")
	if trimmed != id && (strings.HasPrefix(trimmed, "opus-") || strings.HasPrefix(trimmed, "sonnet-")) {
		return trimmed
	}
	return id
}

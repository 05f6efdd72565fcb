package internal

import (
	"fmt"
	"time"
)

// ConfigError represents a fatal startup configuration problem
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error [%s]: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StorageError represents errors accessing the session index file
type StorageError struct {
	Path string
	Op   string // "open", "read", "write", "parse"
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// LockTimeoutError signals contention on the session index lock.
// It is retryable by the caller.
type LockTimeoutError struct {
	Path string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("service busy (lock timeout on %s)", e.Path)
}

// ExecutionError represents a CLI invocation that exited non-zero
// without producing a usable result
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("CLI execution failed (code %d): %s", e.ExitCode, e.Stderr)
}

// TimeoutError represents a CLI invocation that was reclaimed after
// exceeding its deadline. Distinct from ExecutionError so callers can
// tell "might have made progress" from "definitely failed".
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("CLI execution timed out after %s", e.Timeout)
}

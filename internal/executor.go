package internal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes bounds the synchronous-mode stdout buffer.
	maxOutputBytes = 10 << 20
	// maxStreamLineBytes bounds a single stream-json line; tool results
	// can carry large file contents.
	maxStreamLineBytes = 1 << 20
	// readChunkSize is the synchronous-mode read granularity.
	readChunkSize = 4096
	// gracePeriod is how long a terminated process gets before kill.
	gracePeriod = 2 * time.Second
)

// DefaultExecTimeout bounds a synchronous invocation end to end.
const DefaultExecTimeout = 300 * time.Second

// Executor runs the external agent process in synchronous or streaming
// mode. Every spawned process is reaped or force-terminated on every
// exit path.
type Executor struct {
	timeout time.Duration
}

// NewExecutor builds an executor. A non-positive timeout selects the
// default.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Executor{timeout: timeout}
}

// newAgentCommand prepares a command with terminate-grace-kill cleanup:
// context cancellation sends SIGTERM, and WaitDelay force-kills after
// the grace period.
func newAgentCommand(ctx context.Context, argv []string, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = gracePeriod
	return cmd
}

// RunNonStream executes argv and returns the final textual result. It
// reads stdout incrementally and returns as soon as the accumulated
// bytes decode as one complete JSON document, because the agent may
// keep running after flushing its result. When the stream ends without
// a decodable document the raw output is returned trimmed.
func (e *Executor) RunNonStream(ctx context.Context, argv []string, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := newAgentCommand(ctx, argv, dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", argv[0], err)
	}

	// Guaranteed reap when we return before waiting (early JSON decode
	// or a panic): cancel signals the process and Wait enforces the
	// grace period.
	waited := false
	defer func() {
		if waited {
			return
		}
		cancel()
		_ = cmd.Wait()
	}()

	buffer := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := stdout.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			if len(buffer) > maxOutputBytes {
				return "", fmt.Errorf("agent output exceeded %d bytes", maxOutputBytes)
			}
			var doc map[string]any
			if json.Unmarshal(buffer, &doc) == nil {
				logger.Debug("Received valid JSON output, returning immediately")
				result, _ := doc["result"].(string)
				return result, nil
			}
		}
		if readErr != nil {
			break
		}
	}

	waited = true
	waitErr := cmd.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Warnf("Process timed out after %s, terminated", e.timeout)
		return "", &TimeoutError{Timeout: e.timeout}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return "", ctx.Err()
	}
	if waitErr != nil {
		return "", &ExecutionError{
			ExitCode: exitCode(waitErr),
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}

	return strings.TrimSpace(string(buffer)), nil
}

// RunStream executes argv and reconciles its stream-json stdout into
// text chunks delivered on the returned channel. The error channel
// yields at most one error after the chunk channel closes. Context
// cancellation (client disconnect) terminates the process.
func (e *Executor) RunStream(ctx context.Context, argv []string, dir string) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		cmd := newAgentCommand(ctx, argv, dir)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- fmt.Errorf("creating stdout pipe: %w", err)
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("starting %s: %w", argv[0], err)
			return
		}

		reconciler := NewReconciler()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

		lineCount := 0
	scan:
		for scanner.Scan() {
			lineCount++
			out, done := reconciler.Feed(scanner.Bytes())
			for _, chunk := range out {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					break scan
				}
			}
			if done {
				break
			}
		}
		logger.Debugf("Stream finished after %d lines", lineCount)

		// Drain any trailing output so the process can exit, then reap.
		_, _ = io.Copy(io.Discard, stdout)
		waitErr := cmd.Wait()

		if waitErr != nil && !reconciler.SawResult() {
			errs <- &ExecutionError{
				ExitCode: exitCode(waitErr),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
	}()

	return chunks, errs
}

// exitCode extracts the process exit code, or -1 when unavailable.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// lockAcquireTimeout bounds how long a request waits for the session
// index lock before failing as "service busy".
const lockAcquireTimeout = 5 * time.Second

// SessionRecord binds a history fingerprint to an external agent
// session and its working directory.
type SessionRecord struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	WorkspaceDir string `json:"workspace_dir"`
}

// sessionIndex is the persisted fingerprint → record mapping.
type sessionIndex struct {
	Sessions map[string]SessionRecord `json:"sessions"`
}

// SessionStore persists the session index in a JSON file guarded by a
// cross-process file lock. Every lookup re-reads durable storage under
// the lock; nothing is cached between requests, so concurrent writers
// in other processes are always observed.
type SessionStore struct {
	path          string
	workspaceBase string
	agentBin      string
	mu            sync.Mutex
	lock          *flock.Flock
}

// NewSessionStore opens (creating if needed) the index at path.
// Per-session workspaces live under workspaceBase.
func NewSessionStore(path, workspaceBase, agentBin string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &StorageError{Path: path, Op: "mkdir", Err: err}
	}
	if err := os.MkdirAll(workspaceBase, 0755); err != nil {
		return nil, &StorageError{Path: workspaceBase, Op: "mkdir", Err: err}
	}
	s := &SessionStore{
		path:          path,
		workspaceBase: workspaceBase,
		agentBin:      agentBin,
		lock:          flock.New(path + ".lock"),
	}
	if err := s.ensure(); err != nil {
		return nil, err
	}
	return s, nil
}

// ensure creates an empty index file when none exists.
func (s *SessionStore) ensure() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}
	return s.withLock(func() error {
		// Double check inside the lock.
		if _, err := os.Stat(s.path); err == nil {
			return nil
		}
		logger.Infof("Creating new session storage at %s", s.path)
		return s.writeIndex(sessionIndex{Sessions: map[string]SessionRecord{}})
	})
}

// withLock runs fn while holding the index lock, with a bounded
// acquisition wait. The file lock only excludes other processes
// (acquiring the same *flock.Flock twice succeeds), so an in-process
// mutex is taken first to serialize goroutines in this process.
func (s *SessionStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		logger.Errorf("Timeout acquiring lock for %s", s.path)
		return &LockTimeoutError{Path: s.path}
	}
	defer s.lock.Unlock()

	return fn()
}

// readIndex loads the index from disk. Callers must hold the lock.
// A corrupt file degrades to an empty index rather than failing.
func (s *SessionStore) readIndex() sessionIndex {
	empty := sessionIndex{Sessions: map[string]SessionRecord{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Errorf("Failed to read %s: %v", s.path, err)
		}
		return empty
	}

	var index sessionIndex
	if err := json.Unmarshal(data, &index); err != nil {
		logger.Errorf("Failed to decode %s, returning empty index: %v", s.path, err)
		return empty
	}
	if index.Sessions == nil {
		index.Sessions = map[string]SessionRecord{}
	}
	return index
}

// writeIndex persists the index. Callers must hold the lock.
func (s *SessionStore) writeIndex(index sessionIndex) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return &StorageError{Path: s.path, Op: "encode", Err: err}
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return &StorageError{Path: s.path, Op: "write", Err: err}
	}
	return nil
}

// GetByFingerprint returns the record keyed by fp, or nil.
func (s *SessionStore) GetByFingerprint(fp string) (*SessionRecord, error) {
	var found *SessionRecord
	err := s.withLock(func() error {
		if record, ok := s.readIndex().Sessions[fp]; ok {
			found = &record
		}
		return nil
	})
	return found, err
}

// GetByID returns the record whose session id matches, or nil.
func (s *SessionStore) GetByID(sessionID string) (*SessionRecord, error) {
	if sessionID == "" {
		return nil, nil
	}
	var found *SessionRecord
	err := s.withLock(func() error {
		for _, record := range s.readIndex().Sessions {
			if record.SessionID == sessionID {
				found = &record
				return nil
			}
		}
		return nil
	})
	return found, err
}

// FingerprintByID returns the fingerprint currently keying the given
// session id, or "".
func (s *SessionStore) FingerprintByID(sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}
	var found string
	err := s.withLock(func() error {
		for fp, record := range s.readIndex().Sessions {
			if record.SessionID == sessionID {
				found = fp
				return nil
			}
		}
		return nil
	})
	return found, err
}

// Create asks the agent binary for a new session and stores it under
// fp. Without a custom workspace a transient temp-named directory is
// created and renamed to the session id once it is known; creation
// failure removes the temp directory so no orphaned scratch dirs remain.
func (s *SessionStore) Create(ctx context.Context, fp, title, customWorkspace string) (*SessionRecord, error) {
	var workspaceDir, tempDir string

	if customWorkspace != "" {
		abs, err := filepath.Abs(customWorkspace)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace path: %w", err)
		}
		workspaceDir = abs
		if err := os.MkdirAll(workspaceDir, 0755); err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}
		logger.Infof("Using custom workspace directory: %s", workspaceDir)
	} else {
		abs, err := filepath.Abs(filepath.Join(s.workspaceBase, "temp_"+uuid.NewString()))
		if err != nil {
			return nil, fmt.Errorf("resolving workspace base: %w", err)
		}
		tempDir = abs
		if err := os.MkdirAll(tempDir, 0755); err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}
		logger.Debugf("Created temporary workspace directory: %s", tempDir)
		workspaceDir = tempDir
	}

	// The agent prints a bare session identifier on stdout.
	cmd := exec.CommandContext(ctx, s.agentBin, "create-chat", "--workspace", workspaceDir, "--sandbox", "enabled")
	output, err := cmd.Output()
	if err != nil {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExecutionError{ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(string(exitErr.Stderr))}
		}
		return nil, fmt.Errorf("creating session with %s: %w", s.agentBin, err)
	}

	sessionID := strings.TrimSpace(string(output))
	if sessionID == "" {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
		return nil, fmt.Errorf("%s returned an empty session id", s.agentBin)
	}

	if tempDir != "" {
		final, err := filepath.Abs(filepath.Join(s.workspaceBase, sessionID))
		if err != nil {
			return nil, fmt.Errorf("resolving workspace path: %w", err)
		}
		if final != tempDir {
			if _, statErr := os.Stat(final); statErr == nil {
				logger.Warnf("Workspace directory %s already exists, removing it", final)
				_ = os.RemoveAll(final)
			}
			if err := os.Rename(tempDir, final); err != nil {
				return nil, fmt.Errorf("renaming workspace directory: %w", err)
			}
			workspaceDir = final
			logger.Debugf("Renamed workspace directory to: %s", workspaceDir)
		}
	}

	logger.Infof("Created new agent session: %s", sessionID)

	now := time.Now().UTC().Format(time.RFC3339)
	record := SessionRecord{
		SessionID:    sessionID,
		Title:        title,
		CreatedAt:    now,
		UpdatedAt:    now,
		WorkspaceDir: workspaceDir,
	}

	err = s.withLock(func() error {
		index := s.readIndex()
		index.Sessions[fp] = record
		return s.writeIndex(index)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Migrate rekeys a session from oldFP to newFP in one atomic
// read-modify-write: reload from disk, drop the old key, refresh
// updated_at, insert the new key, persist. A missing old key is logged
// and ignored.
func (s *SessionStore) Migrate(oldFP, newFP string) error {
	return s.withLock(func() error {
		index := s.readIndex()
		record, ok := index.Sessions[oldFP]
		if !ok {
			logger.Warnf("Attempted to migrate non-existent session fingerprint: %s", oldFP)
			return nil
		}
		delete(index.Sessions, oldFP)
		record.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		index.Sessions[newFP] = record
		return s.writeIndex(index)
	})
}

// Clear resets the index to empty.
func (s *SessionStore) Clear() error {
	return s.withLock(func() error {
		return s.writeIndex(sessionIndex{Sessions: map[string]SessionRecord{}})
	})
}

// Len reports how many sessions are indexed.
func (s *SessionStore) Len() (int, error) {
	count := 0
	err := s.withLock(func() error {
		count = len(s.readIndex().Sessions)
		return nil
	})
	return count, err
}

package agentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/collabnotes/notesync/internal/textpatch"
)

const (
	statusSuccess         = "success"
	statusAutoMerged      = "auto_merged"
	statusConflict        = "conflict"
	statusConflictPending = "conflict_pending"
	statusNoChanges       = "no_changes"
)

type SyncerOptions struct {
	NotebookID string
	FilePath   string
	StateFile  string
	Summary    string
	Logger     Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// agentState is what survives between runs: the session token plus the
// base snapshot every local diff is computed against.
type agentState struct {
	SessionToken string `json:"sessionToken"`
	BaseVersion  int64  `json:"baseVersion"`
	BaseContent  string `json:"baseContent"`
}

type Syncer struct {
	client    RemoteClient
	notebook  string
	filePath  string
	stateFile string
	summary   string
	logger    Logger
	state     agentState
	loaded    bool
	inFlight  atomic.Bool
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	notebook := strings.TrimSpace(opts.NotebookID)
	if notebook == "" {
		return nil, fmt.Errorf("notebook id is required")
	}
	fileRaw := strings.TrimSpace(opts.FilePath)
	if fileRaw == "" {
		return nil, fmt.Errorf("file path is required")
	}
	filePath := filepath.Clean(fileRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		dir := filepath.Dir(filePath)
		stateFile = filepath.Join(dir, "."+filepath.Base(filePath)+".notesync-state.json")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:    client,
		notebook:  notebook,
		filePath:  filePath,
		stateFile: stateFile,
		summary:   strings.TrimSpace(opts.Summary),
		logger:    opts.Logger,
	}, nil
}

// SyncOnce pushes the local file's drift since the last accepted base and
// folds any remote changes back into the file. A vanished session is
// re-established once before giving up.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	if err := s.ensureSession(ctx); err != nil {
		return err
	}

	local, hasLocal, err := s.readLocalFile()
	if err != nil {
		return err
	}
	if !hasLocal {
		// First run against an existing notebook: materialize the
		// server copy so edits start from the shared base.
		if err := writeFileAtomic(s.filePath, []byte(s.state.BaseContent), 0o644); err != nil {
			return err
		}
		local = s.state.BaseContent
	}

	patch := textpatch.Diff(s.state.BaseContent, local)
	outcome, err := s.client.Sync(ctx, s.notebook, s.state.SessionToken, patch, s.summary)
	if errors.Is(err, ErrSessionGone) {
		s.state.SessionToken = ""
		if err := s.ensureSession(ctx); err != nil {
			return err
		}
		patch = textpatch.Diff(s.state.BaseContent, local)
		outcome, err = s.client.Sync(ctx, s.notebook, s.state.SessionToken, patch, s.summary)
	}
	if err != nil {
		return err
	}

	switch outcome.Status {
	case statusSuccess:
		s.state.BaseVersion = outcome.Version
		s.state.BaseContent = local
	case statusNoChanges:
		// Already current.
	case statusAutoMerged:
		if outcome.Content != local {
			if err := writeFileAtomic(s.filePath, []byte(outcome.Content), 0o644); err != nil {
				return err
			}
		}
		s.state.BaseVersion = outcome.Version
		s.state.BaseContent = outcome.Content
	case statusConflict:
		// Reviewer accounts get the divergence back synchronously.
		// Keep the local file untouched and park the remote side next
		// to it for a human decision.
		s.logf("conflict on %s: remote changed the same lines; wrote %s", s.filePath, s.filePath+theirsSuffix)
		if err := writeFileAtomic(s.filePath+theirsSuffix, []byte(outcome.TheirContent), 0o644); err != nil {
			return err
		}
	case statusConflictPending:
		if err := s.adoptServerCopy(ctx, local, outcome.ConflictID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unexpected sync status %q", outcome.Status)
	}
	return s.saveState()
}

const (
	theirsSuffix = ".theirs"
	mineSuffix   = ".mine"
)

// adoptServerCopy handles a queued conflict: the local variant is parked
// in a sidecar file, then an empty patch pulls the server's current
// content so the agent keeps following the notebook while the conflict
// waits in the review queue.
func (s *Syncer) adoptServerCopy(ctx context.Context, local, conflictID string) error {
	s.logf("conflict on %s queued for review (%s); local copy saved to %s", s.filePath, conflictID, s.filePath+mineSuffix)
	if err := writeFileAtomic(s.filePath+mineSuffix, []byte(local), 0o644); err != nil {
		return err
	}
	pull, err := s.client.Sync(ctx, s.notebook, s.state.SessionToken, "", "")
	if err != nil {
		return err
	}
	content := pull.Content
	if pull.Status == statusNoChanges {
		content = s.state.BaseContent
	}
	if err := writeFileAtomic(s.filePath, []byte(content), 0o644); err != nil {
		return err
	}
	s.state.BaseVersion = pull.Version
	s.state.BaseContent = content
	return nil
}

func (s *Syncer) ensureSession(ctx context.Context) error {
	if s.state.SessionToken != "" {
		return nil
	}
	sess, err := s.client.StartSession(ctx, s.notebook)
	if err != nil {
		return err
	}
	s.state.SessionToken = sess.Token
	s.state.BaseVersion = sess.BaseVersion
	s.state.BaseContent = sess.BaseContent
	return nil
}

func (s *Syncer) readLocalFile() (string, bool, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

type RunOptions struct {
	Interval time.Duration
	Debounce time.Duration
	Watch    bool
}

// Run keeps the file and the notebook converged until the context ends.
// Local edits are picked up by the file watcher and pushed after a
// debounce window; a poll timer covers remote edits and watcher gaps.
func (s *Syncer) Run(ctx context.Context, opts RunOptions) error {
	var changes <-chan struct{}
	stop := func() {}
	if opts.Watch {
		watched, stopWatch, err := watchFile(s.filePath)
		if err != nil {
			s.logf("file watch unavailable, falling back to polling: %v", err)
		} else {
			changes = watched
			stop = stopWatch
		}
	}
	defer stop()
	return s.run(ctx, opts, changes)
}

func (s *Syncer) run(ctx context.Context, opts RunOptions, changes <-chan struct{}) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	debounceDelay := opts.Debounce
	if debounceDelay <= 0 {
		debounceDelay = 500 * time.Millisecond
	}

	s.syncGuarded(ctx)

	poll := time.NewTimer(interval)
	defer poll.Stop()
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				// Watcher gone. From here on every poll tick syncs, the
				// same as running without a watcher.
				s.logf("file watch stopped, falling back to polling")
				changes = nil
				continue
			}
			// Writes made by SyncOnce itself echo back through the
			// watcher; drop them.
			if s.inFlight.Load() {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceDelay)
		case <-debounce.C:
			s.syncGuarded(ctx)
		case <-poll.C:
			s.pollOnce(ctx, changes == nil)
			poll.Reset(interval)
		}
	}
}

// pollOnce checks the notebook version and syncs when behind. Without a
// watcher it syncs unconditionally so local edits still get pushed.
func (s *Syncer) pollOnce(ctx context.Context, always bool) {
	if always {
		s.syncGuarded(ctx)
		return
	}
	info, err := s.client.CheckVersion(ctx, s.notebook)
	if err != nil {
		s.logf("version check failed: %v", err)
		return
	}
	if info.PendingConflicts > 0 {
		s.logf("%d conflict(s) on %s still await review", info.PendingConflicts, s.notebook)
	}
	if info.Version != s.state.BaseVersion {
		s.syncGuarded(ctx)
	}
}

func (s *Syncer) syncGuarded(ctx context.Context) {
	s.inFlight.Store(true)
	defer s.inFlight.Store(false)
	if err := s.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logf("sync failed: %v", err)
	}
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state agentState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

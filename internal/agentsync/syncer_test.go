package agentsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/collabnotes/notesync/internal/notesync"
	"github.com/collabnotes/notesync/internal/textpatch"
)

// storeClient drives a real in-process store so the agent sees the same
// merge decisions the server would make.
type storeClient struct {
	store  *notesync.Store
	userID string
}

func (c *storeClient) StartSession(_ context.Context, notebookID string) (SessionInfo, error) {
	sess, err := c.store.StartSession(notebookID, c.userID)
	if err != nil {
		return SessionInfo{}, translateStoreErr(err)
	}
	return SessionInfo{
		Token:       sess.Token,
		NotebookID:  sess.NotebookID,
		BaseVersion: sess.BaseVersion,
		BaseContent: sess.BaseContent,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

func (c *storeClient) Sync(_ context.Context, _, sessionToken, patch, summary string) (SyncOutcome, error) {
	result, err := c.store.ApplyPatch(notesync.SyncRequest{
		SessionToken: sessionToken,
		Patch:        patch,
		Summary:      summary,
	})
	if err != nil {
		return SyncOutcome{}, translateStoreErr(err)
	}
	return SyncOutcome{
		Status:       result.Status,
		Version:      result.Version,
		Content:      result.Content,
		ConflictID:   result.ConflictID,
		YourContent:  result.YourContent,
		TheirContent: result.TheirContent,
	}, nil
}

func (c *storeClient) CheckVersion(_ context.Context, notebookID string) (VersionInfo, error) {
	status, err := c.store.CheckVersion(notebookID, c.userID)
	if err != nil {
		return VersionInfo{}, translateStoreErr(err)
	}
	return VersionInfo{
		NotebookID:       status.NotebookID,
		Version:          status.Version,
		UpdatedAt:        status.UpdatedAt,
		PendingConflicts: status.PendingConflicts,
	}, nil
}

func translateStoreErr(err error) error {
	if errors.Is(err, notesync.ErrSessionNotFound) || errors.Is(err, notesync.ErrSessionExpired) {
		return &SessionGoneError{}
	}
	return err
}

type syncFixture struct {
	store    *notesync.Store
	notebook notesync.Notebook
	filePath string
}

func newSyncFixture(t *testing.T, content string, agentRole notesync.Role) (*syncFixture, *Syncer) {
	t.Helper()
	store := notesync.NewStore()
	t.Cleanup(func() { _ = store.Close() })

	nb, err := store.CreateNotebook(notesync.CreateNotebookRequest{
		Title:   "agent notes",
		Content: content,
		OwnerID: "owner",
	})
	if err != nil {
		t.Fatalf("create notebook: %v", err)
	}
	if agentRole != notesync.RoleOwner {
		if err := store.SetMemberRole(nb.ID, "owner", "agent", agentRole); err != nil {
			t.Fatalf("grant agent: %v", err)
		}
	}
	if err := store.SetMemberRole(nb.ID, "owner", "rival", notesync.RoleEditor); err != nil {
		t.Fatalf("grant rival: %v", err)
	}

	agentUser := "agent"
	if agentRole == notesync.RoleOwner {
		agentUser = "owner"
	}
	filePath := filepath.Join(t.TempDir(), "notes.md")
	syncer, err := NewSyncer(&storeClient{store: store, userID: agentUser}, SyncerOptions{
		NotebookID: nb.ID,
		FilePath:   filePath,
	})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return &syncFixture{store: store, notebook: nb, filePath: filePath}, syncer
}

// rivalWrite commits content through a second editor's session so the
// agent's next sync sees the notebook moved underneath it.
func (f *syncFixture) rivalWrite(t *testing.T, content string) {
	t.Helper()
	sess, err := f.store.StartSession(f.notebook.ID, "rival")
	if err != nil {
		t.Fatalf("rival session: %v", err)
	}
	patch := textpatch.Diff(sess.BaseContent, content)
	result, err := f.store.ApplyPatch(notesync.SyncRequest{SessionToken: sess.Token, Patch: patch})
	if err != nil {
		t.Fatalf("rival sync: %v", err)
	}
	if result.Status != notesync.SyncStatusSuccess && result.Status != notesync.SyncStatusAutoMerged {
		t.Fatalf("rival write not accepted: %+v", result)
	}
}

func mustReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestSyncOnceMaterializesAndPushesEdits(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "# Plan\n", notesync.RoleEditor)
	ctx := context.Background()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if got := mustReadFile(t, fixture.filePath); got != "# Plan\n" {
		t.Fatalf("expected file to hold server copy, got %q", got)
	}

	if err := os.WriteFile(fixture.filePath, []byte("# Plan\n- step one\n"), 0o644); err != nil {
		t.Fatalf("local edit: %v", err)
	}
	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("push sync: %v", err)
	}

	nb, err := fixture.store.GetNotebook(fixture.notebook.ID, "owner")
	if err != nil {
		t.Fatalf("get notebook: %v", err)
	}
	if nb.Content != "# Plan\n- step one\n" {
		t.Fatalf("remote not updated: %q", nb.Content)
	}
	if nb.Version != 2 {
		t.Fatalf("expected version 2, got %d", nb.Version)
	}
}

func TestSyncOncePullsRemoteEdits(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "base\n", notesync.RoleEditor)
	ctx := context.Background()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	fixture.rivalWrite(t, "base\nremote addition\n")

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("pull sync: %v", err)
	}
	if got := mustReadFile(t, fixture.filePath); got != "base\nremote addition\n" {
		t.Fatalf("expected pulled content, got %q", got)
	}
}

func TestSyncOnceMergesDisjointEdits(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "alpha\nbeta\ngamma\n", notesync.RoleEditor)
	ctx := context.Background()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	fixture.rivalWrite(t, "alpha prime\nbeta\ngamma\n")

	if err := os.WriteFile(fixture.filePath, []byte("alpha\nbeta\ngamma prime\n"), 0o644); err != nil {
		t.Fatalf("local edit: %v", err)
	}
	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("merge sync: %v", err)
	}

	want := "alpha prime\nbeta\ngamma prime\n"
	if got := mustReadFile(t, fixture.filePath); got != want {
		t.Fatalf("expected merged content %q, got %q", want, got)
	}
	nb, _ := fixture.store.GetNotebook(fixture.notebook.ID, "owner")
	if nb.Content != want {
		t.Fatalf("remote merged content mismatch: %q", nb.Content)
	}
}

func TestQueuedConflictParksLocalCopy(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "shared line\n", notesync.RoleEditor)
	ctx := context.Background()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	fixture.rivalWrite(t, "rival line\n")

	if err := os.WriteFile(fixture.filePath, []byte("agent line\n"), 0o644); err != nil {
		t.Fatalf("local edit: %v", err)
	}
	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("conflict sync: %v", err)
	}

	// The agent follows the notebook; its own variant waits in a sidecar.
	if got := mustReadFile(t, fixture.filePath); got != "rival line\n" {
		t.Fatalf("expected server copy in file, got %q", got)
	}
	if got := mustReadFile(t, fixture.filePath+mineSuffix); got != "agent line\n" {
		t.Fatalf("expected local variant in sidecar, got %q", got)
	}

	conflicts, err := fixture.store.ListConflicts(fixture.notebook.ID, "owner", "")
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Status != notesync.ConflictStatusPending {
		t.Fatalf("expected one pending conflict, got %+v", conflicts)
	}

	// Once current, the next pass is a no-op.
	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("follow-up sync: %v", err)
	}
	if got := mustReadFile(t, fixture.filePath); got != "rival line\n" {
		t.Fatalf("file should stay on server copy, got %q", got)
	}
}

func TestReviewerConflictKeepsLocalFile(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "shared line\n", notesync.RoleOwner)
	ctx := context.Background()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	fixture.rivalWrite(t, "rival line\n")

	if err := os.WriteFile(fixture.filePath, []byte("owner line\n"), 0o644); err != nil {
		t.Fatalf("local edit: %v", err)
	}
	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("conflict sync: %v", err)
	}

	if got := mustReadFile(t, fixture.filePath); got != "owner line\n" {
		t.Fatalf("local file should be untouched, got %q", got)
	}
	if got := mustReadFile(t, fixture.filePath+theirsSuffix); got != "rival line\n" {
		t.Fatalf("expected remote variant in sidecar, got %q", got)
	}

	// Nothing was queued and nothing was committed.
	conflicts, err := fixture.store.ListConflicts(fixture.notebook.ID, "owner", "")
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected empty queue, got %+v", conflicts)
	}
}

// sessionDroppingClient reports the session gone exactly once to check
// the re-establish path.
type sessionDroppingClient struct {
	RemoteClient
	dropped bool
}

func (c *sessionDroppingClient) Sync(ctx context.Context, notebookID, sessionToken, patch, summary string) (SyncOutcome, error) {
	if !c.dropped {
		c.dropped = true
		return SyncOutcome{}, &SessionGoneError{Code: "session_expired"}
	}
	return c.RemoteClient.Sync(ctx, notebookID, sessionToken, patch, summary)
}

func TestSyncOnceReestablishesDroppedSession(t *testing.T) {
	store := notesync.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	nb, err := store.CreateNotebook(notesync.CreateNotebookRequest{Title: "n", Content: "hello", OwnerID: "owner"})
	if err != nil {
		t.Fatalf("create notebook: %v", err)
	}

	client := &sessionDroppingClient{RemoteClient: &storeClient{store: store, userID: "owner"}}
	filePath := filepath.Join(t.TempDir(), "notes.md")
	syncer, err := NewSyncer(client, SyncerOptions{NotebookID: nb.ID, FilePath: filePath})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}

	if err := os.WriteFile(filePath, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync should recover from dropped session: %v", err)
	}
	got, err := store.GetNotebook(nb.ID, "owner")
	if err != nil {
		t.Fatalf("get notebook: %v", err)
	}
	if got.Content != "hello world" {
		t.Fatalf("edit not pushed after session recovery: %q", got.Content)
	}
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestPollReportsQueuedConflicts(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "shared line\n", notesync.RoleEditor)
	logger := &recordingLogger{}
	syncer.logger = logger
	ctx := context.Background()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	fixture.rivalWrite(t, "rival line\n")
	if err := os.WriteFile(fixture.filePath, []byte("agent line\n"), 0o644); err != nil {
		t.Fatalf("local edit: %v", err)
	}
	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("conflict sync: %v", err)
	}

	// The agent is current again, but its conflict still sits in the
	// queue; the poll tick says so instead of staying silent.
	syncer.pollOnce(ctx, false)
	if !logger.contains("await review") {
		t.Fatalf("expected a pending conflict report, got %v", logger.lines)
	}
}

func TestRunFallsBackToPollingWhenWatcherDies(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "base\n", notesync.RoleEditor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// A closed channel is what the loop sees once the watcher goroutine
	// exits; it must drop to poll-only mode instead of spinning on the
	// dead channel and starving the debounce timer.
	changes := make(chan struct{})
	close(changes)

	done := make(chan error, 1)
	go func() {
		done <- syncer.run(ctx, RunOptions{Interval: 20 * time.Millisecond, Debounce: 10 * time.Millisecond}, changes)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(fixture.filePath, []byte("base\nlate edit\n"), 0o644); err != nil {
		t.Fatalf("local edit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		nb, err := fixture.store.GetNotebook(fixture.notebook.ID, "owner")
		if err != nil {
			t.Fatalf("get notebook: %v", err)
		}
		if nb.Content == "base\nlate edit\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("edit never synced after watcher loss, content %q", nb.Content)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStateSurvivesSyncerRestart(t *testing.T) {
	fixture, syncer := newSyncFixture(t, "persist me\n", notesync.RoleEditor)
	ctx := context.Background()

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// A fresh syncer over the same file reuses the saved session and
	// base instead of starting over.
	reborn, err := NewSyncer(&storeClient{store: fixture.store, userID: "agent"}, SyncerOptions{
		NotebookID: fixture.notebook.ID,
		FilePath:   fixture.filePath,
	})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	if err := os.WriteFile(fixture.filePath, []byte("persist me\nmore\n"), 0o644); err != nil {
		t.Fatalf("local edit: %v", err)
	}
	if err := reborn.SyncOnce(ctx); err != nil {
		t.Fatalf("sync after restart: %v", err)
	}
	nb, _ := fixture.store.GetNotebook(fixture.notebook.ID, "owner")
	if nb.Content != "persist me\nmore\n" {
		t.Fatalf("edit lost across restart: %q", nb.Content)
	}
	if nb.Version != 2 {
		t.Fatalf("expected a single committed write, got version %d", nb.Version)
	}
}

package notesync

import (
	"errors"
	"testing"

	"github.com/collabnotes/notesync/internal/textpatch"
)

func TestCreateNotebookValidation(t *testing.T) {
	s := NewStore()
	if _, err := s.CreateNotebook(CreateNotebookRequest{OwnerID: "owner"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing title, got %v", err)
	}
	if _, err := s.CreateNotebook(CreateNotebookRequest{Title: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing owner, got %v", err)
	}
	nb, err := s.CreateNotebook(CreateNotebookRequest{Title: "x", OwnerID: "owner"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if nb.Version != 1 {
		t.Fatalf("new notebook must start at version 1, got %d", nb.Version)
	}
	if _, err := s.CreateNotebook(CreateNotebookRequest{ID: nb.ID, Title: "y", OwnerID: "owner"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
}

func TestGetNotebookMembership(t *testing.T) {
	s := NewStore()
	nb := newTestNotebook(t, s, "content")
	if err := s.SetMemberRole(nb.ID, "owner", "carol", RoleViewer); err != nil {
		t.Fatalf("grant carol: %v", err)
	}
	if _, err := s.GetNotebook(nb.ID, "carol"); err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	if _, err := s.GetNotebook(nb.ID, "stranger"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := s.GetNotebook("nb_missing", "owner"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetMemberRoleGuards(t *testing.T) {
	s := NewStore()
	nb := newTestNotebook(t, s, "content")
	if err := s.SetMemberRole(nb.ID, "alice", "carol", RoleViewer); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("editor must not manage members, got %v", err)
	}
	if err := s.SetMemberRole(nb.ID, "owner", "owner", RoleEditor); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("owner role must be immutable, got %v", err)
	}
	if err := s.SetMemberRole(nb.ID, "owner", "carol", RoleOwner); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ownership must not be grantable, got %v", err)
	}
}

func TestCheckVersionCountsVisibleConflicts(t *testing.T) {
	s := NewStore()
	nb := newTestNotebook(t, s, "shared line")
	conflictID := queueConflict(t, s, nb.ID)

	ownerStatus, err := s.CheckVersion(nb.ID, "owner")
	if err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if ownerStatus.PendingConflicts != 1 {
		t.Fatalf("owner should count the pending conflict, got %d", ownerStatus.PendingConflicts)
	}
	bobStatus, err := s.CheckVersion(nb.ID, "bob")
	if err != nil {
		t.Fatalf("bob check: %v", err)
	}
	if bobStatus.PendingConflicts != 0 {
		t.Fatalf("bob should not count alice's conflict, got %d", bobStatus.PendingConflicts)
	}
	if _, err := s.ResolveConflict(ResolveRequest{ConflictID: conflictID, UserID: "owner", Strategy: StrategyTheirs}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ownerStatus, _ = s.CheckVersion(nb.ID, "owner")
	if ownerStatus.PendingConflicts != 0 {
		t.Fatalf("resolved conflicts must not be counted, got %d", ownerStatus.PendingConflicts)
	}
}

func TestEventFeedCursorPaging(t *testing.T) {
	s := NewStore()
	nb := newTestNotebook(t, s, "v0")
	sess := mustStartSession(t, s, nb.ID, "alice")
	contents := []string{"v1", "v2", "v3"}
	base := sess.BaseContent
	for _, next := range contents {
		patch := textpatch.Diff(base, next)
		result, err := s.ApplyPatch(SyncRequest{SessionToken: sess.Token, Patch: patch})
		if err != nil {
			t.Fatalf("sync to %s: %v", next, err)
		}
		base = result.Content
	}

	feed, err := s.ListEvents(nb.ID, "owner", "", 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(feed.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(feed.Events))
	}
	if feed.NextCursor == nil {
		t.Fatalf("expected a next cursor")
	}

	rest, err := s.ListEvents(nb.ID, "owner", *feed.NextCursor, 100)
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	// 4 writes total (create + 3 syncs); the first page held 2.
	if len(rest.Events) != 2 {
		t.Fatalf("expected 2 remaining events, got %d", len(rest.Events))
	}
	if rest.NextCursor != nil {
		t.Fatalf("expected exhausted feed")
	}
	for _, event := range rest.Events {
		if event.Type != EventNotebookUpdated {
			t.Fatalf("unexpected event type %s", event.Type)
		}
	}
}

func TestVersionHistory(t *testing.T) {
	s := NewStore()
	nb := newTestNotebook(t, s, "v0")
	sess := mustStartSession(t, s, nb.ID, "alice")
	patch := textpatch.Diff(sess.BaseContent, "v1")
	if _, err := s.ApplyPatch(SyncRequest{SessionToken: sess.Token, Patch: patch, Summary: "first edit"}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	history, err := s.ListVersions(nb.ID, "owner", 10)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Version != 2 || history[0].Content != "v1" || history[0].Summary != "first edit" {
		t.Fatalf("unexpected newest entry: %+v", history[0])
	}
	if history[1].Version != 1 || history[1].Content != "v0" {
		t.Fatalf("unexpected oldest entry: %+v", history[1])
	}
}

func TestSubscribeReceivesWriteEvents(t *testing.T) {
	s := NewStore()
	nb := newTestNotebook(t, s, "v0")
	ch, cancel := s.Subscribe(nb.ID)
	defer cancel()

	sess := mustStartSession(t, s, nb.ID, "alice")
	patch := textpatch.Diff(sess.BaseContent, "v1")
	if _, err := s.ApplyPatch(SyncRequest{SessionToken: sess.Token, Patch: patch}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	select {
	case event := <-ch:
		if event.Type != EventNotebookUpdated || event.Version != 2 {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatalf("expected a buffered event")
	}
}

func TestOverviewAndBackendStatus(t *testing.T) {
	s := NewStoreWithOptions(StoreOptions{StateBackend: NewInMemoryStateBackend(), BackendProfile: "memory"})
	nb := newTestNotebook(t, s, "shared line")
	mustStartSession(t, s, nb.ID, "alice")
	queueConflict(t, s, nb.ID)

	overview := s.Overview()
	if len(overview) != 1 {
		t.Fatalf("expected one notebook, got %d", len(overview))
	}
	if overview[0].PendingConflicts != 1 {
		t.Fatalf("expected one pending conflict, got %d", overview[0].PendingConflicts)
	}
	if overview[0].ActiveSessions == 0 {
		t.Fatalf("expected active sessions counted")
	}

	status := s.BackendStatus()
	if status.StateBackend != "memory" || status.BackendProfile != "memory" {
		t.Fatalf("unexpected backend status: %+v", status)
	}
	if status.PendingConflicts != 1 || status.Notebooks != 1 {
		t.Fatalf("unexpected counts: %+v", status)
	}
}

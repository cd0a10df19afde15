package notesync

import (
	"os"
	"strings"
	"testing"
)

// Integration coverage for the Postgres snapshot backend. Gated on a real
// database: set NOTESYNC_TEST_POSTGRES_DSN to run.
func TestPostgresStateBackendRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("NOTESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("NOTESYNC_TEST_POSTGRES_DSN not set")
	}

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer func() {
		if closer, ok := backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	}()

	state := &persistedState{
		NotebookCounter: 7,
		Notebooks: map[string]*notebookState{
			"nb_7": {
				Notebook:  Notebook{ID: "nb_7", Title: "integration", Content: "body", Version: 3},
				Members:   map[string]Role{"owner": RoleOwner},
				Conflicts: map[string]*Conflict{},
			},
		},
		Sessions: map[string]*Session{},
	}
	if err := backend.Save(state); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.NotebookCounter != 7 {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
	nb, ok := loaded.Notebooks["nb_7"]
	if !ok || nb.Notebook.Version != 3 || nb.Notebook.Content != "body" {
		t.Fatalf("notebook did not round trip: %+v", nb)
	}
}

func TestNewPostgresStateBackendRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresStateBackend("   "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

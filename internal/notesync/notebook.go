package notesync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type CreateNotebookRequest struct {
	ID            string
	Title         string
	Content       string
	OwnerID       string
	CorrelationID string
}

// CreateNotebook registers a notebook at version 1 with ownerID as its
// owner. The initial content counts as the first accepted write.
func (s *Store) CreateNotebook(req CreateNotebookRequest) (Notebook, error) {
	if strings.TrimSpace(req.Title) == "" {
		return Notebook{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return Notebook{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.nextNotebookIDLocked()
	}
	if _, exists := s.notebooks[id]; exists {
		return Notebook{}, fmt.Errorf("%w: notebook %s already exists", ErrInvalidInput, id)
	}
	now := nowTimestamp()
	nb := &notebookState{
		Notebook: Notebook{
			ID:        id,
			Title:     strings.TrimSpace(req.Title),
			Content:   req.Content,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Members:   map[string]Role{req.OwnerID: RoleOwner},
		Conflicts: map[string]*Conflict{},
	}
	s.notebooks[id] = nb
	s.appendHistoryLocked(nb, req.OwnerID, "notebook created")
	s.recordEventLocked(nb, Event{
		Type:          EventNotebookUpdated,
		NotebookID:    id,
		Version:       1,
		ActorID:       req.OwnerID,
		CorrelationID: req.CorrelationID,
	})
	s.saveLocked()
	return nb.Notebook, nil
}

// GetNotebook returns the notebook for any member, viewers included.
func (s *Store) GetNotebook(notebookID, userID string) (Notebook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return Notebook{}, err
	}
	if _, err := s.requireRoleLocked(nb, userID, RoleViewer); err != nil {
		return Notebook{}, err
	}
	return nb.Notebook, nil
}

type VersionStatus struct {
	NotebookID       string `json:"notebookId"`
	Version          int64  `json:"version"`
	UpdatedAt        string `json:"updatedAt"`
	PendingConflicts int    `json:"pendingConflicts"`
}

// CheckVersion is the cheap poll primitive: current version plus the
// number of pending conflicts visible to the caller.
func (s *Store) CheckVersion(notebookID, userID string) (VersionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return VersionStatus{}, err
	}
	role, err := s.requireRoleLocked(nb, userID, RoleViewer)
	if err != nil {
		return VersionStatus{}, err
	}
	status := VersionStatus{
		NotebookID: notebookID,
		Version:    nb.Notebook.Version,
		UpdatedAt:  nb.Notebook.UpdatedAt,
	}
	for _, c := range nb.Conflicts {
		if c.Status != ConflictStatusPending {
			continue
		}
		if role.canManage() || c.UserID == userID {
			status.PendingConflicts++
		}
	}
	return status, nil
}

// SetMemberRole grants or changes a member's role. Requires admin or
// owner; the owner's own role is immutable through this path.
func (s *Store) SetMemberRole(notebookID, actorID, userID string, role Role) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return err
	}
	if _, err := s.requireRoleLocked(nb, actorID, RoleAdmin); err != nil {
		return err
	}
	if existing, ok := nb.Members[userID]; ok && existing == RoleOwner {
		return fmt.Errorf("%w: the owner role cannot be reassigned", ErrPermissionDenied)
	}
	if role == RoleOwner {
		return fmt.Errorf("%w: ownership cannot be granted through membership", ErrPermissionDenied)
	}
	nb.Members[userID] = role
	s.saveLocked()
	return nil
}

// Members returns the notebook's membership map for admins and owners.
func (s *Store) Members(notebookID, userID string) (map[string]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireRoleLocked(nb, userID, RoleAdmin); err != nil {
		return nil, err
	}
	out := make(map[string]Role, len(nb.Members))
	for id, role := range nb.Members {
		out[id] = role
	}
	return out, nil
}

// ListEvents pages through a notebook's event feed. cursor is the last
// event ID already seen; events after it are returned, oldest first.
func (s *Store) ListEvents(notebookID, userID, cursor string, limit int) (EventFeed, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return EventFeed{}, err
	}
	if _, err := s.requireRoleLocked(nb, userID, RoleViewer); err != nil {
		return EventFeed{}, err
	}

	start := 0
	if strings.TrimSpace(cursor) != "" {
		start = len(nb.Events)
		for i, event := range nb.Events {
			if event.EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	events := nb.Events[start:]
	feed := EventFeed{Events: []Event{}}
	for i, event := range events {
		if i >= limit {
			next := feed.Events[len(feed.Events)-1].EventID
			feed.NextCursor = &next
			break
		}
		feed.Events = append(feed.Events, event)
	}
	return feed, nil
}

// ListVersions returns up to limit most recent history entries, newest
// first.
func (s *Store) ListVersions(notebookID, userID string, limit int) ([]VersionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireRoleLocked(nb, userID, RoleViewer); err != nil {
		return nil, err
	}
	out := make([]VersionEntry, 0, limit)
	for i := len(nb.History) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, nb.History[i])
	}
	return out, nil
}

type NotebookOverview struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Version          int64  `json:"version"`
	UpdatedAt        string `json:"updatedAt"`
	Members          int    `json:"members"`
	ActiveSessions   int    `json:"activeSessions"`
	PendingConflicts int    `json:"pendingConflicts"`
}

// Overview summarizes every notebook for the operator surface.
func (s *Store) Overview() []NotebookOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NotebookOverview, 0, len(s.notebooks))
	for id, nb := range s.notebooks {
		item := NotebookOverview{
			ID:        id,
			Title:     nb.Notebook.Title,
			Version:   nb.Notebook.Version,
			UpdatedAt: nb.Notebook.UpdatedAt,
			Members:   len(nb.Members),
		}
		for _, c := range nb.Conflicts {
			if c.Status == ConflictStatusPending {
				item.PendingConflicts++
			}
		}
		for _, sess := range s.sessions {
			if sess.NotebookID == id {
				item.ActiveSessions++
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return notebookSortKey(out[i].ID) < notebookSortKey(out[j].ID)
	})
	return out
}

// notebookSortKey orders generated IDs numerically and everything else
// lexically after them.
func notebookSortKey(id string) string {
	if n, err := strconv.Atoi(strings.TrimPrefix(id, "nb_")); err == nil {
		return fmt.Sprintf("a%012d", n)
	}
	return "b" + id
}

package notesync

import (
	"fmt"
	"sort"
	"strings"
)

// ListConflicts returns the conflicts of a notebook visible to userID,
// newest first. Owners and admins see every conflict; editors see only
// their own. statusFilter narrows by status when non-empty.
func (s *Store) ListConflicts(notebookID, userID, statusFilter string) ([]Conflict, error) {
	statusFilter = strings.ToLower(strings.TrimSpace(statusFilter))
	if statusFilter != "" && statusFilter != ConflictStatusPending && statusFilter != ConflictStatusResolved {
		return nil, fmt.Errorf("%w: unknown conflict status %q", ErrInvalidInput, statusFilter)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return nil, err
	}
	role, err := s.requireRoleLocked(nb, userID, RoleEditor)
	if err != nil {
		return nil, err
	}

	out := make([]Conflict, 0, len(nb.Conflicts))
	for _, c := range nb.Conflicts {
		if statusFilter != "" && c.Status != statusFilter {
			continue
		}
		if !role.canManage() && c.UserID != userID {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

// GetConflict returns one conflict with full variant contents, subject to
// the same visibility rule as ListConflicts.
func (s *Store) GetConflict(conflictID, userID string) (Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	notebookID, ok := s.conflictIndex[conflictID]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID)
	}
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return Conflict{}, err
	}
	role, err := s.requireRoleLocked(nb, userID, RoleEditor)
	if err != nil {
		return Conflict{}, err
	}
	c, ok := nb.Conflicts[conflictID]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID)
	}
	if !role.canManage() && c.UserID != userID {
		return Conflict{}, fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID)
	}
	return *c, nil
}

type ResolveRequest struct {
	ConflictID    string
	UserID        string
	Strategy      string
	FinalContent  string
	CorrelationID string
}

type ResolveResult struct {
	Conflict Conflict `json:"conflict"`
	Version  int64    `json:"version"`
	Content  string   `json:"content"`
}

// ResolveConflict applies a disposition to a pending conflict and writes
// the chosen content as a new notebook version. Only owners and admins
// may resolve. Resolution is atomic: a second resolver observes either
// PENDING or RESOLVED, never an in-between state, and the loser gets
// ErrAlreadyResolved.
func (s *Store) ResolveConflict(req ResolveRequest) (ResolveResult, error) {
	strategy := strings.ToLower(strings.TrimSpace(req.Strategy))
	s.mu.Lock()
	defer s.mu.Unlock()

	notebookID, ok := s.conflictIndex[req.ConflictID]
	if !ok {
		return ResolveResult{}, fmt.Errorf("%w: conflict %s", ErrNotFound, req.ConflictID)
	}
	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return ResolveResult{}, err
	}
	if _, err := s.requireRoleLocked(nb, req.UserID, RoleAdmin); err != nil {
		return ResolveResult{}, err
	}
	c, ok := nb.Conflicts[req.ConflictID]
	if !ok {
		return ResolveResult{}, fmt.Errorf("%w: conflict %s", ErrNotFound, req.ConflictID)
	}
	if c.Status != ConflictStatusPending {
		return ResolveResult{}, fmt.Errorf("%w: conflict %s", ErrAlreadyResolved, req.ConflictID)
	}

	var resolved string
	switch strategy {
	case StrategyYours:
		resolved = c.YourContent
	case StrategyTheirs:
		resolved = c.TheirContent
	case StrategyManual:
		if strings.TrimSpace(req.FinalContent) == "" {
			return ResolveResult{}, fmt.Errorf("%w: manual resolution requires final content", ErrValidation)
		}
		resolved = req.FinalContent
	default:
		return ResolveResult{}, fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidInput, req.Strategy)
	}

	s.commitContentLocked(nb, resolved, req.UserID, "conflict resolution ("+strategy+")", req.CorrelationID)

	c.Status = ConflictStatusResolved
	c.Strategy = strategy
	c.ResolvedContent = resolved
	c.ResolvedBy = req.UserID
	c.ResolvedAt = nowTimestamp()
	s.recordEventLocked(nb, Event{
		Type:          EventConflictResolved,
		NotebookID:    nb.Notebook.ID,
		Version:       nb.Notebook.Version,
		ConflictID:    c.ID,
		ActorID:       req.UserID,
		CorrelationID: req.CorrelationID,
	})
	s.saveLocked()
	return ResolveResult{
		Conflict: *c,
		Version:  nb.Notebook.Version,
		Content:  nb.Notebook.Content,
	}, nil
}

package notesync

import (
	"fmt"
	"strings"

	"github.com/collabnotes/notesync/internal/textpatch"
)

const (
	SyncStatusSuccess         = "success"
	SyncStatusAutoMerged      = "auto_merged"
	SyncStatusConflict        = "conflict"
	SyncStatusConflictPending = "conflict_pending"
	SyncStatusNoChanges       = "no_changes"
)

type SyncRequest struct {
	SessionToken  string
	Patch         string
	Summary       string
	CorrelationID string
}

type SyncResult struct {
	Status       string `json:"status"`
	Version      int64  `json:"version"`
	Content      string `json:"content,omitempty"`
	ConflictID   string `json:"conflictId,omitempty"`
	YourContent  string `json:"yourContent,omitempty"`
	TheirContent string `json:"theirContent,omitempty"`
}

// ApplyPatch runs one round of the merge cycle for a session. The whole
// read-compare-write sequence holds the store lock, so at most one caller
// can win a compare-and-swap against any given version.
func (s *Store) ApplyPatch(req SyncRequest) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessionLocked(req.SessionToken)
	if err != nil {
		return SyncResult{}, err
	}
	nb, err := s.notebookLocked(sess.NotebookID)
	if err != nil {
		return SyncResult{}, err
	}
	if _, err := s.requireRoleLocked(nb, sess.UserID, RoleEditor); err != nil {
		return SyncResult{}, err
	}

	patch := strings.TrimSpace(req.Patch)
	if patch == "" {
		// Nothing to push. Either the session is current, or it is
		// behind and this is a pull: hand back the canonical state and
		// move the base forward. No write happens in either case.
		if sess.BaseVersion == nb.Notebook.Version {
			return SyncResult{
				Status:  SyncStatusNoChanges,
				Version: nb.Notebook.Version,
				Content: nb.Notebook.Content,
			}, nil
		}
		s.rebaseSessionLocked(sess, nb)
		s.saveLocked()
		return SyncResult{
			Status:  SyncStatusAutoMerged,
			Version: nb.Notebook.Version,
			Content: nb.Notebook.Content,
		}, nil
	}

	if sess.BaseVersion == nb.Notebook.Version {
		result, applyErr := textpatch.Apply(nb.Notebook.Content, patch)
		if applyErr != nil {
			return SyncResult{}, fmt.Errorf("%w: %v", ErrValidation, applyErr)
		}
		s.commitContentLocked(nb, result, sess.UserID, req.Summary, req.CorrelationID)
		s.rebaseSessionLocked(sess, nb)
		s.saveLocked()
		return SyncResult{
			Status:  SyncStatusSuccess,
			Version: nb.Notebook.Version,
			Content: nb.Notebook.Content,
		}, nil
	}

	// The notebook moved past this session's base. Reconstruct the
	// caller's intended document against the old base and try to carry
	// it onto the current content.
	yours, applyErr := textpatch.Apply(sess.BaseContent, patch)
	if applyErr != nil {
		return SyncResult{}, fmt.Errorf("%w: %v", ErrValidation, applyErr)
	}
	theirs := nb.Notebook.Content
	merged, blocks, mergeErr := textpatch.Merge(sess.BaseContent, yours, theirs)
	if mergeErr == nil {
		summary := req.Summary
		if summary == "" {
			summary = "auto-merged concurrent edits"
		}
		s.commitContentLocked(nb, merged, sess.UserID, summary, req.CorrelationID)
		s.rebaseSessionLocked(sess, nb)
		s.saveLocked()
		return SyncResult{
			Status:  SyncStatusAutoMerged,
			Version: nb.Notebook.Version,
			Content: nb.Notebook.Content,
		}, nil
	}

	role, _ := s.memberRoleLocked(nb, sess.UserID)
	switch role.conflictDisposition() {
	case dispositionReturn:
		// The caller can resolve on the spot. Hand back both variants
		// and record nothing; the notebook and session are untouched.
		return SyncResult{
			Status:       SyncStatusConflict,
			Version:      nb.Notebook.Version,
			YourContent:  yours,
			TheirContent: theirs,
		}, nil
	default:
		conflict := &Conflict{
			ID:            s.nextConflictIDLocked(),
			NotebookID:    nb.Notebook.ID,
			UserID:        sess.UserID,
			ServerVersion: nb.Notebook.Version,
			ClientVersion: sess.BaseVersion,
			BaseContent:   sess.BaseContent,
			YourContent:   yours,
			TheirContent:  theirs,
			Blocks:        convertBlocks(blocks),
			Status:        ConflictStatusPending,
			CreatedAt:     nowTimestamp(),
		}
		nb.Conflicts[conflict.ID] = conflict
		s.conflictIndex[conflict.ID] = nb.Notebook.ID
		s.recordEventLocked(nb, Event{
			Type:          EventConflictCreated,
			NotebookID:    nb.Notebook.ID,
			Version:       nb.Notebook.Version,
			ConflictID:    conflict.ID,
			ActorID:       sess.UserID,
			CorrelationID: req.CorrelationID,
		})
		s.saveLocked()
		return SyncResult{
			Status:     SyncStatusConflictPending,
			Version:    nb.Notebook.Version,
			ConflictID: conflict.ID,
		}, nil
	}
}

// commitContentLocked is the single place a notebook's version advances:
// exactly one increment per accepted write.
func (s *Store) commitContentLocked(nb *notebookState, content, authorID, summary, correlationID string) {
	nb.Notebook.Version++
	nb.Notebook.Content = content
	nb.Notebook.UpdatedAt = nowTimestamp()
	s.appendHistoryLocked(nb, authorID, summary)
	s.recordEventLocked(nb, Event{
		Type:          EventNotebookUpdated,
		NotebookID:    nb.Notebook.ID,
		Version:       nb.Notebook.Version,
		ActorID:       authorID,
		CorrelationID: correlationID,
	})
}

func convertBlocks(blocks []textpatch.ConflictBlock) []ConflictBlock {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]ConflictBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, ConflictBlock{Line: b.Line, Base: b.Base, Yours: b.Yours, Theirs: b.Theirs})
	}
	return out
}

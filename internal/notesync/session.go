package notesync

import (
	"fmt"
	"strings"
	"time"
)

// StartSession opens a sync session for userID on a notebook, snapshotting
// the current content and version under a fresh opaque token. Any previous
// session the same user held on the notebook is discarded: one active
// editing context per user per notebook.
func (s *Store) StartSession(notebookID, userID string) (Session, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.notebookLocked(notebookID)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.requireRoleLocked(nb, userID, RoleEditor); err != nil {
		return Session{}, err
	}

	for token, sess := range s.sessions {
		if sess.NotebookID == notebookID && sess.UserID == userID {
			delete(s.sessions, token)
		}
	}

	now := time.Now().UTC()
	session := &Session{
		Token:       newSessionToken(),
		NotebookID:  notebookID,
		UserID:      userID,
		BaseVersion: nb.Notebook.Version,
		BaseContent: nb.Notebook.Content,
		CreatedAt:   now.Format(time.RFC3339Nano),
		ExpiresAt:   now.Add(s.sessionTTL).Format(time.RFC3339Nano),
	}
	s.sessions[session.Token] = session
	s.saveLocked()
	return *session, nil
}

// sessionLocked resolves a token, expiring it lazily. Expired sessions are
// removed on first touch.
func (s *Store) sessionLocked(token string) (*Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if expiresAt, err := time.Parse(time.RFC3339Nano, sess.ExpiresAt); err == nil {
		if !time.Now().UTC().Before(expiresAt) {
			delete(s.sessions, token)
			s.saveLocked()
			return nil, ErrSessionExpired
		}
	}
	return sess, nil
}

// rebaseSessionLocked moves a session's snapshot to the notebook's current
// state. The token survives; only the base moves.
func (s *Store) rebaseSessionLocked(sess *Session, nb *notebookState) {
	sess.BaseVersion = nb.Notebook.Version
	sess.BaseContent = nb.Notebook.Content
	sess.ExpiresAt = time.Now().UTC().Add(s.sessionTTL).Format(time.RFC3339Nano)
}

// GetSession returns a copy of the session for token. The HTTP layer
// uses it to bind a token to the calling identity before syncing.
func (s *Store) GetSession(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.sessionLocked(token)
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

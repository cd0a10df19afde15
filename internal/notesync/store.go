package notesync

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Notebook struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type VersionEntry struct {
	Version   int64  `json:"version"`
	Content   string `json:"content"`
	AuthorID  string `json:"authorId"`
	Summary   string `json:"summary,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type Session struct {
	Token       string `json:"token"`
	NotebookID  string `json:"notebookId"`
	UserID      string `json:"userId"`
	BaseVersion int64  `json:"baseVersion"`
	BaseContent string `json:"baseContent"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
}

const (
	ConflictStatusPending  = "pending"
	ConflictStatusResolved = "resolved"
)

const (
	StrategyYours  = "yours"
	StrategyTheirs = "theirs"
	StrategyManual = "manual"
)

type Conflict struct {
	ID              string          `json:"id"`
	NotebookID      string          `json:"notebookId"`
	UserID          string          `json:"userId"`
	ServerVersion   int64           `json:"serverVersion"`
	ClientVersion   int64           `json:"clientVersion"`
	BaseContent     string          `json:"baseContent"`
	YourContent     string          `json:"yourContent"`
	TheirContent    string          `json:"theirContent"`
	Blocks          []ConflictBlock `json:"blocks,omitempty"`
	Status          string          `json:"status"`
	Strategy        string          `json:"strategy,omitempty"`
	ResolvedContent string          `json:"resolvedContent,omitempty"`
	ResolvedBy      string          `json:"resolvedBy,omitempty"`
	ResolvedAt      string          `json:"resolvedAt,omitempty"`
	CreatedAt       string          `json:"createdAt"`
}

// ConflictBlock mirrors textpatch.ConflictBlock so persisted conflicts do
// not depend on the patch engine's wire layout.
type ConflictBlock struct {
	Line   int    `json:"line"`
	Base   string `json:"base"`
	Yours  string `json:"yours"`
	Theirs string `json:"theirs"`
}

const (
	EventNotebookUpdated  = "notebook.updated"
	EventConflictCreated  = "conflict.created"
	EventConflictResolved = "conflict.resolved"
)

type Event struct {
	EventID       string `json:"eventId"`
	Type          string `json:"type"`
	NotebookID    string `json:"notebookId"`
	Version       int64  `json:"version,omitempty"`
	ConflictID    string `json:"conflictId,omitempty"`
	ActorID       string `json:"actorId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

type notebookState struct {
	Notebook  Notebook             `json:"notebook"`
	Members   map[string]Role      `json:"members"`
	History   []VersionEntry       `json:"history"`
	Conflicts map[string]*Conflict `json:"conflicts"`
	Events    []Event              `json:"events"`
}

type persistedState struct {
	NotebookCounter uint64                    `json:"notebookCounter"`
	ConflictCounter uint64                    `json:"conflictCounter"`
	EventCounter    uint64                    `json:"eventCounter"`
	Notebooks       map[string]*notebookState `json:"notebooks"`
	Sessions        map[string]*Session       `json:"sessions"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type StoreOptions struct {
	StateFile         string
	StateBackend      StateBackend
	SessionTTL        time.Duration
	MaxEvents         int
	MaxVersionHistory int
	BackendProfile    string
}

type Store struct {
	mu              sync.RWMutex
	notebooks       map[string]*notebookState
	sessions        map[string]*Session
	conflictIndex   map[string]string
	notebookCounter uint64
	conflictCounter uint64
	eventCounter    uint64

	stateBackend   StateBackend
	sessionTTL     time.Duration
	maxEvents      int
	maxHistory     int
	backendProfile string

	subMu       sync.Mutex
	subscribers map[string]map[int]chan Event
	subSeq      int
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	sessionTTL := opts.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	maxHistory := opts.MaxVersionHistory
	if maxHistory <= 0 {
		maxHistory = 200
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	backendProfile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if backendProfile == "" {
		backendProfile = "custom"
	}

	s := &Store{
		notebooks:      map[string]*notebookState{},
		sessions:       map[string]*Session{},
		conflictIndex:  map[string]string{},
		stateBackend:   stateBackend,
		sessionTTL:     sessionTTL,
		maxEvents:      maxEvents,
		maxHistory:     maxHistory,
		backendProfile: backendProfile,
		subscribers:    map[string]map[int]chan Event{},
	}
	_ = s.loadFromBackend()
	return s
}

func (s *Store) Close() error {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notebookCounter = snapshot.NotebookCounter
	s.conflictCounter = snapshot.ConflictCounter
	s.eventCounter = snapshot.EventCounter
	if snapshot.Notebooks != nil {
		s.notebooks = snapshot.Notebooks
	}
	if snapshot.Sessions != nil {
		s.sessions = snapshot.Sessions
	}
	for id, nb := range s.notebooks {
		if nb.Members == nil {
			nb.Members = map[string]Role{}
		}
		if nb.Conflicts == nil {
			nb.Conflicts = map[string]*Conflict{}
		}
		for conflictID := range nb.Conflicts {
			s.conflictIndex[conflictID] = id
		}
	}
	return nil
}

func (s *Store) saveLocked() {
	if s.stateBackend == nil {
		return
	}
	snapshot := &persistedState{
		NotebookCounter: s.notebookCounter,
		ConflictCounter: s.conflictCounter,
		EventCounter:    s.eventCounter,
		Notebooks:       s.notebooks,
		Sessions:        s.sessions,
	}
	_ = s.stateBackend.Save(snapshot)
}

func (s *Store) notebookLocked(notebookID string) (*notebookState, error) {
	nb, ok := s.notebooks[notebookID]
	if !ok {
		return nil, fmt.Errorf("%w: notebook %s", ErrNotFound, notebookID)
	}
	return nb, nil
}

func (s *Store) memberRoleLocked(nb *notebookState, userID string) (Role, bool) {
	role, ok := nb.Members[userID]
	return role, ok
}

func (s *Store) requireRoleLocked(nb *notebookState, userID string, min Role) (Role, error) {
	role, ok := s.memberRoleLocked(nb, userID)
	if !ok || role < min {
		return RoleViewer, fmt.Errorf("%w: %s requires %s on notebook %s", ErrPermissionDenied, userID, min, nb.Notebook.ID)
	}
	return role, nil
}

func (s *Store) nextNotebookIDLocked() string {
	s.notebookCounter++
	return fmt.Sprintf("nb_%d", s.notebookCounter)
}

func (s *Store) nextConflictIDLocked() string {
	s.conflictCounter++
	return fmt.Sprintf("cfl_%d", s.conflictCounter)
}

func (s *Store) nextEventIDLocked() string {
	s.eventCounter++
	return fmt.Sprintf("evt_%d", s.eventCounter)
}

func newSessionToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "sess_" + hex.EncodeToString(buf)
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) recordEventLocked(nb *notebookState, event Event) {
	event.EventID = s.nextEventIDLocked()
	event.Timestamp = nowTimestamp()
	nb.Events = append(nb.Events, event)
	if len(nb.Events) > s.maxEvents {
		nb.Events = nb.Events[len(nb.Events)-s.maxEvents:]
	}
	s.broadcast(nb.Notebook.ID, event)
}

func (s *Store) appendHistoryLocked(nb *notebookState, authorID, summary string) {
	nb.History = append(nb.History, VersionEntry{
		Version:   nb.Notebook.Version,
		Content:   nb.Notebook.Content,
		AuthorID:  authorID,
		Summary:   summary,
		CreatedAt: nowTimestamp(),
	})
	if len(nb.History) > s.maxHistory {
		nb.History = nb.History[len(nb.History)-s.maxHistory:]
	}
}

// Subscribe registers a live event channel for a notebook. The returned
// cancel func must be called when the subscriber goes away. Slow
// subscribers lose events rather than blocking writers.
func (s *Store) Subscribe(notebookID string) (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan Event, 16)
	if s.subscribers[notebookID] == nil {
		s.subscribers[notebookID] = map[int]chan Event{}
	}
	s.subSeq++
	id := s.subSeq
	s.subscribers[notebookID][id] = ch
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if subs, ok := s.subscribers[notebookID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subscribers, notebookID)
			}
		}
	}
	return ch, cancel
}

func (s *Store) broadcast(notebookID string, event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers[notebookID] {
		select {
		case ch <- event:
		default:
		}
	}
}

type BackendStatus struct {
	BackendProfile   string `json:"backendProfile"`
	StateBackend     string `json:"stateBackend"`
	Notebooks        int    `json:"notebooks"`
	ActiveSessions   int    `json:"activeSessions"`
	PendingConflicts int    `json:"pendingConflicts"`
}

func (s *Store) BackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := BackendStatus{
		BackendProfile: s.backendProfile,
		StateBackend:   describeStateBackend(s.stateBackend),
		Notebooks:      len(s.notebooks),
		ActiveSessions: len(s.sessions),
	}
	for _, nb := range s.notebooks {
		for _, c := range nb.Conflicts {
			if c.Status == ConflictStatusPending {
				status.PendingConflicts++
			}
		}
	}
	return status
}

func describeStateBackend(backend StateBackend) string {
	switch backend.(type) {
	case nil:
		return "none"
	case *InMemoryStateBackend:
		return "memory"
	case *JSONFileStateBackend:
		return "file"
	case *PostgresStateBackend:
		return "postgres"
	default:
		return "custom"
	}
}

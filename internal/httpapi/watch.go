package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type watchMessage struct {
	Type             string `json:"type"`
	NotebookID       string `json:"notebookId"`
	Version          int64  `json:"version,omitempty"`
	ConflictID       string `json:"conflictId,omitempty"`
	PendingConflicts int    `json:"pendingConflicts,omitempty"`
	EventID          string `json:"eventId,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
}

// handleWatch upgrades to a websocket and streams write and conflict
// events for one notebook. The first frame is a snapshot of the current
// version so the client can decide whether it is already behind.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, notebookID string, claims tokenClaims, correlationID string) {
	status, err := s.store.CheckVersion(notebookID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "watch aborted")

	// The client never sends data frames; CloseRead pumps control
	// frames and cancels the context when the peer goes away.
	ctx := c.CloseRead(r.Context())

	events, cancel := s.store.Subscribe(notebookID)
	defer cancel()

	snapshot := watchMessage{
		Type:             "snapshot",
		NotebookID:       notebookID,
		Version:          status.Version,
		PendingConflicts: status.PendingConflicts,
		Timestamp:        status.UpdatedAt,
	}
	if err := wsjson.Write(ctx, c, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			msg := watchMessage{
				Type:       event.Type,
				NotebookID: event.NotebookID,
				Version:    event.Version,
				ConflictID: event.ConflictID,
				EventID:    event.EventID,
				Timestamp:  event.Timestamp,
			}
			if err := wsjson.Write(ctx, c, msg); err != nil {
				return
			}
		}
	}
}

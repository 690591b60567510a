package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"inkpad/api/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const maxFrameSize = 1 << 20

// Handler returns the HTTP surface of the collaboration core: the websocket
// endpoint plus the health and presence views.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{document_id}/users", h.handleActiveUsers).Methods(http.MethodGet)
	r.HandleFunc("/ws/{document_id}", h.ServeWS)
	return r
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Hub) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]
	users := h.registry.ActiveUsers(documentID)
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":  documentID,
		"active_users": users,
		"count":        len(users),
	})
}

// ServeWS upgrades the connection, authenticates the credential before any
// session or document state is allocated, joins the document and runs the
// read loop until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	principal, err := auth.Authenticate(h.secret, r.URL.Query().Get("token"))
	if err != nil {
		reason := "Invalid token"
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			reason = "Missing token"
		case errors.Is(err, auth.ErrExpiredToken):
			reason = "Expired token"
		}
		log.Printf("websocket connection rejected for document %s: %s", documentID, reason)
		deadline := time.Now().Add(h.writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		_ = conn.Close()
		return
	}

	username := principal.Username
	if username == principal.UserID && h.directory != nil {
		if resolved, err := h.directory.ResolveUsername(r.Context(), principal.UserID); err == nil {
			username = resolved
		}
	}

	s := newSession(uuid.NewString(), documentID, principal.UserID, username, conn, h.queueSize)

	content, activeUsers, err := h.registry.Join(r.Context(), documentID, s)
	if err != nil {
		log.Printf("join failed for document %s: %v", documentID, err)
		deadline := time.Now().Add(h.writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "document unavailable"), deadline)
		_ = conn.Close()
		return
	}
	log.Printf("session %s (user %s) joined document %s", s.ID, s.UserID, documentID)

	go s.writePump(h.writeTimeout, h.idleTimeout*9/10)

	init, err := marshalEvent(InitEvent{
		Type:        TypeInit,
		UserID:      s.UserID,
		Username:    s.Username,
		ActiveUsers: activeUsers,
		Content:     content,
	})
	if err == nil {
		s.enqueue(init)
	}

	if joined, err := marshalEvent(PresenceEvent{Type: TypeUserJoined, UserID: s.UserID, Username: s.Username}); err == nil {
		h.broadcast(r.Context(), documentID, TypeUserJoined, joined, s)
	}

	h.readLoop(s)
	h.teardown(s, "connection closed")
}

// readLoop decodes inbound frames and routes them. A malformed frame is
// dropped on its own; only transport errors or the idle deadline end the loop.
func (h *Hub) readLoop(s *Session) {
	conn := s.conn
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session %s read error: %v", s.ID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))

		msg, err := ParseInbound(raw)
		if err != nil {
			log.Printf("session %s: dropping frame: %v", s.ID, err)
			continue
		}
		h.dispatch(s, msg)
	}
}

func (h *Hub) dispatch(s *Session, msg Inbound) {
	ctx := context.Background()
	switch msg.Type {
	case TypeUpdate:
		if !h.registry.ApplyUpdate(s.DocumentID, msg.Data.Content, msg.Timestamp) {
			// Older than the last applied update; last-write-wins discards it.
			return
		}
		frame, err := marshalEvent(UpdateEvent{
			Type:      TypeUpdate,
			UserID:    s.UserID,
			Username:  s.Username,
			Data:      *msg.Data,
			Timestamp: msg.Timestamp,
		})
		if err != nil {
			return
		}
		h.broadcast(ctx, s.DocumentID, TypeUpdate, frame, s)

	case TypeCursor:
		frame, err := marshalEvent(CursorEvent{
			Type:      TypeCursor,
			UserID:    s.UserID,
			Username:  s.Username,
			Position:  msg.Position,
			Selection: msg.Selection,
		})
		if err != nil {
			return
		}
		h.broadcast(ctx, s.DocumentID, TypeCursor, frame, s)

	case TypeChat:
		// The sender keeps its own optimistic copy; never echo chat back.
		frame, err := marshalEvent(ChatEvent{
			Type:      TypeChat,
			UserID:    s.UserID,
			Username:  s.Username,
			Message:   msg.Message,
			Timestamp: nowUnix(),
		})
		if err != nil {
			return
		}
		h.broadcast(ctx, s.DocumentID, TypeChat, frame, s)

	case TypePing:
		// The read already pushed the idle deadline back; nothing to fan out.
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one authenticated connection bound to exactly one document. Its
// registry entry and its network connection share the same lifetime: teardown
// runs exactly once and removes both.
type Session struct {
	ID         string
	DocumentID string
	UserID     string
	Username   string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id, documentID, userID, username string, conn *websocket.Conn, queueSize int) *Session {
	return &Session{
		ID:         id,
		DocumentID: documentID,
		UserID:     userID,
		Username:   username,
		conn:       conn,
		send:       make(chan []byte, queueSize),
		done:       make(chan struct{}),
	}
}

// enqueue hands a frame to the session's outbound queue without ever
// blocking. It returns false when the queue is full: the session is a slow
// consumer and must be disconnected rather than stall delivery to its peers.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// closeTransport tears down the network side. Any in-flight sends to this
// session are abandoned; shared document state is untouched.
func (s *Session) closeTransport() {
	close(s.done)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// writePump is the session's independent outbound path: it drains the send
// queue onto the wire and keeps the connection alive with protocol pings.
// One writePump per connection; gorilla permits a single concurrent writer.
func (s *Session) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

package collab

import (
	"context"
	"log"
	"time"
)

type HubOptions struct {
	Secret        []byte
	Directory     UserDirectory
	SendQueueSize int
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// Hub ties the session registry, the bus adapter and the flusher together:
// it is the broadcast fan-out for locally originated events and the delivery
// point for envelopes relayed from peer instances.
type Hub struct {
	registry  *Registry
	bus       Bus
	flusher   *Flusher
	secret    []byte
	directory UserDirectory

	queueSize    int
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

func NewHub(registry *Registry, bus Bus, flusher *Flusher, opts HubOptions) *Hub {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	return &Hub{
		registry:     registry,
		bus:          bus,
		flusher:      flusher,
		secret:       opts.Secret,
		directory:    opts.Directory,
		queueSize:    opts.SendQueueSize,
		writeTimeout: opts.WriteTimeout,
		idleTimeout:  opts.IdleTimeout,
	}
}

// Run consumes envelopes relayed from peer instances until the context is
// canceled. Without a bus the hub serves local sessions only.
func (h *Hub) Run(ctx context.Context) {
	if h.bus == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case env, ok := <-h.bus.Envelopes():
			if !ok {
				return
			}
			h.deliverRemote(env)
		case <-ctx.Done():
			return
		}
	}
}

// broadcast performs the two fan-out steps for a locally originated event:
// synchronous delivery to every other local session of the document, then a
// publish so peer instances can deliver to theirs. A publish failure degrades
// to local-only delivery and never disturbs the connection that sent it.
func (h *Hub) broadcast(ctx context.Context, documentID, msgType string, frame []byte, exclude *Session) {
	h.deliverLocal(documentID, frame, exclude)

	if h.bus == nil {
		return
	}
	env := Envelope{
		Type:       msgType,
		DocumentID: documentID,
		Payload:    frame,
		Timestamp:  nowUnix(),
	}
	if err := h.bus.Publish(ctx, env); err != nil {
		log.Printf("bus publish failed for document %s, delivering locally only: %v", documentID, err)
	}
}

// deliverRemote hands a peer instance's envelope to every local session of
// the document. No exclusions apply: none of them has seen it yet, and the
// bus adapter already discarded self-authored envelopes.
func (h *Hub) deliverRemote(env Envelope) {
	if len(env.Payload) == 0 {
		return
	}
	h.deliverLocal(env.DocumentID, env.Payload, nil)
}

func (h *Hub) deliverLocal(documentID string, frame []byte, exclude *Session) {
	for _, s := range h.registry.Sessions(documentID, exclude) {
		if !s.enqueue(frame) {
			// Bounded queue exceeded: drop the slow consumer instead of
			// letting it stall everyone else.
			h.teardown(s, "send queue overflow")
		}
	}
}

// teardown is the single disconnect path for a session, shared by read
// errors, write errors, idle timeouts and slow-consumer eviction. It runs at
// most once: it closes the transport, removes the registry entry, announces
// the departure, and flushes/evicts the document if it became empty.
func (h *Hub) teardown(s *Session, reason string) {
	s.closeOnce.Do(func() {
		s.closeTransport()
		becameEmpty := h.registry.Leave(s)
		log.Printf("session %s (user %s) left document %s: %s", s.ID, s.UserID, s.DocumentID, reason)

		frame, err := marshalEvent(PresenceEvent{Type: TypeUserLeft, UserID: s.UserID, Username: s.Username})
		if err == nil {
			h.broadcast(context.Background(), s.DocumentID, TypeUserLeft, frame, s)
		}

		if becameEmpty && h.flusher != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			h.flusher.FlushDocument(flushCtx, s.DocumentID)
			cancel()
		}
	})
}

// Shutdown disconnects every session, used on process exit after the HTTP
// server has stopped accepting connections.
func (h *Hub) Shutdown() {
	for _, s := range h.registry.AllSessions() {
		h.teardown(s, "server shutting down")
	}
}

package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"inkpad/api/internal/store"
)

// DocumentStore is the durable storage collaborator.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (string, error)
	PutDocument(ctx context.Context, documentID, content string) error
}

// UserDirectory resolves user ids to display names.
type UserDirectory interface {
	ResolveUsername(ctx context.Context, userID string) (string, error)
}

// room holds every session and the runtime document state for one document.
// Each room owns its own lock, so documents never contend with each other and
// join/leave/apply ordering within a document is well-defined.
type room struct {
	mu       sync.Mutex
	sessions map[string]*Session

	loaded      bool
	evicted     bool
	content     string
	lastApplied float64
	dirty       bool
	version     uint64
}

// Registry is the per-document index of active sessions. The registry mutex
// guards only the room map; all per-document state lives behind the room lock.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	store DocumentStore
}

func NewRegistry(docs DocumentStore) *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		store: docs,
	}
}

// DirtySnapshot is a point-in-time capture of unpersisted document content.
// Version lets the flusher clear the dirty flag only when no newer edit
// arrived while the write was in flight.
type DirtySnapshot struct {
	DocumentID string
	Content    string
	Version    uint64
}

func (r *Registry) lockRoom(documentID string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[documentID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{sessions: make(map[string]*Session)}
			r.rooms[documentID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.evicted {
			// Lost a race with eviction; the map entry is gone, retry.
			rm.mu.Unlock()
			continue
		}
		return rm
	}
}

// Join registers the session with its document's room, lazily loading the
// document from the store on first join. It returns the content snapshot and
// the user ids active before this join, consistent with all prior joins and
// leaves for the document.
func (r *Registry) Join(ctx context.Context, documentID string, s *Session) (string, []string, error) {
	rm := r.lockRoom(documentID, true)

	if !rm.loaded {
		content, err := r.store.GetDocument(ctx, documentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			r.dropUnloaded(documentID, rm)
			return "", nil, fmt.Errorf("load document %s: %w", documentID, err)
		}
		rm.content = content
		rm.loaded = true
	}

	users := activeUserIDs(rm)
	rm.sessions[s.ID] = s
	content := rm.content
	rm.mu.Unlock()
	return content, users, nil
}

// dropUnloaded removes a room whose initial load failed, so a rejected join
// leaves no runtime state behind. Called with rm.mu held; releases it before
// taking the registry lock to preserve lock ordering.
func (r *Registry) dropUnloaded(documentID string, rm *room) {
	rm.evicted = true
	rm.mu.Unlock()

	r.mu.Lock()
	if r.rooms[documentID] == rm {
		delete(r.rooms, documentID)
	}
	r.mu.Unlock()
}

// Leave removes the session and reports whether its document just became
// empty, which signals the caller to flush and evict.
func (r *Registry) Leave(s *Session) bool {
	rm := r.lockRoom(s.DocumentID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()

	if _, ok := rm.sessions[s.ID]; !ok {
		return false
	}
	delete(rm.sessions, s.ID)
	return len(rm.sessions) == 0
}

// ApplyUpdate installs new content under last-write-wins: an update is
// accepted only when its timestamp is not older than the last applied one.
// Equal timestamps resolve to the last arrival at this instance.
func (r *Registry) ApplyUpdate(documentID, content string, timestamp float64) bool {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()

	if timestamp < rm.lastApplied {
		return false
	}
	rm.content = content
	rm.lastApplied = timestamp
	rm.dirty = true
	rm.version++
	return true
}

// Sessions returns a snapshot of the document's sessions, optionally skipping
// one. Delivery happens outside the room lock.
func (r *Registry) Sessions(documentID string, exclude *Session) []*Session {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()

	sessions := make([]*Session, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		if exclude != nil && s.ID == exclude.ID {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// ActiveUsers returns the distinct user ids currently joined to a document.
func (r *Registry) ActiveUsers(documentID string) []string {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return []string{}
	}
	defer rm.mu.Unlock()
	return activeUserIDs(rm)
}

// AllSessions snapshots every session across all documents (shutdown path).
func (r *Registry) AllSessions() []*Session {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	var sessions []*Session
	for _, rm := range rooms {
		rm.mu.Lock()
		for _, s := range rm.sessions {
			sessions = append(sessions, s)
		}
		rm.mu.Unlock()
	}
	return sessions
}

// SnapshotDirty captures (content, version) for every dirty document.
func (r *Registry) SnapshotDirty() []DirtySnapshot {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	var snaps []DirtySnapshot
	for _, id := range ids {
		rm := r.lockRoom(id, false)
		if rm == nil {
			continue
		}
		if rm.dirty {
			snaps = append(snaps, DirtySnapshot{DocumentID: id, Content: rm.content, Version: rm.version})
		}
		rm.mu.Unlock()
	}
	return snaps
}

// SnapshotDocument captures a single document if it is dirty.
func (r *Registry) SnapshotDocument(documentID string) (DirtySnapshot, bool) {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return DirtySnapshot{}, false
	}
	defer rm.mu.Unlock()
	if !rm.dirty {
		return DirtySnapshot{}, false
	}
	return DirtySnapshot{DocumentID: documentID, Content: rm.content, Version: rm.version}, true
}

// ClearDirty clears the dirty flag only if no newer edit arrived since the
// snapshot was captured.
func (r *Registry) ClearDirty(documentID string, version uint64) bool {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	if rm.version != version {
		return false
	}
	rm.dirty = false
	return true
}

// Evict drops a document's runtime state once it has no sessions and nothing
// left to persist.
func (r *Registry) Evict(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.sessions) > 0 || rm.dirty {
		return false
	}
	rm.evicted = true
	delete(r.rooms, documentID)
	return true
}

// Content reports the current in-memory content of a document.
func (r *Registry) Content(documentID string) (string, bool) {
	rm := r.lockRoom(documentID, false)
	if rm == nil {
		return "", false
	}
	defer rm.mu.Unlock()
	return rm.content, rm.loaded
}

func activeUserIDs(rm *room) []string {
	seen := make(map[string]bool, len(rm.sessions))
	users := make([]string, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		if seen[s.UserID] {
			continue
		}
		seen[s.UserID] = true
		users = append(users, s.UserID)
	}
	sort.Strings(users)
	return users
}

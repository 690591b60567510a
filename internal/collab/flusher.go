package collab

import (
	"context"
	"log"
	"sync"
	"time"
)

// alertAfterFailures is the number of consecutive failed writes for one
// document before the flusher escalates from a warning to an alert line.
const alertAfterFailures = 3

// Flusher persists dirty in-memory document content on a fixed interval,
// entirely off the message delivery path. A flush clears the dirty flag only
// when the captured version is still current, so an edit landing mid-write is
// picked up on the next tick instead of being lost.
type Flusher struct {
	registry *Registry
	store    DocumentStore
	interval time.Duration

	mu       sync.Mutex
	failures map[string]int
}

func NewFlusher(registry *Registry, docs DocumentStore, interval time.Duration) *Flusher {
	return &Flusher{
		registry: registry,
		store:    docs,
		interval: interval,
		failures: make(map[string]int),
	}
}

// Run ticks until the context is canceled, then makes one final best-effort
// sweep so a clean shutdown loses nothing.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.FlushAll(ctx)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			f.FlushAll(shutdownCtx)
			cancel()
			return
		}
	}
}

// FlushAll writes every dirty document to the store.
func (f *Flusher) FlushAll(ctx context.Context) {
	for _, snap := range f.registry.SnapshotDirty() {
		f.flush(ctx, snap)
	}
}

// FlushDocument flushes one document immediately, used when its last session
// leaves. Eviction happens only after a clean flush.
func (f *Flusher) FlushDocument(ctx context.Context, documentID string) {
	snap, ok := f.registry.SnapshotDocument(documentID)
	if !ok {
		f.registry.Evict(documentID)
		return
	}
	f.flush(ctx, snap)
	f.registry.Evict(documentID)
}

func (f *Flusher) flush(ctx context.Context, snap DirtySnapshot) {
	if err := f.store.PutDocument(ctx, snap.DocumentID, snap.Content); err != nil {
		count := f.recordFailure(snap.DocumentID)
		if count >= alertAfterFailures {
			log.Printf("ALERT: flush of document %s failed %d times in a row: %v", snap.DocumentID, count, err)
		} else {
			log.Printf("flush of document %s failed, will retry next tick: %v", snap.DocumentID, err)
		}
		return
	}
	f.clearFailures(snap.DocumentID)
	if !f.registry.ClearDirty(snap.DocumentID, snap.Version) {
		// A newer edit arrived mid-flush; leave the document dirty.
		return
	}
	f.registry.Evict(snap.DocumentID)
}

func (f *Flusher) recordFailure(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[documentID]++
	return f.failures[documentID]
}

func (f *Flusher) clearFailures(documentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, documentID)
}

func (f *Flusher) consecutiveFailures(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[documentID]
}

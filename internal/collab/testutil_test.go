package collab

import (
	"context"
	"sync"

	"inkpad/api/internal/store"
)

// memStore is an in-memory DocumentStore/UserDirectory for tests, with hooks
// to inject write failures and mid-flush edits.
type memStore struct {
	mu      sync.Mutex
	docs    map[string]string
	users   map[string]string
	puts    int
	failGet error
	failPut error
	onPut   func(documentID, content string)
}

func newMemStore() *memStore {
	return &memStore{
		docs:  make(map[string]string),
		users: make(map[string]string),
	}
}

func (m *memStore) GetDocument(_ context.Context, documentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return "", m.failGet
	}
	content, ok := m.docs[documentID]
	if !ok {
		return "", store.ErrNotFound
	}
	return content, nil
}

func (m *memStore) PutDocument(_ context.Context, documentID, content string) error {
	m.mu.Lock()
	failPut := m.failPut
	onPut := m.onPut
	m.mu.Unlock()

	if onPut != nil {
		onPut(documentID, content)
	}
	if failPut != nil {
		return failPut
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.docs[documentID] = content
	return nil
}

func (m *memStore) ResolveUsername(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.users[userID]; ok {
		return name, nil
	}
	return userID, nil
}

func (m *memStore) content(documentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.docs[documentID]
	return content, ok
}

func (m *memStore) setFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

func (m *memStore) setGetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

func (m *memStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

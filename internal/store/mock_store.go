// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation

	// ForcedErr, when set, is returned by every operation. Used to
	// exercise storage-failure paths.
	ForcedErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]Conversation),
	}
}

// Get retrieves the conversation for a key, zero value if absent.
func (m *MockStore) Get(ctx context.Context, key string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ForcedErr != nil {
		return Conversation{}, m.ForcedErr
	}

	conv := m.conversations[key]
	// Copy the slice to avoid external modification
	conv.ParentIDs = append([]string(nil), conv.ParentIDs...)
	return conv, nil
}

// Merge applies a patch against the stored record.
func (m *MockStore) Merge(ctx context.Context, key string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ForcedErr != nil {
		return m.ForcedErr
	}

	m.conversations[key] = patch.Apply(m.conversations[key])
	return nil
}

// Replace overwrites the full record for the key.
func (m *MockStore) Replace(ctx context.Context, key string, conv Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ForcedErr != nil {
		return m.ForcedErr
	}

	conv.ParentIDs = append([]string(nil), conv.ParentIDs...)
	m.conversations[key] = conv
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

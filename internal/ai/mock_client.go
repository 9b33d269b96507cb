// ABOUTME: In-memory Client implementation for tests
// ABOUTME: Records calls and replays scripted snapshot streams

package ai

import (
	"context"
	"sync"
)

// MockClient implements Client for tests. Ask replays Snapshots in
// order; the error fields force failures on the matching call.
type MockClient struct {
	mu sync.Mutex

	Snapshots   []Snapshot
	AskErr      error
	ResetErr    error
	DeleteErr   error
	RenameErr   error
	HistoryText string
	HistoryErr  error

	AskRequests []AskRequest
	Deleted     []string
	Renames     map[string]string
	ResetCalls  int
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{Renames: make(map[string]string)}
}

func (m *MockClient) Ask(ctx context.Context, req AskRequest) (<-chan Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AskErr != nil {
		return nil, m.AskErr
	}
	m.AskRequests = append(m.AskRequests, req)

	ch := make(chan Snapshot, len(m.Snapshots))
	for _, s := range m.Snapshots {
		ch <- s
	}
	close(ch)
	return ch, nil
}

func (m *MockClient) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCalls++
	return m.ResetErr
}

func (m *MockClient) DeleteConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.Deleted = append(m.Deleted, conversationID)
	return nil
}

func (m *MockClient) RenameConversation(ctx context.Context, conversationID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RenameErr != nil {
		return m.RenameErr
	}
	if m.Renames == nil {
		m.Renames = make(map[string]string)
	}
	m.Renames[conversationID] = title
	return nil
}

func (m *MockClient) History(ctx context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.HistoryText, m.HistoryErr
}

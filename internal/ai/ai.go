// ABOUTME: Client interface and data types for the conversational AI backend
// ABOUTME: Defines the streaming Ask contract and the closed backend error taxonomy

package ai

import (
	"context"
	"fmt"
)

// AskRequest describes one conversation turn. ConversationID and ParentID
// are empty for the first turn of a thread; Model empty means the backend
// default.
type AskRequest struct {
	Text           string
	ConversationID string
	ParentID       string
	Model          string
}

// Snapshot is one incremental state of a streaming reply. Message carries
// the cumulative text so far, not a delta. ConversationID and ParentID are
// the backend-assigned identifiers for this turn; callers should take them
// from the last snapshot received.
type Snapshot struct {
	Message        string
	ConversationID string
	ParentID       string

	// Err, when set, terminates the stream; no further snapshots follow.
	Err error
}

// Client is the conversational backend collaborator. It is an unreliable,
// possibly slow, stateful remote session; every method can fail.
type Client interface {
	// Ask submits one turn and returns an in-order lazy stream of snapshots.
	// The channel is closed when the reply is complete or ctx is canceled.
	Ask(ctx context.Context, req AskRequest) (<-chan Snapshot, error)

	// Reset discards any session-local state held by the client.
	Reset(ctx context.Context) error

	// DeleteConversation removes the conversation on the backend side.
	DeleteConversation(ctx context.Context, conversationID string) error

	// RenameConversation sets the backend-side display title.
	RenameConversation(ctx context.Context, conversationID, title string) error

	// History returns recent backend-side messages for diagnostics.
	History(ctx context.Context, conversationID string) (string, error)
}

// BackendError is a structured error reported by the backend itself, as
// opposed to a transport failure. It is surfaced to users verbatim.
type BackendError struct {
	Source  string
	Code    int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s(%d): %s", e.Source, e.Code, e.Message)
}

// ABOUTME: Store interface and data types for lark-bridge conversation persistence
// ABOUTME: Defines the Conversation record, field-level Patch, and the Store interface

package store

import (
	"context"
	"fmt"
)

// Conversation is the per-key state that binds a chat thread to a backend
// AI conversation. The zero value means "no remote AI state; next turn
// starts fresh".
type Conversation struct {
	// ConversationID is the backend-assigned conversation token.
	// Empty means no active backend conversation.
	ConversationID string

	// ParentIDs is the lineage of backend message nodes, oldest first.
	// The last entry is the parent for the next turn.
	ParentIDs []string

	// Title is the user-assigned title override. Empty means "derive a
	// default from chat metadata".
	Title string

	// Model is the selected backend model identifier. Empty means the
	// backend default.
	Model string
}

// Active reports whether the conversation has backend-side state.
func (c Conversation) Active() bool {
	return c.ConversationID != ""
}

// LastParentID returns the current turn parent, or "" if there is no history.
func (c Conversation) LastParentID() string {
	if len(c.ParentIDs) == 0 {
		return ""
	}
	return c.ParentIDs[len(c.ParentIDs)-1]
}

// Patch is a shallow field-level update. Nil fields are left untouched,
// so "clear this field" and "don't touch this field" stay distinguishable.
type Patch struct {
	ConversationID *string
	ParentIDs      *[]string
	Title          *string
	Model          *string
}

// Apply returns the conversation with the patch merged in.
// Applying the same patch twice yields the same result as once.
func (p Patch) Apply(c Conversation) Conversation {
	if p.ConversationID != nil {
		c.ConversationID = *p.ConversationID
	}
	if p.ParentIDs != nil {
		c.ParentIDs = append([]string(nil), (*p.ParentIDs)...)
	}
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Model != nil {
		c.Model = *p.Model
	}
	return c
}

// Key builds the conversation key for a sender/chat identity pair.
// One key addresses one logical AI thread.
func Key(senderID, chatID string) string {
	return fmt.Sprintf("%s@%s", senderID, chatID)
}

// Store defines the interface for conversation state persistence.
// Semantics are read-modify-write per key with last-write-wins; callers
// that need stronger ordering serialize access themselves.
type Store interface {
	// Get returns the conversation for the key, or the zero value if the
	// key has never been written. It only fails when the backing medium
	// cannot be read.
	Get(ctx context.Context, key string) (Conversation, error)

	// Merge applies a shallow field-level update against the stored record.
	Merge(ctx context.Context, key string, patch Patch) error

	// Replace overwrites the full record for the key.
	Replace(ctx context.Context, key string, conv Conversation) error

	// Close releases any resources held by the store
	Close() error
}

// StringPtr returns a pointer to s, for building Patch values inline.
func StringPtr(s string) *string {
	return &s
}

// StringsPtr returns a pointer to a copy of ids, for building Patch values inline.
func StringsPtr(ids []string) *[]string {
	cp := append([]string(nil), ids...)
	return &cp
}

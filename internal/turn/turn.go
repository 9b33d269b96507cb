// ABOUTME: Runs one AI turn end to end with a live-updating answer card
// ABOUTME: Throttles streaming edits and persists state only after delivery

package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/lark-bridge/internal/ai"
	"github.com/2389/lark-bridge/internal/store"
)

// DefaultEditInterval is the minimum gap between streaming card edits.
const DefaultEditInterval = 300 * time.Millisecond

// Delivery is the message surface a turn writes to.
type Delivery interface {
	// OpenPlaceholder posts the empty streaming card and returns its id.
	OpenPlaceholder(ctx context.Context, inReplyTo string) (string, error)

	// EditStreaming updates the card with a partial answer.
	EditStreaming(ctx context.Context, messageID, text string) error

	// EditFinal updates the card with the finished answer.
	EditFinal(ctx context.Context, messageID, text string) error
}

// Job is one turn to execute.
type Job struct {
	Key            string
	Title          string
	Text           string
	ConversationID string
	ParentIDs      []string
	Model          string

	// InReplyTo is the inbound message the answer card replies to.
	InReplyTo string
}

// Runner executes turn jobs.
type Runner struct {
	ai           ai.Client
	delivery     Delivery
	store        store.Store
	logger       *slog.Logger
	editInterval time.Duration
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	AI       ai.Client
	Delivery Delivery
	Store    store.Store
	Logger   *slog.Logger

	// EditInterval overrides the streaming edit throttle, mainly for
	// tests. Zero means DefaultEditInterval.
	EditInterval time.Duration
}

// NewRunner creates a turn runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.EditInterval
	if interval <= 0 {
		interval = DefaultEditInterval
	}
	return &Runner{
		ai:           opts.AI,
		delivery:     opts.Delivery,
		store:        opts.Store,
		logger:       logger.With("component", "turn"),
		editInterval: interval,
	}
}

// Run executes one turn. The placeholder card is opened first, streamed
// into while the answer arrives and always finalized when the stream
// completes. Conversation state is saved only after the final edit
// lands. Returned errors are backend or delivery failures the caller
// reports to the user.
func (r *Runner) Run(ctx context.Context, job Job) error {
	cardID, err := r.delivery.OpenPlaceholder(ctx, job.InReplyTo)
	if err != nil {
		return fmt.Errorf("opening answer card: %w", err)
	}

	parentID := ""
	if len(job.ParentIDs) > 0 {
		parentID = job.ParentIDs[len(job.ParentIDs)-1]
	}

	snapshots, err := r.ai.Ask(ctx, ai.AskRequest{
		Text:           job.Text,
		ConversationID: job.ConversationID,
		ParentID:       parentID,
		Model:          job.Model,
	})
	if err != nil {
		return err
	}

	var message, convID, turnParent string
	lastEdit := time.Now()
	for snap := range snapshots {
		if snap.Err != nil {
			return snap.Err
		}
		message = snap.Message
		convID = snap.ConversationID
		turnParent = snap.ParentID

		if time.Since(lastEdit) < r.editInterval {
			continue
		}
		if err := r.delivery.EditStreaming(ctx, cardID, message); err != nil {
			r.logger.Warn("streaming edit failed", "message_id", cardID, "error", err)
			continue
		}
		lastEdit = time.Now()
	}

	if message == "" {
		r.logger.Warn("empty answer stream",
			"key", job.Key, "conversation_id", job.ConversationID)
		return r.delivery.EditFinal(ctx, cardID, r.emptyStreamText(ctx, job))
	}

	if err := r.delivery.EditFinal(ctx, cardID, message); err != nil {
		return fmt.Errorf("finalizing answer card: %w", err)
	}

	patch := store.Patch{
		ConversationID: store.StringPtr(convID),
		ParentIDs:      store.StringsPtr(append(job.ParentIDs, turnParent)),
	}
	if err := r.store.Merge(ctx, job.Key, patch); err != nil {
		return fmt.Errorf("saving conversation state: %w", err)
	}

	// Renaming keeps the backend title in sync with the display title.
	// Failing it does not fail the turn.
	if err := r.ai.RenameConversation(ctx, convID, job.Title); err != nil {
		r.logger.Warn("renaming conversation failed",
			"conversation_id", convID, "error", err)
	}
	return nil
}

// emptyStreamText builds the failure text for a stream that produced no
// answer, pulling backend history when a conversation exists.
func (r *Runner) emptyStreamText(ctx context.Context, job Job) string {
	if job.ConversationID == "" {
		return "获取对话结果失败：对话不存在"
	}
	history, err := r.ai.History(ctx, job.ConversationID)
	if err != nil {
		r.logger.Warn("fetching history failed",
			"conversation_id", job.ConversationID, "error", err)
		return "获取对话结果失败"
	}
	return fmt.Sprintf("获取对话结果失败：\n%s", history)
}

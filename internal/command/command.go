// ABOUTME: Interprets inbound chat text as slash commands or turn requests
// ABOUTME: Owns the command vocabulary and its stored-state side effects

package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/2389/lark-bridge/internal/ai"
	"github.com/2389/lark-bridge/internal/store"
)

// modelNames is the user-facing model vocabulary in presentation order.
var modelNames = []string{"default", "legacy", "gpt-4"}

// modelTable maps user-facing names to backend model slugs.
var modelTable = map[string]string{
	"default": "text-davinci-002-render-sha",
	"legacy":  "text-davinci-002-render-paid",
	"gpt-4":   "gpt-4",
}

// NameResolver looks up display names for conversation titles.
type NameResolver interface {
	UserName(ctx context.Context, openID string) string
	ChatName(ctx context.Context, chatID string) string
}

// Request is one inbound text message to interpret.
type Request struct {
	Key      string
	SenderID string
	ChatID   string
	Text     string
}

// TurnIntent is a resolved request to run one AI turn.
type TurnIntent struct {
	Title           string
	Text            string
	ConversationID  string
	ParentIDs       []string
	Model           string
	NewConversation bool
}

// Outcome is the result of interpreting a message. Reply, when
// non-empty, is sent back immediately. Turn, when set, is handed to the
// turn queue; both can be set when a fresh conversation is announced.
type Outcome struct {
	Reply string
	Turn  *TurnIntent
}

// Interpreter resolves messages against stored conversation state.
type Interpreter struct {
	store  store.Store
	ai     ai.Client
	names  NameResolver
	logger *slog.Logger
}

// NewInterpreter creates a command interpreter.
func NewInterpreter(st store.Store, aic ai.Client, names NameResolver, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		store:  st,
		ai:     aic,
		names:  names,
		logger: logger.With("component", "command"),
	}
}

// Interpret handles one message. Errors are reserved for infrastructure
// failures; user mistakes come back as Reply text.
func (i *Interpreter) Interpret(ctx context.Context, req Request) (Outcome, error) {
	if !strings.HasPrefix(req.Text, "/") {
		return i.turnIntent(ctx, req)
	}

	fields := strings.Fields(req.Text)
	cmd, args := fields[0], fields[1:]

	if cmd == "/help" {
		return Outcome{Reply: helpText()}, nil
	}

	conv, err := i.store.Get(ctx, req.Key)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading conversation: %w", err)
	}

	switch cmd {
	case "/reset":
		return i.reset(ctx, req.Key, conv)
	case "/title":
		return i.setTitle(ctx, req, conv, args)
	case "/model":
		return i.setModel(ctx, req.Key, args)
	case "/rollback":
		return i.rollback(ctx, req.Key, conv, args)
	default:
		return Outcome{Reply: "无效命令"}, nil
	}
}

func helpText() string {
	var b strings.Builder
	b.WriteString("/help: 查看命令说明\n")
	b.WriteString("/reset: 重新开始对话\n")
	b.WriteString("/title <title>: 修改对话标题，为空则表示清除标题设置\n")
	fmt.Fprintf(&b, "/model <model>: 修改使用的模型（%s）\n", strings.Join(modelNames, ", "))
	b.WriteString("/rollback <n>: 回滚 n 条消息\n")
	return b.String()
}

// turnIntent resolves plain text into a turn job, announcing a fresh
// conversation when no backend conversation exists yet.
func (i *Interpreter) turnIntent(ctx context.Context, req Request) (Outcome, error) {
	conv, err := i.store.Get(ctx, req.Key)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading conversation: %w", err)
	}

	title := conv.Title
	if title == "" {
		title = i.names.ChatName(ctx, req.ChatID)
	}
	title = fmt.Sprintf("%s - %s", i.names.UserName(ctx, req.SenderID), title)

	out := Outcome{
		Turn: &TurnIntent{
			Title:           title,
			Text:            req.Text,
			ConversationID:  conv.ConversationID,
			ParentIDs:       conv.ParentIDs,
			Model:           conv.Model,
			NewConversation: !conv.Active(),
		},
	}
	if !conv.Active() {
		out.Reply = fmt.Sprintf("开始新对话：%s", title)
	}
	return out, nil
}

func (i *Interpreter) reset(ctx context.Context, key string, conv store.Conversation) (Outcome, error) {
	if err := i.ai.Reset(ctx); err != nil {
		i.logger.Error("backend reset failed", "error", err)
	}

	patch := store.Patch{
		ConversationID: store.StringPtr(""),
		ParentIDs:      store.StringsPtr(nil),
	}
	if err := i.store.Merge(ctx, key, patch); err != nil {
		return Outcome{}, fmt.Errorf("clearing conversation: %w", err)
	}

	if conv.Active() {
		if err := i.ai.DeleteConversation(ctx, conv.ConversationID); err != nil {
			i.logger.Error("deleting backend conversation failed",
				"conversation_id", conv.ConversationID, "error", err)
		}
	}
	return Outcome{Reply: "对话已重新开始"}, nil
}

func (i *Interpreter) setTitle(ctx context.Context, req Request, conv store.Conversation, args []string) (Outcome, error) {
	title := ""
	if len(args) > 0 {
		title = strings.TrimSpace(args[0])
	}

	if err := i.store.Merge(ctx, req.Key, store.Patch{Title: store.StringPtr(title)}); err != nil {
		return Outcome{}, fmt.Errorf("saving title: %w", err)
	}

	if title == "" {
		return Outcome{Reply: "成功清除标题设置"}, nil
	}

	if conv.Active() {
		title = fmt.Sprintf("%s - %s", i.names.UserName(ctx, req.SenderID), title)
		if err := i.ai.RenameConversation(ctx, conv.ConversationID, title); err != nil {
			i.logger.Error("renaming conversation failed",
				"conversation_id", conv.ConversationID, "error", err)
		}
	}
	return Outcome{Reply: fmt.Sprintf("成功修改标题为：%s", title)}, nil
}

func (i *Interpreter) setModel(ctx context.Context, key string, args []string) (Outcome, error) {
	if len(args) == 0 {
		return Outcome{Reply: "模型不存在"}, nil
	}

	name := strings.ToLower(strings.TrimSpace(args[0]))
	resolved, ok := modelTable[name]
	if !ok {
		return Outcome{Reply: "模型不存在"}, nil
	}

	if err := i.store.Merge(ctx, key, store.Patch{Model: store.StringPtr(resolved)}); err != nil {
		return Outcome{}, fmt.Errorf("saving model: %w", err)
	}
	return Outcome{Reply: fmt.Sprintf("成功修改模型为：%s (%s)", name, resolved)}, nil
}

func (i *Interpreter) rollback(ctx context.Context, key string, conv store.Conversation, args []string) (Outcome, error) {
	if !conv.Active() {
		return Outcome{Reply: "对话不存在"}, nil
	}

	n := 1
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return Outcome{Reply: "回滚范围不合法"}, nil
		}
		n = parsed
	}
	if n < 1 || n > len(conv.ParentIDs) {
		return Outcome{Reply: "回滚范围不合法"}, nil
	}

	trimmed := conv.ParentIDs[:len(conv.ParentIDs)-n]
	if err := i.store.Merge(ctx, key, store.Patch{ParentIDs: store.StringsPtr(trimmed)}); err != nil {
		return Outcome{}, fmt.Errorf("saving rollback: %w", err)
	}
	return Outcome{Reply: fmt.Sprintf("成功回滚 %d 条消息", n)}, nil
}

// ABOUTME: Tests for the bridge webhook handler and queue workers
// ABOUTME: Uses in-memory fakes for the messenger, store and AI backend

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lark-bridge/internal/ai"
	"github.com/2389/lark-bridge/internal/command"
	"github.com/2389/lark-bridge/internal/config"
	"github.com/2389/lark-bridge/internal/dedupe"
	"github.com/2389/lark-bridge/internal/dispatch"
	"github.com/2389/lark-bridge/internal/lark"
	"github.com/2389/lark-bridge/internal/store"
	"github.com/2389/lark-bridge/internal/turn"
)

type sentMessage struct {
	inReplyTo string
	content   lark.MessageContent
}

type fakeMessenger struct {
	mu       sync.Mutex
	replyErr error
	replies  []sentMessage
	updates  []sentMessage
	nextID   int
}

func (f *fakeMessenger) Reply(ctx context.Context, inReplyTo string, content lark.MessageContent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.replies = append(f.replies, sentMessage{inReplyTo: inReplyTo, content: content})
	f.nextID++
	return fmt.Sprintf("om_out_%d", f.nextID), nil
}

func (f *fakeMessenger) Update(ctx context.Context, messageID string, content lark.MessageContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, sentMessage{inReplyTo: messageID, content: content})
	return nil
}

func (f *fakeMessenger) UserName(ctx context.Context, openID string) string { return "Alice" }
func (f *fakeMessenger) ChatName(ctx context.Context, chatID string) string { return "Team Chat" }

func (f *fakeMessenger) replyTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, r := range f.replies {
		texts = append(texts, r.content.Body)
	}
	return texts
}

func newTestBridge(t *testing.T) (*Bridge, *fakeMessenger, *ai.MockClient, *store.MockStore) {
	t.Helper()
	msgr := &fakeMessenger{}
	st := store.NewMockStore()
	aic := ai.NewMockClient()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	b := &Bridge{
		config: &config.Config{
			Server: config.ServerConfig{WebhookPath: "/webhook/chatgpt"},
		},
		logger:      logger,
		store:       st,
		messenger:   msgr,
		parser:      lark.NewParser("tok", ""),
		ai:          aic,
		interpreter: command.NewInterpreter(st, aic, msgr, logger),
		dedupe:      dedupe.New(time.Minute, 100),
		cmdQueue:    dispatch.NewQueue[commandJob](),
		turnQueue:   dispatch.NewQueue[turn.Job](),
	}
	b.runner = turn.NewRunner(turn.RunnerOptions{
		AI:       aic,
		Delivery: &cardDelivery{messenger: msgr},
		Store:    st,
		Logger:   logger,
	})
	t.Cleanup(b.dedupe.Close)
	return b, msgr, aic, st
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func postWebhook(t *testing.T, b *Bridge, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/chatgpt", strings.NewReader(body))
	rec := httptest.NewRecorder()
	b.handleWebhook(rec, req)
	return rec
}

func textEventBody(messageID, msgType, content string) string {
	return fmt.Sprintf(`{
		"schema": "2.0",
		"header": {"event_type": "im.message.receive_v1", "token": "tok"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_sender"}},
			"message": {
				"message_id": %q,
				"chat_id": "oc_chat",
				"message_type": %q,
				"content": %q
			}
		}
	}`, messageID, msgType, content)
}

func TestHandleWebhook_ChallengeEcho(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	rec := postWebhook(t, b, `{"type":"url_verification","token":"tok","challenge":"xyzzy"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"xyzzy"}`, rec.Body.String())
}

func TestHandleWebhook_BadTokenRejected(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	rec := postWebhook(t, b, textEventBody("om_1", "text", `{"text":"hi"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := strings.ReplaceAll(textEventBody("om_2", "text", `{"text":"hi"}`), `"tok"`, `"bad"`)
	rec = postWebhook(t, b, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhook_EnqueuesTextMessage(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	rec := postWebhook(t, b, textEventBody("om_1", "text", `{"text":"hello"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, b.cmdQueue.Len())

	job, ok := b.cmdQueue.Pop()
	require.True(t, ok)
	assert.Equal(t, "om_1", job.MessageID)
	assert.Equal(t, "ou_sender", job.SenderID)
	assert.Equal(t, "oc_chat", job.ChatID)
	assert.Equal(t, "hello", job.Text)
}

func TestHandleWebhook_DuplicateDeliveryDropped(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	postWebhook(t, b, textEventBody("om_1", "text", `{"text":"hello"}`))
	postWebhook(t, b, textEventBody("om_1", "text", `{"text":"hello"}`))

	assert.Equal(t, 1, b.cmdQueue.Len())
}

func TestHandleWebhook_NonTextGetsFixedReply(t *testing.T) {
	b, msgr, _, _ := newTestBridge(t)

	rec := postWebhook(t, b, textEventBody("om_img", "image", `{"image_key":"img_x"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, b.cmdQueue.Len())

	require.Eventually(t, func() bool {
		return len(msgr.replyTexts()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, msgr.replyTexts()[0], "暂时只能处理文本消息")
}

func TestHandleHealth(t *testing.T) {
	b, _, _, _ := newTestBridge(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	b.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleCommand_SlashCommandReplies(t *testing.T) {
	b, msgr, _, _ := newTestBridge(t)

	b.handleCommand(context.Background(), commandJob{
		MessageID: "om_1", SenderID: "ou_sender", ChatID: "oc_chat", Text: "/badcmd",
	})

	texts := msgr.replyTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "无效命令")
	assert.Equal(t, 0, b.turnQueue.Len())
}

func TestHandleCommand_PlainTextAnnouncesAndQueuesTurn(t *testing.T) {
	b, msgr, _, _ := newTestBridge(t)

	b.handleCommand(context.Background(), commandJob{
		MessageID: "om_1", SenderID: "ou_sender", ChatID: "oc_chat", Text: "hello",
	})

	texts := msgr.replyTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "开始新对话：Alice - Team Chat")

	require.Equal(t, 1, b.turnQueue.Len())
	job, ok := b.turnQueue.Pop()
	require.True(t, ok)
	assert.Equal(t, "om_1", job.InReplyTo)
	assert.Equal(t, "hello", job.Text)
	assert.Equal(t, "ou_sender@oc_chat", job.Key)
	assert.Equal(t, "Alice - Team Chat", job.Title)
}

func TestHandleCommand_PanicStillProducesReply(t *testing.T) {
	b, msgr, _, _ := newTestBridge(t)
	b.interpreter = nil // forces a panic mid-job

	require.NotPanics(t, func() {
		b.handleCommand(context.Background(), commandJob{
			MessageID: "om_1", SenderID: "ou_sender", ChatID: "oc_chat", Text: "hello",
		})
	})

	texts := msgr.replyTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "服务器异常")
}

func TestHandleTurn_PanicStillProducesReply(t *testing.T) {
	b, msgr, _, _ := newTestBridge(t)
	b.runner = nil // forces a panic mid-job

	require.NotPanics(t, func() {
		b.handleTurn(context.Background(), turn.Job{
			Key: "ou_sender@oc_chat", Text: "hello", InReplyTo: "om_1",
		})
	})

	texts := msgr.replyTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "服务器异常")
}

func TestHandleTurn_SuccessfulAnswer(t *testing.T) {
	b, msgr, aic, st := newTestBridge(t)
	aic.Snapshots = []ai.Snapshot{
		{Message: "the answer", ConversationID: "conv-1", ParentID: "p1"},
	}

	b.handleTurn(context.Background(), turn.Job{
		Key: "ou_sender@oc_chat", Title: "Alice - Team Chat",
		Text: "hello", InReplyTo: "om_1",
	})

	msgr.mu.Lock()
	defer msgr.mu.Unlock()
	require.Len(t, msgr.replies, 1)
	require.Len(t, msgr.updates, 1)
	assert.Contains(t, msgr.updates[0].content.Body, "the answer")
	assert.NotContains(t, msgr.updates[0].content.Body, "typing...")

	conv, err := st.Get(context.Background(), "ou_sender@oc_chat")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ConversationID)
}

func TestHandleTurn_BackendErrorRepliedVerbatim(t *testing.T) {
	b, msgr, aic, _ := newTestBridge(t)
	aic.Snapshots = []ai.Snapshot{
		{Err: &ai.BackendError{Source: "openai", Code: 429, Message: "rate limited"}},
	}

	b.handleTurn(context.Background(), turn.Job{
		Key: "ou_sender@oc_chat", Text: "hello", InReplyTo: "om_1",
	})

	texts := msgr.replyTexts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "openai(429): rate limited")
	assert.NotContains(t, texts[1], "服务器异常")
}

func TestHandleTurn_GenericErrorGetsServerFaultReply(t *testing.T) {
	b, msgr, aic, _ := newTestBridge(t)
	aic.AskErr = errors.New("connection refused")

	b.handleTurn(context.Background(), turn.Job{
		Key: "ou_sender@oc_chat", Text: "hello", InReplyTo: "om_1",
	})

	texts := msgr.replyTexts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "服务器异常: connection refused")
}

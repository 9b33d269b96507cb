// ABOUTME: Tests for the command interpreter
// ABOUTME: Covers every slash command plus plain-text turn resolution

package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/lark-bridge/internal/ai"
	"github.com/2389/lark-bridge/internal/store"
)

type fakeNames struct {
	user string
	chat string
}

func (f fakeNames) UserName(ctx context.Context, openID string) string { return f.user }
func (f fakeNames) ChatName(ctx context.Context, chatID string) string { return f.chat }

func newInterpreter(t *testing.T) (*Interpreter, *store.MockStore, *ai.MockClient) {
	t.Helper()
	st := store.NewMockStore()
	aic := ai.NewMockClient()
	return NewInterpreter(st, aic, fakeNames{user: "Alice", chat: "Team Chat"}, nil), st, aic
}

const testKey = "ou_sender@oc_chat"

func testRequest(text string) Request {
	return Request{Key: testKey, SenderID: "ou_sender", ChatID: "oc_chat", Text: text}
}

func TestInterpret_Help(t *testing.T) {
	it, _, _ := newInterpreter(t)

	out, err := it.Interpret(context.Background(), testRequest("/help"))
	require.NoError(t, err)
	assert.Nil(t, out.Turn)
	for _, cmd := range []string{"/help", "/reset", "/title", "/model", "/rollback"} {
		assert.Contains(t, out.Reply, cmd)
	}
	assert.Contains(t, out.Reply, "default, legacy, gpt-4")
}

func TestInterpret_PlainTextNewConversation(t *testing.T) {
	it, _, _ := newInterpreter(t)

	out, err := it.Interpret(context.Background(), testRequest("hello there"))
	require.NoError(t, err)
	require.NotNil(t, out.Turn)

	assert.Equal(t, "开始新对话：Alice - Team Chat", out.Reply)
	assert.True(t, out.Turn.NewConversation)
	assert.Equal(t, "Alice - Team Chat", out.Turn.Title)
	assert.Equal(t, "hello there", out.Turn.Text)
	assert.Empty(t, out.Turn.ConversationID)
}

func TestInterpret_PlainTextExistingConversation(t *testing.T) {
	it, st, _ := newInterpreter(t)
	require.NoError(t, st.Replace(context.Background(), testKey, store.Conversation{
		ConversationID: "conv-1",
		ParentIDs:      []string{"p1", "p2"},
		Title:          "物理问答",
		Model:          "gpt-4",
	}))

	out, err := it.Interpret(context.Background(), testRequest("next question"))
	require.NoError(t, err)
	require.NotNil(t, out.Turn)

	assert.Empty(t, out.Reply)
	assert.False(t, out.Turn.NewConversation)
	assert.Equal(t, "Alice - 物理问答", out.Turn.Title)
	assert.Equal(t, "conv-1", out.Turn.ConversationID)
	assert.Equal(t, []string{"p1", "p2"}, out.Turn.ParentIDs)
	assert.Equal(t, "gpt-4", out.Turn.Model)
}

func TestInterpret_Reset(t *testing.T) {
	it, st, aic := newInterpreter(t)
	require.NoError(t, st.Replace(context.Background(), testKey, store.Conversation{
		ConversationID: "conv-1",
		ParentIDs:      []string{"p1"},
		Title:          "kept",
	}))

	out, err := it.Interpret(context.Background(), testRequest("/reset"))
	require.NoError(t, err)
	assert.Equal(t, "对话已重新开始", out.Reply)

	conv, err := st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Empty(t, conv.ConversationID)
	assert.Empty(t, conv.ParentIDs)
	assert.Equal(t, "kept", conv.Title)

	assert.Equal(t, []string{"conv-1"}, aic.Deleted)
	assert.Equal(t, 1, aic.ResetCalls)
}

func TestInterpret_ResetWithoutConversation(t *testing.T) {
	it, _, aic := newInterpreter(t)

	out, err := it.Interpret(context.Background(), testRequest("/reset"))
	require.NoError(t, err)
	assert.Equal(t, "对话已重新开始", out.Reply)
	assert.Empty(t, aic.Deleted)
}

func TestInterpret_TitleSetAndClear(t *testing.T) {
	it, st, _ := newInterpreter(t)

	out, err := it.Interpret(context.Background(), testRequest("/title 数学"))
	require.NoError(t, err)
	assert.Equal(t, "成功修改标题为：数学", out.Reply)

	conv, err := st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "数学", conv.Title)

	out, err = it.Interpret(context.Background(), testRequest("/title"))
	require.NoError(t, err)
	assert.Equal(t, "成功清除标题设置", out.Reply)

	conv, err = st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Empty(t, conv.Title)
}

func TestInterpret_TitleRenamesActiveConversation(t *testing.T) {
	it, st, aic := newInterpreter(t)
	require.NoError(t, st.Replace(context.Background(), testKey, store.Conversation{
		ConversationID: "conv-1",
	}))

	out, err := it.Interpret(context.Background(), testRequest("/title 数学"))
	require.NoError(t, err)
	assert.Equal(t, "成功修改标题为：Alice - 数学", out.Reply)
	assert.Equal(t, "Alice - 数学", aic.Renames["conv-1"])
}

func TestInterpret_TitleRenameFailureStillConfirms(t *testing.T) {
	it, st, aic := newInterpreter(t)
	aic.RenameErr = errors.New("backend unreachable")
	require.NoError(t, st.Replace(context.Background(), testKey, store.Conversation{
		ConversationID: "conv-1",
	}))

	out, err := it.Interpret(context.Background(), testRequest("/title 数学"))
	require.NoError(t, err)
	assert.Equal(t, "成功修改标题为：Alice - 数学", out.Reply)

	conv, err := st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "数学", conv.Title)
}

func TestInterpret_Model(t *testing.T) {
	it, st, _ := newInterpreter(t)

	out, err := it.Interpret(context.Background(), testRequest("/model gpt-4"))
	require.NoError(t, err)
	assert.Equal(t, "成功修改模型为：gpt-4 (gpt-4)", out.Reply)

	out, err = it.Interpret(context.Background(), testRequest("/model DEFAULT"))
	require.NoError(t, err)
	assert.Equal(t, "成功修改模型为：default (text-davinci-002-render-sha)", out.Reply)

	conv, err := st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "text-davinci-002-render-sha", conv.Model)
}

func TestInterpret_ModelUnknown(t *testing.T) {
	it, _, _ := newInterpreter(t)

	for _, text := range []string{"/model", "/model gpt-5"} {
		out, err := it.Interpret(context.Background(), testRequest(text))
		require.NoError(t, err)
		assert.Equal(t, "模型不存在", out.Reply)
	}
}

func TestInterpret_Rollback(t *testing.T) {
	it, st, _ := newInterpreter(t)
	require.NoError(t, st.Replace(context.Background(), testKey, store.Conversation{
		ConversationID: "conv-1",
		ParentIDs:      []string{"p1", "p2", "p3"},
	}))

	out, err := it.Interpret(context.Background(), testRequest("/rollback 2"))
	require.NoError(t, err)
	assert.Equal(t, "成功回滚 2 条消息", out.Reply)

	conv, err := st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, conv.ParentIDs)
}

func TestInterpret_RollbackDefaultsToOne(t *testing.T) {
	it, st, _ := newInterpreter(t)
	require.NoError(t, st.Replace(context.Background(), testKey, store.Conversation{
		ConversationID: "conv-1",
		ParentIDs:      []string{"p1", "p2"},
	}))

	out, err := it.Interpret(context.Background(), testRequest("/rollback"))
	require.NoError(t, err)
	assert.Equal(t, "成功回滚 1 条消息", out.Reply)

	conv, err := st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, conv.ParentIDs)
}

func TestInterpret_RollbackInvalid(t *testing.T) {
	it, st, _ := newInterpreter(t)
	require.NoError(t, st.Replace(context.Background(), testKey, store.Conversation{
		ConversationID: "conv-1",
		ParentIDs:      []string{"p1", "p2"},
	}))

	for _, text := range []string{"/rollback 0", "/rollback 3", "/rollback abc", "/rollback -1"} {
		out, err := it.Interpret(context.Background(), testRequest(text))
		require.NoError(t, err)
		assert.Equal(t, "回滚范围不合法", out.Reply, "input %q", text)
	}

	conv, err := st.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, conv.ParentIDs)
}

func TestInterpret_RollbackWithoutConversation(t *testing.T) {
	it, _, _ := newInterpreter(t)

	out, err := it.Interpret(context.Background(), testRequest("/rollback 1"))
	require.NoError(t, err)
	assert.Equal(t, "对话不存在", out.Reply)
}

func TestInterpret_UnknownCommand(t *testing.T) {
	it, _, _ := newInterpreter(t)

	out, err := it.Interpret(context.Background(), testRequest("/frobnicate"))
	require.NoError(t, err)
	assert.Equal(t, "无效命令", out.Reply)
	assert.Nil(t, out.Turn)
}

func TestInterpret_StoreFailureSurfaces(t *testing.T) {
	it, st, _ := newInterpreter(t)
	st.ForcedErr = assert.AnError

	_, err := it.Interpret(context.Background(), testRequest("hello"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "loading conversation"))
}

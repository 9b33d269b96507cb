// ABOUTME: Tests for the HTTP AI backend client
// ABOUTME: Uses httptest servers to exercise SSE streaming, errors, and conversation patches

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Options{
		BaseURL:     srv.URL,
		AccessToken: "test-token",
	})
}

func sseBody(events ...string) string {
	out := ""
	for _, e := range events {
		out += "data: " + e + "\n\n"
	}
	return out + "data: [DONE]\n\n"
}

func snapshotEvent(convID, parentID, text string) string {
	ev := map[string]any{
		"conversation_id": convID,
		"message": map[string]any{
			"id": parentID,
			"content": map[string]any{
				"content_type": "text",
				"parts":        []string{text},
			},
		},
	}
	b, _ := json.Marshal(ev)
	return string(b)
}

func TestAsk_StreamsCumulativeSnapshots(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversation", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var payload askPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "next", payload.Action)
		assert.Equal(t, "conv-1", payload.ConversationID)
		assert.Equal(t, "p1", payload.ParentMessageID)
		assert.Equal(t, "gpt-4", payload.Model)
		require.Len(t, payload.Messages, 1)
		assert.Equal(t, []string{"hello"}, payload.Messages[0].Content.Parts)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			snapshotEvent("conv-1", "p2", "Hi"),
			snapshotEvent("conv-1", "p2", "Hi there"),
		))
	})

	stream, err := c.Ask(context.Background(), AskRequest{
		Text:           "hello",
		ConversationID: "conv-1",
		ParentID:       "p1",
		Model:          "gpt-4",
	})
	require.NoError(t, err)

	var snaps []Snapshot
	for snap := range stream {
		require.NoError(t, snap.Err)
		snaps = append(snaps, snap)
	}

	require.Len(t, snaps, 2)
	assert.Equal(t, "Hi", snaps[0].Message)
	assert.Equal(t, "Hi there", snaps[1].Message)
	assert.Equal(t, "conv-1", snaps[1].ConversationID)
	assert.Equal(t, "p2", snaps[1].ParentID)
}

func TestAsk_FillsDefaultsForFreshConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload askPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Empty(t, payload.ConversationID)
		assert.NotEmpty(t, payload.ParentMessageID, "fresh turns get a generated parent id")
		assert.Equal(t, DefaultModel, payload.Model)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(snapshotEvent("conv-new", "p1", "ok")))
	})

	stream, err := c.Ask(context.Background(), AskRequest{Text: "hi"})
	require.NoError(t, err)
	var last Snapshot
	for snap := range stream {
		require.NoError(t, snap.Err)
		last = snap
	}
	assert.Equal(t, "conv-new", last.ConversationID)
}

func TestAsk_StructuredErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"source": "openai", "code": 429, "message": "rate limited"}`)
	})

	_, err := c.Ask(context.Background(), AskRequest{Text: "hi"})
	require.Error(t, err)

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "openai(429): rate limited", be.Error())
}

func TestAsk_UnstructuredErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	})

	_, err := c.Ask(context.Background(), AskRequest{Text: "hi"})
	require.Error(t, err)

	var be *BackendError
	assert.False(t, errors.As(err, &be))
	assert.Contains(t, err.Error(), "502")
}

func TestAsk_MidStreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: "+snapshotEvent("conv-1", "p1", "partial")+"\n\n")
		fmt.Fprint(w, `data: {"error": {"source": "openai", "code": 500, "message": "boom"}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.Ask(context.Background(), AskRequest{Text: "hi"})
	require.NoError(t, err)

	var snaps []Snapshot
	for snap := range stream {
		snaps = append(snaps, snap)
	}
	require.Len(t, snaps, 2)
	require.Error(t, snaps[1].Err)

	var be *BackendError
	require.True(t, errors.As(snaps[1].Err, &be))
	assert.Equal(t, "openai", be.Source)
}

func TestAsk_EmptyStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.Ask(context.Background(), AskRequest{Text: "hi"})
	require.NoError(t, err)

	count := 0
	for range stream {
		count++
	}
	assert.Equal(t, 0, count)
}

func TestRenameConversation(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{}`)
	})

	require.NoError(t, c.RenameConversation(context.Background(), "conv-1", "Alice - standup"))
	assert.Equal(t, "/conversation/conv-1", gotPath)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "Alice - standup", gotBody["title"])
}

func TestDeleteConversation(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{}`)
	})

	require.NoError(t, c.DeleteConversation(context.Background(), "conv-1"))
	assert.Equal(t, false, gotBody["is_visible"])
}

func TestHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversation/conv-1", r.URL.Path)
		fmt.Fprint(w, `{"items": []}`)
	})

	hist, err := c.History(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, `{"items": []}`, hist)
}

func TestBackendError_Format(t *testing.T) {
	err := &BackendError{Source: "openai", Code: 429, Message: "rate limited"}
	assert.Equal(t, "openai(429): rate limited", err.Error())
}

func TestTruncate_KeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	// cutting mid-rune must back up to the previous boundary
	got := truncate("回滚范围不合法", 7)
	assert.Equal(t, "回滚...", got)
	assert.True(t, utf8.ValidString(got))
}

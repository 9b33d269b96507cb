// ABOUTME: HTTP implementation of the AI backend client
// ABOUTME: Speaks the conversation endpoint's JSON-over-SSE streaming protocol

package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultModel is the backend model used when a conversation has no
// model override stored.
const DefaultModel = "text-davinci-002-render-sha"

// HTTPClient implements Client against the backend's HTTP API.
// It holds no session-local state; conversation identity travels in
// every request.
type HTTPClient struct {
	baseURL     string
	accessToken string
	httpc       *http.Client
	timeout     time.Duration
	logger      *slog.Logger
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL     string
	AccessToken string

	// Timeout bounds a full streaming turn, not individual reads.
	// Zero means unbounded.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// NewHTTPClient creates a backend client for the given endpoint and session token.
func NewHTTPClient(opts Options) *HTTPClient {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		accessToken: opts.AccessToken,
		httpc:       httpc,
		timeout:     opts.Timeout,
		logger:      logger.With("component", "ai"),
	}
}

// askPayload is the conversation request body.
type askPayload struct {
	Action          string       `json:"action"`
	Messages        []askMessage `json:"messages"`
	ConversationID  string       `json:"conversation_id,omitempty"`
	ParentMessageID string       `json:"parent_message_id"`
	Model           string       `json:"model"`
}

type askMessage struct {
	ID      string     `json:"id"`
	Author  askAuthor  `json:"author"`
	Content askContent `json:"content"`
}

type askAuthor struct {
	Role string `json:"role"`
}

type askContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

// streamEvent is one decoded SSE data payload.
type streamEvent struct {
	Message struct {
		ID      string `json:"id"`
		Content struct {
			Parts []string `json:"parts"`
		} `json:"content"`
	} `json:"message"`
	ConversationID string          `json:"conversation_id"`
	Error          json.RawMessage `json:"error"`
}

// wireError is the backend's structured error document.
type wireError struct {
	Source  string `json:"source"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  *struct {
		Source  string `json:"source"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Ask submits one turn and streams cumulative snapshots until the backend
// signals completion. The returned channel is closed on completion, error,
// or context cancellation; a terminal failure arrives as Snapshot.Err.
func (c *HTTPClient) Ask(ctx context.Context, req AskRequest) (<-chan Snapshot, error) {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	parentID := req.ParentID
	if parentID == "" {
		parentID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	payload := askPayload{
		Action: "next",
		Messages: []askMessage{{
			ID:      uuid.New().String(),
			Author:  askAuthor{Role: "user"},
			Content: askContent{ContentType: "text", Parts: []string{req.Text}},
		}},
		ConversationID:  req.ConversationID,
		ParentMessageID: parentID,
		Model:           model,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoding ask request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/conversation", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating ask request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ask request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		return nil, c.decodeError(resp)
	}

	out := make(chan Snapshot)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer cancel()
		c.consumeStream(ctx, resp.Body, out)
	}()
	return out, nil
}

// consumeStream reads SSE lines and forwards decoded snapshots until the
// terminal [DONE] marker or a read failure.
func (c *HTTPClient) consumeStream(ctx context.Context, body io.Reader, out chan<- Snapshot) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Interleaved non-JSON keepalives are skipped
			c.logger.Debug("skipping undecodable stream line", "line", truncate(data, 120))
			continue
		}

		if len(ev.Error) > 0 && string(ev.Error) != "null" {
			snap := Snapshot{Err: backendErrFromRaw(ev.Error)}
			if !send(ctx, out, snap) {
				return
			}
			return
		}

		if len(ev.Message.Content.Parts) == 0 {
			continue
		}

		snap := Snapshot{
			Message:        ev.Message.Content.Parts[0],
			ConversationID: ev.ConversationID,
			ParentID:       ev.Message.ID,
		}
		if !send(ctx, out, snap) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, out, Snapshot{Err: fmt.Errorf("reading stream: %w", err)})
	}
}

// send delivers a snapshot unless ctx is done first.
func send(ctx context.Context, out chan<- Snapshot, snap Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeError turns a non-200 response into a BackendError when the body
// carries the structured source/code/message triple, or a plain error
// otherwise.
func (c *HTTPClient) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if err := backendErrFromRaw(body); err != nil {
		return err
	}
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(body)), 200))
}

// backendErrFromRaw decodes a structured backend error document.
// Returns nil when the document does not carry the triple.
func backendErrFromRaw(raw []byte) error {
	var we wireError
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil
	}
	if we.Detail != nil && we.Detail.Source != "" {
		return &BackendError{Source: we.Detail.Source, Code: we.Detail.Code, Message: we.Detail.Message}
	}
	if we.Source != "" {
		return &BackendError{Source: we.Source, Code: we.Code, Message: we.Message}
	}
	return nil
}

// Reset discards session-local state. The HTTP client keeps none, so this
// only exists to satisfy the collaborator contract.
func (c *HTTPClient) Reset(ctx context.Context) error {
	return nil
}

// DeleteConversation hides the conversation on the backend side.
func (c *HTTPClient) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.patchConversation(ctx, conversationID, map[string]any{"is_visible": false})
}

// RenameConversation sets the backend-side display title.
func (c *HTTPClient) RenameConversation(ctx context.Context, conversationID, title string) error {
	return c.patchConversation(ctx, conversationID, map[string]any{"title": title})
}

func (c *HTTPClient) patchConversation(ctx context.Context, conversationID string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding conversation patch: %w", err)
	}

	url := fmt.Sprintf("%s/conversation/%s", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating conversation patch: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("patching conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	return nil
}

// History returns the backend's recent messages for a conversation as a
// JSON document, used only as diagnostic context in failure replies.
func (c *HTTPClient) History(ctx context.Context, conversationID string) (string, error) {
	url := fmt.Sprintf("%s/conversation/%s", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.decodeError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return "", fmt.Errorf("reading history: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// back up to a rune boundary so CJK text is not split mid-rune
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

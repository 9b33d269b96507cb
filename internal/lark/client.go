// ABOUTME: HTTP client for the chat platform's messaging and contact APIs
// ABOUTME: Caches the tenant access token and exposes reply/update plus identity lookups

package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Messenger is the outbound surface the bridge needs from the chat platform.
// UserName and ChatName are fallible remote lookups that collapse to a
// default string on failure rather than erroring.
type Messenger interface {
	Reply(ctx context.Context, inReplyTo string, content MessageContent) (string, error)
	Update(ctx context.Context, messageID string, content MessageContent) error
	UserName(ctx context.Context, openID string) string
	ChatName(ctx context.Context, chatID string) string
}

// Client talks to the platform's open API using app credentials.
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	httpc     *http.Client
	logger    *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL   string
	AppID     string
	AppSecret string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// NewClient creates a platform API client.
func NewClient(opts ClientOptions) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		appID:     opts.AppID,
		appSecret: opts.AppSecret,
		httpc:     httpc,
		logger:    logger.With("component", "lark"),
	}
}

// apiError is a non-zero platform response code.
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("platform api error %d: %s", e.Code, e.Msg)
}

// accessToken returns a cached tenant access token, refreshing it when
// close to expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > 2*time.Minute {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching access token: %w", err)
	}
	defer resp.Body.Close()

	var tr struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Code != 0 {
		return "", &apiError{Code: tr.Code, Msg: tr.Msg}
	}

	c.token = tr.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.Expire) * time.Second)
	return c.token, nil
}

// do issues an authenticated API call and decodes the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	if envelope.Code != 0 {
		return &apiError{Code: envelope.Code, Msg: envelope.Msg}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding data from %s: %w", path, err)
		}
	}
	return nil
}

// Reply sends a new message in reply to an inbound one and returns the
// outbound message id.
func (c *Client) Reply(ctx context.Context, inReplyTo string, content MessageContent) (string, error) {
	var data struct {
		MessageID string `json:"message_id"`
	}
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/open-apis/im/v1/messages/%s/reply", inReplyTo),
		map[string]string{
			"content":  content.Body,
			"msg_type": content.MsgType,
		}, &data)
	if err != nil {
		return "", fmt.Errorf("replying to %s: %w", inReplyTo, err)
	}

	c.logger.Debug("sent reply", "in_reply_to", inReplyTo, "message_id", data.MessageID)
	return data.MessageID, nil
}

// Update edits an existing outbound message in place.
func (c *Client) Update(ctx context.Context, messageID string, content MessageContent) error {
	err := c.do(ctx, http.MethodPatch,
		fmt.Sprintf("/open-apis/im/v1/messages/%s", messageID),
		map[string]string{
			"content": content.Body,
		}, nil)
	if err != nil {
		return fmt.Errorf("updating %s: %w", messageID, err)
	}

	c.logger.Debug("updated message", "message_id", messageID)
	return nil
}

// UserName resolves a sender's display name, falling back to "Unknown"
// when the lookup fails.
func (c *Client) UserName(ctx context.Context, openID string) string {
	var data struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/open-apis/contact/v3/users/%s", openID), nil, &data)
	if err != nil {
		c.logger.Error("user lookup failed", "open_id", openID, "error", err)
		return "Unknown"
	}
	return data.User.Name
}

// ChatName resolves a chat's display name. Group chats yield the group
// name; other chat modes yield a "[mode]" tag; failures yield "<chat_id>".
func (c *Client) ChatName(ctx context.Context, chatID string) string {
	var data struct {
		Name     string `json:"name"`
		ChatMode string `json:"chat_mode"`
	}
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/open-apis/im/v1/chats/%s", chatID), nil, &data)
	if err != nil {
		c.logger.Error("chat lookup failed", "chat_id", chatID, "error", err)
		return fmt.Sprintf("<%s>", chatID)
	}
	if data.ChatMode != "group" {
		return fmt.Sprintf("[%s]", data.ChatMode)
	}
	return data.Name
}

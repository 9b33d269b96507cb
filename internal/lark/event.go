// ABOUTME: Inbound webhook parsing for the chat platform's event callbacks
// ABOUTME: Handles payload decryption, URL verification and message event decoding

package lark

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBadToken signals a webhook whose verification token does not match
// the configured one.
var ErrBadToken = errors.New("webhook verification token mismatch")

// Webhook is the decoded result of an inbound callback. Exactly one of
// Challenge and Message is set; other event types leave both empty.
type Webhook struct {
	// Challenge is non-empty for URL verification handshakes and must
	// be echoed back verbatim.
	Challenge string

	// Message is set for message-receive events.
	Message *MessageEvent
}

// MessageEvent is an inbound chat message.
type MessageEvent struct {
	MessageID    string
	MessageType  string
	ChatID       string
	SenderOpenID string

	// Text is the message text with mention placeholders stripped.
	// Empty for non-text message types.
	Text string
}

// Parser decodes webhook payloads for one app.
type Parser struct {
	verificationToken string
	encryptKey        []byte
}

// NewParser creates a webhook parser. encryptKey may be empty when the
// app has payload encryption disabled.
func NewParser(verificationToken, encryptKey string) *Parser {
	p := &Parser{verificationToken: verificationToken}
	if encryptKey != "" {
		sum := sha256.Sum256([]byte(encryptKey))
		p.encryptKey = sum[:]
	}
	return p
}

var mentionPattern = regexp.MustCompile(`@_user_\d+`)

// ParseWebhook decodes one callback body. Encrypted payloads are
// decrypted first; the verification token is checked on every event.
func (p *Parser) ParseWebhook(body []byte) (*Webhook, error) {
	var envelope struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding webhook body: %w", err)
	}
	if envelope.Encrypt != "" {
		plain, err := p.decrypt(envelope.Encrypt)
		if err != nil {
			return nil, err
		}
		body = plain
	}

	var payload struct {
		Type      string `json:"type"`
		Token     string `json:"token"`
		Challenge string `json:"challenge"`
		Schema    string `json:"schema"`
		Header    struct {
			EventType string `json:"event_type"`
			Token     string `json:"token"`
		} `json:"header"`
		Event struct {
			Sender struct {
				SenderID struct {
					OpenID string `json:"open_id"`
				} `json:"sender_id"`
			} `json:"sender"`
			Message struct {
				MessageID   string `json:"message_id"`
				ChatID      string `json:"chat_id"`
				MessageType string `json:"message_type"`
				Content     string `json:"content"`
			} `json:"message"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}

	if payload.Type == "url_verification" {
		if p.verificationToken != "" && payload.Token != p.verificationToken {
			return nil, ErrBadToken
		}
		return &Webhook{Challenge: payload.Challenge}, nil
	}

	if p.verificationToken != "" && payload.Header.Token != p.verificationToken {
		return nil, ErrBadToken
	}

	if payload.Header.EventType != "im.message.receive_v1" {
		return &Webhook{}, nil
	}

	msg := payload.Event.Message
	ev := &MessageEvent{
		MessageID:    msg.MessageID,
		MessageType:  msg.MessageType,
		ChatID:       msg.ChatID,
		SenderOpenID: payload.Event.Sender.SenderID.OpenID,
	}
	if msg.MessageType == "text" {
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(msg.Content), &content); err != nil {
			return nil, fmt.Errorf("decoding text content: %w", err)
		}
		ev.Text = strings.TrimSpace(mentionPattern.ReplaceAllString(content.Text, ""))
	}
	return &Webhook{Message: ev}, nil
}

// decrypt reverses the platform's AES-256-CBC payload encryption. The
// key is the SHA-256 of the configured encrypt key and the IV is the
// first block of the ciphertext.
func (p *Parser) decrypt(encoded string) ([]byte, error) {
	if p.encryptKey == nil {
		return nil, errors.New("received encrypted payload but no encrypt key configured")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding encrypted payload: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("encrypted payload has invalid length")
	}

	block, err := aes.NewCipher(p.encryptKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(plain) {
		return nil, errors.New("encrypted payload has invalid padding")
	}
	return plain[:len(plain)-pad], nil
}

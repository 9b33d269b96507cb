// ABOUTME: Builders for outbound message content in the platform's wire format
// ABOUTME: Covers plain text messages and the streaming answer card

package lark

import "encoding/json"

// MessageContent is a ready-to-send message body plus its type tag.
type MessageContent struct {
	MsgType string
	Body    string
}

// TextContent builds a plain text message.
func TextContent(text string) MessageContent {
	body, _ := json.Marshal(map[string]string{"text": text})
	return MessageContent{MsgType: "text", Body: string(body)}
}

type cardNote struct {
	Tag      string        `json:"tag"`
	Elements []cardElement `json:"elements"`
}

type cardElement struct {
	Tag     string    `json:"tag"`
	Text    *cardText `json:"text,omitempty"`
	ImgKey  string    `json:"img_key,omitempty"`
	Alt     *cardText `json:"alt,omitempty"`
	Content string    `json:"content,omitempty"`
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// CardContent builds the interactive answer card. While the answer is
// still streaming the card carries a note row with an optional loading
// image and a typing hint; the finished card drops the note entirely.
func CardContent(text string, finished bool, loadingImgKey string) MessageContent {
	elements := []any{
		cardElement{
			Tag:  "div",
			Text: &cardText{Tag: "plain_text", Content: text},
		},
	}

	if !finished {
		note := cardNote{Tag: "note"}
		if loadingImgKey != "" {
			note.Elements = append(note.Elements, cardElement{
				Tag:    "img",
				ImgKey: loadingImgKey,
				Alt:    &cardText{Tag: "plain_text", Content: ""},
			})
		}
		note.Elements = append(note.Elements, cardElement{
			Tag:     "plain_text",
			Content: "typing...",
		})
		elements = append(elements, note)
	}

	body, _ := json.Marshal(map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": elements,
	})
	return MessageContent{MsgType: "interactive", Body: string(body)}
}

package channel

import (
	"encoding/json"
	"strings"
)

const (
	ActivityTypeMessage     = "message"
	AdaptiveCardContentType = "application/vnd.microsoft.card.adaptive"
	DefaultHeadline         = "New Notification"
	headlineMarker          = "📢 "
)

// ConversationReference points at an existing bot conversation.
type ConversationReference struct {
	ServiceURL     string
	ConversationID string
}

// Activity is the subset of the Bot Framework activity schema the worker sends.
type Activity struct {
	Type        string       `json:"type"`
	Text        string       `json:"text,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ChannelData *ChannelData `json:"channelData,omitempty"`
}

type Attachment struct {
	ContentType string          `json:"contentType"`
	Content     json.RawMessage `json:"content"`
}

type ChannelData struct {
	Notification Notification `json:"notification"`
}

// Notification controls whether the client raises a popup for the activity.
type Notification struct {
	Alert bool   `json:"alert"`
	Text  string `json:"text,omitempty"`
}

type cardHeader struct {
	Title json.RawMessage `json:"title"`
	Body  []struct {
		Text json.RawMessage `json:"text"`
	} `json:"body"`
}

// Headline derives the short alert text for a card. Any non-null title wins,
// even an empty one; otherwise the text of the first body element is used,
// else DefaultHeadline.
func Headline(card json.RawMessage) string {
	text := DefaultHeadline

	var h cardHeader
	if err := json.Unmarshal(card, &h); err == nil {
		if s, ok := fieldText(h.Title); ok {
			text = s
		} else if len(h.Body) > 0 {
			if s, ok := fieldText(h.Body[0].Text); ok {
				text = s
			}
		}
	}
	return headlineMarker + strings.TrimSpace(text)
}

// fieldText renders a card field as text. Absent and null fields report
// false; non-string values are rendered as their JSON.
func fieldText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

// NewHeadlineActivity builds the minimal first message that surfaces as the
// user's notification popup.
func NewHeadlineActivity(headline string) *Activity {
	return &Activity{
		Type:    ActivityTypeMessage,
		Text:    headline,
		Summary: headline,
		ChannelData: &ChannelData{
			Notification: Notification{Alert: true, Text: headline},
		},
	}
}

// NewCardActivity carries the full adaptive card. It has no summary and does
// not alert, so the headline stays the only popup.
func NewCardActivity(card json.RawMessage) *Activity {
	return &Activity{
		Type: ActivityTypeMessage,
		Attachments: []Attachment{
			{ContentType: AdaptiveCardContentType, Content: card},
		},
		ChannelData: &ChannelData{
			Notification: Notification{Alert: false},
		},
	}
}

package viewers

import (
	"encoding/json"
	"strings"
	"time"
)

// Message types exchanged over the realtime connection.
const (
	TypeHello          = "hello"
	TypeChannel        = "channel"
	TypeChat           = "chat"
	TypeAck            = "ack"
	TypeCounts         = "counts"
	TypeChatError      = "chat_error"
	TypeScheduleUpdate = "schedule_update"
	TypeActiveUpdate   = "active_update"
)

const (
	ChatKindUser   = "user"
	ChatKindSystem = "system"
)

type typedMessage interface {
	messageType() string
}

type OpenAck struct {
	Type  string `json:"type"`
	Event string `json:"event"`
}

func (OpenAck) messageType() string { return TypeAck }

type MessageAck struct {
	Type     string `json:"type"`
	Event    string `json:"event"`
	Received string `json:"received"`
	ViewerID string `json:"viewerId"`
	Channel  string `json:"channel"`
}

func (MessageAck) messageType() string { return TypeAck }

type CountsMessage struct {
	Type     string         `json:"type"`
	Total    int            `json:"total"`
	Channels map[string]int `json:"channels"`
}

func (CountsMessage) messageType() string { return TypeCounts }

type ChatMessage struct {
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	Username string `json:"username"`
	Text     string `json:"text"`
	Kind     string `json:"kind"`
	At       int64  `json:"at"`
}

func (ChatMessage) messageType() string { return TypeChat }

type ChatErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (ChatErrorMessage) messageType() string { return TypeChatError }

// ScheduleUpdateMessage announces changed assignments; a nil block means the
// channel's schedule entry was removed.
type ScheduleUpdateMessage struct {
	Type     string             `json:"type"`
	Channels map[string]*string `json:"channels"`
	At       int64              `json:"at"`
}

func (ScheduleUpdateMessage) messageType() string { return TypeScheduleUpdate }

type ActiveUpdateMessage struct {
	Type     string            `json:"type"`
	Channels map[string]string `json:"channels"`
	At       int64             `json:"at"`
}

func (ActiveUpdateMessage) messageType() string { return TypeActiveUpdate }

// NewScheduleUpdate builds a schedule_update message stamped with at.
func NewScheduleUpdate(channels map[string]*string, at time.Time) ScheduleUpdateMessage {
	return ScheduleUpdateMessage{Type: TypeScheduleUpdate, Channels: channels, At: at.UnixMilli()}
}

// NewActiveUpdate builds an active_update message stamped with at.
func NewActiveUpdate(channels map[string]string, at time.Time) ActiveUpdateMessage {
	return ActiveUpdateMessage{Type: TypeActiveUpdate, Channels: channels, At: at.UnixMilli()}
}

func newCountsMessage(counts Counts) CountsMessage {
	return CountsMessage{Type: TypeCounts, Total: counts.Total, Channels: counts.Channels}
}

func messageTypeOf(message any) string {
	if typed, ok := message.(typedMessage); ok {
		return typed.messageType()
	}
	return "other"
}

// inboundMessage is a decoded client frame. Fields that are absent or not
// strings decode as empty.
type inboundMessage struct {
	Type      string
	ViewerID  string
	Channel   string
	SessionID string
	Text      string
}

func parseInbound(raw []byte) (inboundMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return inboundMessage{}, false
	}
	message := inboundMessage{
		Type:      stringField(fields, "type"),
		ViewerID:  stringField(fields, "viewerId"),
		Channel:   stringField(fields, "channel"),
		SessionID: stringField(fields, "sessionId"),
		Text:      stringField(fields, "text"),
	}
	switch message.Type {
	case TypeHello, TypeChannel, TypeChat:
		return message, true
	default:
		return inboundMessage{}, false
	}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func normalizeViewerID(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

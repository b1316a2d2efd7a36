package viewers

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cartoonrewatch/crt80/internal/analytics"
	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/metrics"
	"github.com/cartoonrewatch/crt80/internal/throttle"
	"go.uber.org/zap"
)

const (
	defaultMaxChatLength = 400
	dateKeyLayout        = "2006-01-02"
	chatSignInMessage    = "Sign in to chat."
)

var (
	errMissingRegistry = errors.New("viewers: registry is required")
	errMissingHub      = errors.New("viewers: hub is required")
	errMissingWindows  = errors.New("viewers: visit and join windows are required")
)

// AnalyticsRecorder queues analytics events. The returned channel yields the
// outcome once the event has been persisted.
type AnalyticsRecorder interface {
	RecordVisit(event analytics.Event) <-chan error
	RecordChannelView(event analytics.Event) <-chan error
}

// Censor masks offensive spans of chat text.
type Censor interface {
	Mask(text string) string
}

type ProtocolConfig struct {
	Registry      *Registry
	Hub           *Hub
	Visits        *throttle.Window
	Joins         *throttle.Window
	Analytics     AnalyticsRecorder
	Censor        Censor
	Location      *time.Location
	MaxChatLength int
	Clock         func() time.Time
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Protocol applies the viewer message rules to registry state and fans the
// results out through the hub.
type Protocol struct {
	registry      *Registry
	hub           *Hub
	visits        *throttle.Window
	joins         *throttle.Window
	analytics     AnalyticsRecorder
	censor        Censor
	location      *time.Location
	maxChatLength int
	clock         func() time.Time
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func NewProtocol(cfg ProtocolConfig) (*Protocol, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Visits == nil || cfg.Joins == nil {
		return nil, errMissingWindows
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	maxChatLength := cfg.MaxChatLength
	if maxChatLength <= 0 {
		maxChatLength = defaultMaxChatLength
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		registry:      cfg.Registry,
		hub:           cfg.Hub,
		visits:        cfg.Visits,
		joins:         cfg.Joins,
		analytics:     cfg.Analytics,
		censor:        cfg.Censor,
		location:      location,
		maxChatLength: maxChatLength,
		clock:         clock,
		metrics:       cfg.Metrics,
		logger:        logger,
	}, nil
}

// Open registers a new connection, acknowledges it and refreshes everyone's counts.
func (p *Protocol) Open(sender Sender, identity *ChatIdentity) {
	p.registry.Open(sender.ID(), "", identity)
	p.hub.Register(sender)
	p.metrics.SetOpenConnections(p.registry.Len())

	p.hub.SendTo(sender, OpenAck{Type: TypeAck, Event: "open"})
	p.broadcastCounts(sender)
}

// Close forgets the connection and refreshes the remaining viewers' counts.
func (p *Protocol) Close(sender Sender) {
	p.hub.Unregister(sender.ID())
	if p.registry.Close(sender.ID()) {
		p.metrics.SetOpenConnections(p.registry.Len())
	}
	p.broadcastCounts(nil)
}

// HandleMessage processes one inbound frame. Frames that are not JSON objects
// or carry an unknown type are ignored.
func (p *Protocol) HandleMessage(sender Sender, raw []byte) {
	message, ok := parseInbound(raw)
	if !ok {
		p.logger.Debug("viewer frame ignored", zap.String("connection_id", sender.ID()))
		return
	}
	p.metrics.InboundMessage(message.Type)

	switch message.Type {
	case TypeHello, TypeChannel:
		p.handlePresence(sender, message)
	case TypeChat:
		p.handleChat(sender, message)
	}
}

func (p *Protocol) handlePresence(sender Sender, message inboundMessage) {
	existing, ok := p.registry.Get(sender.ID())
	if !ok {
		return
	}

	viewerID := normalizeViewerID(message.ViewerID, existing.ViewerID)
	channel := channels.NormalizeSlug(message.Channel)
	sessionID := strings.TrimSpace(message.SessionID)
	patch := Patch{ViewerID: &viewerID, SessionID: &sessionID}

	isHello := message.Type == TypeHello
	if isHello {
		hasHello := true
		patch.HasHello = &hasHello
		if channel != "" {
			patch.Channel = &channel
		}
	} else {
		patch.Channel = &channel
	}

	previous, current, ok := p.registry.Update(sender.ID(), patch)
	if !ok {
		return
	}

	now := p.clock()
	if isHello && !previous.HasHello {
		p.recordVisit(current, now)
		if current.Channel != "" {
			p.announceJoin(current, now)
		}
	}
	if !isHello && current.Channel != "" && current.Channel != previous.Channel {
		p.recordChannelView(current, now)
		p.announceJoin(current, now)
	}

	p.hub.SendTo(sender, MessageAck{
		Type:     TypeAck,
		Event:    "message",
		Received: message.Type,
		ViewerID: current.ViewerID,
		Channel:  current.Channel,
	})
	p.broadcastCounts(sender)
}

func (p *Protocol) handleChat(sender Sender, message inboundMessage) {
	connection, ok := p.registry.Get(sender.ID())
	if !ok {
		return
	}

	text := truncateRunes(strings.TrimSpace(message.Text), p.maxChatLength)
	if text == "" {
		p.metrics.ChatMessage("empty")
		return
	}
	if connection.Identity == nil {
		p.metrics.ChatMessage("unauthenticated")
		p.hub.SendTo(sender, ChatErrorMessage{Type: TypeChatError, Message: chatSignInMessage})
		return
	}

	channel := connection.Channel
	if channel == "" {
		channel = channels.NormalizeSlug(message.Channel)
	}
	if channel == "" {
		p.metrics.ChatMessage("no_channel")
		return
	}

	if p.censor != nil {
		text = p.censor.Mask(text)
	}
	p.metrics.ChatMessage("sent")
	p.hub.BroadcastToChannel(channel, ChatMessage{
		Type:     TypeChat,
		Channel:  channel,
		Username: connection.Identity.Username,
		Text:     text,
		Kind:     ChatKindUser,
		At:       p.clock().UnixMilli(),
	})
}

// announceJoin posts a system chat line when an identified viewer lands on a
// channel, at most once per cooldown for the same viewer and channel.
func (p *Protocol) announceJoin(connection Connection, now time.Time) {
	if connection.Identity == nil || connection.Channel == "" {
		return
	}
	if !p.joins.ShouldFire(throttle.JoinKey(connection.ViewerID, connection.Channel), now) {
		return
	}
	p.metrics.JoinAnnounced()
	p.hub.BroadcastToChannel(connection.Channel, ChatMessage{
		Type:     TypeChat,
		Channel:  connection.Channel,
		Username: connection.Identity.Username,
		Text:     fmt.Sprintf("%s joined the chat", connection.Identity.Username),
		Kind:     ChatKindSystem,
		At:       now.UnixMilli(),
	})
}

func (p *Protocol) recordVisit(connection Connection, now time.Time) {
	if p.analytics == nil {
		return
	}
	dateKey := now.In(p.location).Format(dateKeyLayout)
	if !p.visits.ShouldFire(throttle.VisitKey(connection.ViewerID, connection.SessionID, dateKey), now) {
		return
	}
	event := analytics.Event{ViewerID: connection.ViewerID, ChannelSlug: connection.Channel, At: now}
	p.awaitAnalytics("visit", p.analytics.RecordVisit(event), connection)
}

func (p *Protocol) recordChannelView(connection Connection, now time.Time) {
	if p.analytics == nil {
		return
	}
	dateKey := now.In(p.location).Format(dateKeyLayout)
	key := throttle.ChannelViewKey(connection.ViewerID, connection.SessionID, connection.Channel, dateKey)
	if !p.visits.ShouldFire(key, now) {
		return
	}
	event := analytics.Event{ViewerID: connection.ViewerID, ChannelSlug: connection.Channel, At: now}
	p.awaitAnalytics("channel_view", p.analytics.RecordChannelView(event), connection)
}

// awaitAnalytics logs the outcome of a queued analytics event without
// holding up the caller.
func (p *Protocol) awaitAnalytics(kind string, done <-chan error, connection Connection) {
	if done == nil {
		return
	}
	go func() {
		if err := <-done; err != nil {
			p.logger.Error("analytics update failed",
				zap.String("operation", "viewers.analytics"),
				zap.String("reason", kind),
				zap.String("viewer_id", connection.ViewerID),
				zap.String("channel", connection.Channel),
				zap.Error(err))
		}
	}()
}

func (p *Protocol) broadcastCounts(origin Sender) {
	p.hub.BroadcastAllOr(newCountsMessage(p.registry.CountsSnapshot()), origin)
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

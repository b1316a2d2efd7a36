package blocks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"go.uber.org/zap"
)

var (
	ErrMissingActiveStore = errors.New("blocks: active store is required")
	ErrMissingChannels    = errors.New("blocks: channel source is required")
	ErrUnknownChannel     = errors.New("blocks: unknown channel")
)

const (
	opActive    = "blocks.active"
	opSetActive = "blocks.set_active"
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ChannelSource lists the current lineup.
type ChannelSource interface {
	List(ctx context.Context) ([]channels.Channel, error)
}

// Broadcaster fans a message out to every viewer.
type Broadcaster interface {
	BroadcastAll(message any) int
}

type ServiceConfig struct {
	Active      *ActiveStore
	Channels    ChannelSource
	Broadcaster Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
}

type Service struct {
	active      *ActiveStore
	channels    ChannelSource
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Active == nil {
		return nil, ErrMissingActiveStore
	}
	if cfg.Channels == nil {
		return nil, ErrMissingChannels
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		active:      cfg.Active,
		channels:    cfg.Channels,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Active returns the assignment of every known channel; channels without one
// map to the empty string.
func (s *Service) Active(ctx context.Context) (map[string]string, error) {
	lineup, err := s.channels.List(ctx)
	if err != nil {
		s.logError(opActive, "channels_failed", err)
		return nil, newServiceError(opActive, "channels_failed", err)
	}
	stored, err := s.active.Read(ctx)
	if err != nil {
		s.logError(opActive, "read_failed", err)
		return nil, newServiceError(opActive, "read_failed", err)
	}
	result := make(map[string]string, len(lineup))
	for _, channel := range lineup {
		result[channel.Slug] = stored[channel.Slug]
	}
	return result, nil
}

// SetActive assigns blockSlug to a known channel and tells every viewer. An
// empty block clears the assignment.
func (s *Service) SetActive(ctx context.Context, channelSlug, blockSlug string) (map[string]string, error) {
	channelSlug = channels.NormalizeSlug(channelSlug)
	blockSlug = channels.NormalizeSlug(blockSlug)

	lineup, err := s.channels.List(ctx)
	if err != nil {
		s.logError(opSetActive, "channels_failed", err)
		return nil, newServiceError(opSetActive, "channels_failed", err)
	}
	if !containsSlug(lineup, channelSlug) {
		return nil, newServiceError(opSetActive, "unknown_channel", ErrUnknownChannel)
	}

	active, err := s.active.Update(ctx, func(active map[string]string) bool {
		active[channelSlug] = blockSlug
		return true
	})
	if err != nil {
		s.logError(opSetActive, "write_failed", err, zap.String("channel", channelSlug))
		return nil, newServiceError(opSetActive, "write_failed", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastAll(viewers.NewActiveUpdate(map[string]string{channelSlug: blockSlug}, s.clock()))
	}
	return active, nil
}

func containsSlug(lineup []channels.Channel, slug string) bool {
	for _, channel := range lineup {
		if channel.Slug == slug {
			return true
		}
	}
	return false
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("blocks service error", attrs...)
}

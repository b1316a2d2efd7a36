package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrMissingStore    = errors.New("schedule: store is required")
	ErrMissingChannels = errors.New("schedule: channel source is required")
	ErrMissingChannel  = errors.New("schedule: missing channel slug")
	ErrUnknownChannel  = errors.New("schedule: unknown channel")
	ErrMissingBlock    = errors.New("schedule: missing block slug")
	ErrMissingEntryID  = errors.New("schedule: missing schedule id")
	ErrPastTime        = errors.New("schedule: schedule time must be in the future")
	ErrTimeTaken       = errors.New("schedule: schedule time already taken")
	ErrEntryNotFound   = errors.New("schedule: schedule entry not found")
)

const (
	opList        = "schedule.list"
	opForChannel  = "schedule.for_channel"
	opSave        = "schedule.save"
	opDelete      = "schedule.delete"
	opRemoveBlock = "schedule.remove_block"
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

// IDProvider issues schedule entry identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ServiceConfig struct {
	Store       *Store
	Channels    ChannelSource
	Broadcaster Broadcaster
	Location    *time.Location
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
}

// SaveRequest describes an entry authored as a local date and hour.
type SaveRequest struct {
	ChannelSlug string
	BlockSlug   string
	Date        string
	Hour        int
	// ID replaces the entry with the same id when set.
	ID string
}

// Service answers schedule reads and serializes operator edits.
type Service struct {
	store       *Store
	channels    ChannelSource
	broadcaster Broadcaster
	location    *time.Location
	ids         IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Channels == nil {
		return nil, ErrMissingChannels
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
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
		store:       cfg.Store,
		channels:    cfg.Channels,
		broadcaster: cfg.Broadcaster,
		location:    location,
		ids:         ids,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Location is the timezone entries are authored in.
func (s *Service) Location() *time.Location {
	return s.location
}

// List returns the non-empty schedules of known channels.
func (s *Service) List(ctx context.Context) (Schedules, error) {
	known, err := s.knownSlugs(ctx)
	if err != nil {
		s.logError(opList, "channels_failed", err)
		return nil, newServiceError(opList, "channels_failed", err)
	}
	stored, err := s.store.Read(ctx)
	if err != nil {
		s.logError(opList, "read_failed", err)
		return nil, newServiceError(opList, "read_failed", err)
	}
	result := make(Schedules, len(stored))
	for slug, entries := range stored {
		if _, ok := known[slug]; !ok || len(entries) == 0 {
			continue
		}
		result[slug] = entries
	}
	return result, nil
}

// ForChannel returns the entries of one known channel.
func (s *Service) ForChannel(ctx context.Context, channelSlug string) ([]Entry, error) {
	channelSlug = channels.NormalizeSlug(channelSlug)
	if channelSlug == "" {
		return nil, newServiceError(opForChannel, "missing_channel", ErrMissingChannel)
	}
	known, err := s.knownSlugs(ctx)
	if err != nil {
		s.logError(opForChannel, "channels_failed", err)
		return nil, newServiceError(opForChannel, "channels_failed", err)
	}
	if _, ok := known[channelSlug]; !ok {
		return nil, newServiceError(opForChannel, "unknown_channel", ErrUnknownChannel)
	}
	stored, err := s.store.Read(ctx)
	if err != nil {
		s.logError(opForChannel, "read_failed", err)
		return nil, newServiceError(opForChannel, "read_failed", err)
	}
	entries := stored[channelSlug]
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Save adds or replaces an entry. The start time must lie in the future and
// no other entry of the channel may start at the same instant.
func (s *Service) Save(ctx context.Context, request SaveRequest) (Entry, error) {
	channelSlug := channels.NormalizeSlug(request.ChannelSlug)
	if channelSlug == "" {
		return Entry{}, newServiceError(opSave, "missing_channel", ErrMissingChannel)
	}
	known, err := s.knownSlugs(ctx)
	if err != nil {
		s.logError(opSave, "channels_failed", err)
		return Entry{}, newServiceError(opSave, "channels_failed", err)
	}
	if _, ok := known[channelSlug]; !ok {
		return Entry{}, newServiceError(opSave, "unknown_channel", ErrUnknownChannel)
	}
	blockSlug := channels.NormalizeSlug(request.BlockSlug)
	if blockSlug == "" {
		return Entry{}, newServiceError(opSave, "missing_block", ErrMissingBlock)
	}
	startTime, err := ZonedDateHourToUTC(request.Date, request.Hour, s.location)
	if err != nil {
		return Entry{}, newServiceError(opSave, "invalid_time", err)
	}
	now := s.clock()
	if !startTime.After(now) {
		return Entry{}, newServiceError(opSave, "past_time", ErrPastTime)
	}

	entryID := strings.TrimSpace(request.ID)
	if entryID == "" {
		entryID, err = s.ids.NewID()
		if err != nil {
			s.logError(opSave, "id_generation_failed", err)
			return Entry{}, newServiceError(opSave, "id_generation_failed", err)
		}
	}
	entry := Entry{ID: entryID, BlockSlug: blockSlug, StartTime: startTime}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.store.Update(ctx, func(stored Schedules) ([]string, error) {
		existing := stored[channelSlug]
		next := make([]Entry, 0, len(existing)+1)
		for _, current := range existing {
			if current.ID == entryID {
				continue
			}
			if current.StartTime.Equal(startTime) {
				return nil, newServiceError(opSave, "time_taken", ErrTimeTaken)
			}
			next = append(next, current)
		}
		next = append(next, entry)
		sortEntries(next)
		stored[channelSlug] = next
		return []string{channelSlug}, nil
	})
	if errors.Is(err, ErrTimeTaken) {
		return Entry{}, err
	}
	if err != nil {
		s.logError(opSave, "update_failed", err, zap.String("channel", channelSlug))
		return Entry{}, newServiceError(opSave, "update_failed", err)
	}

	block := blockSlug
	s.broadcast(map[string]*string{channelSlug: &block}, now)
	return entry, nil
}

// Delete removes an entry by id.
func (s *Service) Delete(ctx context.Context, channelSlug, entryID string) error {
	channelSlug = channels.NormalizeSlug(channelSlug)
	if channelSlug == "" {
		return newServiceError(opDelete, "missing_channel", ErrMissingChannel)
	}
	known, err := s.knownSlugs(ctx)
	if err != nil {
		s.logError(opDelete, "channels_failed", err)
		return newServiceError(opDelete, "channels_failed", err)
	}
	if _, ok := known[channelSlug]; !ok {
		return newServiceError(opDelete, "unknown_channel", ErrUnknownChannel)
	}
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return newServiceError(opDelete, "missing_id", ErrMissingEntryID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.store.Update(ctx, func(stored Schedules) ([]string, error) {
		existing := stored[channelSlug]
		next := make([]Entry, 0, len(existing))
		for _, entry := range existing {
			if entry.ID != entryID {
				next = append(next, entry)
			}
		}
		if len(next) == len(existing) {
			return nil, newServiceError(opDelete, "not_found", ErrEntryNotFound)
		}
		stored[channelSlug] = next
		return []string{channelSlug}, nil
	})
	if errors.Is(err, ErrEntryNotFound) {
		return err
	}
	if err != nil {
		s.logError(opDelete, "update_failed", err, zap.String("channel", channelSlug))
		return newServiceError(opDelete, "update_failed", err)
	}

	s.broadcast(map[string]*string{channelSlug: nil}, s.clock())
	return nil
}

// RemoveBlock drops every entry that would switch a channel to blockSlug and
// returns the channels whose schedule changed.
func (s *Service) RemoveBlock(ctx context.Context, blockSlug string) ([]string, error) {
	blockSlug = channels.NormalizeSlug(blockSlug)
	if blockSlug == "" {
		return nil, newServiceError(opRemoveBlock, "missing_block", ErrMissingBlock)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	err := s.store.Update(ctx, func(stored Schedules) ([]string, error) {
		for slug, existing := range stored {
			next := make([]Entry, 0, len(existing))
			for _, entry := range existing {
				if entry.BlockSlug != blockSlug {
					next = append(next, entry)
				}
			}
			if len(next) != len(existing) {
				stored[slug] = next
				changed = append(changed, slug)
			}
		}
		sort.Strings(changed)
		return changed, nil
	})
	if err != nil {
		s.logError(opRemoveBlock, "update_failed", err, zap.String("block", blockSlug))
		return nil, newServiceError(opRemoveBlock, "update_failed", err)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	updates := make(map[string]*string, len(changed))
	for _, slug := range changed {
		updates[slug] = nil
	}
	s.broadcast(updates, s.clock())
	return changed, nil
}

func (s *Service) broadcast(changes map[string]*string, at time.Time) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastAll(viewers.NewScheduleUpdate(changes, at))
}

func (s *Service) knownSlugs(ctx context.Context) (map[string]struct{}, error) {
	lineup, err := s.channels.List(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(lineup))
	for _, channel := range lineup {
		known[channel.Slug] = struct{}{}
	}
	return known, nil
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
	s.logger.Error("schedule service error", attrs...)
}

package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cartoonrewatch/crt80/internal/metrics"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"go.uber.org/zap"
)

const defaultInterval = time.Minute

var errMissingActive = errors.New("schedule: active assignments are required")

// ActiveAssignments is the serialized read-modify-write path of the
// active-block document.
type ActiveAssignments interface {
	Update(ctx context.Context, mutate func(active map[string]string) bool) (map[string]string, error)
}

type SchedulerConfig struct {
	Store       *Store
	Channels    ChannelSource
	Active      ActiveAssignments
	Broadcaster Broadcaster
	Interval    time.Duration
	Clock       func() time.Time
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Scheduler promotes schedule entries whose start time falls inside the
// window (lastTick, now] of each tick.
type Scheduler struct {
	store       *Store
	channels    ChannelSource
	active      ActiveAssignments
	broadcaster Broadcaster
	interval    time.Duration
	clock       func() time.Time
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu       sync.Mutex
	lastTick time.Time
}

// NewScheduler builds a scheduler whose first window starts now, so entries
// that came due while the process was down are not replayed.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Channels == nil {
		return nil, ErrMissingChannels
	}
	if cfg.Active == nil {
		return nil, errMissingActive
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:       cfg.Store,
		channels:    cfg.Channels,
		active:      cfg.Active,
		broadcaster: cfg.Broadcaster,
		interval:    interval,
		clock:       clock,
		metrics:     cfg.Metrics,
		logger:      logger,
		lastTick:    clock(),
	}, nil
}

// Run ticks every interval until ctx is cancelled. A failed tick is logged
// and the next tick starts from fresh reads.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("schedule tick failed",
					zap.String("operation", "schedule.tick"),
					zap.String("reason", "tick_failed"),
					zap.Error(err))
			}
		}
	}
}

// Tick runs one activation pass and returns the channels whose active block
// changed.
func (s *Scheduler) Tick(ctx context.Context) (map[string]string, error) {
	now := s.clock()
	s.mu.Lock()
	lastTick := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	changed, err := s.promote(ctx, lastTick, now)
	switch {
	case err != nil:
		s.metrics.SchedulerTick("error", 0)
	case len(changed) == 0:
		s.metrics.SchedulerTick("idle", 0)
	default:
		s.metrics.SchedulerTick("changed", len(changed))
	}
	return changed, err
}

func (s *Scheduler) promote(ctx context.Context, lastTick, now time.Time) (map[string]string, error) {
	lineup, err := s.channels.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(lineup) == 0 {
		return nil, nil
	}
	stored, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}

	due := make(map[string]Entry)
	for _, channel := range lineup {
		if entry, ok := latestDue(stored[channel.Slug], lastTick, now); ok {
			due[channel.Slug] = entry
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	changed := make(map[string]string)
	_, err = s.active.Update(ctx, func(active map[string]string) bool {
		for slug, entry := range due {
			if current, ok := active[slug]; ok && current == entry.BlockSlug {
				continue
			}
			active[slug] = entry.BlockSlug
			changed[slug] = entry.BlockSlug
		}
		return len(changed) > 0
	})
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	s.logger.Info("schedule promoted blocks", zap.Any("channels", changed))
	if s.broadcaster != nil {
		update := make(map[string]*string, len(changed))
		for slug, block := range changed {
			block := block
			update[slug] = &block
		}
		s.broadcaster.BroadcastAll(viewers.NewScheduleUpdate(update, now))
	}
	return changed, nil
}

// latestDue picks the entry with the latest start time inside (after, until].
// Entries are sorted by start time, so among equal start times the one stored
// last wins.
func latestDue(entries []Entry, after, until time.Time) (Entry, bool) {
	var picked Entry
	found := false
	for _, entry := range entries {
		if !entry.StartTime.After(after) || entry.StartTime.After(until) {
			continue
		}
		if !found || !entry.StartTime.Before(picked.StartTime) {
			picked = entry
			found = true
		}
	}
	return picked, found
}

package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cartoonrewatch/crt80/internal/blocks"
	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/documents"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticChannels struct {
	lineup []channels.Channel
	err    error
}

func (s *staticChannels) List(context.Context) ([]channels.Channel, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.lineup, nil
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []viewers.ScheduleUpdateMessage
}

func (r *recordingBroadcaster) BroadcastAll(message any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if update, ok := message.(viewers.ScheduleUpdateMessage); ok {
		r.updates = append(r.updates, update)
	}
	return 1
}

type fixedIDs struct {
	next string
}

func (f fixedIDs) NewID() (string, error) {
	if f.next == "" {
		return "", errors.New("no id")
	}
	return f.next, nil
}

type scheduleFixture struct {
	documents   *documents.Store
	store       *Store
	active      *blocks.ActiveStore
	channels    *staticChannels
	broadcaster *recordingBroadcaster
	now         time.Time
}

func newScheduleFixture(t *testing.T, start time.Time) *scheduleFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "schedule.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}); err != nil {
		t.Fatalf("failed to migrate documents: %v", err)
	}
	docs, err := documents.NewStore(documents.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build document store: %v", err)
	}
	store, err := NewStore(docs)
	if err != nil {
		t.Fatalf("failed to build schedule store: %v", err)
	}
	active, err := blocks.NewActiveStore(docs)
	if err != nil {
		t.Fatalf("failed to build active store: %v", err)
	}
	return &scheduleFixture{
		documents:   docs,
		store:       store,
		active:      active,
		channels:    &staticChannels{lineup: channels.Defaults},
		broadcaster: &recordingBroadcaster{},
		now:         start,
	}
}

func (f *scheduleFixture) clock() time.Time {
	return f.now
}

func (f *scheduleFixture) seed(t *testing.T, raw string) {
	t.Helper()
	if err := f.documents.WriteRaw(context.Background(), documents.NameSchedules, []byte(raw)); err != nil {
		t.Fatalf("failed to seed schedules: %v", err)
	}
}

func (f *scheduleFixture) scheduler(t *testing.T) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(SchedulerConfig{
		Store:       f.store,
		Channels:    f.channels,
		Active:      f.active,
		Broadcaster: f.broadcaster,
		Clock:       f.clock,
	})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	return scheduler
}

func chicago(t *testing.T) *time.Location {
	t.Helper()
	location, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	return location
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad time %q: %v", value, err)
	}
	return parsed
}

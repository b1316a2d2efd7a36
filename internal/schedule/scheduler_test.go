package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cartoonrewatch/crt80/internal/channels"
)

type countingActive struct {
	inner  ActiveAssignments
	writes int
}

func (c *countingActive) Update(ctx context.Context, mutate func(map[string]string) bool) (map[string]string, error) {
	return c.inner.Update(ctx, func(active map[string]string) bool {
		changed := mutate(active)
		if changed {
			c.writes++
		}
		return changed
	})
}

func TestTickPromotesEntryInsideWindow(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	fixture.seed(t, `{"channels":{"toonami":[{"id":"a","blockSlug":"movie-night","startTime":"2025-01-01T00:00:00.000Z"}]}}`)
	scheduler := fixture.scheduler(t)

	fixture.now = mustTime(t, "2025-01-01T00:00:30Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(changed) != 1 || changed["toonami"] != "movie-night" {
		t.Fatalf("unexpected changes %v", changed)
	}

	active, err := fixture.active.Read(context.Background())
	if err != nil {
		t.Fatalf("read active failed: %v", err)
	}
	if active["toonami"] != "movie-night" {
		t.Fatalf("expected toonami to be promoted, got %v", active)
	}

	if len(fixture.broadcaster.updates) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(fixture.broadcaster.updates))
	}
	update := fixture.broadcaster.updates[0]
	if update.Type != "schedule_update" || update.At != fixture.now.UnixMilli() {
		t.Fatalf("unexpected update envelope %+v", update)
	}
	if block := update.Channels["toonami"]; block == nil || *block != "movie-night" {
		t.Fatalf("unexpected update channels %+v", update.Channels)
	}
}

func TestTickPicksLatestDueEntry(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	fixture.seed(t, `{"channels":{"toonami":[
		{"id":"y","blockSlug":"block-y","startTime":"2025-01-01T00:00:30.000Z"},
		{"id":"x","blockSlug":"block-x","startTime":"2025-01-01T00:00:00.000Z"}
	]}}`)
	scheduler := fixture.scheduler(t)

	fixture.now = mustTime(t, "2025-01-01T00:01:00Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if changed["toonami"] != "block-y" {
		t.Fatalf("expected the latest entry to win, got %v", changed)
	}
}

func TestTickEqualStartTimesPickLastStored(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	fixture.seed(t, `{"channels":{"toonami":[
		{"id":"first","blockSlug":"first-block","startTime":"2025-01-01T00:00:00.000Z"},
		{"id":"second","blockSlug":"second-block","startTime":"2025-01-01T00:00:00.000Z"}
	]}}`)
	scheduler := fixture.scheduler(t)

	fixture.now = mustTime(t, "2025-01-01T00:00:30Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if changed["toonami"] != "second-block" {
		t.Fatalf("expected the last stored entry to win, got %v", changed)
	}
}

func TestTickIsIdempotent(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	fixture.seed(t, `{"channels":{"toonami":[{"id":"a","blockSlug":"movie-night","startTime":"2025-01-01T00:00:00.000Z"}]}}`)
	counting := &countingActive{inner: fixture.active}
	scheduler, err := NewScheduler(SchedulerConfig{
		Store:       fixture.store,
		Channels:    fixture.channels,
		Active:      counting,
		Broadcaster: fixture.broadcaster,
		Clock:       fixture.clock,
	})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}

	fixture.now = mustTime(t, "2025-01-01T00:00:30Z")
	if _, err := scheduler.Tick(context.Background()); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	fixture.now = mustTime(t, "2025-01-01T00:01:30Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no changes on second tick, got %v", changed)
	}
	if counting.writes != 1 {
		t.Fatalf("expected a single write, got %d", counting.writes)
	}
	if len(fixture.broadcaster.updates) != 1 {
		t.Fatalf("expected a single broadcast, got %d", len(fixture.broadcaster.updates))
	}
}

func TestTickSkipsAlreadyActiveBlock(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	fixture.seed(t, `{"channels":{"toonami":[{"id":"a","blockSlug":"movie-night","startTime":"2025-01-01T00:00:00.000Z"}]}}`)
	if err := fixture.documents.Write(context.Background(), "active-blocks", map[string]string{"toonami": "movie-night"}); err != nil {
		t.Fatalf("seed active failed: %v", err)
	}
	scheduler := fixture.scheduler(t)

	fixture.now = mustTime(t, "2025-01-01T00:00:30Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(changed) != 0 || len(fixture.broadcaster.updates) != 0 {
		t.Fatalf("expected no change, got %v and %d broadcasts", changed, len(fixture.broadcaster.updates))
	}
}

func TestTickIgnoresEntriesOutsideWindowAndUnknownChannels(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	fixture.seed(t, `{"channels":{
		"toonami":[
			{"id":"old","blockSlug":"old-block","startTime":"2024-12-31T23:59:00.000Z"},
			{"id":"future","blockSlug":"later","startTime":"2025-01-01T01:00:00.000Z"}
		],
		"retired":[{"id":"r","blockSlug":"ghost","startTime":"2025-01-01T00:00:00.000Z"}]
	}}`)
	scheduler := fixture.scheduler(t)

	fixture.now = mustTime(t, "2025-01-01T00:00:30Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no promotions, got %v", changed)
	}
	active, err := fixture.active.Read(context.Background())
	if err != nil {
		t.Fatalf("read active failed: %v", err)
	}
	if _, ok := active["retired"]; ok {
		t.Fatalf("expected unknown channel to be ignored, got %v", active)
	}
}

func TestTickWithNoChannelsOrSchedulesIsNoop(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	scheduler := fixture.scheduler(t)

	fixture.now = mustTime(t, "2025-01-01T00:00:30Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil || len(changed) != 0 {
		t.Fatalf("expected empty store to be a no-op, got %v err=%v", changed, err)
	}

	fixture.seed(t, `{"channels":{"toonami":[{"id":"a","blockSlug":"movie-night","startTime":"2025-01-01T00:01:00.000Z"}]}}`)
	fixture.channels.lineup = []channels.Channel{}
	fixture.now = mustTime(t, "2025-01-01T00:01:30Z")
	changed, err = scheduler.Tick(context.Background())
	if err != nil || len(changed) != 0 {
		t.Fatalf("expected empty lineup to be a no-op, got %v err=%v", changed, err)
	}
	if len(fixture.broadcaster.updates) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(fixture.broadcaster.updates))
	}
}

func TestTickFailureStillAdvancesWindow(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2024-12-31T23:59:00Z"))
	fixture.seed(t, `{"channels":{"toonami":[{"id":"a","blockSlug":"movie-night","startTime":"2025-01-01T00:00:00.000Z"}]}}`)
	scheduler := fixture.scheduler(t)

	fixture.channels.err = errors.New("lineup unavailable")
	fixture.now = mustTime(t, "2025-01-01T00:00:30Z")
	if _, err := scheduler.Tick(context.Background()); err == nil {
		t.Fatalf("expected tick error")
	}

	fixture.channels.err = nil
	fixture.now = mustTime(t, "2025-01-01T00:01:30Z")
	changed, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected the failed window to be skipped, got %v", changed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fixture := newScheduleFixture(t, time.Now())
	scheduler, err := NewScheduler(SchedulerConfig{
		Store:    fixture.store,
		Channels: fixture.channels,
		Active:   fixture.active,
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- scheduler.Run(ctx)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

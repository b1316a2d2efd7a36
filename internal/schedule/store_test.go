package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeEntriesDropsInvalidAndSorts(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"id":"b","blockSlug":"Late Night","startTime":"2025-01-02T00:00:00Z"}`),
		json.RawMessage(`{"id":"a","blockSlug":"movie-night","startTime":"2025-01-01T00:00:00Z"}`),
		json.RawMessage(`{"id":"","blockSlug":"x","startTime":"2025-01-01T00:00:00Z"}`),
		json.RawMessage(`{"id":"c","blockSlug":"","startTime":"2025-01-01T00:00:00Z"}`),
		json.RawMessage(`{"id":"d","blockSlug":"x","startTime":"not a time"}`),
		json.RawMessage(`{"id":7,"blockSlug":"x","startTime":"2025-01-01T00:00:00Z"}`),
		json.RawMessage(`"junk"`),
	}
	entries := NormalizeEntries(raw)
	if len(entries) != 2 {
		t.Fatalf("expected two valid entries, got %+v", entries)
	}
	if entries[0].ID != "a" || entries[1].ID != "b" {
		t.Fatalf("expected ascending start order, got %+v", entries)
	}
	if entries[1].BlockSlug != "latenight" {
		t.Fatalf("expected normalized block slug, got %q", entries[1].BlockSlug)
	}
}

func TestStoreRoundTripUsesMillisecondTimestamps(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2025-01-01T00:00:00Z"))
	ctx := context.Background()
	schedules := Schedules{"toonami": {{ID: "a", BlockSlug: "movie-night", StartTime: mustTime(t, "2025-01-01T06:00:00Z")}}}
	if err := fixture.store.Update(ctx, func(stored Schedules) ([]string, error) {
		stored["toonami"] = schedules["toonami"]
		return []string{"toonami"}, nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	raw, _, err := fixture.documents.ReadRaw(ctx, "schedules")
	if err != nil {
		t.Fatalf("read raw failed: %v", err)
	}
	want := `{"channels":{"toonami":[{"id":"a","blockSlug":"movie-night","startTime":"2025-01-01T06:00:00.000Z"}]}}`
	if string(raw) != want {
		t.Fatalf("unexpected stored payload %s", raw)
	}

	read, err := fixture.store.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(read["toonami"]) != 1 || !read["toonami"][0].StartTime.Equal(schedules["toonami"][0].StartTime) {
		t.Fatalf("unexpected round trip %+v", read)
	}
}

func TestStoreReadToleratesMissingAndMalformedDocuments(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2025-01-01T00:00:00Z"))
	read, err := fixture.store.Read(context.Background())
	if err != nil || len(read) != 0 {
		t.Fatalf("expected empty schedules, got %v err=%v", read, err)
	}

	fixture.seed(t, `{"channels":{"toonami":"oops","adult-swim":[{"id":"a","blockSlug":"x","startTime":"2025-01-01T00:00:00Z"}]}}`)
	read, err = fixture.store.Read(context.Background())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if _, ok := read["toonami"]; ok {
		t.Fatalf("expected malformed channel to be skipped")
	}
	if len(read["adult-swim"]) != 1 {
		t.Fatalf("expected valid channel to survive, got %v", read)
	}
}

func TestStoreUpdateKeepsUntouchedChannelsVerbatim(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2025-01-01T00:00:00Z"))
	ctx := context.Background()
	fixture.seed(t, `{"channels":{"adult-swim":{"repair":"me"},"saturday-morning":[{"id":"keep","blockSlug":"Cereal Time","startTime":"2025-01-01T14:00:00Z","note":"x"}]}}`)

	if err := fixture.store.Update(ctx, func(stored Schedules) ([]string, error) {
		stored["toonami"] = []Entry{{ID: "a", BlockSlug: "movie-night", StartTime: mustTime(t, "2025-01-01T06:00:00Z")}}
		return []string{"toonami"}, nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	raw, _, err := fixture.documents.ReadRaw(ctx, "schedules")
	if err != nil {
		t.Fatalf("read raw failed: %v", err)
	}
	var document struct {
		Channels map[string]json.RawMessage `json:"channels"`
	}
	if err := json.Unmarshal(raw, &document); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got := string(document.Channels["adult-swim"]); got != `{"repair":"me"}` {
		t.Fatalf("expected malformed channel to survive, got %s", got)
	}
	if got := string(document.Channels["saturday-morning"]); got != `[{"id":"keep","blockSlug":"Cereal Time","startTime":"2025-01-01T14:00:00Z","note":"x"}]` {
		t.Fatalf("expected untouched channel to stay verbatim, got %s", got)
	}
	if _, ok := document.Channels["toonami"]; !ok {
		t.Fatalf("expected toonami to be written")
	}
}

func TestStoreUpdateWritesNothingOnErrorOrNoChange(t *testing.T) {
	fixture := newScheduleFixture(t, mustTime(t, "2025-01-01T00:00:00Z"))
	ctx := context.Background()

	if err := fixture.store.Update(ctx, func(Schedules) ([]string, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	failure := errors.New("boom")
	if err := fixture.store.Update(ctx, func(stored Schedules) ([]string, error) {
		stored["toonami"] = []Entry{}
		return []string{"toonami"}, failure
	}); !errors.Is(err, failure) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	if _, exists, err := fixture.documents.ReadRaw(ctx, "schedules"); err != nil || exists {
		t.Fatalf("expected no document, exists=%v err=%v", exists, err)
	}
}

// Package schedule stores per-channel schedule entries and promotes due
// entries to the active block of their channel.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/documents"
)

const startTimeLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrMissingDocuments = errors.New("schedule: document store is required")

// Entry switches a channel to BlockSlug at StartTime.
type Entry struct {
	ID        string    `json:"id"`
	BlockSlug string    `json:"blockSlug"`
	StartTime time.Time `json:"startTime"`
}

// MarshalJSON renders StartTime as a UTC timestamp with millisecond precision.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        string `json:"id"`
		BlockSlug string `json:"blockSlug"`
		StartTime string `json:"startTime"`
	}{
		ID:        e.ID,
		BlockSlug: e.BlockSlug,
		StartTime: e.StartTime.UTC().Format(startTimeLayout),
	})
}

type rawEntry struct {
	ID        string `json:"id"`
	BlockSlug string `json:"blockSlug"`
	StartTime string `json:"startTime"`
}

type storedDocument struct {
	Channels map[string]json.RawMessage `json:"channels"`
}

// Schedules maps channel slugs to entries sorted by start time.
type Schedules map[string][]Entry

// DocumentStore is the subset of the document store schedules need.
type DocumentStore interface {
	Read(ctx context.Context, name string, dest any) (bool, error)
	Write(ctx context.Context, name string, value any) error
}

// Store reads and writes the schedules document.
type Store struct {
	documents DocumentStore
}

func NewStore(store DocumentStore) (*Store, error) {
	if store == nil {
		return nil, ErrMissingDocuments
	}
	return &Store{documents: store}, nil
}

// Read returns every channel's normalized entries. A missing document reads
// as empty; channels whose value is not an entry list are left out.
func (s *Store) Read(ctx context.Context) (Schedules, error) {
	stored, err := s.readChannels(ctx)
	if err != nil {
		return nil, err
	}
	return decodeChannels(stored), nil
}

// Update applies mutate to the decoded schedules and rewrites only the
// channels mutate returns. Every other channel is written back exactly as
// stored, including values that do not decode as an entry list. Nothing is
// written when mutate names no channel or fails.
func (s *Store) Update(ctx context.Context, mutate func(schedules Schedules) ([]string, error)) error {
	stored, err := s.readChannels(ctx)
	if err != nil {
		return err
	}
	schedules := decodeChannels(stored)
	touched, err := mutate(schedules)
	if err != nil || len(touched) == 0 {
		return err
	}
	for _, slug := range touched {
		entries := schedules[slug]
		if entries == nil {
			entries = []Entry{}
		}
		encoded, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("schedule: encode %s: %w", slug, err)
		}
		stored[slug] = encoded
	}
	return s.documents.Write(ctx, documents.NameSchedules, storedDocument{Channels: stored})
}

func (s *Store) readChannels(ctx context.Context) (map[string]json.RawMessage, error) {
	var stored storedDocument
	if _, err := s.documents.Read(ctx, documents.NameSchedules, &stored); err != nil {
		return nil, err
	}
	if stored.Channels == nil {
		stored.Channels = map[string]json.RawMessage{}
	}
	return stored.Channels, nil
}

func decodeChannels(stored map[string]json.RawMessage) Schedules {
	schedules := make(Schedules, len(stored))
	for slug, raw := range stored {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			continue
		}
		schedules[slug] = NormalizeEntries(entries)
	}
	return schedules
}

// NormalizeEntries drops entries without an id, block slug or parseable start
// time and sorts the rest by start time. Entries sharing a start time keep
// their stored order.
func NormalizeEntries(raw []json.RawMessage) []Entry {
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var decoded rawEntry
		if err := json.Unmarshal(item, &decoded); err != nil {
			continue
		}
		entry, ok := normalizeEntry(decoded)
		if ok {
			entries = append(entries, entry)
		}
	}
	sortEntries(entries)
	return entries
}

func normalizeEntry(raw rawEntry) (Entry, bool) {
	id := strings.TrimSpace(raw.ID)
	blockSlug := channels.NormalizeSlug(raw.BlockSlug)
	startTime, err := parseStartTime(raw.StartTime)
	if id == "" || blockSlug == "" || err != nil {
		return Entry{}, false
	}
	return Entry{ID: id, BlockSlug: blockSlug, StartTime: startTime}, true
}

func parseStartTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
}

// Package analytics records viewer visits and channel views in a single stored
// document and builds range reports over it.
package analytics

import (
	"strings"
	"time"

	"github.com/cartoonrewatch/crt80/internal/channels"
)

const (
	documentVersion = 1
	dateKeyLayout   = "2006-01-02"
	monthKeyLayout  = "2006-01"
)

// Event is one visit or channel view reported by the realtime layer.
type Event struct {
	ViewerID    string
	ChannelSlug string
	At          time.Time
}

type document struct {
	Version  int                     `json:"version"`
	Timezone string                  `json:"timezone"`
	Viewers  map[string]viewerRecord `json:"viewers"`
	Days     map[string]*dayRecord   `json:"days"`
}

type viewerRecord struct {
	FirstSeen string `json:"firstSeen"`
	LastSeen  string `json:"lastSeen"`
}

type dayRecord struct {
	Unique   []string                  `json:"unique"`
	Views    int                       `json:"views"`
	Channels map[string]*channelRecord `json:"channels"`
}

type channelRecord struct {
	Unique []string `json:"unique"`
	Views  int      `json:"views"`
}

func newDocument(timezone string) *document {
	return &document{
		Version:  documentVersion,
		Timezone: timezone,
		Viewers:  make(map[string]viewerRecord),
		Days:     make(map[string]*dayRecord),
	}
}

func (d *document) normalize(timezone string) {
	d.Version = documentVersion
	if d.Timezone == "" {
		d.Timezone = timezone
	}
	if d.Viewers == nil {
		d.Viewers = make(map[string]viewerRecord)
	}
	if d.Days == nil {
		d.Days = make(map[string]*dayRecord)
	}
}

func (d *document) day(dateKey string) *dayRecord {
	day, ok := d.Days[dateKey]
	if !ok || day == nil {
		day = &dayRecord{}
		d.Days[dateKey] = day
	}
	if day.Unique == nil {
		day.Unique = []string{}
	}
	if day.Channels == nil {
		day.Channels = make(map[string]*channelRecord)
	}
	return day
}

func (day *dayRecord) channel(slug string) *channelRecord {
	entry, ok := day.Channels[slug]
	if !ok || entry == nil {
		entry = &channelRecord{Unique: []string{}}
		day.Channels[slug] = entry
	}
	if entry.Unique == nil {
		entry.Unique = []string{}
	}
	return entry
}

func (d *document) touchViewer(viewerID, dateKey string) {
	firstSeen := dateKey
	if existing, ok := d.Viewers[viewerID]; ok && existing.FirstSeen != "" && existing.FirstSeen < dateKey {
		firstSeen = existing.FirstSeen
	}
	d.Viewers[viewerID] = viewerRecord{FirstSeen: firstSeen, LastSeen: dateKey}
}

// prune drops days and viewers last seen before cutoffKey.
func (d *document) prune(cutoffKey string) {
	for key := range d.Days {
		if key < cutoffKey {
			delete(d.Days, key)
		}
	}
	for viewerID, record := range d.Viewers {
		if record.LastSeen == "" || record.LastSeen < cutoffKey {
			delete(d.Viewers, viewerID)
		}
	}
}

func (d *document) applyVisit(viewerID, channelSlug, dateKey string) {
	day := d.day(dateKey)
	day.Views++
	day.Unique = addUnique(day.Unique, viewerID)
	d.touchViewer(viewerID, dateKey)
	if channelSlug != "" {
		entry := day.channel(channelSlug)
		entry.Views++
		entry.Unique = addUnique(entry.Unique, viewerID)
	}
}

func (d *document) applyChannelView(viewerID, channelSlug, dateKey string) {
	day := d.day(dateKey)
	entry := day.channel(channelSlug)
	entry.Views++
	entry.Unique = addUnique(entry.Unique, viewerID)
	d.touchViewer(viewerID, dateKey)
}

func addUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func normalizeEvent(event Event) (string, string) {
	return strings.TrimSpace(event.ViewerID), channels.NormalizeSlug(event.ChannelSlug)
}

// civilDate returns the calendar day of t in loc as a UTC midnight.
func civilDate(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time) string {
	return t.Format(dateKeyLayout)
}

package analytics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cartoonrewatch/crt80/internal/channels"
)

const (
	IntervalDaily   = "daily"
	IntervalWeekly  = "weekly"
	IntervalMonthly = "monthly"
	defaultRange    = "1m"
)

var rangeMonths = map[string]int{
	"1m":  1,
	"3m":  3,
	"6m":  6,
	"12m": 12,
}

// ReportRequest selects the report window. Unknown ranges fall back to one
// month and unknown intervals to daily buckets.
type ReportRequest struct {
	Range    string
	Interval string
	Channels []channels.Channel
}

type Report struct {
	Timezone string           `json:"timezone"`
	Range    string           `json:"range"`
	Interval string           `json:"interval"`
	Series   Series           `json:"series"`
	Summary  Summary          `json:"summary"`
	Channels []ChannelSummary `json:"channels"`
}

type Series struct {
	Labels       []string  `json:"labels"`
	Unique       []int     `json:"unique"`
	Views        []int     `json:"views"`
	ReturningPct []float64 `json:"returningPct"`
}

type Summary struct {
	TotalUnique  int     `json:"totalUnique"`
	TotalViews   int     `json:"totalViews"`
	ReturningPct float64 `json:"returningPct"`
	NewUnique    int     `json:"newUnique"`
}

type ChannelSummary struct {
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Unique int    `json:"unique"`
	Views  int    `json:"views"`
}

type bucket struct {
	unique   map[string]struct{}
	views    int
	startKey string
}

func normalizeRequest(request ReportRequest) (string, string) {
	rangeKey := request.Range
	if _, ok := rangeMonths[rangeKey]; !ok {
		rangeKey = defaultRange
	}
	interval := request.Interval
	switch interval {
	case IntervalDaily, IntervalWeekly, IntervalMonthly:
	default:
		interval = IntervalDaily
	}
	return rangeKey, interval
}

// buildReport summarizes data for the window ending on today, a UTC midnight
// carrying the local calendar date.
func buildReport(data *document, request ReportRequest, today time.Time, timezone string) Report {
	rangeKey, interval := normalizeRequest(request)
	start := today.AddDate(0, -rangeMonths[rangeKey], 0)
	rangeStartKey := dateKey(start)

	dayKeys := listDailyKeys(start, today)
	var bucketKeys []string
	switch interval {
	case IntervalWeekly:
		bucketKeys = listWeeklyKeys(start, today)
	case IntervalMonthly:
		bucketKeys = listMonthlyKeys(start, today)
	default:
		bucketKeys = dayKeys
	}

	buckets := make(map[string]*bucket, len(bucketKeys))
	for _, key := range bucketKeys {
		buckets[key] = &bucket{unique: make(map[string]struct{}), startKey: bucketStartKey(key, interval)}
	}

	summaryUnique := make(map[string]struct{})
	channelUnique := make(map[string]map[string]struct{})
	channelViews := make(map[string]int)
	totalViews := 0

	for _, key := range dayKeys {
		day, ok := data.Days[key]
		if !ok || day == nil {
			continue
		}
		totalViews += day.Views
		current := buckets[bucketKeyForDay(key, interval)]
		if current != nil {
			current.views += day.Views
		}
		for _, viewerID := range day.Unique {
			if viewerID == "" {
				continue
			}
			summaryUnique[viewerID] = struct{}{}
			if current != nil {
				current.unique[viewerID] = struct{}{}
			}
		}
		for slug, entry := range day.Channels {
			if entry == nil {
				continue
			}
			set, ok := channelUnique[slug]
			if !ok {
				set = make(map[string]struct{})
				channelUnique[slug] = set
			}
			for _, viewerID := range entry.Unique {
				if viewerID != "" {
					set[viewerID] = struct{}{}
				}
			}
			channelViews[slug] += entry.Views
		}
	}

	series := Series{
		Labels:       make([]string, 0, len(bucketKeys)),
		Unique:       make([]int, 0, len(bucketKeys)),
		Views:        make([]int, 0, len(bucketKeys)),
		ReturningPct: make([]float64, 0, len(bucketKeys)),
	}
	for _, key := range bucketKeys {
		current := buckets[key]
		returning := countReturning(current.unique, current.startKey, data.Viewers)
		series.Labels = append(series.Labels, key)
		series.Unique = append(series.Unique, len(current.unique))
		series.Views = append(series.Views, current.views)
		series.ReturningPct = append(series.ReturningPct, percentage(returning, len(current.unique)))
	}

	totalUnique := len(summaryUnique)
	totalReturning := countReturning(summaryUnique, rangeStartKey, data.Viewers)
	newUnique := totalUnique - totalReturning
	if newUnique < 0 {
		newUnique = 0
	}

	return Report{
		Timezone: timezone,
		Range:    rangeKey,
		Interval: interval,
		Series:   series,
		Summary: Summary{
			TotalUnique:  totalUnique,
			TotalViews:   totalViews,
			ReturningPct: percentage(totalReturning, totalUnique),
			NewUnique:    newUnique,
		},
		Channels: summarizeChannels(request.Channels, channelUnique, channelViews),
	}
}

func summarizeChannels(known []channels.Channel, unique map[string]map[string]struct{}, views map[string]int) []ChannelSummary {
	names := make(map[string]string, len(known))
	order := make([]string, 0, len(known)+len(unique))
	for _, channel := range known {
		if _, seen := names[channel.Slug]; seen {
			continue
		}
		names[channel.Slug] = channel.Name
		order = append(order, channel.Slug)
	}
	extra := make([]string, 0, len(unique))
	for slug := range unique {
		if _, seen := names[slug]; !seen {
			extra = append(extra, slug)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	summaries := make([]ChannelSummary, 0, len(order))
	for _, slug := range order {
		name := names[slug]
		if name == "" {
			name = slug
		}
		summaries = append(summaries, ChannelSummary{
			Slug:   slug,
			Name:   name,
			Unique: len(unique[slug]),
			Views:  views[slug],
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return strings.ToLower(summaries[i].Name) < strings.ToLower(summaries[j].Name)
	})
	return summaries
}

// countReturning counts viewers first seen before startKey.
func countReturning(viewers map[string]struct{}, startKey string, records map[string]viewerRecord) int {
	returning := 0
	for viewerID := range viewers {
		if record, ok := records[viewerID]; ok && record.FirstSeen != "" && record.FirstSeen < startKey {
			returning++
		}
	}
	return returning
}

// percentage rounds to one decimal place.
func percentage(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*1000) / 10
}

func listDailyKeys(start, end time.Time) []string {
	keys := make([]string, 0)
	for cursor := start; !cursor.After(end); cursor = cursor.AddDate(0, 0, 1) {
		keys = append(keys, dateKey(cursor))
	}
	return keys
}

func weekStart(t time.Time) time.Time {
	return t.AddDate(0, 0, -int(t.Weekday()))
}

func listWeeklyKeys(start, end time.Time) []string {
	keys := make([]string, 0)
	for cursor := weekStart(start); !cursor.After(end); cursor = cursor.AddDate(0, 0, 7) {
		keys = append(keys, dateKey(cursor))
	}
	return keys
}

func listMonthlyKeys(start, end time.Time) []string {
	keys := make([]string, 0)
	cursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for ; !cursor.After(end); cursor = cursor.AddDate(0, 1, 0) {
		keys = append(keys, cursor.Format(monthKeyLayout))
	}
	return keys
}

func bucketKeyForDay(dayKey, interval string) string {
	switch interval {
	case IntervalWeekly:
		parsed, err := time.Parse(dateKeyLayout, dayKey)
		if err != nil {
			return dayKey
		}
		return dateKey(weekStart(parsed))
	case IntervalMonthly:
		if len(dayKey) >= len(monthKeyLayout) {
			return dayKey[:len(monthKeyLayout)]
		}
		return dayKey
	default:
		return dayKey
	}
}

func bucketStartKey(key, interval string) string {
	if interval == IntervalMonthly {
		return key + "-01"
	}
	return key
}

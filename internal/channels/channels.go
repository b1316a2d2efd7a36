// Package channels owns the channel index: the default lineup, operator-created
// channels and the slug and name rules they follow.
package channels

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// NameLimit bounds channel display names, counted in characters.
const NameLimit = 16

// Channel is one entry of the lineup.
type Channel struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Defaults is the lineup used until an index document has been written.
var Defaults = []Channel{
	{Slug: "toonami", Name: "Toonami"},
	{Slug: "adult-swim", Name: "Adult Swim"},
	{Slug: "saturday-morning", Name: "Saturday Morning"},
}

type indexEntry struct {
	Name string `json:"name"`
}

type indexDocument struct {
	Channels map[string]indexEntry `json:"channels"`
}

// NormalizeSlug lowercases input and strips every character outside [a-z0-9-].
func NormalizeSlug(input string) string {
	lowered := strings.ToLower(input)
	var builder strings.Builder
	builder.Grow(len(lowered))
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// NormalizeName trims surrounding whitespace from a display name.
func NormalizeName(input string) string {
	return strings.TrimSpace(input)
}

func nameKey(input string) string {
	return strings.ToLower(NormalizeName(input))
}

func validateName(name string) error {
	if name == "" {
		return ErrMissingName
	}
	if utf8.RuneCountInString(name) > NameLimit {
		return ErrNameTooLong
	}
	return nil
}

func mergeDefaults(index indexDocument) indexDocument {
	if index.Channels == nil {
		index.Channels = make(map[string]indexEntry, len(Defaults))
	}
	for _, channel := range Defaults {
		if _, ok := index.Channels[channel.Slug]; !ok {
			index.Channels[channel.Slug] = indexEntry{Name: channel.Name}
		}
	}
	return index
}

// buildList orders defaults present in the index first, in their default
// order, followed by the remaining channels sorted by name.
func buildList(index indexDocument) []Channel {
	channels := make([]Channel, 0, len(index.Channels))
	seen := make(map[string]struct{}, len(Defaults))
	for _, channel := range Defaults {
		entry, ok := index.Channels[channel.Slug]
		if !ok {
			continue
		}
		name := entry.Name
		if name == "" {
			name = channel.Name
		}
		channels = append(channels, Channel{Slug: channel.Slug, Name: name})
		seen[channel.Slug] = struct{}{}
	}

	extra := make([]Channel, 0, len(index.Channels))
	for slug, entry := range index.Channels {
		if _, ok := seen[slug]; ok {
			continue
		}
		name := entry.Name
		if name == "" {
			name = slug
		}
		extra = append(extra, Channel{Slug: slug, Name: name})
	}
	sort.Slice(extra, func(i, j int) bool {
		left, right := strings.ToLower(extra[i].Name), strings.ToLower(extra[j].Name)
		if left != right {
			return left < right
		}
		return extra[i].Slug < extra[j].Slug
	})
	return append(channels, extra...)
}

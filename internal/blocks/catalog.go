package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/documents"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"go.uber.org/zap"
)

const (
	contentNote     = "Replace each id with a YouTube video ID and durationSeconds with the full length in seconds."
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrMissingBlockName = errors.New("blocks: missing block name")
	ErrMissingBlockSlug = errors.New("blocks: missing block slug")
	ErrBlockNotFound    = errors.New("blocks: block not found")
	ErrBlockNameTaken   = errors.New("blocks: block name already exists")
	ErrContentNotFound  = errors.New("blocks: channel content not found")
)

const (
	opList               = "blocks.list"
	opGet                = "blocks.get"
	opSave               = "blocks.save"
	opDelete             = "blocks.delete"
	opSaveChannelContent = "blocks.save_channel_content"
	opGetChannelContent  = "blocks.get_channel_content"
)

// CatalogDocuments is the subset of the document store the catalog needs.
type CatalogDocuments interface {
	DocumentStore
	ReadRaw(ctx context.Context, name string) ([]byte, bool, error)
	Delete(ctx context.Context, name string) error
	Names(ctx context.Context, prefix string) ([]string, error)
}

// ScheduleCleaner drops schedule entries that point at a removed block.
type ScheduleCleaner interface {
	RemoveBlock(ctx context.Context, blockSlug string) ([]string, error)
}

// Video is one playable item.
type Video struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Content is the stored body of a block or a channel playlist.
type Content struct {
	Channel string  `json:"channel"`
	Note    string  `json:"note"`
	Videos  []Video `json:"videos"`
}

// Document is a stored payload returned as written.
type Document struct {
	Slug    string          `json:"slug"`
	Payload json.RawMessage `json:"payload"`
}

// Summary lists a block with its authorship.
type Summary struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

// Editor identifies who saved a block.
type Editor struct {
	UserID   string
	Username string
}

func (e Editor) displayName() string {
	if e.Username != "" {
		return e.Username
	}
	return e.UserID
}

// SaveRequest describes a block upsert. Name wins over the names carried in
// Payload; Slug defaults to the normalized name.
type SaveRequest struct {
	Name    string
	Slug    string
	Payload json.RawMessage
	Editor  Editor
}

// DeleteResult reports which channels lost a reference to the deleted block.
type DeleteResult struct {
	ClearedChannels     []string `json:"clearedChannels"`
	UnscheduledChannels []string `json:"unscheduledChannels"`
}

type indexEntry struct {
	Name        string `json:"name"`
	CreatedAt   string `json:"createdAt,omitempty"`
	CreatedBy   string `json:"createdBy,omitempty"`
	CreatedByID string `json:"createdById,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
	UpdatedBy   string `json:"updatedBy,omitempty"`
	UpdatedByID string `json:"updatedById,omitempty"`
}

type storedIndex struct {
	Blocks map[string]json.RawMessage `json:"blocks"`
}

type CatalogConfig struct {
	Documents   CatalogDocuments
	Active      *ActiveStore
	Channels    ChannelSource
	Schedules   ScheduleCleaner
	Broadcaster Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Catalog stores content blocks and channel playlists. Block metadata lives
// in one index document; each block body is its own document.
type Catalog struct {
	documents   CatalogDocuments
	active      *ActiveStore
	channels    ChannelSource
	schedules   ScheduleCleaner
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Documents == nil {
		return nil, ErrMissingDocuments
	}
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
	return &Catalog{
		documents:   cfg.Documents,
		active:      cfg.Active,
		channels:    cfg.Channels,
		schedules:   cfg.Schedules,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
	}, nil
}

// List returns every stored block, most recently updated first.
func (c *Catalog) List(ctx context.Context) ([]Summary, error) {
	names, err := c.documents.Names(ctx, documents.PrefixBlock)
	if err != nil {
		c.logError(opList, "names_failed", err)
		return nil, newServiceError(opList, "names_failed", err)
	}
	index, err := c.readIndex(ctx)
	if err != nil {
		c.logError(opList, "index_failed", err)
		return nil, newServiceError(opList, "index_failed", err)
	}

	summaries := make([]Summary, 0, len(names))
	for _, name := range names {
		slug := strings.TrimPrefix(name, documents.PrefixBlock)
		meta := decodeIndexEntry(index[slug])
		summary := Summary{
			Slug:      slug,
			Name:      meta.Name,
			CreatedAt: meta.CreatedAt,
			CreatedBy: meta.CreatedBy,
			UpdatedAt: meta.UpdatedAt,
			UpdatedBy: meta.UpdatedBy,
		}
		raw, _, err := c.documents.ReadRaw(ctx, name)
		if err != nil {
			c.logError(opList, "read_failed", err, zap.String("block", slug))
			return nil, newServiceError(opList, "read_failed", err)
		}
		if channel, ok := stringField(decodeObject(raw), "channel"); ok {
			summary.Name = channel
		}
		if summary.Name == "" {
			summary.Name = slug
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return parseTimestamp(summaries[i].UpdatedAt).After(parseTimestamp(summaries[j].UpdatedAt))
	})
	return summaries, nil
}

// Get returns the stored body of one block.
func (c *Catalog) Get(ctx context.Context, slug string) (Document, error) {
	slug = channels.NormalizeSlug(slug)
	if slug == "" {
		return Document{}, newServiceError(opGet, "missing_slug", ErrMissingBlockSlug)
	}
	raw, exists, err := c.documents.ReadRaw(ctx, documents.BlockName(slug))
	if err != nil {
		c.logError(opGet, "read_failed", err, zap.String("block", slug))
		return Document{}, newServiceError(opGet, "read_failed", err)
	}
	if !exists {
		return Document{}, newServiceError(opGet, "not_found", ErrBlockNotFound)
	}
	return Document{Slug: slug, Payload: raw}, nil
}

// Save writes a block body with sanitized videos and records who changed it.
// Names must stay unique across blocks, ignoring case.
func (c *Catalog) Save(ctx context.Context, request SaveRequest) (string, error) {
	payload := decodeObject(request.Payload)
	name := request.Name
	if name == "" {
		for _, key := range []string{"channel", "block", "name"} {
			if value, ok := stringField(payload, key); ok && value != "" {
				name = value
				break
			}
		}
	}
	slugSource := request.Slug
	if slugSource == "" {
		slugSource = name
	}
	slug := channels.NormalizeSlug(slugSource)
	if slug == "" {
		return "", newServiceError(opSave, "missing_name", ErrMissingBlockName)
	}
	if name == "" {
		name = slug
	}
	content := sanitizeContent(payload, name)

	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.readIndex(ctx)
	if err != nil {
		c.logError(opSave, "index_failed", err)
		return "", newServiceError(opSave, "index_failed", err)
	}
	if wanted := foldName(content.Channel); wanted != "" {
		for existingSlug, raw := range index {
			if existingSlug != slug && foldName(decodeIndexEntry(raw).Name) == wanted {
				return "", newServiceError(opSave, "name_taken", ErrBlockNameTaken)
			}
		}
	}

	if err := c.documents.Write(ctx, documents.BlockName(slug), content); err != nil {
		c.logError(opSave, "write_failed", err, zap.String("block", slug))
		return "", newServiceError(opSave, "write_failed", err)
	}

	now := c.clock().UTC().Format(timestampLayout)
	existing := decodeIndexEntry(index[slug])
	entry := indexEntry{
		Name:        content.Channel,
		CreatedAt:   existing.CreatedAt,
		CreatedBy:   existing.CreatedBy,
		CreatedByID: existing.CreatedByID,
		UpdatedAt:   now,
		UpdatedBy:   request.Editor.displayName(),
		UpdatedByID: request.Editor.UserID,
	}
	if entry.CreatedAt == "" {
		entry.CreatedAt = now
	}
	if entry.CreatedBy == "" {
		entry.CreatedBy = request.Editor.displayName()
	}
	if entry.CreatedByID == "" {
		entry.CreatedByID = request.Editor.UserID
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return "", newServiceError(opSave, "index_failed", err)
	}
	index[slug] = encoded
	if err := c.writeIndex(ctx, index); err != nil {
		c.logError(opSave, "index_write_failed", err, zap.String("block", slug))
		return "", newServiceError(opSave, "index_write_failed", err)
	}

	c.logger.Info("block saved",
		zap.String("block", slug),
		zap.Int("videos", len(content.Videos)),
		zap.String("editor", request.Editor.UserID))
	return slug, nil
}

// Delete removes a block, clears it from every channel it is live on and
// drops the schedule entries that would switch to it. Deleting a block that
// no longer exists still clears stale references.
func (c *Catalog) Delete(ctx context.Context, slug string) (DeleteResult, error) {
	slug = channels.NormalizeSlug(slug)
	if slug == "" {
		return DeleteResult{}, newServiceError(opDelete, "missing_slug", ErrMissingBlockSlug)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.documents.Delete(ctx, documents.BlockName(slug)); err != nil {
		c.logError(opDelete, "delete_failed", err, zap.String("block", slug))
		return DeleteResult{}, newServiceError(opDelete, "delete_failed", err)
	}
	index, err := c.readIndex(ctx)
	if err != nil {
		c.logError(opDelete, "index_failed", err)
		return DeleteResult{}, newServiceError(opDelete, "index_failed", err)
	}
	if _, ok := index[slug]; ok {
		delete(index, slug)
		if err := c.writeIndex(ctx, index); err != nil {
			c.logError(opDelete, "index_write_failed", err, zap.String("block", slug))
			return DeleteResult{}, newServiceError(opDelete, "index_write_failed", err)
		}
	}

	result := DeleteResult{ClearedChannels: []string{}, UnscheduledChannels: []string{}}
	_, err = c.active.Update(ctx, func(active map[string]string) bool {
		for channelSlug, blockSlug := range active {
			if blockSlug == slug {
				active[channelSlug] = ""
				result.ClearedChannels = append(result.ClearedChannels, channelSlug)
			}
		}
		return len(result.ClearedChannels) > 0
	})
	if err != nil {
		c.logError(opDelete, "active_failed", err, zap.String("block", slug))
		return DeleteResult{}, newServiceError(opDelete, "active_failed", err)
	}
	sort.Strings(result.ClearedChannels)
	if len(result.ClearedChannels) > 0 && c.broadcaster != nil {
		cleared := make(map[string]string, len(result.ClearedChannels))
		for _, channelSlug := range result.ClearedChannels {
			cleared[channelSlug] = ""
		}
		c.broadcaster.BroadcastAll(viewers.NewActiveUpdate(cleared, c.clock()))
	}

	if c.schedules != nil {
		unscheduled, err := c.schedules.RemoveBlock(ctx, slug)
		if err != nil {
			c.logError(opDelete, "schedule_failed", err, zap.String("block", slug))
			return DeleteResult{}, newServiceError(opDelete, "schedule_failed", err)
		}
		if unscheduled != nil {
			result.UnscheduledChannels = unscheduled
		}
	}

	c.logger.Info("block deleted",
		zap.String("block", slug),
		zap.Strings("cleared", result.ClearedChannels),
		zap.Strings("unscheduled", result.UnscheduledChannels))
	return result, nil
}

// SaveChannelContent replaces the playlist of a known channel.
func (c *Catalog) SaveChannelContent(ctx context.Context, channelSlug string, payload json.RawMessage) error {
	channelSlug = channels.NormalizeSlug(channelSlug)
	if err := c.requireChannel(ctx, opSaveChannelContent, channelSlug); err != nil {
		return err
	}
	decoded := decodeObject(payload)
	name, ok := stringField(decoded, "channel")
	if !ok {
		name = channelSlug
	}
	content := sanitizeContent(decoded, name)
	if err := c.documents.Write(ctx, documents.ChannelContentName(channelSlug), content); err != nil {
		c.logError(opSaveChannelContent, "write_failed", err, zap.String("channel", channelSlug))
		return newServiceError(opSaveChannelContent, "write_failed", err)
	}
	return nil
}

// ChannelContent returns the stored playlist of a known channel.
func (c *Catalog) ChannelContent(ctx context.Context, channelSlug string) (Document, error) {
	channelSlug = channels.NormalizeSlug(channelSlug)
	if err := c.requireChannel(ctx, opGetChannelContent, channelSlug); err != nil {
		return Document{}, err
	}
	raw, exists, err := c.documents.ReadRaw(ctx, documents.ChannelContentName(channelSlug))
	if err != nil {
		c.logError(opGetChannelContent, "read_failed", err, zap.String("channel", channelSlug))
		return Document{}, newServiceError(opGetChannelContent, "read_failed", err)
	}
	if !exists {
		return Document{}, newServiceError(opGetChannelContent, "not_found", ErrContentNotFound)
	}
	return Document{Slug: channelSlug, Payload: raw}, nil
}

func (c *Catalog) requireChannel(ctx context.Context, operation, channelSlug string) error {
	lineup, err := c.channels.List(ctx)
	if err != nil {
		c.logError(operation, "channels_failed", err)
		return newServiceError(operation, "channels_failed", err)
	}
	if !containsSlug(lineup, channelSlug) {
		return newServiceError(operation, "unknown_channel", ErrUnknownChannel)
	}
	return nil
}

func (c *Catalog) readIndex(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, exists, err := c.documents.ReadRaw(ctx, documents.NameBlocksIndex)
	if err != nil {
		return nil, err
	}
	index := make(map[string]json.RawMessage)
	if !exists {
		return index, nil
	}
	var stored storedIndex
	if err := json.Unmarshal(raw, &stored); err != nil {
		c.logger.Warn("blocks index unreadable, starting empty", zap.Error(err))
		return index, nil
	}
	for slug, entry := range stored.Blocks {
		index[slug] = entry
	}
	return index, nil
}

func (c *Catalog) writeIndex(ctx context.Context, index map[string]json.RawMessage) error {
	return c.documents.Write(ctx, documents.NameBlocksIndex, storedIndex{Blocks: index})
}

func (c *Catalog) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("blocks catalog error", attrs...)
}

// sanitizeContent keeps the video fields players read. Missing or mistyped
// ids and titles become empty strings; durations that are not numbers become 0.
func sanitizeContent(payload map[string]json.RawMessage, name string) Content {
	content := Content{Channel: name, Note: contentNote, Videos: []Video{}}
	var items []json.RawMessage
	if err := json.Unmarshal(payload["videos"], &items); err != nil {
		return content
	}
	for _, item := range items {
		fields := decodeObject(item)
		id, _ := stringField(fields, "id")
		title, _ := stringField(fields, "title")
		content.Videos = append(content.Videos, Video{
			ID:              id,
			Title:           title,
			DurationSeconds: durationSeconds(fields["durationSeconds"]),
		})
	}
	return content
}

func durationSeconds(raw json.RawMessage) float64 {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0
	}
	var seconds float64
	switch typed := value.(type) {
	case float64:
		seconds = typed
	case bool:
		if typed {
			seconds = 1
		}
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0
		}
		seconds = parsed
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	return seconds
}

func decodeObject(raw json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return map[string]json.RawMessage{}
	}
	return fields
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

func decodeIndexEntry(raw json.RawMessage) indexEntry {
	var entry indexEntry
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &entry)
	}
	return entry
}

func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func parseTimestamp(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

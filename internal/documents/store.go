// Package documents persists named JSON documents (channel index, schedules,
// blocks, analytics) in a single gorm-managed table.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Well-known document names.
const (
	NameChannelsIndex = "channels-index"
	NameSchedules     = "schedules"
	NameActiveBlocks  = "active-blocks"
	NameAnalytics     = "analytics"
	NameBlocksIndex   = "blocks-index"
)

// Prefixes of per-item documents.
const (
	PrefixBlock          = "block:"
	PrefixChannelContent = "channel-content:"
)

// BlockName is the document holding the content of one block.
func BlockName(slug string) string {
	return PrefixBlock + slug
}

// ChannelContentName is the document holding a channel's own playlist.
func ChannelContentName(slug string) string {
	return PrefixChannelContent + slug
}

var (
	// ErrMissingDatabase indicates the store was built without a gorm handle.
	ErrMissingDatabase = errors.New("documents: database handle is required")
	// ErrInvalidName indicates an empty document name.
	ErrInvalidName = errors.New("documents: invalid document name")
)

// Document is one stored JSON payload.
type Document struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Store reads and writes whole documents. Writes replace the stored payload.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewStore constructs a document store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Read decodes the named document into dest. It reports false when the
// document has never been written; dest is left untouched in that case.
func (s *Store) Read(ctx context.Context, name string, dest any) (bool, error) {
	raw, exists, err := s.ReadRaw(ctx, name)
	if err != nil || !exists {
		return exists, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return true, fmt.Errorf("documents: decode %s: %w", name, err)
	}
	return true, nil
}

// ReadRaw returns the stored JSON bytes of the named document.
func (s *Store) ReadRaw(ctx context.Context, name string) ([]byte, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, ErrInvalidName
	}
	var document Document
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("documents: read %s: %w", name, err)
	}
	return []byte(document.PayloadJSON), true, nil
}

// Write encodes value and stores it under name.
func (s *Store) Write(ctx context.Context, name string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("documents: encode %s: %w", name, err)
	}
	return s.WriteRaw(ctx, name, payload)
}

// WriteRaw stores already encoded JSON under name.
func (s *Store) WriteRaw(ctx context.Context, name string, payload []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	if !json.Valid(payload) {
		return fmt.Errorf("documents: write %s: payload is not valid json", name)
	}
	document := Document{
		Name:             name,
		PayloadJSON:      string(payload),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at_s"}),
	}).Create(&document).Error
	if err != nil {
		return fmt.Errorf("documents: write %s: %w", name, err)
	}
	return nil
}

// Delete removes the named document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	if err := s.db.WithContext(ctx).Where("name = ?", name).Delete(&Document{}).Error; err != nil {
		return fmt.Errorf("documents: delete %s: %w", name, err)
	}
	return nil
}

// Names lists stored document names starting with prefix, in ascending order.
func (s *Store) Names(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("name LIKE ? ESCAPE ?", escapeLike(prefix)+"%", `\`).
		Order("name ASC").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("documents: list %s*: %w", prefix, err)
	}
	return names, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return replacer.Replace(value)
}

package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cartoonrewatch/crt80/internal/documents"
	"go.uber.org/zap"
)

var (
	ErrMissingDocuments = errors.New("channels: document store is required")
	ErrMissingName      = errors.New("channels: missing channel name")
	ErrNameTooLong      = errors.New("channels: channel name too long")
	ErrInvalidSlug      = errors.New("channels: invalid channel slug")
	ErrChannelExists    = errors.New("channels: channel already exists")
	ErrNameTaken        = errors.New("channels: channel name already exists")
	ErrNotFound         = errors.New("channels: channel not found")
)

const (
	opList   = "channels.list"
	opCreate = "channels.create"
	opRename = "channels.rename"
	opDelete = "channels.delete"
)

// ServiceError carries a stable operation code next to the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// DocumentStore is the subset of the document store the index needs.
type DocumentStore interface {
	Read(ctx context.Context, name string, dest any) (bool, error)
	Write(ctx context.Context, name string, value any) error
}

// ActiveAssignments keeps the active-block document in step with the index.
type ActiveAssignments interface {
	Reset(ctx context.Context, channelSlug string) error
	Remove(ctx context.Context, channelSlug string) error
}

type ServiceConfig struct {
	Documents DocumentStore
	Active    ActiveAssignments
	Logger    *zap.Logger
}

// Service reads and edits the channel index. Edits are serialized.
type Service struct {
	documents DocumentStore
	active    ActiveAssignments
	logger    *zap.Logger
	mu        sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Documents == nil {
		return nil, ErrMissingDocuments
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{documents: cfg.Documents, active: cfg.Active, logger: logger}, nil
}

// List returns the ordered lineup. Defaults are merged in only while no index
// document exists.
func (s *Service) List(ctx context.Context) ([]Channel, error) {
	index, err := s.readIndex(ctx)
	if err != nil {
		s.logError(opList, "read_failed", err)
		return nil, newServiceError(opList, "read_failed", err)
	}
	return buildList(index), nil
}

// Lookup reports whether slug names a channel in the current lineup.
func (s *Service) Lookup(ctx context.Context, slug string) (Channel, bool, error) {
	channels, err := s.List(ctx)
	if err != nil {
		return Channel{}, false, err
	}
	for _, channel := range channels {
		if channel.Slug == slug {
			return channel, true, nil
		}
	}
	return Channel{}, false, nil
}

// Create adds a channel. The slug defaults to the normalized name.
func (s *Service) Create(ctx context.Context, name, slug string) (Channel, error) {
	name = NormalizeName(name)
	if err := validateName(name); err != nil {
		return Channel{}, newServiceError(opCreate, "invalid_name", err)
	}
	if slug == "" {
		slug = name
	}
	slug = NormalizeSlug(slug)
	if slug == "" {
		return Channel{}, newServiceError(opCreate, "invalid_slug", ErrInvalidSlug)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		s.logError(opCreate, "read_failed", err)
		return Channel{}, newServiceError(opCreate, "read_failed", err)
	}
	if _, exists := index.Channels[slug]; exists {
		return Channel{}, newServiceError(opCreate, "exists", ErrChannelExists)
	}
	if nameConflict(index, name, "") {
		return Channel{}, newServiceError(opCreate, "name_taken", ErrNameTaken)
	}

	index.Channels[slug] = indexEntry{Name: name}
	if err := s.documents.Write(ctx, documents.NameChannelsIndex, index); err != nil {
		s.logError(opCreate, "write_failed", err, zap.String("channel", slug))
		return Channel{}, newServiceError(opCreate, "write_failed", err)
	}
	if s.active != nil {
		if err := s.active.Reset(ctx, slug); err != nil {
			s.logError(opCreate, "active_reset_failed", err, zap.String("channel", slug))
			return Channel{}, newServiceError(opCreate, "active_reset_failed", err)
		}
	}
	return Channel{Slug: slug, Name: name}, nil
}

// Rename replaces the display name of an existing channel.
func (s *Service) Rename(ctx context.Context, slug, name string) (Channel, error) {
	slug = NormalizeSlug(slug)
	if slug == "" {
		return Channel{}, newServiceError(opRename, "invalid_slug", ErrInvalidSlug)
	}
	name = NormalizeName(name)
	if err := validateName(name); err != nil {
		return Channel{}, newServiceError(opRename, "invalid_name", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		s.logError(opRename, "read_failed", err)
		return Channel{}, newServiceError(opRename, "read_failed", err)
	}
	entry, exists := index.Channels[slug]
	if !exists {
		return Channel{}, newServiceError(opRename, "not_found", ErrNotFound)
	}
	if nameConflict(index, name, slug) {
		return Channel{}, newServiceError(opRename, "name_taken", ErrNameTaken)
	}
	entry.Name = name
	index.Channels[slug] = entry
	if err := s.documents.Write(ctx, documents.NameChannelsIndex, index); err != nil {
		s.logError(opRename, "write_failed", err, zap.String("channel", slug))
		return Channel{}, newServiceError(opRename, "write_failed", err)
	}
	return Channel{Slug: slug, Name: name}, nil
}

// Delete removes a channel and its active assignment.
func (s *Service) Delete(ctx context.Context, slug string) error {
	slug = NormalizeSlug(slug)
	if slug == "" {
		return newServiceError(opDelete, "invalid_slug", ErrInvalidSlug)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		s.logError(opDelete, "read_failed", err)
		return newServiceError(opDelete, "read_failed", err)
	}
	if _, exists := index.Channels[slug]; !exists {
		return newServiceError(opDelete, "not_found", ErrNotFound)
	}
	delete(index.Channels, slug)
	if err := s.documents.Write(ctx, documents.NameChannelsIndex, index); err != nil {
		s.logError(opDelete, "write_failed", err, zap.String("channel", slug))
		return newServiceError(opDelete, "write_failed", err)
	}
	if s.active != nil {
		if err := s.active.Remove(ctx, slug); err != nil {
			s.logError(opDelete, "active_remove_failed", err, zap.String("channel", slug))
			return newServiceError(opDelete, "active_remove_failed", err)
		}
	}
	return nil
}

func (s *Service) readIndex(ctx context.Context) (indexDocument, error) {
	var index indexDocument
	exists, err := s.documents.Read(ctx, documents.NameChannelsIndex, &index)
	if err != nil {
		return indexDocument{}, err
	}
	if !exists {
		return mergeDefaults(indexDocument{}), nil
	}
	if index.Channels == nil {
		index.Channels = make(map[string]indexEntry)
	}
	return index, nil
}

func nameConflict(index indexDocument, name, exceptSlug string) bool {
	key := nameKey(name)
	for slug, entry := range index.Channels {
		if slug == exceptSlug || entry.Name == "" {
			continue
		}
		if nameKey(entry.Name) == key {
			return true
		}
	}
	return false
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("channels service error", attrs...)
}

// Package blocks manages which content block is live on each channel.
package blocks

import (
	"context"
	"errors"
	"sync"

	"github.com/cartoonrewatch/crt80/internal/documents"
)

var ErrMissingDocuments = errors.New("blocks: document store is required")

// DocumentStore is the subset of the document store the assignments need.
type DocumentStore interface {
	Read(ctx context.Context, name string, dest any) (bool, error)
	Write(ctx context.Context, name string, value any) error
}

// ActiveStore is the only writer of the active-block document. Every change
// is a read-modify-write under one lock, so scheduler promotions and operator
// edits cannot overwrite each other.
type ActiveStore struct {
	mu        sync.Mutex
	documents DocumentStore
}

func NewActiveStore(store DocumentStore) (*ActiveStore, error) {
	if store == nil {
		return nil, ErrMissingDocuments
	}
	return &ActiveStore{documents: store}, nil
}

// Read returns the stored assignments. Values that are not strings are skipped.
func (s *ActiveStore) Read(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

// Update applies mutate to the current assignments and persists the result
// when mutate reports a change. The returned map is the state after the call.
func (s *ActiveStore) Update(ctx context.Context, mutate func(active map[string]string) bool) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !mutate(active) {
		return active, nil
	}
	if err := s.documents.Write(ctx, documents.NameActiveBlocks, active); err != nil {
		return nil, err
	}
	return active, nil
}

// Reset clears the assignment for channelSlug, creating the key if needed.
func (s *ActiveStore) Reset(ctx context.Context, channelSlug string) error {
	_, err := s.Update(ctx, func(active map[string]string) bool {
		active[channelSlug] = ""
		return true
	})
	return err
}

// Remove deletes the assignment for channelSlug.
func (s *ActiveStore) Remove(ctx context.Context, channelSlug string) error {
	_, err := s.Update(ctx, func(active map[string]string) bool {
		if _, ok := active[channelSlug]; !ok {
			return false
		}
		delete(active, channelSlug)
		return true
	})
	return err
}

func (s *ActiveStore) readLocked(ctx context.Context) (map[string]string, error) {
	var raw map[string]any
	if _, err := s.documents.Read(ctx, documents.NameActiveBlocks, &raw); err != nil {
		return nil, err
	}
	active := make(map[string]string, len(raw))
	for slug, value := range raw {
		if block, ok := value.(string); ok {
			active[slug] = block
		}
	}
	return active, nil
}

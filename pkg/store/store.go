package store

import (
	"context"
	"encoding/json"
	"errors"
)

//go:generate mockgen -package mocks -destination mocks/store.go github.com/kasuboski/watchz/pkg/store Store

var (
	ErrNotFound = errors.New("path not found")
	ErrClosed   = errors.New("store is closed")
)

// Store is a path addressed tree. Paths are slash separated; a read of an inner path
// returns the assembled subtree.
type Store interface {
	// Read returns the value at path or ErrNotFound
	Read(ctx context.Context, path string) (any, error)
	// Write replaces the subtree at path. A nil value deletes it.
	Write(ctx context.Context, path string, value any) error
	// WriteMany replaces the subtree at every path in one call
	WriteMany(ctx context.Context, updates map[string]any) error
	// Subscribe delivers changes at, above or below path until ctx is done
	Subscribe(ctx context.Context, path string) (<-chan Event, error)
	Close() error
}

// Event is a change notification. Value is the new value at Path, nil when deleted.
type Event struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// ServerValue is a placeholder the backend resolves when the write is applied
type ServerValue string

// ServerTimestamp resolves to the write time in epoch milliseconds
const ServerTimestamp ServerValue = "timestamp"

func (v ServerValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{".sv": string(v)})
}

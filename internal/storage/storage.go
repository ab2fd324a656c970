// Package storage defines the persistence interface for the dedup window and
// its implementations.
package storage

import (
	"context"
	"errors"

	"rssbot/internal/model"
)

var (
	// ErrCorruptState is returned by Load when persisted state exists but
	// cannot be understood.
	ErrCorruptState = errors.New("corrupt state")
	// ErrIO is returned when state cannot be read or written.
	ErrIO = errors.New("state io")
)

// Storage loads and saves the persisted dedup window.
type Storage interface {
	// Load returns the persisted state. Absent state is not an error.
	Load(ctx context.Context) (model.State, error)
	// Save atomically replaces the persisted state.
	Save(ctx context.Context, state model.State) error

	Close() error
}

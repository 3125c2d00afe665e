// Package store owns the named configuration records of the bots.
//
// A Record is the only writer of its data: handlers receive it by injection,
// read a private copy through Get and mutate through Update, which persists
// the new value before publishing it in memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
)

// ErrNotFound is returned by backends for records that were never saved.
var ErrNotFound = errors.New("store: record not found")

// Backend persists opaque record payloads by name.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
	Kind() string
}

// Record is a typed, persisted configuration record.
type Record[T any] struct {
	name    string
	backend Backend
	onSave  func(name string, err error)

	mu    sync.RWMutex
	value T
}

// Option customizes a Record.
type Option func(*options)

type options struct {
	onSave func(name string, err error)
}

// WithSaveHook registers a callback invoked after every save attempt.
func WithSaveHook(fn func(name string, err error)) Option {
	return func(o *options) { o.onSave = fn }
}

// Open loads the named record from backend. A record that does not exist
// yet starts from defaults and is written on the first Update.
func Open[T any](ctx context.Context, backend Backend, name string, defaults T, opts ...Option) (*Record[T], error) {
	if backend == nil {
		return nil, fmt.Errorf("store: nil backend for %s", name)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	r := &Record[T]{name: name, backend: backend, onSave: o.onSave, value: defaults}
	if err := r.Reload(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return r, nil
}

// Name returns the record name.
func (r *Record[T]) Name() string { return r.name }

// Get returns a deep copy of the current value.
func (r *Record[T]) Get() T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, err := clone(r.value)
	if err != nil {
		// T always round-trips through JSON because it is loaded that way.
		return r.value
	}
	return out
}

// Update applies fn to a copy of the value, saves the result and only then
// publishes it. If fn or the save fails the in-memory value is unchanged.
func (r *Record[T]) Update(ctx context.Context, fn func(*T) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := clone(r.value)
	if err != nil {
		return fmt.Errorf("store: copy %s: %w", r.name, err)
	}
	if err := fn(&next); err != nil {
		return err
	}
	if err := r.save(ctx, next); err != nil {
		return err
	}
	r.value = next
	return nil
}

// Set replaces the whole value.
func (r *Record[T]) Set(ctx context.Context, v T) error {
	return r.Update(ctx, func(cur *T) error {
		*cur = v
		return nil
	})
}

// Reload re-reads the record from the backend. It returns ErrNotFound when
// the record was never saved, keeping the current value.
func (r *Record[T]) Reload(ctx context.Context) error {
	data, err := r.backend.Load(ctx, r.name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		logger.Error(ctx, "store", "record.load",
			slog.String("record", r.name),
			slog.String("backend", r.backend.Kind()),
			logger.Err(err),
		)
		return fmt.Errorf("store: load %s: %w", r.name, err)
	}

	var next T
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("store: decode %s: %w", r.name, err)
	}
	r.mu.Lock()
	r.value = next
	r.mu.Unlock()
	logger.Debug(ctx, "store", "record.load",
		slog.String("record", r.name),
		slog.String("backend", r.backend.Kind()),
	)
	return nil
}

func (r *Record[T]) save(ctx context.Context, v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", r.name, err)
	}
	start := time.Now()
	err = r.backend.Save(ctx, r.name, data)
	if r.onSave != nil {
		r.onSave(r.name, err)
	}
	if err != nil {
		logger.Error(ctx, "store", "record.save",
			slog.String("status", "fail"),
			slog.String("record", r.name),
			slog.String("backend", r.backend.Kind()),
			logger.Err(err),
		)
		return fmt.Errorf("store: save %s: %w", r.name, err)
	}
	logger.Debug(ctx, "store", "record.save",
		slog.String("status", "ok"),
		slog.String("record", r.name),
		slog.String("backend", r.backend.Kind()),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

func clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

package signalstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventOp describes what happened to a key.
type EventOp string

const (
	OpPut    EventOp = "put"
	OpDelete EventOp = "delete"
)

// Event is a key change observed by a Watcher.
type Event struct {
	Key string
	Op  EventOp
}

// Watcher surfaces key change events from a FileStore directory so that
// supervisors can react to halt records without tight polling. Events are
// advisory: consumers must still read the store for the authoritative state.
type Watcher struct {
	fs     *fsnotify.Watcher
	dir    string
	logger *zap.Logger
	events chan Event
}

// NewWatcher starts watching the store's backing directory.
func NewWatcher(store *FileStore, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fs.Add(store.Dir()); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watching %s: %w", store.Dir(), err)
	}

	w := &Watcher{
		fs:     fs,
		dir:    store.Dir(),
		logger: logger,
		events: make(chan Event, 64),
	}
	return w, nil
}

// Events returns the channel on which key changes are delivered.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run pumps filesystem events until ctx is cancelled. Temporary files are
// filtered out; a rename onto a key surfaces as OpPut.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			key := filepath.Base(ev.Name)
			if strings.HasPrefix(key, ".") {
				continue
			}
			var op EventOp
			switch {
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename):
				op = OpPut
			case ev.Has(fsnotify.Remove):
				op = OpDelete
			default:
				continue
			}
			select {
			case w.events <- Event{Key: key, Op: op}:
			default:
				w.logger.Warn("dropping store event, consumer too slow",
					zap.String("key", key), zap.String("op", string(op)))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("store watcher error", zap.Error(err))
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

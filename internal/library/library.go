// Package library discovers playable audio files on disk and watches the
// music directories for changes.
package library

import (
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/quaverhq/deckmix/internal/decode"
)

// Scan walks the given roots and returns every supported audio file, sorted.
func Scan(roots ...string) ([]string, error) {
	var tracks []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if decode.SupportedExt(path) {
				tracks = append(tracks, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("library: scan %s: %w", root, err)
		}
	}
	sort.Strings(tracks)
	return tracks, nil
}

// EventKind distinguishes watcher notifications.
type EventKind int

const (
	TrackAdded EventKind = iota
	TrackRemoved
)

// Event is one library change.
type Event struct {
	Kind EventKind
	Path string
}

// Watcher reports audio files appearing in or vanishing from the music
// directories.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan Event

	mu     sync.Mutex
	closed bool
}

// NewWatcher watches the given roots. Events are delivered on Events() until
// Close.
func NewWatcher(roots ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("library: watcher: %w", err)
	}
	for _, root := range roots {
		if err := fsw.Add(root); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("library: watch %s: %w", root, err)
		}
	}
	w := &Watcher{
		fsw:    fsw,
		events: make(chan Event, 16),
	}
	go w.run()
	return w, nil
}

// Events returns the change stream.
func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) run() {
	defer close(w.events)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !decode.SupportedExt(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				w.emit(Event{Kind: TrackAdded, Path: ev.Name})
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				w.emit(Event{Kind: TrackRemoved, Path: ev.Name})
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("library: watch error: %v", err)
		}
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		// A stalled consumer misses events rather than blocking the watcher.
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fsw.Close()
}

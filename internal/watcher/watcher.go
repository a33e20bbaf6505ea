// Package watcher reports captures as their payloads land in a blob
// directory, so uploads made by syncing files can be verified without an
// explicit submit call.
package watcher

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/opencontainers/go-digest"

	"framewitness/internal/logging"
	"framewitness/internal/payload"
	"framewitness/internal/storage"
)

// Event is a capture whose payload stopped changing.
type Event struct {
	CaptureID string
	Path      string
	Digest    digest.Digest
	Timestamp time.Time
}

// Watcher monitors <blobDir>/captures. fsnotify is not recursive, so each
// capture directory is added as it appears.
type Watcher struct {
	fsw     *fsnotify.Watcher
	root    string
	dir     string
	settle  time.Duration
	backlog bool
	logger  *slog.Logger

	mu sync.Mutex
	// pending maps capture id to the time of its last payload write
	pending map[string]time.Time
	// emitted holds the digest last reported per capture
	emitted map[string]digest.Digest

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithBacklog reports payloads already present when Start runs.
func WithBacklog(on bool) Option {
	return func(w *Watcher) { w.backlog = on }
}

var payloadName = path.Base(payload.Key("x"))

// New creates a watcher for blobDir. A payload is reported once it has
// not been written for settle.
func New(blobDir string, settle time.Duration, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(blobDir)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	if settle <= 0 {
		settle = time.Second
	}
	w := &Watcher{
		fsw:     fsw,
		root:    root,
		dir:     filepath.Join(root, filepath.Dir(filepath.Dir(filepath.FromSlash(payload.Key("x"))))),
		settle:  settle,
		logger:  logging.Default().Logger,
		pending: make(map[string]time.Time),
		emitted: make(map[string]digest.Digest),
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watcher")
	return w, nil
}

func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) Errors() <-chan error { return w.errors }

// Start begins watching. The captures directory is created if missing.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return err
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := w.addCapture(e.Name(), w.backlog); err != nil {
			return err
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and closes both channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsw.Close()
}

// Pending returns the number of payloads waiting to settle.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Watcher) payloadPath(id string) string {
	return filepath.Join(w.root, filepath.FromSlash(payload.Key(id)))
}

// addCapture watches a capture directory. A payload that is already there
// is marked when mark is set; it may have landed before the watch did.
func (w *Watcher) addCapture(id string, mark bool) error {
	if storage.ValidateKey(payload.Key(id)) != nil {
		return nil
	}
	if err := w.fsw.Add(filepath.Join(w.dir, id)); err != nil {
		return err
	}
	if _, err := os.Stat(w.payloadPath(id)); err == nil && mark {
		w.mark(id, time.Now())
	}
	return nil
}

func (w *Watcher) mark(id string, at time.Time) {
	w.mu.Lock()
	w.pending[id] = at
	w.mu.Unlock()
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("dropped watcher error", "error", err)
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			parent := filepath.Dir(ev.Name)
			switch {
			case parent == w.dir:
				info, err := os.Stat(ev.Name)
				if err != nil || !info.IsDir() {
					continue
				}
				if err := w.addCapture(filepath.Base(ev.Name), true); err != nil {
					w.report(err)
				}
			case filepath.Dir(parent) == w.dir && filepath.Base(ev.Name) == payloadName:
				w.mark(filepath.Base(parent), time.Now())
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(max(w.settle/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

// flush reports settled payloads. Digests are computed without the lock;
// a payload rewritten meanwhile stays pending.
func (w *Watcher) flush(now time.Time) {
	threshold := now.Add(-w.settle)
	type candidate struct {
		id   string
		last time.Time
	}
	var ready []candidate
	w.mu.Lock()
	for id, last := range w.pending {
		if last.Before(threshold) {
			ready = append(ready, candidate{id, last})
		}
	}
	w.mu.Unlock()

	for _, c := range ready {
		p := w.payloadPath(c.id)
		d, err := fileDigest(p)

		w.mu.Lock()
		if w.pending[c.id] != c.last {
			w.mu.Unlock()
			continue
		}
		if err != nil {
			delete(w.pending, c.id)
			w.mu.Unlock()
			if !errors.Is(err, fs.ErrNotExist) {
				w.report(err)
			}
			continue
		}
		if w.emitted[c.id] == d {
			delete(w.pending, c.id)
			w.mu.Unlock()
			continue
		}
		select {
		case w.events <- Event{CaptureID: c.id, Path: p, Digest: d, Timestamp: now}:
			delete(w.pending, c.id)
			w.emitted[c.id] = d
		default:
			// full; retried on the next tick
		}
		w.mu.Unlock()
	}
}

func fileDigest(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}

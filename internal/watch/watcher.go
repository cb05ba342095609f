// Package watch feeds the ingestion queue from a drop directory: any text
// file written there becomes a journal entry and an extract job.
package watch

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keepsake/keepsake/internal/store"
)

// debounceDelay is how long a file must be quiet before ingestion. Editors
// save in bursts; one job per finished file, not per write syscall.
const debounceDelay = 750 * time.Millisecond

// Options tunes ingestion.
type Options struct {
	SampleEvery int // enqueue every Nth settled file; <=1 = all
	MaxAttempts int // attempt budget for the enqueued extract jobs
}

// Watcher watches a drop directory and enqueues one extract job per settled
// file. The file's immediate subdirectory, if any, becomes the entry category.
type Watcher struct {
	db   *store.DB
	dir  string
	opts Options

	fs      *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
	settled int // files settled so far, for sampling
	done    chan struct{}
}

// New creates a watcher for dir, creating it if missing. Existing first-level
// subdirectories are watched too.
func New(db *store.DB, dir string, opts Options) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watch dir: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := fs.Add(filepath.Join(dir, e.Name())); err != nil {
					log.Printf("watch: add %s: %v", e.Name(), err)
				}
			}
		}
	}

	return &Watcher{
		db:      db,
		dir:     dir,
		opts:    opts,
		fs:      fs,
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// Run processes filesystem events until Close is called.
func (w *Watcher) Run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("watch: %v", err)
		}
	}
}

// Close stops the watcher and cancels pending debounce timers.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.fs.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New subdirectories join the watch set; category dirs can be made later.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if err := w.fs.Add(event.Name); err != nil {
				log.Printf("watch: add %s: %v", event.Name, err)
			}
		}
		return
	}

	if !ingestible(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[event.Name]; ok {
		t.Reset(debounceDelay)
		return
	}
	path := event.Name
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(path)
	})
}

func ingestible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".md", ".txt":
		return true
	}
	return false
}

// ingest reads a settled file and enqueues its extract job. The entry id is
// the path relative to the drop dir; re-dropping the same file re-extracts,
// which the decision engine absorbs as reinforcement. With SampleEvery > 1
// only every Nth settled file is extracted.
func (w *Watcher) ingest(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		log.Printf("watch: read %s: %v", path, err)
		return
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return
	}

	w.mu.Lock()
	w.settled++
	n := w.settled
	w.mu.Unlock()
	if w.opts.SampleEvery > 1 && n%w.opts.SampleEvery != 0 {
		log.Printf("watch: sampled out %s (%d of every %d)", filepath.Base(path), n, w.opts.SampleEvery)
		return
	}

	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	category := "journal"
	if d := filepath.Dir(rel); d != "." {
		category = d
	}

	payload, err := json.Marshal(map[string]string{
		"entry_id": rel,
		"content":  text,
		"category": category,
	})
	if err != nil {
		log.Printf("watch: marshal payload: %v", err)
		return
	}

	job, err := w.db.Enqueue("extract", string(payload), store.EnqueueOptions{
		MaxAttempts: w.opts.MaxAttempts,
	})
	if err != nil {
		log.Printf("watch: enqueue %s: %v", rel, err)
		return
	}
	log.Printf("watch: queued %s as job %s", rel, job.ID)
}

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceConfigWrite is the settle time after a write event before the
// file is re-read, so a burst of writes from one save collapses into a
// single reload — mirrors the debounceEnvWrite/debounceAPITokensWrite
// vars named by internal/config/watcher_fsnotify_test.go, generalized
// to this package's single config.json.
var debounceConfigWrite = 200 * time.Millisecond

// Watcher reloads configPath on write events and invokes onChange with
// the freshly loaded Config. Chmod-only events and no-op content
// (detected via a content hash, the same guard a lastEnvHash field
// would provide) are ignored.
type Watcher struct {
	path     string
	onChange func(*Config)

	watcher *fsnotify.Watcher
	stop    chan struct{}

	mu       sync.Mutex
	lastHash string
}

// NewWatcher starts watching the directory containing path (fsnotify
// watches directories, not bare files, so editors that replace-via-
// rename still fire events) and calls onChange whenever path's content
// changes and reloads successfully.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, onChange: onChange, watcher: fw, stop: make(chan struct{})}
	if hash, err := hashFile(path); err == nil {
		w.lastHash = hash
	}

	go w.handleEvents(fw.Events, fw.Errors)
	return w, nil
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}

func (w *Watcher) handleEvents(events chan fsnotify.Event, errs chan error) {
	var pending *time.Timer
	for {
		select {
		case <-w.stop:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceConfigWrite, w.reload)
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config: watcher error")
		}
	}
}

func (w *Watcher) reload() {
	hash, err := hashFile(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config: failed to hash config file after change")
		return
	}

	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.lastHash = hash
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config: reload failed, keeping previous configuration")
		return
	}
	log.Info().Str("path", w.path).Msg("config: reloaded configuration")
	w.onChange(cfg)
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

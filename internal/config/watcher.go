package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/nghyane/llm-relay/internal/logging"
)

// Watcher hot-reloads the config file. Editors replace files with
// rename+create rather than in-place writes, so the parent directory is
// watched and events are filtered by name, with a short debounce to
// coalesce write bursts.
type Watcher struct {
	path     string
	onChange func(*Config)
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. onChange receives each
// successfully reloaded config; invalid edits are logged and skipped, the
// previous config stays active.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		fsw:      fsw,
	}, nil
}

// Run blocks until ctx is cancelled, reloading on relevant file events.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.WithError(err).Warnf("config reload skipped: %s", w.path)
		return
	}
	log.Infof("config reloaded: %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

package adpolicy

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Holder serves the current policy and allows it to be swapped atomically.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder wraps p.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	if p == nil {
		p = Default()
	}
	h.current.Store(p)
	return h
}

// Policy returns the active policy.
func (h *Holder) Policy() *Policy {
	return h.current.Load()
}

// Swap replaces the active policy.
func (h *Holder) Swap(p *Policy) {
	if p != nil {
		h.current.Store(p)
	}
}

// Watcher reloads a YAML policy file into a Holder when it changes. A file
// that fails to parse leaves the previous policy in place.
type Watcher struct {
	path     string
	holder   *Holder
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher loads path into holder and prepares to watch it.
func NewWatcher(path string, holder *Holder) (*Watcher, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	holder.Swap(p)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		holder:   holder,
		watcher:  fw,
		debounce: 100 * time.Millisecond,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the policy file's directory.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		close(w.done)
		return err
	}
	go w.watchForChanges()
	log.Info().Str("path", w.path).Msg("Watching ad policy file for changes")
	return nil
}

// Stop ends the watch loop and releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) watchForChanges() {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Wait for the writer to finish.
			time.Sleep(w.debounce)
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Ad policy watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	p, err := LoadFile(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Keeping previous ad policy")
		return
	}
	w.holder.Swap(p)
	log.Info().Str("path", w.path).Int("surfaces", len(p.Surfaces())).Msg("Reloaded ad policy")
}

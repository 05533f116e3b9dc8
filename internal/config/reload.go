// reload.go — fsnotify-based hot reload (debounced watch + callback
// notification), restricted to the subset of fields that can change
// without a restart: rate limits, allowed domains, and pool sizing.
// Everything else (listen
// port, headless mode, memory limit) requires a process restart, so a
// reload that only touches those fields is a silent no-op rather than
// a partial, confusing in-place update.
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback receives the newly loaded, already-validated Config.
type ChangeCallback func(Config)

// Reloader watches a config file and reloads the live-reloadable fields
// on change.
type Reloader struct {
	path string

	mu  sync.RWMutex
	cur Config

	watcher *fsnotify.Watcher

	cbMu      sync.Mutex
	callbacks []ChangeCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReloader loads path once and returns a Reloader ready to Watch.
func NewReloader(path string) (*Reloader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Reloader{
		path:          path,
		cur:           cfg,
		debounceDelay: 500 * time.Millisecond,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

func (r *Reloader) SetDebounceDelay(d time.Duration) {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	r.debounceDelay = d
}

func (r *Reloader) OnChange(cb ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current returns the most recently applied, live-reloadable Config.
func (r *Reloader) Current() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

// Watch starts the filesystem watcher; call Stop to release it.
func (r *Reloader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir of %s: %w", r.path, err)
	}
	r.watcher = watcher
	go r.loop()
	return nil
}

func (r *Reloader) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.scheduleReload()
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (r *Reloader) scheduleReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounceDelay, r.reload)
}

func (r *Reloader) reload() {
	next, err := Load(r.path)
	if err != nil {
		// A bad edit mid-write is common with atomic-rename editors;
		// keep serving the last good config rather than erroring out.
		return
	}

	r.mu.Lock()
	prev := r.cur
	merged := prev
	merged.Security.RateLimit = next.Security.RateLimit
	merged.Security.AllowedDomains = next.Security.AllowedDomains
	merged.Security.AutoApproveLocalhost = next.Security.AutoApproveLocalhost
	merged.Performance.ContextPool.Min = next.Performance.ContextPool.Min
	merged.Performance.ContextPool.Max = next.Performance.ContextPool.Max
	merged.Performance.ContextPool.ReuseThreshold = next.Performance.ContextPool.ReuseThreshold
	r.cur = merged
	r.mu.Unlock()

	if !liveFieldsChanged(prev, merged) {
		return
	}

	r.cbMu.Lock()
	callbacks := make([]ChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.Unlock()
	for _, cb := range callbacks {
		go cb(merged)
	}
}

func liveFieldsChanged(a, b Config) bool {
	if a.Security.RateLimit != b.Security.RateLimit || a.Security.AutoApproveLocalhost != b.Security.AutoApproveLocalhost {
		return true
	}
	if len(a.Security.AllowedDomains) != len(b.Security.AllowedDomains) {
		return true
	}
	for i := range a.Security.AllowedDomains {
		if a.Security.AllowedDomains[i] != b.Security.AllowedDomains[i] {
			return true
		}
	}
	return a.Performance.ContextPool.Min != b.Performance.ContextPool.Min ||
		a.Performance.ContextPool.Max != b.Performance.ContextPool.Max ||
		a.Performance.ContextPool.ReuseThreshold != b.Performance.ContextPool.ReuseThreshold
}

func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
		<-r.doneCh
	})
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Writes are debounced so editors that truncate-then-write produce one reload.
const reloadDebounce = 25 * time.Millisecond

// StrategyWatcher monitors the configured strategies file and invokes the
// supplied callback whenever a valid table replaces the current one. Stop must
// be called to release filesystem resources.
type StrategyWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *StrategyWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchStrategies wires fsnotify around the strategies file and reloads the
// table on any relevant change. An invalid document is reported through
// onError and the running table is kept untouched. The parent directory is
// watched rather than the file itself so atomic rename-in-place edits are
// still observed.
func WatchStrategies(ctx context.Context, path string, onChange func(map[string]StrategyConfig), onError func(error)) (*StrategyWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch strategies requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no strategies file configured for watching")
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve strategies file: %w", err)
	}
	target := filepath.Clean(resolved)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch strategies: %w", err)
	}
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &StrategyWatcher{cancel: cancel, done: make(chan struct{})}
	go w.run(watchCtx, fsw, target, onChange, onError)
	return w, nil
}

func (w *StrategyWatcher) run(ctx context.Context, fsw *fsnotify.Watcher, target string, onChange func(map[string]StrategyConfig), onError func(error)) {
	defer close(w.done)
	defer func() { _ = fsw.Close() }()

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	// The debounce timer starts drained; pending tracks whether a fire is
	// armed so a stale tick is never acted on.
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-debounce.C:
			pending = false
			strategies, err := loadStrategiesFile(target)
			if err != nil {
				report(err)
				continue
			}
			onChange(strategies)

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				report(fmt.Errorf("config: strategies file %s removed", target))
			}
			if pending && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(reloadDebounce)
			pending = true

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

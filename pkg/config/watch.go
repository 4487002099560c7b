package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/ferret/pkg/log"
)

// Watcher reloads a config file when it changes on disk and hands each
// valid new config to a callback. Invalid edits are logged and skipped;
// the previous config stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine; callbacks must not block.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %v", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %v", path, err)
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching for file changes
func (w *Watcher) Start() {
	go w.run()
}

// Stop ends the watch and releases the underlying watcher
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) run() {
	logger := log.WithComponent("config-watcher")
	defer w.watcher.Close()

	for {
		select {
		case <-w.stopCh:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("watcher error")
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warn().Err(err).Str("path", w.path).Msg("ignoring invalid config change")
				continue
			}
			logger.Info().Str("path", w.path).Msg("config reloaded")
			w.onChange(cfg)
		}
	}
}

package daemon

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/LGUG2Z/wpm/pkg/log"
)

// watchDebounce coalesces the bursts of filesystem events editors produce
// into one reload.
const watchDebounce = 500 * time.Millisecond

// watchUnits reloads the registry whenever a unit file changes.
func (d *Daemon) watchUnits() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(d.unitsDir); err != nil {
		watcher.Close()
		return nil, err
	}

	logger := log.WithComponent("watcher")
	logger.Info().Str("dir", d.unitsDir).Msg("watching unit directory")

	done := make(chan struct{})
	go func() {
		var pending *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if !relevant(event) {
					continue
				}

				if pending == nil {
					pending = time.AfterFunc(watchDebounce, func() {
						select {
						case reload <- struct{}{}:
						default:
						}
					})
				} else {
					pending.Reset(watchDebounce)
				}
			case <-reload:
				pending = nil
				logger.Info().Msg("unit directory changed, reloading")
				if err := d.Reload(); err != nil {
					logger.Error().Err(err).Msg("reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn().Err(err).Msg("watch error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	name := strings.ToLower(event.Name)
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".toml")
}

package host

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// ReloadOnSignal reloads on SIGHUP until ctx is done.
func (h *Host) ReloadOnSignal(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			h.logger.Info("SIGHUP received, reloading flows")
			_ = h.Reload(ctx)
		}
	}
}

// Watch reloads when a definition file in the flows directory changes.
// Bursts of file events are coalesced into one reload.
func (h *Host) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(h.config.FlowsDir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		timer := time.NewTimer(reloadDebounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isDefinitionFile(filepath.Base(ev.Name)) || ev.Op == fsnotify.Chmod {
					continue
				}
				timer.Reset(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("Flow directory watch error", "error", err)
			case <-timer.C:
				h.logger.Info("Flow files changed, reloading")
				_ = h.Reload(ctx)
			}
		}
	}()
	return nil
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is called after each reload attempt triggered by a file change.
type ReloadFunc func(ids []string, err error)

// Watch reloads the catalog when a declaration file in its directory is
// written, created, removed or renamed. Bursts of events are coalesced by
// delay. A failed reload keeps the previous declarations.
func (c *Catalog) Watch(ctx context.Context, delay time.Duration, onReload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.dir, err)
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	go c.processEvents(ctx, watcher, delay, onReload)

	c.logger.Info().Str("dir", c.dir).Msg("watching provisioner declarations")
	return nil
}

func (c *Catalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher, delay time.Duration, onReload ReloadFunc) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		err := c.Load(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to reload provisioner declarations")
		}
		if onReload != nil {
			onReload(c.IDs(), err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isDeclarationFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			c.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("declaration changed")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(delay, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

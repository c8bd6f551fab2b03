// ABOUTME: Filesystem watcher that reloads the certificate bundle when its files change
// ABOUTME: Debounces fsnotify events and only reports bundles with a new serial

package certs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the write/rename bursts produced by replacing both PEM files.
const watchDebounce = 250 * time.Millisecond

// Watch blocks until ctx is done, calling onChange whenever the bundle in dir
// is replaced by one with a different serial. Unparseable intermediate states
// (e.g. key written, certificate not yet) are skipped.
func (m *Manager) Watch(ctx context.Context, dir string, onChange func(*Bundle)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	lastSerial := ""
	if b, err := Load(dir); err == nil {
		lastSerial = b.Serial()
	}

	m.logger.Debug("watching certificate directory", "dir", dir)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if name != CertFileName && name != KeyFileName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			b, err := Load(dir)
			if err != nil {
				m.logger.Debug("certificate reload skipped", "error", err)
				continue
			}
			if b.Serial() == lastSerial {
				continue
			}
			lastSerial = b.Serial()
			m.logger.Info("certificate files changed on disk", "serial", lastSerial)
			onChange(b)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("certificate watcher error", "error", err)
		}
	}
}

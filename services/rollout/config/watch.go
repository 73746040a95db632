// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce per save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the file at path whenever it changes.
//
// # Description
//
// The parent directory is watched so saves that replace the file
// (rename, remove then create) are seen. Every change is loaded and
// validated; onChange receives only valid configurations. An invalid
// file is logged and the previous configuration stays in effect.
//
// Watch blocks until ctx is done.
//
// # Inputs
//
//   - ctx: Stops the watch.
//   - path: Configuration file.
//   - onChange: Called from the watch goroutine with each valid reload.
//   - logger: Optional; slog.Default() when nil.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be created. A cancelled ctx
//     returns nil.
func Watch(ctx context.Context, path string, onChange func(*Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Debug("watching configuration", slog.String("path", abs))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Error("configuration reload rejected", slog.String("path", abs), slog.Any("error", err))
				continue
			}
			logger.Info("configuration reloaded", slog.String("path", abs))
			onChange(cfg)
		}
	}
}

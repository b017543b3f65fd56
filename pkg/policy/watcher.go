package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/phiguard/pkg/observability"
)

// ReloadEvent describes one reload attempt.
type ReloadEvent struct {
	Path            string
	PreviousVersion string
	Version         string
	Err             error
}

// ReloadFunc is notified after every reload attempt, successful or not.
type ReloadFunc func(ctx context.Context, ev ReloadEvent)

// Watcher reloads the policy file into a Validator when it changes. A file
// that fails to parse or validate leaves the current snapshot in place.
type Watcher struct {
	path      string
	validator *Validator
	logger    *observability.Logger
	metrics   *observability.Metrics
	onReload  ReloadFunc
	debounce  time.Duration
}

// NewWatcher watches path. logger, metrics and onReload may be nil.
func NewWatcher(path string, validator *Validator, logger *observability.Logger, metrics *observability.Metrics, onReload ReloadFunc) *Watcher {
	if logger == nil {
		logger = observability.Discard()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Watcher{
		path:      filepath.Clean(path),
		validator: validator,
		logger:    logger.WithField("component", "policy_watcher"),
		metrics:   metrics,
		onReload:  onReload,
		debounce:  200 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled. The parent directory is watched so that
// editors and config-map updates that replace the file atomically are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case <-pending:
			pending = nil
			w.Reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Policy watcher error")
		}
	}
}

// Reload reads the file once and swaps it in if valid.
func (w *Watcher) Reload(ctx context.Context) ReloadEvent {
	ev := ReloadEvent{Path: w.path, PreviousVersion: w.validator.Policy().Version()}

	p, err := LoadFile(w.path)
	if err != nil {
		ev.Err = err
		w.metrics.PolicyReloadsTotal.WithLabelValues("rejected").Inc()
		w.logger.WithError(err).Error("Policy reload rejected, keeping current policy")
	} else {
		w.validator.Swap(p)
		ev.Version = p.Version()
		w.metrics.PolicyReloadsTotal.WithLabelValues("applied").Inc()
		w.logger.WithFields(map[string]interface{}{
			"previous_version": ev.PreviousVersion,
			"version":          ev.Version,
		}).Info("Policy reloaded")
	}

	if w.onReload != nil {
		w.onReload(ctx, ev)
	}
	return ev
}

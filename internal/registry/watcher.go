package registry

import (
	"context"
	"fmt"
	"time"

	"dato/internal/logger"
	"dato/internal/metrics"
	"dato/internal/validatorset"
)

// DefaultPollInterval is how often a Watcher re-reads its source when no
// change notification arrives.
const DefaultPollInterval = 30 * time.Second

// Watcher keeps a validator set holder in step with a registry source.
type Watcher struct {
	source   Source
	holder   *validatorset.Holder
	interval time.Duration
	metrics  *metrics.Metrics
}

// NewWatcher creates a Watcher publishing into holder.
func NewWatcher(source Source, holder *validatorset.Holder, interval time.Duration, m *metrics.Metrics) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Watcher{
		source:   source,
		holder:   holder,
		interval: interval,
		metrics:  m,
	}
}

// Refresh reads one snapshot and publishes it if it is newer than the
// current one. Returns true if the holder changed.
func (w *Watcher) Refresh(ctx context.Context) (bool, error) {
	set, err := w.source.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("registry snapshot:\n%w", err)
	}

	if !w.holder.Store(set) {
		return false, nil
	}

	w.metrics.SetSize(set.Len())

	logger.Info("validator set updated",
		"version", set.Version(),
		"validators", set.Len(),
		"stake", set.TotalStake(),
		"threshold", set.Threshold(),
	)

	return true, nil
}

// Run refreshes on every change notification and on each poll tick until
// ctx ends. Failed refreshes are logged and retried on the next trigger.
func (w *Watcher) Run(ctx context.Context) {
	var changes <-chan struct{}

	if n, ok := w.source.(Notifier); ok {
		ch, err := n.Changes(ctx)
		if err != nil {
			logger.Warn("registry notifications unavailable, polling only", "error", err)
		} else {
			changes = ch
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return
				}

				logger.Warn("registry notifications closed, polling only")
				changes = nil
				continue
			}

		case <-ticker.C:
		}

		if _, err := w.Refresh(ctx); err != nil {
			logger.Warn("registry refresh failed", "error", err)
		}
	}
}

// Package health derives a point-in-time health view over the inbound
// subscription registry. It holds no state of its own beyond a read cache;
// every verdict is computed from the registry's records.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/transitlabs/sirihub/internal/metrics"
	"github.com/transitlabs/sirihub/internal/registry"
	"github.com/transitlabs/sirihub/models"
)

const (
	windowShort  = 5 * time.Minute
	windowMedium = 15 * time.Minute
	windowLong   = 30 * time.Minute
)

type Config struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Aggregator struct {
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	cached []models.SubscriptionHealth
}

func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		logger:   logger.WithGroup("health"),
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		now:      now,
	}
}

// Snapshot returns the last refreshed view. Safe for concurrent use.
func (a *Aggregator) Snapshot() []models.SubscriptionHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.SubscriptionHealth, len(a.cached))
	copy(out, a.cached)
	return out
}

// AnyFailing reports whether any inbound subscription is currently failing.
// Drives the coarse readiness verdict on the status endpoint.
func (a *Aggregator) AnyFailing() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, h := range a.cached {
		if h.Failing {
			return true
		}
	}
	return false
}

// Refresh recomputes all verdicts from the registry. Failing means the
// subscription is active yet silent past its allowed window; the data-failing
// flags track silence on data specifically over fixed lookback windows.
func (a *Aggregator) Refresh() error {
	subs, err := a.registry.List()
	if err != nil {
		return err
	}

	refreshTime := a.now()
	view := make([]models.SubscriptionHealth, 0, len(subs))
	for _, sub := range subs {
		h := models.SubscriptionHealth{
			SubscriptionID: sub.ID,
			Dataset:        sub.Dataset,
			Vendor:         sub.Vendor,
			Category:       sub.Category,
			Active:         sub.Active(),
		}

		if h.Active {
			healthy, err := a.registry.IsHealthy(sub.ID, a.registry.AllowedSilence(sub))
			if err != nil {
				return err
			}
			h.Healthy = healthy
			h.Failing = !healthy

			record, err := a.registry.Health(sub.ID)
			if err != nil {
				return err
			}
			sinceData := refreshTime.Sub(record.LastDataReceived)
			if record.LastDataReceived.IsZero() {
				sinceData = refreshTime.Sub(sub.ActivatedAt)
			}
			h.DataFailing5m = sinceData > windowShort
			h.DataFailing15m = sinceData > windowMedium
			h.DataFailing30m = sinceData > windowLong
		}

		if a.metrics != nil {
			a.metrics.SetInboundFailing(h)
		}
		view = append(view, h)
	}

	a.mu.Lock()
	a.cached = view
	a.mu.Unlock()
	return nil
}

// Run refreshes the view on an interval until the context ends.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Refresh(); err != nil {
				a.logger.Error("health refresh failed", "error", err)
			}
		}
	}
}

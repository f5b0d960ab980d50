// Package registry owns the lifecycle of inbound subscriptions to upstream
// providers: activation, liveness tracking, retry bookkeeping and
// forced-restart signaling. It is the single writer of the subscription and
// health tables in the shared keyed store.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/transitlabs/sirihub/internal/keyed"
	"github.com/transitlabs/sirihub/models"
)

const (
	subPrefix    = "sub:in:"
	healthPrefix = "hlt:in:"

	casRetryLimit = 16
)

// Config for the registry.
type Config struct {
	Logger *slog.Logger
	KV     keyed.Store

	// RetryCeiling is the fail count at which a forced restart is signaled.
	RetryCeiling int

	// AllowedSilenceFactor scales each subscription's heartbeat interval
	// into its permitted silence window.
	AllowedSilenceFactor int

	Now func() time.Time
}

type Registry struct {
	logger        *slog.Logger
	kv            keyed.Store
	retryCeiling  int
	silenceFactor int
	now           func() time.Time

	restartCh chan string
}

// ErrSubscriptionNotFound is returned for operations on unknown ids.
type ErrSubscriptionNotFound struct {
	ID string
}

func (e *ErrSubscriptionNotFound) Error() string {
	return fmt.Sprintf("inbound subscription '%s' not found", e.ID)
}

func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		logger:        logger.WithGroup("registry"),
		kv:            cfg.KV,
		retryCeiling:  cfg.RetryCeiling,
		silenceFactor: cfg.AllowedSilenceFactor,
		now:           now,
		restartCh:     make(chan string, 64),
	}
}

// RestartSignals delivers subscription ids whose fail count crossed the
// retry ceiling. The subscription-renewal collaborator consumes this.
func (r *Registry) RestartSignals() <-chan string {
	return r.restartCh
}

// Register creates a subscription in PENDING. A reused id displaces the
// previous registration (inbound duplicate handling is configuration
// defined; replacement keeps the registry aligned with the latest config
// sync).
func (r *Registry) Register(sub models.InboundSubscription) (models.InboundSubscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.State = models.StatePending

	if _, err := r.Get(sub.ID); err == nil {
		r.logger.Warn("inbound subscription id reused, replacing previous registration", "id", sub.ID)
	}

	if err := r.putSubscription(sub); err != nil {
		return models.InboundSubscription{}, err
	}

	record := models.HealthRecord{SubscriptionID: sub.ID}
	raw, _ := json.Marshal(record)
	if err := r.kv.Set(healthPrefix+sub.ID, string(raw), 0); err != nil {
		return models.InboundSubscription{}, err
	}

	r.logger.Info("inbound subscription registered",
		"id", sub.ID, "dataset", sub.Dataset, "vendor", sub.Vendor, "category", string(sub.Category))
	return sub, nil
}

// Activate moves a subscription to ACTIVE after the upstream handshake
// succeeded, recording first activity.
func (r *Registry) Activate(id string) error {
	err := r.updateSubscription(id, func(sub *models.InboundSubscription) error {
		if sub.State == models.StateTerminated {
			return fmt.Errorf("subscription '%s' is terminated", id)
		}
		sub.State = models.StateActive
		sub.ActivatedAt = r.now()
		sub.RestartRequested = false
		return nil
	})
	if err != nil {
		return err
	}
	return r.Touch(id, true)
}

// Touch records activity on a subscription. A pure heartbeat bumps only
// LastActivity; data receipt bumps LastDataReceived too. Either resets the
// fail counter. Concurrent touches linearize through CAS; timestamps are
// last-writer-wins, the counter reset is never lost.
func (r *Registry) Touch(id string, isHeartbeat bool) error {
	touchTime := r.now()
	err := r.updateHealth(id, func(rec *models.HealthRecord) {
		if touchTime.After(rec.LastActivity) {
			rec.LastActivity = touchTime
		}
		if !isHeartbeat && touchTime.After(rec.LastDataReceived) {
			rec.LastDataReceived = touchTime
		}
		rec.FailCounter = 0
	})
	if err != nil {
		return err
	}

	// Activity recovers an unhealthy subscription.
	return r.updateSubscription(id, func(sub *models.InboundSubscription) error {
		if sub.State == models.StateUnhealthy || sub.State == models.StateActive {
			sub.State = models.StateHealthy
		}
		return nil
	})
}

// TouchDataset records activity for every active subscription feeding a
// dataset/category pair. The ingest boundary calls this per accepted batch.
func (r *Registry) TouchDataset(dataset string, category models.Category, isHeartbeat bool) error {
	subs, err := r.List()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Dataset != dataset || sub.Category != category || !sub.Active() {
			continue
		}
		if err := r.Touch(sub.ID, isHeartbeat); err != nil {
			return err
		}
	}
	return nil
}

// IsHealthy compares the subscription's last data receipt (falling back to
// last activity for heartbeat-only feeds) against the allowed silence. Pure
// read; mutates nothing.
func (r *Registry) IsHealthy(id string, allowedSilence time.Duration) (bool, error) {
	record, err := r.Health(id)
	if err != nil {
		return false, err
	}

	last := record.LastDataReceived
	if last.IsZero() {
		last = record.LastActivity
	}
	if last.IsZero() {
		return false, nil
	}
	return r.now().Sub(last) <= allowedSilence, nil
}

// MarkRetry bumps the fail counter after an upstream failure. Crossing the
// retry ceiling signals a forced restart once; the counter keeps counting so
// a stuck provider does not re-signal on every failure.
func (r *Registry) MarkRetry(id string) error {
	var crossed bool
	err := r.updateHealth(id, func(rec *models.HealthRecord) {
		rec.FailCounter++
		crossed = rec.FailCounter == r.retryCeiling
	})
	if err != nil {
		return err
	}
	if !crossed {
		return nil
	}

	err = r.updateSubscription(id, func(sub *models.InboundSubscription) error {
		sub.RestartRequested = true
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case r.restartCh <- id:
	default:
		r.logger.Warn("restart signal channel full, dropping signal", "id", id)
	}
	r.logger.Info("forced restart requested", "id", id)
	return nil
}

// Terminate is terminal: no further transitions are accepted.
func (r *Registry) Terminate(id string) error {
	return r.updateSubscription(id, func(sub *models.InboundSubscription) error {
		sub.State = models.StateTerminated
		return nil
	})
}

// Remove deletes a subscription and its health record entirely (dataset
// removal).
func (r *Registry) Remove(id string) error {
	if err := r.kv.Delete(subPrefix + id); err != nil {
		return err
	}
	return r.kv.Delete(healthPrefix + id)
}

func (r *Registry) Get(id string) (models.InboundSubscription, error) {
	raw, err := r.kv.Get(subPrefix + id)
	var notFound *keyed.ErrKeyNotFound
	if errors.As(err, &notFound) {
		return models.InboundSubscription{}, &ErrSubscriptionNotFound{ID: id}
	}
	if err != nil {
		return models.InboundSubscription{}, err
	}

	var sub models.InboundSubscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return models.InboundSubscription{}, fmt.Errorf("corrupt subscription record '%s': %w", id, err)
	}
	return sub, nil
}

func (r *Registry) Health(id string) (models.HealthRecord, error) {
	raw, err := r.kv.Get(healthPrefix + id)
	var notFound *keyed.ErrKeyNotFound
	if errors.As(err, &notFound) {
		return models.HealthRecord{}, &ErrSubscriptionNotFound{ID: id}
	}
	if err != nil {
		return models.HealthRecord{}, err
	}

	var record models.HealthRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return models.HealthRecord{}, fmt.Errorf("corrupt health record '%s': %w", id, err)
	}
	return record, nil
}

func (r *Registry) List() ([]models.InboundSubscription, error) {
	keys, err := r.kv.Iterate(subPrefix, 0, 0)
	if err != nil {
		return nil, err
	}

	out := make([]models.InboundSubscription, 0, len(keys))
	for _, key := range keys {
		sub, err := r.Get(strings.TrimPrefix(key, subPrefix))
		if err != nil {
			var notFound *ErrSubscriptionNotFound
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// AllowedSilence is the silence window for one subscription: the configured
// factor times its negotiated heartbeat interval.
func (r *Registry) AllowedSilence(sub models.InboundSubscription) time.Duration {
	interval := sub.HeartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return time.Duration(r.silenceFactor) * interval
}

func (r *Registry) putSubscription(sub models.InboundSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription '%s': %w", sub.ID, err)
	}
	return r.kv.Set(subPrefix+sub.ID, string(raw), 0)
}

func (r *Registry) updateSubscription(id string, mutate func(*models.InboundSubscription) error) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		raw, err := r.kv.Get(subPrefix + id)
		var notFound *keyed.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return &ErrSubscriptionNotFound{ID: id}
		}
		if err != nil {
			return err
		}

		var sub models.InboundSubscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return fmt.Errorf("corrupt subscription record '%s': %w", id, err)
		}
		if err := mutate(&sub); err != nil {
			return err
		}

		next, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("marshal subscription '%s': %w", id, err)
		}
		swapped, err := r.kv.CompareAndSwap(subPrefix+id, raw, string(next), 0)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("subscription '%s' update contended past retry limit", id)
}

func (r *Registry) updateHealth(id string, mutate func(*models.HealthRecord)) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		raw, err := r.kv.Get(healthPrefix + id)
		var notFound *keyed.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return &ErrSubscriptionNotFound{ID: id}
		}
		if err != nil {
			return err
		}

		var record models.HealthRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fmt.Errorf("corrupt health record '%s': %w", id, err)
		}
		mutate(&record)

		next, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal health record '%s': %w", id, err)
		}
		swapped, err := r.kv.CompareAndSwap(healthPrefix+id, raw, string(next), 0)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("health record '%s' update contended past retry limit", id)
}

// RunStateSweep periodically expires subscription durations and flips
// HEALTHY/UNHEALTHY from observed silence.
func (r *Registry) RunStateSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweepOnce(); err != nil {
				r.logger.Error("subscription state sweep failed", "error", err)
			}
		}
	}
}

func (r *Registry) sweepOnce() error {
	subs, err := r.List()
	if err != nil {
		return err
	}

	sweepTime := r.now()
	for _, sub := range subs {
		if !sub.Active() {
			continue
		}

		// Duration expiry terminates.
		if sub.Duration > 0 && !sub.ActivatedAt.IsZero() &&
			sweepTime.After(sub.ActivatedAt.Add(sub.Duration)) {
			if err := r.Terminate(sub.ID); err != nil {
				return err
			}
			r.logger.Info("inbound subscription expired", "id", sub.ID)
			continue
		}

		healthy, err := r.IsHealthy(sub.ID, r.AllowedSilence(sub))
		if err != nil {
			return err
		}

		switch {
		case healthy && sub.State == models.StateUnhealthy:
			if err := r.updateSubscription(sub.ID, func(s *models.InboundSubscription) error {
				if s.State == models.StateUnhealthy {
					s.State = models.StateHealthy
				}
				return nil
			}); err != nil {
				return err
			}
		case !healthy && (sub.State == models.StateHealthy || sub.State == models.StateActive):
			if err := r.updateSubscription(sub.ID, func(s *models.InboundSubscription) error {
				if s.State == models.StateHealthy || s.State == models.StateActive {
					s.State = models.StateUnhealthy
				}
				return nil
			}); err != nil {
				return err
			}
			r.logger.Warn("inbound subscription went unhealthy", "id", sub.ID, "dataset", sub.Dataset)
		}
	}
	return nil
}

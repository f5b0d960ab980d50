// Package store implements the per-category consolidation store: checksum
// based merge/dedup, ttl expiry, and per-consumer change tracking. One Store
// instance owns one category's tables inside the shared keyed store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/transitlabs/sirihub/internal/keyed"
	"github.com/transitlabs/sirihub/internal/metrics"
	"github.com/transitlabs/sirihub/internal/transform"
	"github.com/transitlabs/sirihub/models"
)

// casRetryLimit bounds the per-key merge retry loop under contention.
const casRetryLimit = 8

// Config for one category store.
type Config struct {
	Logger     *slog.Logger
	KV         keyed.Store
	Category   models.Category
	Transforms *transform.Registry
	Metrics    *metrics.Metrics

	// Now is an injectable clock; nil means time.Now.
	Now func() time.Time
}

// Store owns merge, dedup, expiry and change tracking for one category.
type Store struct {
	logger     *slog.Logger
	kv         keyed.Store
	category   models.Category
	transforms *transform.Registry
	metrics    *metrics.Metrics
	now        func() time.Time
}

// entry is the stored envelope for one live object.
type entry struct {
	Dataset     string          `json:"dataset"`
	ObjectID    string          `json:"objectId"`
	Checksum    string          `json:"checksum"`
	LastUpdated time.Time       `json:"lastUpdated"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Payload     json.RawMessage `json:"payload"`
}

func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		logger:     logger.WithGroup("store").With("category", string(cfg.Category)),
		kv:         cfg.KV,
		category:   cfg.Category,
		transforms: cfg.Transforms,
		metrics:    cfg.Metrics,
		now:        now,
	}

	// Passive ttl evictions still have to reach consumers' change sets.
	if ev, ok := cfg.KV.(keyed.Evictor); ok {
		ev.OnEvict(s.onEvict)
	}

	return s
}

func (s *Store) objPrefix(dataset string) string {
	if dataset == "" {
		return fmt.Sprintf("obj:%s:", s.category)
	}
	return fmt.Sprintf("obj:%s:%s:", s.category, dataset)
}

func (s *Store) objKey(dataset, objectID string) string {
	return fmt.Sprintf("obj:%s:%s:%s", s.category, dataset, objectID)
}

func (s *Store) consumerKey(consumerID string) string {
	return fmt.Sprintf("con:%s:%s", s.category, consumerID)
}

func (s *Store) changePrefix(consumerID string) string {
	return fmt.Sprintf("chg:%s:%s:", s.category, consumerID)
}

// Merge runs one candidate batch against the store. Malformed candidates are
// skipped and counted as ignored; only keyed-store unavailability aborts the
// batch.
func (s *Store) Merge(datasetID string, candidates []models.DomainObject) (models.MergeResult, error) {
	var result models.MergeResult
	mergeTime := s.now()

	consumers, err := s.Consumers()
	if err != nil {
		return result, err
	}

	for _, candidate := range candidates {
		if candidate == nil {
			result.Ignored++
			continue
		}
		if candidate.Category() != s.category {
			s.logger.Warn("candidate category mismatch, ignoring",
				"got", string(candidate.Category()))
			result.Ignored++
			continue
		}
		if candidate.DatasetID() != datasetID {
			s.logger.Warn("candidate dataset mismatch, ignoring",
				"got", candidate.DatasetID(), "want", datasetID)
			result.Ignored++
			continue
		}

		pipeline := s.transforms.For(datasetID)
		if pipeline != nil {
			candidate.RewriteRefs(pipeline.Apply)
		}

		objectID := candidate.ObjectID()
		if objectID == "" {
			result.Ignored++
			continue
		}

		outcome, err := s.mergeOne(datasetID, objectID, candidate, mergeTime, consumers)
		if err != nil {
			// Store unavailability is fatal for the batch; everything
			// merged so far stays merged.
			return result, err
		}
		result.Add(outcome)
	}

	if s.metrics != nil {
		s.metrics.RecordMerge(s.category, datasetID, result)
	}
	return result, nil
}

func (s *Store) mergeOne(
	datasetID string,
	objectID string,
	candidate models.DomainObject,
	mergeTime time.Time,
	consumers []string,
) (models.MergeResult, error) {
	var result models.MergeResult
	key := s.objKey(datasetID, objectID)

	// Already-expired candidates are never stored; a stored copy met during
	// the same pass is removed (passive expiry).
	if !candidate.ExpiresAt().After(mergeTime) {
		removed, err := s.removeEntry(key, consumers)
		if err != nil {
			return result, err
		}
		if removed {
			s.logger.Debug("expired entry removed on merge", "key", key)
		}
		result.Expired++
		return result, nil
	}

	checksum := Checksum(candidate)
	payload, err := json.Marshal(candidate)
	if err != nil {
		s.logger.Warn("could not marshal candidate, ignoring", "key", key, "error", err)
		result.Ignored++
		return result, nil
	}

	next, err := json.Marshal(entry{
		Dataset:     datasetID,
		ObjectID:    objectID,
		Checksum:    checksum,
		LastUpdated: mergeTime,
		ExpiresAt:   candidate.ExpiresAt(),
		Payload:     payload,
	})
	if err != nil {
		result.Ignored++
		return result, nil
	}

	ttl := candidate.ExpiresAt().Sub(mergeTime)

	// Per-key CAS loop: merges of the same key linearize against each
	// other, merges of different keys run fully in parallel.
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		current, err := s.kv.Get(key)
		var existing bool
		var notFound *keyed.ErrKeyNotFound
		switch {
		case err == nil:
			existing = true
		case errors.As(err, &notFound):
			existing = false
		default:
			return result, err
		}

		if existing {
			var cur entry
			if err := json.Unmarshal([]byte(current), &cur); err == nil && cur.Checksum == checksum {
				// Idempotent re-delivery: no downstream notification, but
				// the validity window still rolls forward so continuously
				// re-sent data never expires out of the store.
				cur.ExpiresAt = candidate.ExpiresAt()
				refreshed, err := json.Marshal(cur)
				if err != nil {
					result.Ignored++
					return result, nil
				}
				swapped, err := s.kv.CompareAndSwap(key, current, string(refreshed), ttl)
				if err != nil {
					return result, err
				}
				if !swapped {
					continue
				}
				result.Ignored++
				return result, nil
			}
		}

		expect := ""
		if existing {
			expect = current
		}
		swapped, err := s.kv.CompareAndSwap(key, expect, string(next), ttl)
		if err != nil {
			return result, err
		}
		if !swapped {
			continue
		}

		// Inserts and replacements are both accepted changes; updated
		// covers them uniformly so the counters track stored volume.
		result.Accepted++
		result.Updated++
		if err := s.notifyConsumers(consumers, key); err != nil {
			return result, err
		}
		return result, nil
	}

	s.logger.Warn("merge contended past retry limit, ignoring candidate", "key", key)
	result.Ignored++
	return result, nil
}

// notifyConsumers appends the object key to every registered consumer's
// change set. Append-only: it never blocks on, and never conflicts with, a
// concurrent drain.
func (s *Store) notifyConsumers(consumers []string, objKey string) error {
	for _, consumerID := range consumers {
		changeKey := s.changePrefix(consumerID) + objKey
		if err := s.kv.Set(changeKey, objKey, 0); err != nil {
			return err
		}
	}
	return nil
}

// removeEntry deletes a stored object and records the removal in every
// consumer's change set so downstreams see deletions too.
func (s *Store) removeEntry(objKey string, consumers []string) (bool, error) {
	_, err := s.kv.Get(objKey)
	var notFound *keyed.ErrKeyNotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.kv.Delete(objKey); err != nil {
		return false, err
	}
	if err := s.notifyConsumers(consumers, objKey); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) onEvict(key string, _ string) {
	if !strings.HasPrefix(key, s.objPrefix("")) {
		return
	}
	consumers, err := s.Consumers()
	if err != nil {
		s.logger.Error("could not list consumers for eviction notice", "key", key, "error", err)
		return
	}
	if err := s.notifyConsumers(consumers, key); err != nil {
		s.logger.Error("could not record eviction in change sets", "key", key, "error", err)
	}
}

// RegisterConsumer opens a change feed for a consumer. Only merges after
// registration populate it; there is no retroactive backlog.
func (s *Store) RegisterConsumer(consumerID string) error {
	return s.kv.Set(s.consumerKey(consumerID), "1", 0)
}

// UnregisterConsumer closes the feed and discards anything pending.
func (s *Store) UnregisterConsumer(consumerID string) error {
	if err := s.kv.Delete(s.consumerKey(consumerID)); err != nil {
		return err
	}
	_, err := s.kv.Drain(s.changePrefix(consumerID))
	return err
}

// Consumers lists the currently registered change-feed consumers.
func (s *Store) Consumers() ([]string, error) {
	prefix := fmt.Sprintf("con:%s:", s.category)
	keys, err := s.kv.Iterate(prefix, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

// GetSnapshot returns all live, non-expired entries for a dataset (empty
// dataset means all datasets) matching the filter. Read committed: a
// concurrent merge may or may not be visible, but payloads are never torn.
func (s *Store) GetSnapshot(datasetID string, filter models.SubscriptionFilter) ([]models.DomainObject, error) {
	keys, err := s.kv.Iterate(s.objPrefix(datasetID), 0, 0)
	if err != nil {
		return nil, err
	}

	readTime := s.now()
	var out []models.DomainObject
	for _, key := range keys {
		obj, ok, err := s.resolve(key, readTime)
		if err != nil {
			return nil, err
		}
		if ok && matchesFilter(obj, filter) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// GetAndClearChanges drains one consumer's pending change set and resolves
// the keys against current store state, so objects deleted since the change
// was recorded are elided rather than delivered stale.
func (s *Store) GetAndClearChanges(consumerID string, filter models.SubscriptionFilter) ([]models.DomainObject, error) {
	drained, err := s.kv.Drain(s.changePrefix(consumerID))
	if err != nil {
		return nil, err
	}

	readTime := s.now()
	var out []models.DomainObject
	for _, e := range drained {
		obj, ok, err := s.resolve(e.Value, readTime)
		if err != nil {
			return nil, err
		}
		if ok && matchesFilter(obj, filter) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// resolve loads and decodes one stored object, reporting ok=false for absent
// or expired entries.
func (s *Store) resolve(objKey string, readTime time.Time) (models.DomainObject, bool, error) {
	raw, err := s.kv.Get(objKey)
	var notFound *keyed.ErrKeyNotFound
	if errors.As(err, &notFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.logger.Error("corrupt store entry", "key", objKey, "error", err)
		return nil, false, nil
	}
	if !e.ExpiresAt.After(readTime) {
		return nil, false, nil
	}

	obj, err := models.DecodeDomainObject(s.category, e.Payload)
	if err != nil {
		s.logger.Error("could not decode stored payload", "key", objKey, "error", err)
		return nil, false, nil
	}
	return obj, true, nil
}

// Size counts live entries for a dataset (empty means all).
func (s *Store) Size(datasetID string) (int, error) {
	keys, err := s.kv.Iterate(s.objPrefix(datasetID), 0, 0)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// RunSweep removes entries whose validity elapsed without another merge
// touching them, so consumers of silent providers still see removals. The
// keyed store's own ttl eviction usually gets there first; the sweep is the
// backstop after restores and restarts.
func (s *Store) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func (s *Store) sweepOnce() error {
	keys, err := s.kv.Iterate(s.objPrefix(""), 0, 0)
	if err != nil {
		return err
	}

	consumers, err := s.Consumers()
	if err != nil {
		return err
	}

	sweepTime := s.now()
	removed := 0
	for _, key := range keys {
		raw, err := s.kv.Get(key)
		var notFound *keyed.ErrKeyNotFound
		if errors.As(err, &notFound) {
			continue
		}
		if err != nil {
			return err
		}

		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Error("corrupt store entry during sweep, removing", "key", key, "error", err)
			if err := s.kv.Delete(key); err != nil {
				return err
			}
			continue
		}

		if !e.ExpiresAt.After(sweepTime) {
			if _, err := s.removeEntry(key, consumers); err != nil {
				return err
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("expiry sweep removed entries", "count", removed)
	}
	if s.metrics != nil {
		if size, err := s.Size(""); err == nil {
			s.metrics.SetStoreEntries(s.category, size)
		}
	}
	return nil
}

func matchesFilter(obj models.DomainObject, filter models.SubscriptionFilter) bool {
	if filter.Dataset != "" && obj.DatasetID() != filter.Dataset {
		return false
	}
	if len(filter.LineRefs) > 0 && !matchesLine(obj, filter.LineRefs) {
		return false
	}
	if len(filter.StopRefs) > 0 && !matchesStop(obj, filter.StopRefs) {
		return false
	}
	return true
}

func matchesLine(obj models.DomainObject, lineRefs []string) bool {
	switch v := obj.(type) {
	case *models.VehicleActivity:
		return slices.Contains(lineRefs, v.LineRef)
	case *models.EstimatedVehicleJourney:
		return slices.Contains(lineRefs, v.LineRef)
	case *models.MonitoredStopVisit:
		return slices.Contains(lineRefs, v.LineRef)
	case *models.Situation:
		for _, l := range v.AffectedLines {
			if slices.Contains(lineRefs, l) {
				return true
			}
		}
		return false
	}
	// Categories without line scoping pass a line filter untouched.
	return true
}

func matchesStop(obj models.DomainObject, stopRefs []string) bool {
	switch v := obj.(type) {
	case *models.MonitoredStopVisit:
		return slices.Contains(stopRefs, v.MonitoringRef)
	case *models.EstimatedVehicleJourney:
		for _, c := range v.EstimatedCalls {
			if slices.Contains(stopRefs, c.StopPointRef) {
				return true
			}
		}
		return false
	case *models.Situation:
		for _, st := range v.AffectedStops {
			if slices.Contains(stopRefs, st) {
				return true
			}
		}
		return false
	}
	return true
}

// Package delivery runs the outbound side of the hub: push-subscription
// slots, per-slot delta and heartbeat dispatch, and snapshot serving for
// pull consumers. Deliveries are at-most-once; a failed dispatch is counted
// and dropped, never requeued.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/transitlabs/sirihub/internal/keyed"
	"github.com/transitlabs/sirihub/internal/metrics"
	"github.com/transitlabs/sirihub/internal/store"
	"github.com/transitlabs/sirihub/models"
)

const (
	slotPrefix = "sub:out:"
	failPrefix = "hlt:out:"
)

// Dispatcher pushes one delivery to a consumer endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub models.OutboundSubscription, delivery models.Delivery) error
}

type Config struct {
	Logger     *slog.Logger
	KV         keyed.Store
	Stores     map[models.Category]*store.Store
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics

	MinimumHeartbeatInterval time.Duration
	MaximumHeartbeatInterval time.Duration
	DeliveryInterval         time.Duration
	DispatchTimeout          time.Duration

	Now func() time.Time
}

type Engine struct {
	logger     *slog.Logger
	kv         keyed.Store
	stores     map[models.Category]*store.Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics

	minHeartbeat     time.Duration
	maxHeartbeat     time.Duration
	deliveryInterval time.Duration
	dispatchTimeout  time.Duration
	now              func() time.Time

	ctx context.Context

	mu      sync.Mutex
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger:           logger.WithGroup("delivery"),
		kv:               cfg.KV,
		stores:           cfg.Stores,
		dispatcher:       cfg.Dispatcher,
		metrics:          cfg.Metrics,
		minHeartbeat:     cfg.MinimumHeartbeatInterval,
		maxHeartbeat:     cfg.MaximumHeartbeatInterval,
		deliveryInterval: cfg.DeliveryInterval,
		dispatchTimeout:  cfg.DispatchTimeout,
		now:              now,
		workers:          make(map[string]context.CancelFunc),
	}
}

// Start resumes workers for slots that survived a restart and binds the
// engine lifetime to ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx

	keys, err := e.kv.Iterate(slotPrefix, 0, 0)
	if err != nil {
		return err
	}
	for _, key := range keys {
		sub, err := e.slotFromKey(key)
		if err != nil {
			e.logger.Warn("dropping unreadable outbound slot", "key", key, "error", err)
			if derr := e.kv.Delete(key); derr != nil {
				return derr
			}
			continue
		}
		e.startWorker(sub)
	}
	e.refreshGauges()
	return nil
}

// Stop cancels all workers and waits for them to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, cancel := range e.workers {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Subscribe claims the (id, category) slot for the caller. The heartbeat
// interval is clamped to the configured window and echoed back; the response
// carries the negotiated value, not the requested one. A taken slot yields a
// negative response and leaves the existing subscription untouched.
func (e *Engine) Subscribe(req models.SubscribeRequest) (models.SubscribeResponse, error) {
	reject := func(text string) models.SubscribeResponse {
		return models.SubscribeResponse{
			Status:         false,
			SubscriptionID: req.SubscriptionID,
			Category:       req.Category,
			ErrorText:      text,
		}
	}

	if req.SubscriptionID == "" {
		return reject("subscriptionId is required"), nil
	}
	if !req.Category.Valid() {
		return reject(fmt.Sprintf("unknown category '%s'", req.Category)), nil
	}
	if req.ConsumerAddress == "" {
		return reject("consumerAddress is required"), nil
	}
	st, ok := e.stores[req.Category]
	if !ok {
		return reject(fmt.Sprintf("category '%s' is not served by this hub", req.Category)), nil
	}

	sub := models.OutboundSubscription{
		ID:                req.SubscriptionID,
		ConsumerAddress:   req.ConsumerAddress,
		RequestorRef:      req.RequestorRef,
		Category:          req.Category,
		HeartbeatInterval: e.clampHeartbeat(time.Duration(req.HeartbeatInterval)),
		Filter:            req.Filter,
		CreatedAt:         e.now(),
	}

	raw, err := json.Marshal(sub)
	if err != nil {
		return models.SubscribeResponse{}, fmt.Errorf("marshal outbound subscription: %w", err)
	}

	// First writer wins the slot.
	swapped, err := e.kv.CompareAndSwap(slotPrefix+sub.SlotKey(), "", string(raw), 0)
	if err != nil {
		return models.SubscribeResponse{}, err
	}
	if !swapped {
		return reject("subscription id already bound for this category"), nil
	}

	if err := st.RegisterConsumer(sub.ID); err != nil {
		return models.SubscribeResponse{}, err
	}

	e.startWorker(sub)
	e.refreshGauges()

	e.logger.Info("outbound subscription created",
		"id", sub.ID, "category", string(sub.Category),
		"heartbeat", sub.HeartbeatInterval.String(), "consumer", sub.ConsumerAddress)

	return models.SubscribeResponse{
		Status:            true,
		SubscriptionID:    sub.ID,
		Category:          sub.Category,
		HeartbeatInterval: models.Duration(sub.HeartbeatInterval),
	}, nil
}

// Terminate removes one slot, or every slot held by the id when All is set.
// Terminating an unknown slot is not an error.
func (e *Engine) Terminate(req models.TerminateRequest) (models.TerminateResponse, error) {
	var slots []models.OutboundSubscription

	if req.All {
		all, err := e.List()
		if err != nil {
			return models.TerminateResponse{}, err
		}
		for _, sub := range all {
			if sub.ID == req.SubscriptionID {
				slots = append(slots, sub)
			}
		}
	} else {
		sub, err := e.getSlot(req.SubscriptionID, req.Category)
		if err == nil {
			slots = append(slots, sub)
		} else if _, ok := err.(*ErrSlotNotFound); !ok {
			return models.TerminateResponse{}, err
		}
	}

	for _, sub := range slots {
		if err := e.removeSlot(sub); err != nil {
			return models.TerminateResponse{}, err
		}
	}
	e.refreshGauges()

	return models.TerminateResponse{Status: true, Removed: len(slots)}, nil
}

// Snapshot serves the full current state of one category for pull consumers.
func (e *Engine) Snapshot(category models.Category, dataset string, filter models.SubscriptionFilter) (models.Snapshot, error) {
	st, ok := e.stores[category]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("category '%s' is not served by this hub", category)
	}
	filter.Dataset = dataset
	objects, err := st.GetSnapshot(dataset, filter)
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{
		Category:  category,
		Dataset:   dataset,
		Timestamp: e.now(),
		Objects:   objects,
	}, nil
}

// List returns every live outbound subscription.
func (e *Engine) List() ([]models.OutboundSubscription, error) {
	keys, err := e.kv.Iterate(slotPrefix, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.OutboundSubscription, 0, len(keys))
	for _, key := range keys {
		sub, err := e.slotFromKey(key)
		if err != nil {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// FailCount reads the dispatch failure counter for one slot.
func (e *Engine) FailCount(sub models.OutboundSubscription) int {
	raw, err := e.kv.Get(failPrefix + sub.SlotKey())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

func (e *Engine) clampHeartbeat(requested time.Duration) time.Duration {
	if requested < e.minHeartbeat {
		return e.minHeartbeat
	}
	if requested > e.maxHeartbeat {
		return e.maxHeartbeat
	}
	return requested
}

func (e *Engine) getSlot(id string, category models.Category) (models.OutboundSubscription, error) {
	slotKey := id + ":" + string(category)
	raw, err := e.kv.Get(slotPrefix + slotKey)
	if err != nil {
		return models.OutboundSubscription{}, &ErrSlotNotFound{SlotKey: slotKey}
	}
	var sub models.OutboundSubscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return models.OutboundSubscription{}, fmt.Errorf("corrupt outbound slot '%s': %w", slotKey, err)
	}
	return sub, nil
}

func (e *Engine) slotFromKey(key string) (models.OutboundSubscription, error) {
	raw, err := e.kv.Get(key)
	if err != nil {
		return models.OutboundSubscription{}, err
	}
	var sub models.OutboundSubscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return models.OutboundSubscription{}, fmt.Errorf("corrupt outbound slot '%s': %w",
			strings.TrimPrefix(key, slotPrefix), err)
	}
	return sub, nil
}

func (e *Engine) removeSlot(sub models.OutboundSubscription) error {
	e.stopWorker(sub.SlotKey())

	if err := e.kv.Delete(slotPrefix + sub.SlotKey()); err != nil {
		if _, ok := err.(*keyed.ErrKeyNotFound); !ok {
			return err
		}
	}
	if err := e.kv.Delete(failPrefix + sub.SlotKey()); err != nil {
		if _, ok := err.(*keyed.ErrKeyNotFound); !ok {
			return err
		}
	}

	if st, ok := e.stores[sub.Category]; ok {
		if err := st.UnregisterConsumer(sub.ID); err != nil {
			return err
		}
	}

	e.logger.Info("outbound subscription removed", "id", sub.ID, "category", string(sub.Category))
	return nil
}

func (e *Engine) refreshGauges() {
	if e.metrics == nil {
		return
	}
	subs, err := e.List()
	if err != nil {
		return
	}
	counts := make(map[models.Category]int)
	for _, sub := range subs {
		counts[sub.Category]++
	}
	for category := range e.stores {
		e.metrics.SetOutboundActive(category, counts[category])
	}
}

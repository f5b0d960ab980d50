package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/transitlabs/sirihub/models"
)

func (e *Engine) startWorker(sub models.OutboundSubscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, exists := e.workers[sub.SlotKey()]; exists {
		cancel()
	}

	parent := e.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	e.workers[sub.SlotKey()] = cancel

	e.wg.Add(1)
	go e.runWorker(ctx, sub)
}

func (e *Engine) stopWorker(slotKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, exists := e.workers[slotKey]; exists {
		cancel()
		delete(e.workers, slotKey)
	}
}

// runWorker is the per-slot dispatch loop: deltas on the shared delivery
// interval, heartbeats on the slot's negotiated interval. Heartbeats fire on
// their own clock regardless of data activity, so consumers can tell "no
// change" from "link down".
func (e *Engine) runWorker(ctx context.Context, sub models.OutboundSubscription) {
	defer e.wg.Done()

	logger := e.logger.With("id", sub.ID, "category", string(sub.Category))

	deltaTicker := time.NewTicker(e.deliveryInterval)
	defer deltaTicker.Stop()
	heartbeatTicker := time.NewTicker(sub.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deltaTicker.C:
			if _, err := e.dispatchDelta(sub); err != nil {
				logger.Warn("delta dispatch failed", "error", err)
				e.recordFailure(sub)
			}
		case <-heartbeatTicker.C:
			if err := e.dispatchHeartbeat(sub); err != nil {
				logger.Warn("heartbeat dispatch failed", "error", err)
				e.recordFailure(sub)
			}
		}
	}
}

// dispatchDelta drains the slot's change set and pushes it. The drain
// happens before the dispatch, so a failed push loses that delta; the
// objects reappear only if they change again.
func (e *Engine) dispatchDelta(sub models.OutboundSubscription) (bool, error) {
	st, ok := e.stores[sub.Category]
	if !ok {
		return false, nil
	}

	objects, err := st.GetAndClearChanges(sub.ID, sub.Filter)
	if err != nil {
		return false, err
	}
	if len(objects) == 0 {
		return false, nil
	}

	delivery := models.Delivery{
		Kind:           models.DeliveryDelta,
		SubscriptionID: sub.ID,
		RequestorRef:   sub.RequestorRef,
		Category:       sub.Category,
		Timestamp:      e.now(),
		Objects:        objects,
	}
	if err := e.dispatch(sub, delivery); err != nil {
		return false, err
	}
	if e.metrics != nil {
		e.metrics.RecordDispatch(sub.Category, models.DeliveryDelta)
	}
	return true, nil
}

func (e *Engine) dispatchHeartbeat(sub models.OutboundSubscription) error {
	delivery := models.Delivery{
		Kind:           models.DeliveryHeartbeat,
		SubscriptionID: sub.ID,
		RequestorRef:   sub.RequestorRef,
		Category:       sub.Category,
		Timestamp:      e.now(),
	}
	if err := e.dispatch(sub, delivery); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordDispatch(sub.Category, models.DeliveryHeartbeat)
	}
	return nil
}

// dispatch bounds one outbound call by the configured timeout. The context
// deliberately does not derive from the worker: terminating a slot lets an
// in-flight delivery run to completion and discards its result.
func (e *Engine) dispatch(sub models.OutboundSubscription, delivery models.Delivery) error {
	dispatchCtx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
	defer cancel()
	return e.dispatcher.Dispatch(dispatchCtx, sub, delivery)
}

func (e *Engine) recordFailure(sub models.OutboundSubscription) {
	if e.metrics != nil {
		e.metrics.RecordDispatchFailure(sub.Category)
	}

	key := failPrefix + sub.SlotKey()
	for attempt := 0; attempt < 8; attempt++ {
		raw, err := e.kv.Get(key)
		if err != nil {
			raw = ""
		}
		n := 0
		if raw != "" {
			n, _ = strconv.Atoi(raw)
		}
		swapped, err := e.kv.CompareAndSwap(key, raw, strconv.Itoa(n+1), 0)
		if err != nil || swapped {
			return
		}
	}
}

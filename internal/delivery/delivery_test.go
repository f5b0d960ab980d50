package delivery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/transitlabs/sirihub/internal/keyed"
	"github.com/transitlabs/sirihub/internal/store"
	"github.com/transitlabs/sirihub/models"
)

// fakeDispatcher records dispatches and can be told to fail.
type fakeDispatcher struct {
	mu         sync.Mutex
	deliveries []models.Delivery
	failing    bool
	notify     chan models.Delivery
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{notify: make(chan models.Delivery, 64)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ models.OutboundSubscription, d models.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("consumer unreachable")
	}
	f.deliveries = append(f.deliveries, d)
	select {
	case f.notify <- d:
	default:
	}
	return nil
}

func (f *fakeDispatcher) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeDispatcher) await(t *testing.T, kind models.DeliveryKind, timeout time.Duration) models.Delivery {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case d := <-f.notify:
			if d.Kind == kind {
				return d
			}
		case <-deadline:
			t.Fatalf("no %s delivery within %s", kind, timeout)
			return models.Delivery{}
		}
	}
}

type testEngine struct {
	kv         *keyed.Local
	store      *store.Store
	engine     *Engine
	dispatcher *fakeDispatcher
	cancel     context.CancelFunc
}

func createTestEngine(t *testing.T) *testEngine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	kv := keyed.NewLocal(keyed.Config{Logger: logger, AppCtx: ctx})

	vmStore := store.New(store.Config{
		Logger:   logger,
		KV:       kv,
		Category: models.CategoryVehicleMonitoring,
	})
	sxStore := store.New(store.Config{
		Logger:   logger,
		KV:       kv,
		Category: models.CategorySituationExchange,
	})

	dispatcher := newFakeDispatcher()
	engine := New(Config{
		Logger: logger,
		KV:     kv,
		Stores: map[models.Category]*store.Store{
			models.CategoryVehicleMonitoring: vmStore,
			models.CategorySituationExchange: sxStore,
		},
		Dispatcher:               dispatcher,
		MinimumHeartbeatInterval: 50 * time.Millisecond,
		MaximumHeartbeatInterval: 300 * time.Millisecond,
		DeliveryInterval:         20 * time.Millisecond,
		DispatchTimeout:          time.Second,
	})
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	t.Cleanup(func() {
		cancel()
		engine.Stop()
		kv.Close()
	})

	return &testEngine{kv: kv, store: vmStore, engine: engine, dispatcher: dispatcher, cancel: cancel}
}

func subscribeRequest(id string, heartbeat time.Duration) models.SubscribeRequest {
	return models.SubscribeRequest{
		SubscriptionID:    id,
		Category:          models.CategoryVehicleMonitoring,
		ConsumerAddress:   "http://consumer.example/" + id,
		HeartbeatInterval: models.Duration(heartbeat),
	}
}

func TestEngine_Subscribe(t *testing.T) {
	te := createTestEngine(t)

	t.Run("Heartbeat below minimum is clamped up", func(t *testing.T) {
		resp, err := te.engine.Subscribe(subscribeRequest("sub-low", 10*time.Millisecond))
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if !resp.Status {
			t.Fatalf("Subscribe() refused: %s", resp.ErrorText)
		}
		if time.Duration(resp.HeartbeatInterval) != 50*time.Millisecond {
			t.Errorf("negotiated heartbeat = %s, want 50ms", time.Duration(resp.HeartbeatInterval))
		}
	})

	t.Run("Heartbeat above maximum is clamped down", func(t *testing.T) {
		resp, err := te.engine.Subscribe(subscribeRequest("sub-high", time.Hour))
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if time.Duration(resp.HeartbeatInterval) != 300*time.Millisecond {
			t.Errorf("negotiated heartbeat = %s, want 300ms", time.Duration(resp.HeartbeatInterval))
		}
	})

	t.Run("Occupied slot refuses the second writer", func(t *testing.T) {
		first, err := te.engine.Subscribe(subscribeRequest("sub-dup", 100*time.Millisecond))
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if !first.Status {
			t.Fatalf("first Subscribe() refused: %s", first.ErrorText)
		}

		second := subscribeRequest("sub-dup", 100*time.Millisecond)
		second.ConsumerAddress = "http://rival.example/"
		resp, err := te.engine.Subscribe(second)
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if resp.Status {
			t.Error("second Subscribe() on occupied slot succeeded, want refusal")
		}

		// The original binding survives the losing attempt.
		sub, err := te.engine.getSlot("sub-dup", models.CategoryVehicleMonitoring)
		if err != nil {
			t.Fatalf("getSlot() error = %v", err)
		}
		if sub.ConsumerAddress != "http://consumer.example/sub-dup" {
			t.Errorf("slot consumer = %s, original should win", sub.ConsumerAddress)
		}
	})

	t.Run("Same id coexists across categories", func(t *testing.T) {
		vm := subscribeRequest("sub-multi", 100*time.Millisecond)
		sx := subscribeRequest("sub-multi", 100*time.Millisecond)
		sx.Category = models.CategorySituationExchange

		for _, req := range []models.SubscribeRequest{vm, sx} {
			resp, err := te.engine.Subscribe(req)
			if err != nil {
				t.Fatalf("Subscribe(%s) error = %v", req.Category, err)
			}
			if !resp.Status {
				t.Fatalf("Subscribe(%s) refused: %s", req.Category, resp.ErrorText)
			}
		}

		// Each (id, category) pair is an independent slot.
		repeat, err := te.engine.Subscribe(sx)
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if repeat.Status {
			t.Error("repeat Subscribe() on occupied category slot succeeded, want refusal")
		}

		resp, err := te.engine.Terminate(models.TerminateRequest{SubscriptionID: "sub-multi", All: true})
		if err != nil {
			t.Fatalf("Terminate() error = %v", err)
		}
		if resp.Removed != 2 {
			t.Errorf("Terminate(all) removed = %d, want both category slots", resp.Removed)
		}
	})

	t.Run("Missing fields are refused not errored", func(t *testing.T) {
		resp, err := te.engine.Subscribe(models.SubscribeRequest{Category: models.CategoryVehicleMonitoring})
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if resp.Status {
			t.Error("Subscribe() without id succeeded, want refusal")
		}
	})
}

func TestEngine_Terminate(t *testing.T) {
	te := createTestEngine(t)

	if _, err := te.engine.Subscribe(subscribeRequest("sub-1", 100*time.Millisecond)); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	t.Run("Removes the slot and its consumer registration", func(t *testing.T) {
		resp, err := te.engine.Terminate(models.TerminateRequest{
			SubscriptionID: "sub-1",
			Category:       models.CategoryVehicleMonitoring,
		})
		if err != nil {
			t.Fatalf("Terminate() error = %v", err)
		}
		if !resp.Status || resp.Removed != 1 {
			t.Errorf("Terminate() = %+v, want 1 removed", resp)
		}

		consumers, err := te.store.Consumers()
		if err != nil {
			t.Fatalf("Consumers() error = %v", err)
		}
		if len(consumers) != 0 {
			t.Errorf("consumers after terminate = %v, want none", consumers)
		}
	})

	t.Run("Unknown slot is idempotent", func(t *testing.T) {
		resp, err := te.engine.Terminate(models.TerminateRequest{
			SubscriptionID: "sub-1",
			Category:       models.CategoryVehicleMonitoring,
		})
		if err != nil {
			t.Fatalf("Terminate() error = %v", err)
		}
		if !resp.Status || resp.Removed != 0 {
			t.Errorf("repeat Terminate() = %+v, want status true and 0 removed", resp)
		}
	})

	t.Run("All removes every slot for the id", func(t *testing.T) {
		if _, err := te.engine.Subscribe(subscribeRequest("sub-all", 100*time.Millisecond)); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		resp, err := te.engine.Terminate(models.TerminateRequest{SubscriptionID: "sub-all", All: true})
		if err != nil {
			t.Fatalf("Terminate() error = %v", err)
		}
		if resp.Removed != 1 {
			t.Errorf("Terminate(all) removed = %d, want 1", resp.Removed)
		}
	})
}

func TestEngine_Dispatch(t *testing.T) {
	te := createTestEngine(t)

	resp, err := te.engine.Subscribe(subscribeRequest("sub-1", 100*time.Millisecond))
	if err != nil || !resp.Status {
		t.Fatalf("Subscribe() failed: err=%v resp=%+v", err, resp)
	}

	validUntil := time.Now().Add(time.Hour)

	t.Run("Merged changes arrive as a delta", func(t *testing.T) {
		if _, err := te.store.Merge("ds1", []models.DomainObject{
			&models.VehicleActivity{
				Dataset:        "ds1",
				VehicleRef:     "veh-1",
				LineRef:        "L1",
				Monitored:      true,
				ValidUntilTime: validUntil,
			},
		}); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}

		d := te.dispatcher.await(t, models.DeliveryDelta, 2*time.Second)
		if d.SubscriptionID != "sub-1" || len(d.Objects) != 1 {
			t.Errorf("delta = %+v, want 1 object for sub-1", d)
		}
	})

	t.Run("Quiet periods produce heartbeats", func(t *testing.T) {
		d := te.dispatcher.await(t, models.DeliveryHeartbeat, 2*time.Second)
		if d.SubscriptionID != "sub-1" {
			t.Errorf("heartbeat for %s, want sub-1", d.SubscriptionID)
		}
		if len(d.Objects) != 0 {
			t.Errorf("heartbeat carried %d objects, want none", len(d.Objects))
		}
	})

	t.Run("Failed dispatch is counted and never requeued", func(t *testing.T) {
		te.dispatcher.setFailing(true)

		if _, err := te.store.Merge("ds1", []models.DomainObject{
			&models.VehicleActivity{
				Dataset:        "ds1",
				VehicleRef:     "veh-2",
				LineRef:        "L2",
				Monitored:      true,
				ValidUntilTime: validUntil,
			},
		}); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}

		// Give the worker time to attempt and drop the delta.
		deadline := time.Now().Add(2 * time.Second)
		var sub models.OutboundSubscription
		for time.Now().Before(deadline) {
			sub, err = te.engine.getSlot("sub-1", models.CategoryVehicleMonitoring)
			if err != nil {
				t.Fatalf("getSlot() error = %v", err)
			}
			if te.engine.FailCount(sub) > 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if te.engine.FailCount(sub) == 0 {
			t.Fatal("fail counter never incremented")
		}

		te.dispatcher.setFailing(false)

		// The lost delta must not reappear; the next delta waits for a new
		// change.
		select {
		case d := <-te.dispatcher.notify:
			if d.Kind == models.DeliveryDelta {
				t.Errorf("dropped delta was redelivered: %+v", d)
			}
		case <-time.After(300 * time.Millisecond):
		}
	})
}

// blockingDispatcher holds one dispatch open until released and reports the
// context state seen at release time.
type blockingDispatcher struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, _ models.OutboundSubscription, _ models.Delivery) error {
	b.entered <- struct{}{}
	<-b.release
	b.ctxErr <- ctx.Err()
	return nil
}

func TestEngine_TerminateLetsInflightDispatchFinish(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	ctx, cancel := context.WithCancel(context.Background())
	kv := keyed.NewLocal(keyed.Config{Logger: logger, AppCtx: ctx})

	vmStore := store.New(store.Config{
		Logger:   logger,
		KV:       kv,
		Category: models.CategoryVehicleMonitoring,
	})

	dispatcher := &blockingDispatcher{
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 4),
	}
	engine := New(Config{
		Logger: logger,
		KV:     kv,
		Stores: map[models.Category]*store.Store{
			models.CategoryVehicleMonitoring: vmStore,
		},
		Dispatcher:               dispatcher,
		MinimumHeartbeatInterval: 10 * time.Second,
		MaximumHeartbeatInterval: time.Minute,
		DeliveryInterval:         20 * time.Millisecond,
		DispatchTimeout:          10 * time.Second,
	})
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		engine.Stop()
		kv.Close()
	})

	resp, err := engine.Subscribe(subscribeRequest("sub-1", time.Minute))
	if err != nil || !resp.Status {
		t.Fatalf("Subscribe() failed: err=%v resp=%+v", err, resp)
	}

	if _, err := vmStore.Merge("ds1", []models.DomainObject{
		&models.VehicleActivity{
			Dataset:        "ds1",
			VehicleRef:     "veh-1",
			LineRef:        "L1",
			Monitored:      true,
			RecordedAtTime: time.Now(),
			ValidUntilTime: time.Now().Add(time.Hour),
		},
	}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	select {
	case <-dispatcher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch started")
	}

	// Terminate while the dispatch is still on the wire.
	if _, err := engine.Terminate(models.TerminateRequest{
		SubscriptionID: "sub-1",
		Category:       models.CategoryVehicleMonitoring,
	}); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	close(dispatcher.release)
	select {
	case ctxErr := <-dispatcher.ctxErr:
		if ctxErr != nil {
			t.Errorf("in-flight dispatch context = %v, want it to complete undisturbed", ctxErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never completed")
	}
}

func TestEngine_HeartbeatsKeepOwnClock(t *testing.T) {
	te := createTestEngine(t)

	resp, err := te.engine.Subscribe(subscribeRequest("sub-1", 100*time.Millisecond))
	if err != nil || !resp.Status {
		t.Fatalf("Subscribe() failed: err=%v resp=%+v", err, resp)
	}

	// Keep deltas flowing faster than the heartbeat interval; the heartbeat
	// must still arrive on its own schedule.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		delay := 0
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				delay++
				te.store.Merge("ds1", []models.DomainObject{
					&models.VehicleActivity{
						Dataset:        "ds1",
						VehicleRef:     "veh-1",
						LineRef:        "L1",
						DelaySeconds:   delay,
						Monitored:      true,
						RecordedAtTime: time.Now(),
						ValidUntilTime: time.Now().Add(time.Hour),
					},
				})
			}
		}
	}()

	te.dispatcher.await(t, models.DeliveryHeartbeat, time.Second)
}

package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/transitlabs/sirihub/internal/keyed"
	"github.com/transitlabs/sirihub/models"
)

type testRegistry struct {
	kv  *keyed.Local
	reg *Registry
	now time.Time
}

func createTestRegistry(t *testing.T) *testRegistry {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	kv := keyed.NewLocal(keyed.Config{Logger: logger, AppCtx: context.Background()})
	t.Cleanup(func() { kv.Close() })

	tr := &testRegistry{kv: kv, now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	tr.reg = New(Config{
		Logger:               logger,
		KV:                   kv,
		RetryCeiling:         3,
		AllowedSilenceFactor: 3,
		Now:                  func() time.Time { return tr.now },
	})
	return tr
}

func upstream(id string) models.InboundSubscription {
	return models.InboundSubscription{
		ID:                id,
		Dataset:           "ds1",
		Vendor:            "vendorA",
		Category:          models.CategoryVehicleMonitoring,
		Mode:              models.ModeSubscribe,
		HeartbeatInterval: time.Minute,
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	tr := createTestRegistry(t)

	t.Run("Register starts pending", func(t *testing.T) {
		sub, err := tr.reg.Register(upstream("in-1"))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if sub.State != models.StatePending {
			t.Errorf("Register() state = %s, want PENDING", sub.State)
		}
	})

	t.Run("Register without id assigns one", func(t *testing.T) {
		sub, err := tr.reg.Register(upstream(""))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if sub.ID == "" {
			t.Error("Register() left id empty")
		}
	})

	t.Run("Activate moves to active and records activity", func(t *testing.T) {
		if err := tr.reg.Activate("in-1"); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}
		sub, err := tr.reg.Get("in-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		// The activation touch immediately promotes to HEALTHY.
		if sub.State != models.StateHealthy {
			t.Errorf("state after Activate() = %s, want HEALTHY", sub.State)
		}
		if !sub.ActivatedAt.Equal(tr.now) {
			t.Errorf("ActivatedAt = %v, want %v", sub.ActivatedAt, tr.now)
		}
	})

	t.Run("Terminate is terminal", func(t *testing.T) {
		if err := tr.reg.Terminate("in-1"); err != nil {
			t.Fatalf("Terminate() error = %v", err)
		}
		if err := tr.reg.Touch("in-1", false); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		sub, _ := tr.reg.Get("in-1")
		if sub.State != models.StateTerminated {
			t.Errorf("state after Touch() on terminated = %s, want TERMINATED", sub.State)
		}

		if err := tr.reg.Activate("in-1"); err == nil {
			t.Error("Activate() on terminated subscription expected error, got nil")
		}
	})

	t.Run("Duplicate id replaces previous registration", func(t *testing.T) {
		first := upstream("in-dup")
		first.Vendor = "vendorA"
		if _, err := tr.reg.Register(first); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		second := upstream("in-dup")
		second.Vendor = "vendorB"
		if _, err := tr.reg.Register(second); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		sub, err := tr.reg.Get("in-dup")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if sub.Vendor != "vendorB" {
			t.Errorf("Vendor after re-registration = %s, want vendorB", sub.Vendor)
		}
		if sub.State != models.StatePending {
			t.Errorf("state after re-registration = %s, want PENDING", sub.State)
		}
	})

	t.Run("Unknown id yields typed error", func(t *testing.T) {
		_, err := tr.reg.Get("nope")
		var notFound *ErrSubscriptionNotFound
		if !errors.As(err, &notFound) {
			t.Errorf("Get() expected ErrSubscriptionNotFound, got %v", err)
		}
	})
}

func TestRegistry_Liveness(t *testing.T) {
	tr := createTestRegistry(t)

	sub, err := tr.reg.Register(upstream("in-1"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := tr.reg.Activate(sub.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	allowed := tr.reg.AllowedSilence(sub) // 3 * 1m

	t.Run("Fresh activity is healthy", func(t *testing.T) {
		healthy, err := tr.reg.IsHealthy(sub.ID, allowed)
		if err != nil {
			t.Fatalf("IsHealthy() error = %v", err)
		}
		if !healthy {
			t.Error("IsHealthy() right after activation = false, want true")
		}
	})

	t.Run("Silence past the window is unhealthy", func(t *testing.T) {
		tr.now = tr.now.Add(4 * time.Minute)
		healthy, err := tr.reg.IsHealthy(sub.ID, allowed)
		if err != nil {
			t.Fatalf("IsHealthy() error = %v", err)
		}
		if healthy {
			t.Error("IsHealthy() after 4m silence = true, want false")
		}
	})

	t.Run("Sweep flips to unhealthy and back", func(t *testing.T) {
		if err := tr.reg.sweepOnce(); err != nil {
			t.Fatalf("sweepOnce() error = %v", err)
		}
		got, _ := tr.reg.Get(sub.ID)
		if got.State != models.StateUnhealthy {
			t.Errorf("state after silent sweep = %s, want UNHEALTHY", got.State)
		}

		if err := tr.reg.Touch(sub.ID, false); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		got, _ = tr.reg.Get(sub.ID)
		if got.State != models.StateHealthy {
			t.Errorf("state after data touch = %s, want HEALTHY", got.State)
		}
	})

	t.Run("Heartbeat touch does not move data receipt", func(t *testing.T) {
		before, err := tr.reg.Health(sub.ID)
		if err != nil {
			t.Fatalf("Health() error = %v", err)
		}

		tr.now = tr.now.Add(time.Minute)
		if err := tr.reg.Touch(sub.ID, true); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}

		after, err := tr.reg.Health(sub.ID)
		if err != nil {
			t.Fatalf("Health() error = %v", err)
		}
		if !after.LastDataReceived.Equal(before.LastDataReceived) {
			t.Error("heartbeat touch moved LastDataReceived")
		}
		if !after.LastActivity.After(before.LastActivity) {
			t.Error("heartbeat touch did not move LastActivity")
		}
	})

	t.Run("Duration expiry terminates", func(t *testing.T) {
		limited := upstream("in-limited")
		limited.Duration = 10 * time.Minute
		if _, err := tr.reg.Register(limited); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := tr.reg.Activate("in-limited"); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		tr.now = tr.now.Add(11 * time.Minute)
		if err := tr.reg.sweepOnce(); err != nil {
			t.Fatalf("sweepOnce() error = %v", err)
		}
		got, _ := tr.reg.Get("in-limited")
		if got.State != models.StateTerminated {
			t.Errorf("state after duration expiry = %s, want TERMINATED", got.State)
		}
	})
}

func TestRegistry_RetryCeiling(t *testing.T) {
	tr := createTestRegistry(t)

	sub, err := tr.reg.Register(upstream("in-1"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := tr.reg.Activate(sub.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	t.Run("Failures below the ceiling stay quiet", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := tr.reg.MarkRetry(sub.ID); err != nil {
				t.Fatalf("MarkRetry() error = %v", err)
			}
		}
		select {
		case id := <-tr.reg.RestartSignals():
			t.Errorf("unexpected restart signal for %s below ceiling", id)
		default:
		}
	})

	t.Run("Crossing the ceiling signals once", func(t *testing.T) {
		if err := tr.reg.MarkRetry(sub.ID); err != nil {
			t.Fatalf("MarkRetry() error = %v", err)
		}

		select {
		case id := <-tr.reg.RestartSignals():
			if id != sub.ID {
				t.Errorf("restart signal for %s, want %s", id, sub.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("expected restart signal at ceiling")
		}

		got, _ := tr.reg.Get(sub.ID)
		if !got.RestartRequested {
			t.Error("RestartRequested not set after crossing ceiling")
		}

		// Further failures do not re-signal.
		if err := tr.reg.MarkRetry(sub.ID); err != nil {
			t.Fatalf("MarkRetry() error = %v", err)
		}
		select {
		case <-tr.reg.RestartSignals():
			t.Error("restart signaled again past the ceiling")
		default:
		}
	})

	t.Run("Successful touch resets the counter", func(t *testing.T) {
		if err := tr.reg.Touch(sub.ID, false); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
		record, err := tr.reg.Health(sub.ID)
		if err != nil {
			t.Fatalf("Health() error = %v", err)
		}
		if record.FailCounter != 0 {
			t.Errorf("FailCounter after touch = %d, want 0", record.FailCounter)
		}
	})
}

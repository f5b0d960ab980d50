package keyed

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"
)

func createTestLocal(ctx context.Context) *Local {
	return NewLocal(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError,
		})),
		AppCtx: ctx,
	})
}

func TestLocal_GetSetDelete(t *testing.T) {
	l := createTestLocal(context.Background())
	defer l.Close()

	t.Run("Set and Get basic value", func(t *testing.T) {
		if err := l.Set("testKey1", "testValue1", 0); err != nil {
			t.Errorf("Set() error = %v, wantErr nil", err)
		}

		got, err := l.Get("testKey1")
		if err != nil {
			t.Errorf("Get() error = %v, wantErr nil", err)
		}
		if got != "testValue1" {
			t.Errorf("Get() got = %v, want testValue1", got)
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := l.Get("nonExistentKey")
		if err == nil {
			t.Fatalf("Get() expected error for non-existent key, got nil")
		}
		var keyNotFound *ErrKeyNotFound
		if !errors.As(err, &keyNotFound) {
			t.Errorf("Get() expected ErrKeyNotFound, got %T", err)
		}
		if keyNotFound.Key != "nonExistentKey" {
			t.Errorf("ErrKeyNotFound.Key got = %s, want nonExistentKey", keyNotFound.Key)
		}
	})

	t.Run("Delete existing key", func(t *testing.T) {
		if err := l.Set("toBeDeleted", "v", 0); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}
		if err := l.Delete("toBeDeleted"); err != nil {
			t.Errorf("Delete() error = %v, wantErr nil", err)
		}
		_, err := l.Get("toBeDeleted")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Get() after Delete expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete non-existent key", func(t *testing.T) {
		if err := l.Delete("nonExistentKeyForDelete"); err != nil {
			t.Errorf("Delete() of non-existent key error = %v, wantErr nil", err)
		}
	})
}

func TestLocal_CompareAndSwap(t *testing.T) {
	l := createTestLocal(context.Background())
	defer l.Close()

	t.Run("Create if absent", func(t *testing.T) {
		swapped, err := l.CompareAndSwap("casKey", "", "first", 0)
		if err != nil {
			t.Fatalf("CompareAndSwap() error = %v", err)
		}
		if !swapped {
			t.Errorf("CompareAndSwap() with empty expect on absent key should swap")
		}
	})

	t.Run("Create if absent fails when present", func(t *testing.T) {
		swapped, err := l.CompareAndSwap("casKey", "", "second", 0)
		if err != nil {
			t.Fatalf("CompareAndSwap() error = %v", err)
		}
		if swapped {
			t.Errorf("CompareAndSwap() with empty expect on present key should not swap")
		}
	})

	t.Run("Swap on matching expectation", func(t *testing.T) {
		swapped, err := l.CompareAndSwap("casKey", "first", "second", 0)
		if err != nil {
			t.Fatalf("CompareAndSwap() error = %v", err)
		}
		if !swapped {
			t.Errorf("CompareAndSwap() with matching expect should swap")
		}
		got, _ := l.Get("casKey")
		if got != "second" {
			t.Errorf("Get() got = %v, want second", got)
		}
	})

	t.Run("No swap on stale expectation", func(t *testing.T) {
		swapped, err := l.CompareAndSwap("casKey", "first", "third", 0)
		if err != nil {
			t.Fatalf("CompareAndSwap() error = %v", err)
		}
		if swapped {
			t.Errorf("CompareAndSwap() with stale expect should not swap")
		}
	})

	t.Run("Concurrent counter increments are never lost", func(t *testing.T) {
		if err := l.Set("counter", "0", 0); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					current, err := l.Get("counter")
					if err != nil {
						t.Errorf("Get() error = %v", err)
						return
					}
					n, _ := strconv.Atoi(current)
					swapped, err := l.CompareAndSwap("counter", current, strconv.Itoa(n+1), 0)
					if err != nil {
						t.Errorf("CompareAndSwap() error = %v", err)
						return
					}
					if swapped {
						return
					}
				}
			}()
		}
		wg.Wait()

		got, _ := l.Get("counter")
		if got != "8" {
			t.Errorf("counter got = %q, want \"8\"", got)
		}
	})
}

func TestLocal_Iterate(t *testing.T) {
	l := createTestLocal(context.Background())
	defer l.Close()

	keys := []string{"it:b", "it:a", "it:c", "other:x"}
	for _, k := range keys {
		if err := l.Set(k, "v", 0); err != nil {
			t.Fatalf("Setup: Set(%s) error = %v", k, err)
		}
	}

	t.Run("Prefix scoped and sorted", func(t *testing.T) {
		got, err := l.Iterate("it:", 0, 0)
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		want := []string{"it:a", "it:b", "it:c"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Iterate() got = %v, want %v", got, want)
		}
	})

	t.Run("Offset and limit", func(t *testing.T) {
		got, err := l.Iterate("it:", 1, 1)
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		want := []string{"it:b"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Iterate() got = %v, want %v", got, want)
		}
	})
}

func TestLocal_Drain(t *testing.T) {
	l := createTestLocal(context.Background())
	defer l.Close()

	for _, k := range []string{"dr:1", "dr:2", "keep:1"} {
		if err := l.Set(k, "v-"+k, 0); err != nil {
			t.Fatalf("Setup: Set(%s) error = %v", k, err)
		}
	}

	entries, err := l.Drain("dr:")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Drain() returned %d entries, want 2", len(entries))
	}

	remaining, err := l.Iterate("dr:", 0, 0)
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("Drain() left %d keys under prefix, want 0", len(remaining))
	}
	if _, err := l.Get("keep:1"); err != nil {
		t.Errorf("Drain() removed key outside prefix: %v", err)
	}
}

func TestLocal_TTLExpiry(t *testing.T) {
	l := createTestLocal(context.Background())
	defer l.Close()

	evicted := make(chan string, 1)
	l.OnEvict(func(key, _ string) {
		evicted <- key
	})

	if err := l.Set("ephemeral", "v", 50*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case key := <-evicted:
		if key != "ephemeral" {
			t.Errorf("eviction callback got key %s, want ephemeral", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected eviction callback within 2s")
	}

	if _, err := l.Get("ephemeral"); !errors.As(err, new(*ErrKeyNotFound)) {
		t.Errorf("Get() after ttl expiry expected ErrKeyNotFound, got %v", err)
	}
}

func TestLocal_AppCtxShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := createTestLocal(ctx)

	if err := l.Set("k", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Cancelling the application context stops the expiry scheduler; a later
	// Close must not stop it a second time.
	cancel()
	time.Sleep(20 * time.Millisecond)

	if got, err := l.Get("k"); err != nil || got != "v" {
		t.Errorf("Get() after shutdown = %q, %v, want the data intact", got, err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

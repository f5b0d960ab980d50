package keyed

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Config for the local in-process store.
type Config struct {
	Logger *slog.Logger

	// AppCtx stops the expiry scheduler when the application shuts down.
	AppCtx context.Context
}

// Local is the single-node Store implementation: a mutex-guarded map with a
// ttl scheduler driving passive expiry. The ttl cache holds no data itself;
// it only times out keys so silent providers still age out of the tables.
type Local struct {
	logger *slog.Logger

	mu sync.RWMutex
	m  map[string]string

	expiry   *ttlcache.Cache[string, struct{}]
	stopOnce sync.Once

	evictMu  sync.RWMutex
	evictFns []func(key string, value string)
}

var _ Store = &Local{}
var _ Evictor = &Local{}

func NewLocal(cfg Config) *Local {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Local{
		logger: logger.WithGroup("keyed"),
		m:      make(map[string]string),
	}

	// If a node keeps reading a key that another node already expired the
	// tables diverge, so hits must not extend the ttl.
	l.expiry = ttlcache.New[string, struct{}](
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	l.expiry.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		l.evictExpired(item.Key())
	})
	go l.expiry.Start()

	if cfg.AppCtx != nil {
		go func() {
			<-cfg.AppCtx.Done()
			l.stop()
		}()
	}

	return l
}

// stop halts the expiry scheduler once, whether shutdown comes from Close or
// from the application context.
func (l *Local) stop() {
	l.stopOnce.Do(l.expiry.Stop)
}

func (l *Local) evictExpired(key string) {
	l.mu.Lock()
	value, ok := l.m[key]
	if ok {
		delete(l.m, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	l.logger.Debug("expired key evicted", "key", key)

	l.evictMu.RLock()
	fns := l.evictFns
	l.evictMu.RUnlock()
	for _, fn := range fns {
		fn(key, value)
	}
}

// OnEvict registers a callback fired after a key is removed by ttl expiry.
// Callbacks run on the expiry goroutine and must not block.
func (l *Local) OnEvict(fn func(key string, value string)) {
	l.evictMu.Lock()
	defer l.evictMu.Unlock()
	l.evictFns = append(l.evictFns, fn)
}

func (l *Local) Get(key string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	value, ok := l.m[key]
	if !ok {
		return "", &ErrKeyNotFound{Key: key}
	}
	return value, nil
}

func (l *Local) Set(key string, value string, ttl time.Duration) error {
	l.mu.Lock()
	l.m[key] = value
	l.mu.Unlock()

	if ttl > 0 {
		l.expiry.Set(key, struct{}{}, ttl)
	} else {
		// Overwriting a ttl-bearing key with a permanent value cancels
		// the pending expiry.
		l.expiry.Delete(key)
	}
	return nil
}

func (l *Local) Delete(key string) error {
	l.mu.Lock()
	delete(l.m, key)
	l.mu.Unlock()
	l.expiry.Delete(key)
	return nil
}

func (l *Local) CompareAndSwap(key string, expect string, next string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	current, ok := l.m[key]
	if expect == "" {
		if ok {
			l.mu.Unlock()
			return false, nil
		}
	} else if !ok || current != expect {
		l.mu.Unlock()
		return false, nil
	}
	l.m[key] = next
	l.mu.Unlock()

	if ttl > 0 {
		l.expiry.Set(key, struct{}{}, ttl)
	} else {
		l.expiry.Delete(key)
	}
	return true, nil
}

func (l *Local) Iterate(prefix string, offset int, limit int) ([]string, error) {
	l.mu.RLock()
	var keys []string
	for k := range l.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	sort.Strings(keys)
	if offset >= len(keys) {
		return nil, nil
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (l *Local) Drain(prefix string) ([]Entry, error) {
	l.mu.Lock()
	var drained []Entry
	for k, v := range l.m {
		if strings.HasPrefix(k, prefix) {
			drained = append(drained, Entry{Key: k, Value: v})
			delete(l.m, k)
		}
	}
	l.mu.Unlock()

	for _, e := range drained {
		l.expiry.Delete(e.Key)
	}
	sort.Slice(drained, func(i, j int) bool { return drained[i].Key < drained[j].Key })
	return drained, nil
}

func (l *Local) Close() error {
	l.stop()
	return nil
}

// Dump returns a copy of the full table with remaining ttls. The raft layer
// uses it to build snapshots.
func (l *Local) Dump() map[string]DumpEntry {
	l.mu.RLock()
	out := make(map[string]DumpEntry, len(l.m))
	for k, v := range l.m {
		out[k] = DumpEntry{Value: v}
	}
	l.mu.RUnlock()

	for k, e := range out {
		if item := l.expiry.Get(k); item != nil && !item.ExpiresAt().IsZero() {
			e.ExpiresAt = item.ExpiresAt()
			out[k] = e
		}
	}
	return out
}

// DumpEntry is one key's state in a Dump; a zero ExpiresAt means no ttl.
type DumpEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Restore replaces the table contents from a snapshot dump.
func (l *Local) Restore(entries map[string]DumpEntry) {
	now := time.Now()

	l.mu.Lock()
	l.m = make(map[string]string, len(entries))
	for k, e := range entries {
		if !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now) {
			continue
		}
		l.m[k] = e.Value
	}
	l.mu.Unlock()

	for k, e := range entries {
		if e.ExpiresAt.IsZero() {
			continue
		}
		if ttl := e.ExpiresAt.Sub(now); ttl > 0 {
			l.expiry.Set(k, struct{}{}, ttl)
		}
	}
}

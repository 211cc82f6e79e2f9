package redis

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var errMockRedisUnavailable = errors.New("mock redis unavailable")

type mockValue struct {
	data     string
	expireAt time.Time
}

// mockRedisClient implements the subset of redis.Cmdable used by Store.
type mockRedisClient struct {
	goredis.Cmdable

	mu     sync.Mutex
	values map[string]mockValue
	down   atomic.Bool
	lastEX atomic.Int64

	// afterMGet, when set, runs once MGet has read its values.
	afterMGet func()
}

func newMockRedisClient(t *testing.T) *mockRedisClient {
	t.Helper()
	return &mockRedisClient{values: make(map[string]mockValue)}
}

func (m *mockRedisClient) SetDown(down bool) {
	m.down.Store(down)
}

// live returns the value for key, dropping it when its TTL has fired. Callers hold mu.
func (m *mockRedisClient) live(key string) (mockValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return mockValue{}, false
	}
	if !v.expireAt.IsZero() && !time.Now().Before(v.expireAt) {
		delete(m.values, key)
		return mockValue{}, false
	}
	return v, true
}

func (m *mockRedisClient) Ping(_ context.Context) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	return goredis.NewStatusResult("PONG", nil)
}

func (m *mockRedisClient) Get(_ context.Context, key string) *goredis.StringCmd {
	if m.down.Load() {
		return goredis.NewStringResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v.data, nil)
}

func (m *mockRedisClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v := mockValue{data: normalizeRedisValue(value)}
	if expiration > 0 {
		v.expireAt = time.Now().Add(expiration)
	}
	m.lastEX.Store(int64(expiration))
	m.values[key] = v
	return goredis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) MGet(_ context.Context, keys ...string) *goredis.SliceCmd {
	if m.down.Load() {
		return goredis.NewSliceResult(nil, errMockRedisUnavailable)
	}
	m.mu.Lock()
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := m.live(k); ok {
			out[i] = v.data
		}
	}
	hook := m.afterMGet
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return goredis.NewSliceResult(out, nil)
}

func (m *mockRedisClient) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.live(k); ok {
			delete(m.values, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

// EvalSha runs the compare-and-delete script used by sweeps.
func (m *mockRedisClient) EvalSha(_ context.Context, sha string, keys []string, args ...interface{}) *goredis.Cmd {
	if sha != deleteUnchanged.Hash() {
		return goredis.NewCmdResult(nil, fmt.Errorf("unknown script %s", sha))
	}
	return m.deleteUnchanged(keys, args)
}

func (m *mockRedisClient) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *goredis.Cmd {
	return m.EvalSha(ctx, deleteUnchanged.Hash(), keys, args...)
}

func (m *mockRedisClient) deleteUnchanged(keys []string, args []interface{}) *goredis.Cmd {
	if m.down.Load() {
		return goredis.NewCmdResult(nil, errMockRedisUnavailable)
	}
	if len(keys) != 1 || len(args) != 1 {
		return goredis.NewCmdResult(nil, errors.New("wrong number of arguments"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(keys[0])
	if !ok || v.data != normalizeRedisValue(args[0]) {
		return goredis.NewCmdResult(int64(0), nil)
	}
	delete(m.values, keys[0])
	return goredis.NewCmdResult(int64(1), nil)
}

// Scan pages through the sorted keyspace; the cursor is the offset of the next page.
func (m *mockRedisClient) Scan(_ context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd {
	if m.down.Load() {
		return goredis.NewScanCmdResult(nil, 0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.values {
		if _, ok := m.live(k); !ok {
			continue
		}
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := int(cursor)
	if start >= len(keys) {
		return goredis.NewScanCmdResult(nil, 0, nil)
	}
	end := start + int(count)
	if end >= len(keys) {
		return goredis.NewScanCmdResult(keys[start:], 0, nil)
	}
	return goredis.NewScanCmdResult(keys[start:end], uint64(end), nil)
}

func (m *mockRedisClient) rawKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *mockRedisClient) putRaw(key, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = mockValue{data: data}
}

func normalizeRedisValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCache 创建禁用后台清理的测试缓存
func newTestCache(config Config) *Cache {
	config.Enabled = true
	if config.TTLs == nil {
		config.TTLs = DefaultConfig().TTLs
	}
	return New(NewMemoryStore(), config)
}

func TestCacheKey_Deterministic(t *testing.T) {
	// 参数插入顺序不影响缓存键
	key1 := CacheKey("yfinance", "current_quotes", map[string]string{
		"symbol": "AAPL", "interval": "1d",
	})
	key2 := CacheKey("yfinance", "current_quotes", map[string]string{
		"interval": "1d", "symbol": "AAPL",
	})
	assert.Equal(t, key1, key2)

	// 不同参数产生不同的键
	key3 := CacheKey("yfinance", "current_quotes", map[string]string{
		"symbol": "MSFT", "interval": "1d",
	})
	assert.NotEqual(t, key1, key3)

	// 不同提供商产生不同的键
	key4 := CacheKey("finnhub", "current_quotes", map[string]string{
		"symbol": "AAPL", "interval": "1d",
	})
	assert.NotEqual(t, key1, key4)
}

func TestCache_PutAndLookup(t *testing.T) {
	c := newTestCache(Config{})
	defer c.Close()
	ctx := context.Background()

	params := map[string]string{"symbol": "AAPL"}
	err := c.Put(ctx, "yfinance", "current_quotes", params, "payload-1", PolicyRealTime)
	require.NoError(t, err)

	payload, ok := c.Lookup(ctx, "yfinance", "current_quotes", params)
	require.True(t, ok)
	assert.Equal(t, "payload-1", payload)

	// 不同提供商的同名操作互不可见
	_, ok = c.Lookup(ctx, "finnhub", "current_quotes", params)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
	assert.Equal(t, int64(1), stats.SaveCount)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(Config{
		TTLs: map[Policy]time.Duration{PolicyRealTime: 30 * time.Millisecond},
	})
	defer c.Close()
	ctx := context.Background()

	params := map[string]string{"symbol": "AAPL"}
	require.NoError(t, c.Put(ctx, "yfinance", "current_quotes", params, "stale", PolicyRealTime))

	_, ok := c.Lookup(ctx, "yfinance", "current_quotes", params)
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	// 过期条目按未命中处理，且被顺带删除
	_, ok = c.Lookup(ctx, "yfinance", "current_quotes", params)
	assert.False(t, ok)

	entries, err := c.store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// corruptStore 将指定键的读取模拟为损坏条目
type corruptStore struct {
	*MemoryStore
	corrupted map[string]bool
}

func (cs *corruptStore) Get(ctx context.Context, key string) (*Entry, error) {
	if cs.corrupted[key] {
		return nil, ErrEntryCorrupted
	}
	return cs.MemoryStore.Get(ctx, key)
}

func TestCache_CorruptedEntryBecomesMiss(t *testing.T) {
	store := &corruptStore{MemoryStore: NewMemoryStore(), corrupted: map[string]bool{}}
	c := New(store, Config{Enabled: true})
	defer c.Close()
	ctx := context.Background()

	params := map[string]string{"symbol": "AAPL"}
	require.NoError(t, c.Put(ctx, "yfinance", "current_quotes", params, "data", PolicyDaily))

	key := CacheKey("yfinance", "current_quotes", params)
	store.corrupted[key] = true

	// 损坏条目退化为未命中，不上抛错误
	_, ok := c.Lookup(ctx, "yfinance", "current_quotes", params)
	assert.False(t, ok)

	// 坏条目已被删除
	store.corrupted[key] = false
	_, err := store.MemoryStore.Get(ctx, key)
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestCache_EvictOldestFirst(t *testing.T) {
	// 预算设置得很小，写入若干条目后触发淘汰
	c := newTestCache(Config{MaxSizeBytes: 400})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		params := map[string]string{"symbol": fmt.Sprintf("SYM%d", i)}
		payload := fmt.Sprintf("payload-%d-%s", i, "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")
		require.NoError(t, c.Put(ctx, "yfinance", "current_quotes", params, payload, PolicyDaily))
		time.Sleep(2 * time.Millisecond) // 保证写入时间可排序
	}

	stats := c.Stats()
	assert.Greater(t, stats.EvictionCount, int64(0))
	assert.LessOrEqual(t, stats.SizeBytes, int64(400))

	// 最新写入的条目存活，最早的条目被淘汰
	_, ok := c.Lookup(ctx, "yfinance", "current_quotes", map[string]string{"symbol": "SYM9"})
	assert.True(t, ok)
	_, ok = c.Lookup(ctx, "yfinance", "current_quotes", map[string]string{"symbol": "SYM0"})
	assert.False(t, ok)
}

func TestCache_Wrap(t *testing.T) {
	c := newTestCache(Config{})
	defer c.Close()
	ctx := context.Background()

	params := map[string]string{"symbol": "AAPL"}
	calls := 0
	fetch := func(ctx context.Context) (interface{}, error) {
		calls++
		return "fetched", nil
	}

	payload, err := c.Wrap(ctx, "yfinance", "current_quotes", params, PolicyRealTime, fetch)
	require.NoError(t, err)
	assert.Equal(t, "fetched", payload)
	assert.Equal(t, 1, calls)

	// 第二次命中缓存，fetch 不再执行
	payload, err = c.Wrap(ctx, "yfinance", "current_quotes", params, PolicyRealTime, fetch)
	require.NoError(t, err)
	assert.Equal(t, "fetched", payload)
	assert.Equal(t, 1, calls)
}

func TestCache_WrapDoesNotCacheErrors(t *testing.T) {
	c := newTestCache(Config{})
	defer c.Close()
	ctx := context.Background()

	params := map[string]string{"symbol": "AAPL"}
	fetchErr := errors.New("upstream down")
	calls := 0

	_, err := c.Wrap(ctx, "yfinance", "current_quotes", params, PolicyRealTime,
		func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, fetchErr
		})
	assert.ErrorIs(t, err, fetchErr)

	// 失败未被缓存，下一次调用重新执行 fetch
	_, err = c.Wrap(ctx, "yfinance", "current_quotes", params, PolicyRealTime,
		func(ctx context.Context) (interface{}, error) {
			calls++
			return "recovered", nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(Config{})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "yfinance", "current_quotes",
		map[string]string{"symbol": "AAPL"}, "a", PolicyDaily))
	require.NoError(t, c.Put(ctx, "yfinance", "historical_prices",
		map[string]string{"symbol": "AAPL"}, "b", PolicyDaily))
	require.NoError(t, c.Put(ctx, "finnhub", "current_quotes",
		map[string]string{"symbol": "MSFT"}, "c", PolicyDaily))

	// 按提供商失效
	removed, err := c.Invalidate(ctx, InvalidateFilter{Provider: "finnhub"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// 按标的子串失效（大小写不敏感）
	removed, err = c.Invalidate(ctx, InvalidateFilter{SymbolSubstring: "aapl"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.EntryCount)
}

func TestCache_InvalidateAllWhenFilterEmpty(t *testing.T) {
	c := newTestCache(Config{})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(ctx, "yfinance", "current_quotes",
			map[string]string{"symbol": fmt.Sprintf("S%d", i)}, i, PolicyDaily))
	}

	removed, err := c.Invalidate(ctx, InvalidateFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestCache_CleanupExpired(t *testing.T) {
	c := newTestCache(Config{
		TTLs: map[Policy]time.Duration{
			PolicyRealTime: 20 * time.Millisecond,
			PolicyDaily:    time.Hour,
		},
	})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "yfinance", "current_quotes",
		map[string]string{"symbol": "AAPL"}, "short", PolicyRealTime))
	require.NoError(t, c.Put(ctx, "yfinance", "historical_prices",
		map[string]string{"symbol": "AAPL"}, "long", PolicyDaily))

	time.Sleep(40 * time.Millisecond)

	removed, err := c.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := c.Lookup(ctx, "yfinance", "historical_prices", map[string]string{"symbol": "AAPL"})
	assert.True(t, ok)
}

func TestCache_DisabledBypassesStore(t *testing.T) {
	c := New(NewMemoryStore(), Config{Enabled: false})
	defer c.Close()
	ctx := context.Background()

	params := map[string]string{"symbol": "AAPL"}
	require.NoError(t, c.Put(ctx, "yfinance", "current_quotes", params, "x", PolicyDaily))

	_, ok := c.Lookup(ctx, "yfinance", "current_quotes", params)
	assert.False(t, ok)
}

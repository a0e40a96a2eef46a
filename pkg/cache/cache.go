// Package cache 实现按策略控制新鲜度的 API 结果缓存。
// 缓存键由 (提供商, 操作, 规范化参数) 确定性生成，相同请求在 TTL 窗口内
// 不会重复触达外部提供商；总体积超出预算时按写入时间从旧到新淘汰。
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradescout/pkg/logger"
)

// Policy 缓存新鲜度策略，不同数据类型映射到不同 TTL
type Policy string

const (
	PolicyRealTime    Policy = "real_time"   // 即时报价
	PolicyIntraday    Policy = "intraday"    // 盘中数据
	PolicyDaily       Policy = "daily"       // 日级数据
	PolicyFundamental Policy = "fundamental" // 基本面
	PolicyHistorical  Policy = "historical"  // 历史数据，极少变化
)

// 核心错误
var (
	// ErrEntryNotFound 条目不存在或已过期
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrEntryCorrupted 条目无法反序列化。
	// 该错误从不暴露给缓存调用方，统一退化为未命中并删除坏条目。
	ErrEntryCorrupted = errors.New("cache entry corrupted")
)

// Entry 缓存条目
type Entry struct {
	Key       string            `json:"key"`
	Provider  string            `json:"provider"`
	Operation string            `json:"operation"`
	Params    map[string]string `json:"params"`
	Payload   interface{}       `json:"payload"`
	Policy    Policy            `json:"policy"`
	CreatedAt time.Time         `json:"created_at"`
	Size      int64             `json:"size"`
}

// Store 定义缓存条目的存储后端。
// 实现必须保证并发安全；Get 对损坏的条目返回 ErrEntryCorrupted。
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	// Entries 返回当前所有条目的快照，供失效与淘汰扫描使用
	Entries(ctx context.Context) ([]*Entry, error)
	Clear(ctx context.Context) error
	Close() error
}

// Config 缓存行为配置
type Config struct {
	MaxSizeBytes    int64                    `mapstructure:"max_size_bytes"`   // 体积预算（字节）
	Enabled         bool                     `mapstructure:"enabled"`          // 可整体禁用（测试用）
	CleanupInterval time.Duration            `mapstructure:"cleanup_interval"` // 过期清理间隔，0 表示不启动内部清理
	TTLs            map[Policy]time.Duration `mapstructure:"ttls"`             // 各策略 TTL，可覆盖
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes: 500 * 1024 * 1024,
		Enabled:      true,
		TTLs: map[Policy]time.Duration{
			PolicyRealTime:    2 * time.Minute,
			PolicyIntraday:    15 * time.Minute,
			PolicyDaily:       4 * time.Hour,
			PolicyFundamental: 7 * 24 * time.Hour,
			PolicyHistorical:  30 * 24 * time.Hour,
		},
	}
}

// Stats 缓存统计信息，计数器单调递增，仅进程重启或显式 Reset 清零
type Stats struct {
	HitCount      int64   `json:"hit_count"`
	MissCount     int64   `json:"miss_count"`
	SaveCount     int64   `json:"save_count"`
	EvictionCount int64   `json:"eviction_count"`
	SizeBytes     int64   `json:"size_bytes"`
	EntryCount    int64   `json:"entry_count"`
	HitRate       float64 `json:"hit_rate"`
}

// Cache 策略化 TTL 缓存
type Cache struct {
	store  Store
	config Config
	log    *logger.Entry

	hitCount      int64
	missCount     int64
	saveCount     int64
	evictionCount int64

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// New 创建缓存实例
func New(store Store, config Config) *Cache {
	if config.TTLs == nil {
		config.TTLs = DefaultConfig().TTLs
	}

	c := &Cache{
		store:       store,
		config:      config,
		log:         logger.WithComponent("cache"),
		stopCleanup: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		c.cleanupTicker = time.NewTicker(config.CleanupInterval)
		go c.janitor()
	}

	return c
}

// CacheKey 根据提供商、操作名和规范化参数生成确定性缓存键。
// 参数按键名排序后拼接，键与参数插入顺序无关。
func CacheKey(provider, operation string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(provider)
	sb.WriteByte(':')
	sb.WriteString(operation)
	sb.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// TTLFor 返回指定策略的 TTL
func (c *Cache) TTLFor(policy Policy) time.Duration {
	if ttl, ok := c.config.TTLs[policy]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// Lookup 查找缓存。仅当条目存在且按其记录的策略仍然新鲜时返回。
// 损坏的条目被删除并按未命中处理，不会作为错误上抛。
func (c *Cache) Lookup(ctx context.Context, provider, operation string, params map[string]string) (interface{}, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	key := CacheKey(provider, operation, params)
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrEntryCorrupted) {
			c.log.Warnf("发现损坏缓存条目，已删除: %s:%s", provider, operation)
			_ = c.store.Delete(ctx, key)
		}
		atomic.AddInt64(&c.missCount, 1)
		return nil, false
	}

	if time.Now().After(entry.CreatedAt.Add(c.TTLFor(entry.Policy))) {
		_ = c.store.Delete(ctx, key)
		atomic.AddInt64(&c.missCount, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hitCount, 1)
	c.log.Debugf("Cache HIT: %s:%s", provider, operation)
	return entry.Payload, true
}

// Put 写入缓存，并作为副作用触发体积检查
func (c *Cache) Put(ctx context.Context, provider, operation string, params map[string]string, payload interface{}, policy Policy) error {
	if !c.config.Enabled {
		return nil
	}

	entry := &Entry{
		Key:       CacheKey(provider, operation, params),
		Provider:  provider,
		Operation: operation,
		Params:    params,
		Payload:   payload,
		Policy:    policy,
		CreatedAt: time.Now(),
		Size:      estimateSize(payload),
	}

	if err := c.store.Set(ctx, entry); err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}

	atomic.AddInt64(&c.saveCount, 1)
	c.log.Debugf("Cache SAVE: %s:%s (TTL: %s)", provider, operation, c.TTLFor(policy))

	if _, err := c.EvictIfOverBudget(ctx); err != nil {
		c.log.Warnf("体积淘汰检查失败: %v", err)
	}
	return nil
}

// Wrap 组合的“取或拉”操作：命中直接返回，未命中调用 fetch 并回写。
// fetch 返回错误时不写缓存；无错误的空结果照常缓存。
func (c *Cache) Wrap(ctx context.Context, provider, operation string, params map[string]string, policy Policy, fetch func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if payload, ok := c.Lookup(ctx, provider, operation, params); ok {
		return payload, nil
	}

	c.log.Debugf("Cache MISS: %s:%s", provider, operation)
	payload, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.Put(ctx, provider, operation, params, payload, policy); err != nil {
		// 缓存写入失败不影响结果返回
		c.log.Warnf("缓存写入失败: %v", err)
	}
	return payload, nil
}

// InvalidateFilter 缓存失效过滤条件，空字段不参与匹配
type InvalidateFilter struct {
	Provider        string
	Operation       string
	SymbolSubstring string // 大小写不敏感的参数值子串匹配
}

// Invalidate 删除匹配过滤条件的条目，返回删除数量。
// 所有条件为空时清空整个缓存。
func (c *Cache) Invalidate(ctx context.Context, filter InvalidateFilter) (int, error) {
	entries, err := c.store.Entries(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if filter.Provider != "" && e.Provider != filter.Provider {
			continue
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.SymbolSubstring != "" && !paramsContain(e.Params, filter.SymbolSubstring) {
			continue
		}
		if err := c.store.Delete(ctx, e.Key); err == nil {
			removed++
		}
	}

	c.log.Infof("缓存失效: 删除 %d 条", removed)
	return removed, nil
}

// EvictIfOverBudget 体积超出预算时按写入时间从旧到新删除，
// 直到体积不超过预算的 80%，每次删除计入淘汰计数。
func (c *Cache) EvictIfOverBudget(ctx context.Context) (int, error) {
	if c.config.MaxSizeBytes <= 0 {
		return 0, nil
	}

	entries, err := c.store.Entries(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= c.config.MaxSizeBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	target := c.config.MaxSizeBytes * 8 / 10
	evicted := 0
	for _, e := range entries {
		if total <= target {
			break
		}
		if err := c.store.Delete(ctx, e.Key); err != nil {
			continue
		}
		total -= e.Size
		evicted++
		atomic.AddInt64(&c.evictionCount, 1)
	}

	c.log.Infof("缓存淘汰完成: 删除 %d 条, 当前体积 %d 字节", evicted, total)
	return evicted, nil
}

// CleanupExpired 删除按各自策略已过期的条目，返回删除数量
func (c *Cache) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := c.store.Entries(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, e := range entries {
		if now.After(e.CreatedAt.Add(c.TTLFor(e.Policy))) {
			if err := c.store.Delete(ctx, e.Key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Clear 清空所有缓存条目
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Stats 获取缓存统计信息
func (c *Cache) Stats() Stats {
	stats := Stats{
		HitCount:      atomic.LoadInt64(&c.hitCount),
		MissCount:     atomic.LoadInt64(&c.missCount),
		SaveCount:     atomic.LoadInt64(&c.saveCount),
		EvictionCount: atomic.LoadInt64(&c.evictionCount),
	}

	if entries, err := c.store.Entries(context.Background()); err == nil {
		stats.EntryCount = int64(len(entries))
		for _, e := range entries {
			stats.SizeBytes += e.Size
		}
	}

	if total := stats.HitCount + stats.MissCount; total > 0 {
		stats.HitRate = float64(stats.HitCount) / float64(total)
	}
	return stats
}

// ResetStats 清零统计计数器
func (c *Cache) ResetStats() {
	atomic.StoreInt64(&c.hitCount, 0)
	atomic.StoreInt64(&c.missCount, 0)
	atomic.StoreInt64(&c.saveCount, 0)
	atomic.StoreInt64(&c.evictionCount, 0)
}

// Close 关闭缓存及其存储后端
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		if c.cleanupTicker != nil {
			c.cleanupTicker.Stop()
		}
		close(c.stopCleanup)
	})
	return c.store.Close()
}

// janitor 周期性清理过期条目并检查体积预算
func (c *Cache) janitor() {
	for {
		select {
		case <-c.cleanupTicker.C:
			ctx := context.Background()
			if n, err := c.CleanupExpired(ctx); err == nil && n > 0 {
				c.log.Infof("清理过期缓存: %d 条", n)
			}
			_, _ = c.EvictIfOverBudget(ctx)
		case <-c.stopCleanup:
			return
		}
	}
}

// paramsContain 判断任一参数值是否包含指定子串（大小写不敏感）
func paramsContain(params map[string]string, substr string) bool {
	needle := strings.ToUpper(substr)
	for _, v := range params {
		if strings.Contains(strings.ToUpper(v), needle) {
			return true
		}
	}
	return false
}

// estimateSize 估算负载体积（以 JSON 编码长度计）
func estimateSize(payload interface{}) int64 {
	switch v := payload.(type) {
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 64
	}
	return int64(len(data))
}

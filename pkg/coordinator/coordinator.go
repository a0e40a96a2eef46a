// Package coordinator 实现多提供商数据获取的回退协调。
// 每次请求先解析候选提供商，再按路由策略依次或并发调用，
// 缓存命中不消耗限速名额，失败计入熔断统计。
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradescout/pkg/breaker"
	"tradescout/pkg/cache"
	"tradescout/pkg/logger"
	"tradescout/pkg/market"
	"tradescout/pkg/provider"
	"tradescout/pkg/ratelimit"
	"tradescout/pkg/registry"
)

// Observer 接收每次提供商调用的观测事件，用于外部指标采集。
// outcome 取值: success, failure, cache_hit, rate_limited, empty。
type Observer interface {
	ObserveFetch(providerID, dataType, outcome string, latency time.Duration)
}

// Coordinator 回退协调器
type Coordinator struct {
	registry *registry.Registry
	cache    *cache.Cache
	tracker  *breaker.Tracker
	limiter  *ratelimit.Limiter
	adapters map[string]provider.Adapter
	observer Observer
	log      *logger.Entry

	rrMu       sync.Mutex
	rrCounters map[string]uint64 // 轮转策略按数据类型维护的游标
}

// Option 协调器可选项
type Option func(*Coordinator)

// WithObserver 注册观测回调
func WithObserver(obs Observer) Option {
	return func(c *Coordinator) { c.observer = obs }
}

// New 创建协调器。adapters 按提供商 ID 索引，
// 配置中存在但未注册适配器的提供商在调用时按失败处理。
func New(reg *registry.Registry, dataCache *cache.Cache, tracker *breaker.Tracker,
	limiter *ratelimit.Limiter, adapters map[string]provider.Adapter, opts ...Option) *Coordinator {

	c := &Coordinator{
		registry:   reg,
		cache:      dataCache,
		tracker:    tracker,
		limiter:    limiter,
		adapters:   adapters,
		log:        logger.WithComponent("coordinator"),
		rrCounters: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// outcome 单个候选提供商的调用结果
type outcome struct {
	result   market.Result
	provider registry.Provider
	err      error
}

// Fetch 按数据类型的路由策略获取数据。
// 候选为空时返回 ErrNoProviderAvailable；上下文取消返回 ErrCancelled。
func (c *Coordinator) Fetch(ctx context.Context, dataType string, params map[string]string) (market.Result, error) {
	requestID := uuid.New().String()[:8]

	if ctx.Err() != nil {
		return market.Result{}, ErrCancelled
	}

	if !c.registry.HasRoute(dataType) {
		return market.Result{}, ErrNoRoute
	}

	candidates := c.registry.ResolveCandidates(dataType)
	if len(candidates) == 0 {
		c.log.Warnf("[%s] 数据类型 %s 无可用提供商", requestID, dataType)
		return market.Result{}, ErrNoProviderAvailable
	}

	strategy := c.registry.StrategyFor(dataType)
	policy := c.registry.CachePolicyFor(dataType)

	c.log.Debugf("[%s] %s: 策略=%s 候选=%d", requestID, dataType, strategy, len(candidates))

	switch strategy {
	case registry.StrategyMergeBest:
		return c.mergeBest(ctx, requestID, dataType, params, policy, candidates)
	case registry.StrategyMergeAll:
		return c.mergeAll(ctx, requestID, dataType, params, policy, candidates)
	case registry.StrategyRoundRobin:
		return c.firstSuccess(ctx, requestID, dataType, params, policy, c.rotate(dataType, candidates))
	default:
		return c.firstSuccess(ctx, requestID, dataType, params, policy, candidates)
	}
}

// rotate 按数据类型游标轮转候选起点，游标每次请求递增
func (c *Coordinator) rotate(dataType string, candidates []registry.Provider) []registry.Provider {
	if len(candidates) < 2 {
		return candidates
	}

	c.rrMu.Lock()
	offset := int(c.rrCounters[dataType] % uint64(len(candidates)))
	c.rrCounters[dataType]++
	c.rrMu.Unlock()

	rotated := make([]registry.Provider, 0, len(candidates))
	rotated = append(rotated, candidates[offset:]...)
	rotated = append(rotated, candidates[:offset]...)
	return rotated
}

// firstSuccess 按顺序依次尝试候选，返回第一个非空成功结果。
// 被限速的候选直接跳过，失败的候选计入熔断统计后继续。
func (c *Coordinator) firstSuccess(ctx context.Context, requestID, dataType string,
	params map[string]string, policy cache.Policy, candidates []registry.Provider) (market.Result, error) {

	var lastEmpty *market.Result
	var lastErr error

	for _, p := range candidates {
		if ctx.Err() != nil {
			return market.Result{}, ErrCancelled
		}

		result, err := c.call(ctx, requestID, dataType, params, policy, p)
		if err != nil {
			lastErr = err
			continue
		}
		if result.IsEmpty() {
			lastEmpty = &result
			continue
		}
		return result, nil
	}

	// 全部成功但都没有数据：空结果不是错误
	if lastEmpty != nil {
		return *lastEmpty, nil
	}
	if lastErr != nil {
		return market.Result{}, lastErr
	}
	return market.Result{}, ErrNoProviderAvailable
}

// mergeBest 并发调用全部候选，在成功结果中选质量权重最高者，
// 权重相同时取优先级数值更小的提供商。
func (c *Coordinator) mergeBest(ctx context.Context, requestID, dataType string,
	params map[string]string, policy cache.Policy, candidates []registry.Provider) (market.Result, error) {

	outcomes := c.callAll(ctx, requestID, dataType, params, policy, candidates)

	var best *outcome
	var lastErr error
	for i := range outcomes {
		o := &outcomes[i]
		if o.err != nil {
			lastErr = o.err
			continue
		}
		if o.result.IsEmpty() {
			continue
		}
		if best == nil ||
			o.provider.QualityWeight > best.provider.QualityWeight ||
			(o.provider.QualityWeight == best.provider.QualityWeight && o.provider.Priority < best.provider.Priority) {
			best = o
		}
	}

	if best != nil {
		return best.result, nil
	}
	if lastErr != nil {
		return market.Result{}, lastErr
	}
	return market.Result{}, ErrNoProviderAvailable
}

// mergeAll 并发调用全部候选，聚合所有非空成功结果
func (c *Coordinator) mergeAll(ctx context.Context, requestID, dataType string,
	params map[string]string, policy cache.Policy, candidates []registry.Provider) (market.Result, error) {

	outcomes := c.callAll(ctx, requestID, dataType, params, policy, candidates)

	var results []market.Result
	var lastErr error
	for _, o := range outcomes {
		if o.err != nil {
			lastErr = o.err
			continue
		}
		if !o.result.IsEmpty() {
			results = append(results, o.result)
		}
	}

	if len(results) > 0 {
		return market.MergeAll(results), nil
	}
	if lastErr != nil {
		return market.Result{}, lastErr
	}
	return market.Result{}, ErrNoProviderAvailable
}

// callAll 并发调用全部候选并等待全部完成
func (c *Coordinator) callAll(ctx context.Context, requestID, dataType string,
	params map[string]string, policy cache.Policy, candidates []registry.Provider) []outcome {

	outcomes := make([]outcome, len(candidates))
	var wg sync.WaitGroup
	for i, p := range candidates {
		wg.Add(1)
		go func(i int, p registry.Provider) {
			defer wg.Done()
			result, err := c.call(ctx, requestID, dataType, params, policy, p)
			outcomes[i] = outcome{result: result, provider: p, err: err}
		}(i, p)
	}
	wg.Wait()
	return outcomes
}

// call 执行单个候选的调用：缓存命中直接返回且不消耗限速名额，
// 未命中时先过限速闸门，再带超时调用适配器，成功结果回写缓存。
func (c *Coordinator) call(ctx context.Context, requestID, dataType string,
	params map[string]string, policy cache.Policy, p registry.Provider) (market.Result, error) {

	start := time.Now()

	if payload, ok := c.cache.Lookup(ctx, p.ID, dataType, params); ok {
		if result, ok := market.CoerceResult(payload); ok {
			c.observe(p.ID, dataType, "cache_hit", time.Since(start))
			return result, nil
		}
	}

	if !c.limiter.TryAcquire(p.ID) {
		wait := c.limiter.TimeUntilNextSlot(p.ID)
		c.log.Debugf("[%s] 提供商 %s 被限速，跳过（%s 后恢复）", requestID, p.ID, wait)
		c.observe(p.ID, dataType, "rate_limited", time.Since(start))
		return market.Result{}, &ProviderError{Provider: p.ID, Err: provider.ErrProviderUnavailable}
	}

	adapter, exists := c.adapters[p.ID]
	if !exists {
		c.observe(p.ID, dataType, "failure", time.Since(start))
		return market.Result{}, &ProviderError{Provider: p.ID, Err: provider.ErrNotSupported}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	result, err := adapter.Fetch(callCtx, dataType, params)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return market.Result{}, &ProviderError{Provider: p.ID, Err: ErrCancelled}
		}
		c.tracker.RecordFailure(p.ID)
		c.observe(p.ID, dataType, "failure", latency)
		c.log.Warnf("[%s] 提供商 %s 调用失败: %v", requestID, p.ID, err)
		return market.Result{}, &ProviderError{Provider: p.ID, Err: err}
	}

	c.tracker.RecordSuccess(p.ID)
	if result.IsEmpty() {
		c.observe(p.ID, dataType, "empty", latency)
	} else {
		c.observe(p.ID, dataType, "success", latency)
	}

	// 无错误的结果（包括空结果）都缓存，失败的调用不缓存
	if err := c.cache.Put(ctx, p.ID, dataType, params, result, policy); err != nil {
		c.log.Warnf("[%s] 缓存写入失败: %v", requestID, err)
	}
	return result, nil
}

// observe 分发观测事件
func (c *Coordinator) observe(providerID, dataType, outcome string, latency time.Duration) {
	if c.observer != nil {
		c.observer.ObserveFetch(providerID, dataType, outcome, latency)
	}
}

// Snapshot 并发获取多个标的的即时报价，返回按标的索引的结果。
// 单个标的失败不影响其他标的，失败的标的不出现在结果中。
func (c *Coordinator) Snapshot(ctx context.Context, symbols []string) map[string]market.Result {
	results := make(map[string]market.Result, len(symbols))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			result, err := c.Fetch(ctx, string(market.DataTypeCurrentQuotes), map[string]string{"symbol": symbol})
			if err != nil || result.IsEmpty() {
				return
			}
			mu.Lock()
			results[symbol] = result
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return results
}

// ProviderStatus 汇总提供商运行状态
func (c *Coordinator) ProviderStatus() []registry.ProviderStatus {
	return c.registry.Status()
}

// CacheStats 返回缓存统计
func (c *Coordinator) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// InvalidateCache 按过滤条件失效缓存
func (c *Coordinator) InvalidateCache(ctx context.Context, filter cache.InvalidateFilter) (int, error) {
	return c.cache.Invalidate(ctx, filter)
}

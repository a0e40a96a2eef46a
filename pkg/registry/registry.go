package registry

import (
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"tradescout/pkg/breaker"
	"tradescout/pkg/cache"
	"tradescout/pkg/logger"
)

// CredentialFunc 查询提供商凭证是否就绪。
// 默认实现读取 <PROVIDER_ID 大写>_API_KEY 环境变量。
type CredentialFunc func(providerID string) bool

// EnvCredential 基于环境变量的默认凭证查询
func EnvCredential(providerID string) bool {
	key := strings.ToUpper(providerID) + "_API_KEY"
	return os.Getenv(key) != ""
}

// BreakerState 注册表用于判断提供商是否被熔断的只读视图
type BreakerState interface {
	IsOpen(providerID string) bool
	RecentFailures(providerID string) int
}

// ProviderStatus 单个提供商的运行状态快照
type ProviderStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	Priority       int    `json:"priority"`
	Enabled        bool   `json:"enabled"`
	CredentialOK   bool   `json:"credential_ok"`
	CircuitOpen    bool   `json:"circuit_open"`
	RecentFailures int    `json:"recent_failures"`
	QualityWeight  int    `json:"quality_weight"`
}

// Registry 数据源注册表。配置以不可变快照驻留，
// 读路径无锁，Reload 校验通过后原子替换整份快照。
type Registry struct {
	path    string
	snap    atomic.Pointer[Config]
	creds   CredentialFunc
	breaker BreakerState
	log     *logger.Entry
}

// Option 注册表可选项
type Option func(*Registry)

// WithCredentialFunc 替换凭证查询实现（测试用）
func WithCredentialFunc(fn CredentialFunc) Option {
	return func(r *Registry) { r.creds = fn }
}

// New 从配置文件创建注册表。初次加载失败直接返回错误
func New(configPath string, tracker BreakerState, opts ...Option) (*Registry, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		path:    configPath,
		creds:   EnvCredential,
		breaker: tracker,
		log:     logger.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(config)
	r.log.Infof("数据源配置已加载: %d 个提供商, %d 种数据类型",
		len(config.Providers), len(config.DataTypes))
	return r, nil
}

// NewFromConfig 从已构造的配置创建注册表（测试用）
func NewFromConfig(config *Config, tracker BreakerState, opts ...Option) (*Registry, error) {
	normalize(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		creds:   EnvCredential,
		breaker: tracker,
		log:     logger.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(config)
	return r, nil
}

// Reload 重新加载配置文件。校验失败时旧配置原样保留
func (r *Registry) Reload() error {
	config, err := LoadConfig(r.path)
	if err != nil {
		r.log.Errorf("配置重载失败，沿用旧配置: %v", err)
		return err
	}

	r.snap.Store(config)
	r.log.Infof("配置已重载: %d 个提供商, %d 种数据类型",
		len(config.Providers), len(config.DataTypes))
	return nil
}

// ResolveCandidates 返回某数据类型当前可用的候选提供商，按优先级升序。
// 过滤掉未启用、凭证缺失、熔断打开的提供商。未知数据类型返回空列表。
func (r *Registry) ResolveCandidates(dataType string) []Provider {
	config := r.snap.Load()
	route, exists := config.DataTypes[dataType]
	if !exists {
		return nil
	}

	candidates := make([]Provider, 0, len(route.Providers))
	for _, pid := range route.Providers {
		p := config.Providers[pid]
		if !p.Enabled {
			continue
		}
		if p.APIKeyRequired && !r.creds(pid) {
			continue
		}
		if r.breaker != nil && r.breaker.IsOpen(pid) {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	return candidates
}

// HasRoute 判断数据类型是否配置了路由
func (r *Registry) HasRoute(dataType string) bool {
	_, exists := r.snap.Load().DataTypes[dataType]
	return exists
}

// StrategyFor 返回数据类型的回退策略，未配置时为 first_success
func (r *Registry) StrategyFor(dataType string) Strategy {
	config := r.snap.Load()
	if route, exists := config.DataTypes[dataType]; exists && route.Strategy != "" {
		return route.Strategy
	}
	return StrategyFirstSuccess
}

// CachePolicyFor 返回数据类型的缓存策略。
// 未配置时返回空策略，下游按默认 TTL 处理。
func (r *Registry) CachePolicyFor(dataType string) cache.Policy {
	config := r.snap.Load()
	if route, exists := config.DataTypes[dataType]; exists {
		return route.CachePolicy
	}
	return ""
}

// Provider 按 ID 查询提供商描述符
func (r *Registry) Provider(id string) (Provider, bool) {
	config := r.snap.Load()
	p, exists := config.Providers[id]
	return p, exists
}

// DataTypes 返回所有已配置的数据类型名
func (r *Registry) DataTypes() []string {
	config := r.snap.Load()
	types := make([]string, 0, len(config.DataTypes))
	for dt := range config.DataTypes {
		types = append(types, dt)
	}
	sort.Strings(types)
	return types
}

// RateLimits 查询提供商限额，供限速器作为 LimitSource 使用。
// 未知提供商按不限速处理。
func (r *Registry) RateLimits(providerID string) (perMinute int, perDay int) {
	config := r.snap.Load()
	p, exists := config.Providers[providerID]
	if !exists {
		return 0, 0
	}
	return p.RateLimitPerMinute, p.RateLimitPerDay
}

// ErrorHandling 返回失败追踪配置
func (r *Registry) ErrorHandling() breaker.Config {
	return r.snap.Load().ErrorHandling
}

// Status 汇总所有提供商的运行状态（状态接口用）
func (r *Registry) Status() []ProviderStatus {
	config := r.snap.Load()

	result := make([]ProviderStatus, 0, len(config.Providers))
	for id, p := range config.Providers {
		status := ProviderStatus{
			ID:            id,
			Name:          p.Name,
			Category:      p.Category,
			Priority:      p.Priority,
			Enabled:       p.Enabled,
			CredentialOK:  !p.APIKeyRequired || r.creds(id),
			QualityWeight: p.QualityWeight,
		}
		if r.breaker != nil {
			status.CircuitOpen = r.breaker.IsOpen(id)
			status.RecentFailures = r.breaker.RecentFailures(id)
		}
		result = append(result, status)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Priority < result[j].Priority
	})
	return result
}

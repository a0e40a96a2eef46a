// Package registry 管理数据源配置：提供商目录与数据类型路由。
// 配置从 YAML 文件加载，校验失败的配置整体拒绝，绝不部分生效。
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"tradescout/pkg/breaker"
	"tradescout/pkg/cache"
)

// Strategy 多提供商回退策略
type Strategy string

const (
	// StrategyFirstSuccess 按优先级依次尝试，取第一个成功结果
	StrategyFirstSuccess Strategy = "first_success"
	// StrategyMergeBest 并发调用全部候选，按质量权重选取单个完整结果
	StrategyMergeBest Strategy = "merge_best"
	// StrategyMergeAll 并发调用全部候选，聚合所有成功结果
	StrategyMergeAll Strategy = "merge_all"
	// StrategyRoundRobin 按数据类型轮转起始候选，其余同 first_success
	StrategyRoundRobin Strategy = "round_robin"
)

// ErrConfigInvalid 配置整体无效。触发 Reload 的调用方收到此错误时，
// 旧配置仍然完整生效。
var ErrConfigInvalid = errors.New("invalid data sources configuration")

// Provider 单个提供商的描述符，加载后不可变，重载时整体替换
type Provider struct {
	ID                    string        `mapstructure:"-"`
	Name                  string        `mapstructure:"name"`
	Category              string        `mapstructure:"type"` // free, freemium, paid
	Priority              int           `mapstructure:"priority"`
	RateLimitPerMinute    int           `mapstructure:"rate_limit_per_minute"`
	RateLimitPerDay       int           `mapstructure:"rate_limit_per_day"`
	APIKeyRequired        bool          `mapstructure:"api_key_required"`
	Enabled               bool          `mapstructure:"enabled"`
	SupportsExtendedHours bool          `mapstructure:"supports_extended_hours"`
	QualityWeight         int           `mapstructure:"quality_weight"`
	Timeout               time.Duration `mapstructure:"timeout"` // 单次调用超时
}

// Route 单个数据类型的路由策略
type Route struct {
	Description string       `mapstructure:"description"`
	Providers   []string     `mapstructure:"providers"`
	Strategy    Strategy     `mapstructure:"fallback_strategy"`
	CachePolicy cache.Policy `mapstructure:"cache_policy"`
}

// Config 完整的数据源配置
type Config struct {
	Providers      map[string]Provider `mapstructure:"providers"`
	DataTypes      map[string]Route    `mapstructure:"data_types"`
	QualityWeights map[string]int      `mapstructure:"quality_weights"`
	ErrorHandling  breaker.Config      `mapstructure:"error_handling"`
}

// LoadConfig 从 YAML 文件加载并校验配置
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrConfigInvalid, path, err)
	}

	normalize(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// normalize 填充派生字段与默认值
func normalize(config *Config) {
	for id, p := range config.Providers {
		p.ID = id
		if p.Name == "" {
			p.Name = id
		}
		if p.QualityWeight == 0 {
			p.QualityWeight = 5
		}
		if p.Timeout <= 0 {
			p.Timeout = 5 * time.Second
		}
		// quality_weights 段覆盖提供商自身的权重
		if w, ok := config.QualityWeights[id]; ok {
			p.QualityWeight = w
		}
		config.Providers[id] = p
	}

	for dt, route := range config.DataTypes {
		if route.Strategy == "" {
			route.Strategy = StrategyFirstSuccess
		}
		config.DataTypes[dt] = route
	}
}

// Validate 校验配置自洽性。任何错误都使整份配置被拒绝。
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("%w: no providers configured", ErrConfigInvalid)
	}

	for id, p := range c.Providers {
		if p.Priority <= 0 {
			return fmt.Errorf("%w: provider %s: priority must be positive", ErrConfigInvalid, id)
		}
		if p.RateLimitPerMinute <= 0 {
			return fmt.Errorf("%w: provider %s: rate_limit_per_minute must be positive", ErrConfigInvalid, id)
		}
		if p.RateLimitPerDay < 0 {
			return fmt.Errorf("%w: provider %s: rate_limit_per_day cannot be negative", ErrConfigInvalid, id)
		}
	}

	for dt, route := range c.DataTypes {
		if len(route.Providers) == 0 {
			return fmt.Errorf("%w: data type %s: empty provider list", ErrConfigInvalid, dt)
		}
		// 路由引用未知提供商属于配置错误，而非运行时跳过
		for _, pid := range route.Providers {
			if _, exists := c.Providers[pid]; !exists {
				return fmt.Errorf("%w: data type %s references unknown provider %s", ErrConfigInvalid, dt, pid)
			}
		}
		if !validStrategy(route.Strategy) {
			return fmt.Errorf("%w: data type %s: unknown strategy %q", ErrConfigInvalid, dt, route.Strategy)
		}
		if !validCachePolicy(route.CachePolicy) {
			return fmt.Errorf("%w: data type %s: unknown cache policy %q", ErrConfigInvalid, dt, route.CachePolicy)
		}
	}
	return nil
}

func validStrategy(s Strategy) bool {
	switch s {
	case StrategyFirstSuccess, StrategyMergeBest, StrategyMergeAll, StrategyRoundRobin:
		return true
	}
	return false
}

func validCachePolicy(p cache.Policy) bool {
	switch p {
	case "", cache.PolicyRealTime, cache.PolicyIntraday, cache.PolicyDaily,
		cache.PolicyFundamental, cache.PolicyHistorical:
		return true
	}
	return false
}

package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradescout/pkg/cache"
)

// stubBreaker 可编程的熔断状态
type stubBreaker struct {
	open map[string]bool
}

func (s *stubBreaker) IsOpen(providerID string) bool { return s.open[providerID] }
func (s *stubBreaker) RecentFailures(providerID string) int { return 0 }

func allCredentials(providerID string) bool { return true }
func noCredentials(providerID string) bool { return false }

func testConfig() *Config {
	return &Config{
		Providers: map[string]Provider{
			"yfinance": {Category: "free", Priority: 1, RateLimitPerMinute: 60, Enabled: true},
			"finnhub":  {Category: "freemium", Priority: 2, RateLimitPerMinute: 60, RateLimitPerDay: 500, APIKeyRequired: true, Enabled: true},
			"polygon":  {Category: "paid", Priority: 3, RateLimitPerMinute: 5, APIKeyRequired: true, Enabled: false},
		},
		DataTypes: map[string]Route{
			"current_quotes": {
				Providers:   []string{"finnhub", "yfinance", "polygon"},
				Strategy:    StrategyFirstSuccess,
				CachePolicy: cache.PolicyRealTime,
			},
		},
	}
}

func TestRegistry_ResolveCandidatesOrderedByPriority(t *testing.T) {
	reg, err := NewFromConfig(testConfig(), &stubBreaker{open: map[string]bool{}},
		WithCredentialFunc(allCredentials))
	require.NoError(t, err)

	candidates := reg.ResolveCandidates("current_quotes")
	require.Len(t, candidates, 2) // polygon 未启用
	assert.Equal(t, "yfinance", candidates[0].ID)
	assert.Equal(t, "finnhub", candidates[1].ID)
}

func TestRegistry_ResolveCandidatesFiltersCredentials(t *testing.T) {
	reg, err := NewFromConfig(testConfig(), &stubBreaker{open: map[string]bool{}},
		WithCredentialFunc(noCredentials))
	require.NoError(t, err)

	// finnhub 需要凭证且缺失，只剩 yfinance
	candidates := reg.ResolveCandidates("current_quotes")
	require.Len(t, candidates, 1)
	assert.Equal(t, "yfinance", candidates[0].ID)
}

func TestRegistry_ResolveCandidatesFiltersOpenCircuit(t *testing.T) {
	breaker := &stubBreaker{open: map[string]bool{"yfinance": true}}
	reg, err := NewFromConfig(testConfig(), breaker, WithCredentialFunc(allCredentials))
	require.NoError(t, err)

	candidates := reg.ResolveCandidates("current_quotes")
	require.Len(t, candidates, 1)
	assert.Equal(t, "finnhub", candidates[0].ID)
}

func TestRegistry_UnknownDataType(t *testing.T) {
	reg, err := NewFromConfig(testConfig(), &stubBreaker{open: map[string]bool{}},
		WithCredentialFunc(allCredentials))
	require.NoError(t, err)

	assert.False(t, reg.HasRoute("no_such_type"))
	assert.Empty(t, reg.ResolveCandidates("no_such_type"))
	assert.Equal(t, StrategyFirstSuccess, reg.StrategyFor("no_such_type"))
	assert.Equal(t, cache.Policy(""), reg.CachePolicyFor("no_such_type"))
}

func TestRegistry_EnvCredential(t *testing.T) {
	t.Setenv("TESTPROV_API_KEY", "secret")
	assert.True(t, EnvCredential("testprov"))
	assert.False(t, EnvCredential("otherprov"))
}

func TestRegistry_Normalization(t *testing.T) {
	config := testConfig()
	config.QualityWeights = map[string]int{"yfinance": 8}
	reg, err := NewFromConfig(config, &stubBreaker{open: map[string]bool{}},
		WithCredentialFunc(allCredentials))
	require.NoError(t, err)

	p, ok := reg.Provider("yfinance")
	require.True(t, ok)
	// quality_weights 段覆盖默认权重，超时回填默认值
	assert.Equal(t, 8, p.QualityWeight)
	assert.Equal(t, 5*time.Second, p.Timeout)
	assert.Equal(t, "yfinance", p.Name)

	p, ok = reg.Provider("finnhub")
	require.True(t, ok)
	assert.Equal(t, 5, p.QualityWeight)
}

func TestRegistry_RateLimits(t *testing.T) {
	reg, err := NewFromConfig(testConfig(), &stubBreaker{open: map[string]bool{}},
		WithCredentialFunc(allCredentials))
	require.NoError(t, err)

	perMinute, perDay := reg.RateLimits("finnhub")
	assert.Equal(t, 60, perMinute)
	assert.Equal(t, 500, perDay)

	perMinute, perDay = reg.RateLimits("unknown")
	assert.Equal(t, 0, perMinute)
	assert.Equal(t, 0, perDay)
}

func TestValidate_RejectsBadConfigs(t *testing.T) {
	// 路由引用未知提供商
	config := testConfig()
	config.DataTypes["current_quotes"] = Route{Providers: []string{"ghost"}, Strategy: StrategyFirstSuccess}
	assert.ErrorIs(t, config.Validate(), ErrConfigInvalid)

	// 未知策略
	config = testConfig()
	config.DataTypes["current_quotes"] = Route{Providers: []string{"yfinance"}, Strategy: "best_effort"}
	assert.ErrorIs(t, config.Validate(), ErrConfigInvalid)

	// 未知缓存策略
	config = testConfig()
	config.DataTypes["current_quotes"] = Route{
		Providers: []string{"yfinance"}, Strategy: StrategyFirstSuccess, CachePolicy: "forever",
	}
	assert.ErrorIs(t, config.Validate(), ErrConfigInvalid)

	// 非法限额
	config = testConfig()
	p := config.Providers["yfinance"]
	p.RateLimitPerMinute = 0
	config.Providers["yfinance"] = p
	assert.ErrorIs(t, config.Validate(), ErrConfigInvalid)
}

const validYAML = `
providers:
  yfinance:
    name: Yahoo Finance
    type: free
    priority: 1
    rate_limit_per_minute: 60
    enabled: true
data_types:
  current_quotes:
    providers: [yfinance]
    fallback_strategy: first_success
    cache_policy: real_time
error_handling:
  failure_window: 10m
  max_failures: 5
  cooldown: 10m
`

const invalidYAML = `
providers:
  yfinance:
    priority: 1
    rate_limit_per_minute: 60
    enabled: true
data_types:
  current_quotes:
    providers: [ghost]
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data_sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_FromYAML(t *testing.T) {
	path := writeConfigFile(t, validYAML)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "Yahoo Finance", config.Providers["yfinance"].Name)
	assert.Equal(t, 10*time.Minute, config.ErrorHandling.FailureWindow)
	assert.Equal(t, 5, config.ErrorHandling.MaxFailures)
	assert.Equal(t, cache.PolicyRealTime, config.DataTypes["current_quotes"].CachePolicy)
}

func TestReload_KeepsOldConfigOnFailure(t *testing.T) {
	path := writeConfigFile(t, validYAML)

	reg, err := New(path, &stubBreaker{open: map[string]bool{}},
		WithCredentialFunc(allCredentials))
	require.NoError(t, err)

	// 写入坏配置后重载失败，旧配置原样保留
	require.NoError(t, os.WriteFile(path, []byte(invalidYAML), 0644))
	err = reg.Reload()
	assert.ErrorIs(t, err, ErrConfigInvalid)

	candidates := reg.ResolveCandidates("current_quotes")
	require.Len(t, candidates, 1)
	assert.Equal(t, "yfinance", candidates[0].ID)
}

func TestRegistry_Status(t *testing.T) {
	breaker := &stubBreaker{open: map[string]bool{"finnhub": true}}
	reg, err := NewFromConfig(testConfig(), breaker, WithCredentialFunc(allCredentials))
	require.NoError(t, err)

	status := reg.Status()
	require.Len(t, status, 3)
	// 按优先级排序
	assert.Equal(t, "yfinance", status[0].ID)
	assert.True(t, status[1].CircuitOpen)
	assert.False(t, status[2].Enabled)
}

// Package breaker 实现按提供商统计的滑动窗口失败追踪。
// 窗口内失败次数达到阈值后提供商被临时禁用，冷却期满后无条件重新放开
// （乐观重开，不设半开探测态），失败历史同时清零。
package breaker

import (
	"sync"
	"time"

	"tradescout/pkg/logger"
)

// Config 失败追踪配置
type Config struct {
	FailureWindow time.Duration `mapstructure:"failure_window"` // 失败统计窗口
	MaxFailures   int           `mapstructure:"max_failures"`   // 触发禁用的失败次数阈值
	Cooldown      time.Duration `mapstructure:"cooldown"`       // 禁用后的冷却时长
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureWindow: 10 * time.Minute,
		MaxFailures:   5,
		Cooldown:      10 * time.Minute,
	}
}

// failureWindow 单个提供商的失败状态
type failureWindow struct {
	failures      []time.Time
	disabledUntil time.Time
}

// Tracker 失败追踪器。仅驻留内存，进程重启即清零
type Tracker struct {
	mu      sync.Mutex
	config  Config
	windows map[string]*failureWindow
	log     *logger.Entry
}

// NewTracker 创建失败追踪器
func NewTracker(config Config) *Tracker {
	if config.FailureWindow <= 0 {
		config.FailureWindow = DefaultConfig().FailureWindow
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultConfig().MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}

	return &Tracker{
		config:  config,
		windows: make(map[string]*failureWindow),
		log:     logger.WithComponent("breaker"),
	}
}

// RecordFailure 记录一次失败。窗口外的旧失败先被剪除，
// 剪除后数量达到阈值则打开熔断（设置 disabledUntil）。
func (t *Tracker) RecordFailure(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	w := t.windows[providerID]
	if w == nil {
		w = &failureWindow{}
		t.windows[providerID] = w
	}

	w.failures = append(w.failures, now)
	w.failures = pruneBefore(w.failures, now.Add(-t.config.FailureWindow))

	if len(w.failures) >= t.config.MaxFailures {
		w.disabledUntil = now.Add(t.config.Cooldown)
		t.log.Warnf("提供商 %s 连续失败 %d 次，禁用至 %s",
			providerID, len(w.failures), w.disabledUntil.Format(time.RFC3339))
	}
}

// RecordSuccess 记录一次成功，清空该提供商的失败历史
func (t *Tracker) RecordSuccess(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, exists := t.windows[providerID]; exists {
		w.failures = nil
	}
}

// IsOpen 判断提供商熔断是否打开。
// 冷却期已过时在本次检查中完成 Open→Closed 转换：
// 清除 disabledUntil 与失败历史，提供商重新可用。
func (t *Tracker) IsOpen(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, exists := t.windows[providerID]
	if !exists || w.disabledUntil.IsZero() {
		return false
	}

	if time.Now().Before(w.disabledUntil) {
		return true
	}

	// 冷却结束，无条件重新放开并清空历史
	w.disabledUntil = time.Time{}
	w.failures = nil
	t.log.Infof("提供商 %s 冷却结束，重新启用", providerID)
	return false
}

// RecentFailures 返回提供商当前窗口内的失败次数（状态查询用）
func (t *Tracker) RecentFailures(providerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, exists := t.windows[providerID]
	if !exists {
		return 0
	}
	w.failures = pruneBefore(w.failures, time.Now().Add(-t.config.FailureWindow))
	return len(w.failures)
}

// Reset 清空全部失败状态（测试用）
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.windows = make(map[string]*failureWindow)
}

// pruneBefore 剪除早于 cutoff 的时间戳
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

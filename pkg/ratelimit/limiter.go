// Package ratelimit 实现按提供商统计的滑动窗口请求限速。
// 独立于熔断状态工作：熔断保护的是失败的提供商，限速保护的是正常的提供商。
package ratelimit

import (
	"sync"
	"time"
)

// LimitSource 查询某提供商的限额（每分钟、每天）。
// 返回 0 表示对应维度不限制。通常由 Registry 提供。
type LimitSource func(providerID string) (perMinute int, perDay int)

// Limiter 滑动窗口限速器
type Limiter struct {
	mu     sync.Mutex
	window time.Duration // 分钟级窗口宽度，默认 60s
	source LimitSource
	slots  map[string]*providerSlots
}

// providerSlots 单个提供商已消耗的请求时间戳
type providerSlots struct {
	minute []time.Time
	day    []time.Time
}

// NewLimiter 创建限速器。window<=0 时使用 60 秒
func NewLimiter(window time.Duration, source LimitSource) *Limiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Limiter{
		window: window,
		source: source,
		slots:  make(map[string]*providerSlots),
	}
}

// TryAcquire 尝试占用一个请求名额。
// 窗口内已用名额少于限额时返回 true 并记录当前时间戳。
func (l *Limiter) TryAcquire(providerID string) bool {
	perMinute, perDay := l.source(providerID)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	s := l.slots[providerID]
	if s == nil {
		s = &providerSlots{}
		l.slots[providerID] = s
	}

	s.minute = pruneBefore(s.minute, now.Add(-l.window))
	s.day = pruneBefore(s.day, now.Add(-24*time.Hour))

	if perMinute > 0 && len(s.minute) >= perMinute {
		return false
	}
	if perDay > 0 && len(s.day) >= perDay {
		return false
	}

	s.minute = append(s.minute, now)
	s.day = append(s.day, now)
	return true
}

// TimeUntilNextSlot 返回距最早时间戳移出分钟窗口还需等待的时长。
// 当前未被限速时返回 0，供希望等待而非跳过的调用方使用。
func (l *Limiter) TimeUntilNextSlot(providerID string) time.Duration {
	perMinute, _ := l.source(providerID)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	s := l.slots[providerID]
	if s == nil {
		return 0
	}

	s.minute = pruneBefore(s.minute, now.Add(-l.window))
	if perMinute <= 0 || len(s.minute) < perMinute {
		return 0
	}

	oldest := s.minute[0]
	return oldest.Add(l.window).Sub(now)
}

// Reset 清空全部已记录的请求（测试用）
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots = make(map[string]*providerSlots)
}

// pruneBefore 剪除早于 cutoff 的时间戳，保持原有顺序
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

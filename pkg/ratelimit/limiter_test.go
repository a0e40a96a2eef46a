package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedLimits(perMinute, perDay int) LimitSource {
	return func(providerID string) (int, int) {
		return perMinute, perDay
	}
}

func TestLimiter_MinuteBudget(t *testing.T) {
	l := NewLimiter(time.Minute, fixedLimits(3, 0))

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire("yfinance"), "第 %d 次请求应成功", i+1)
	}
	assert.False(t, l.TryAcquire("yfinance"))

	// 不同提供商互不影响
	assert.True(t, l.TryAcquire("finnhub"))
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := NewLimiter(30*time.Millisecond, fixedLimits(2, 0))

	assert.True(t, l.TryAcquire("yfinance"))
	assert.True(t, l.TryAcquire("yfinance"))
	assert.False(t, l.TryAcquire("yfinance"))

	time.Sleep(50 * time.Millisecond)

	// 旧时间戳滑出窗口后名额恢复
	assert.True(t, l.TryAcquire("yfinance"))
}

func TestLimiter_DayBudget(t *testing.T) {
	// 分钟窗口极短，但日限额仍然累计
	l := NewLimiter(10*time.Millisecond, fixedLimits(0, 3))

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire("yfinance"))
		time.Sleep(15 * time.Millisecond)
	}
	assert.False(t, l.TryAcquire("yfinance"))
}

func TestLimiter_UnlimitedWhenZero(t *testing.T) {
	l := NewLimiter(time.Minute, fixedLimits(0, 0))

	for i := 0; i < 100; i++ {
		assert.True(t, l.TryAcquire("yfinance"))
	}
}

func TestLimiter_TimeUntilNextSlot(t *testing.T) {
	l := NewLimiter(time.Minute, fixedLimits(1, 0))

	assert.Equal(t, time.Duration(0), l.TimeUntilNextSlot("yfinance"))

	assert.True(t, l.TryAcquire("yfinance"))
	wait := l.TimeUntilNextSlot("yfinance")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter(time.Minute, fixedLimits(1, 0))

	assert.True(t, l.TryAcquire("yfinance"))
	assert.False(t, l.TryAcquire("yfinance"))

	l.Reset()
	assert.True(t, l.TryAcquire("yfinance"))
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"tradescout/pkg/logger"
)

// HTTPFetcher 带熔断保护的 HTTP JSON 客户端。
// 这里的熔断针对单个提供商的传输层故障（连接失败、5xx），
// 与协调器层面的失败追踪互补：传输层快速失败，业务层统计禁用。
type HTTPFetcher struct {
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	log    *logger.Entry
}

// NewHTTPFetcher 创建 HTTP 客户端。name 用于熔断器标识与日志
func NewHTTPFetcher(name string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	log := logger.WithComponent("httpfetch")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("熔断器 %s 状态变化: %s -> %s", name, from, to)
		},
	})

	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		cb:     cb,
		log:    log,
	}
}

// GetJSON 发起 GET 请求并将响应 JSON 解码到 out。
// 熔断打开或传输失败时返回 ErrProviderUnavailable。
func (f *HTTPFetcher) GetJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	body, err := f.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			// 4xx 不触发熔断计数之外的重试，直接透传状态
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, f.cb.Name())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	data, ok := body.([]byte)
	if !ok || len(data) == 0 {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode failed: %v", ErrEmptyResponse, err)
	}
	return nil
}

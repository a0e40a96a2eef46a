// Package provider 定义外部数据提供商的适配器契约。
// 协调器只依赖 Adapter 接口，具体提供商（yfinance、finnhub 等）
// 各自实现拉取逻辑，通过 HTTPFetcher 获得统一的超时与熔断保护。
package provider

import (
	"context"
	"errors"

	"tradescout/pkg/market"
)

var (
	// ErrProviderUnavailable 提供商暂时不可用（网络故障、上游 5xx、超时）
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrNotSupported 提供商不支持请求的数据类型
	ErrNotSupported = errors.New("data type not supported by provider")

	// ErrEmptyResponse 提供商返回了无法解析出数据的响应
	ErrEmptyResponse = errors.New("provider returned empty response")
)

// Adapter 数据提供商适配器。
// Fetch 返回空 Result 且 err 为 nil 表示成功但无数据，
// 该结果可被缓存，不计入失败。
type Adapter interface {
	// ID 返回提供商标识，与配置中的键一致
	ID() string

	// Fetch 拉取指定数据类型的数据。
	// params 携带请求参数（如 symbol、interval、period）。
	Fetch(ctx context.Context, dataType string, params map[string]string) (market.Result, error)
}

// AdapterFunc 函数式适配器（测试用）
type AdapterFunc struct {
	ProviderID string
	FetchFunc  func(ctx context.Context, dataType string, params map[string]string) (market.Result, error)
}

// ID 返回提供商标识
func (a *AdapterFunc) ID() string {
	return a.ProviderID
}

// Fetch 调用内部函数
func (a *AdapterFunc) Fetch(ctx context.Context, dataType string, params map[string]string) (market.Result, error) {
	return a.FetchFunc(ctx, dataType, params)
}

var _ Adapter = (*AdapterFunc)(nil)

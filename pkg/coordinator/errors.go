package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoute 数据类型没有配置路由
	ErrNoRoute = errors.New("no route configured for data type")

	// ErrNoProviderAvailable 所有候选提供商都不可用或都失败了
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrCancelled 请求被调用方取消或超时
	ErrCancelled = errors.New("request cancelled")
)

// ProviderError 携带提供商标识的单次调用失败
type ProviderError struct {
	Provider string
	Err      error
}

// Error 实现 error 接口
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

// Unwrap 支持 errors.Is / errors.As 链式匹配
func (e *ProviderError) Unwrap() error {
	return e.Err
}

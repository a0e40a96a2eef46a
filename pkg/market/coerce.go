package market

import "encoding/json"

// CoerceResult 将缓存负载还原为 Result。
// 内存缓存命中时负载仍是 Result 原值，Redis 命中时负载是
// JSON 解码出的 map 形态，这里通过一次 JSON 往返完成还原。
func CoerceResult(payload interface{}) (Result, bool) {
	switch v := payload.(type) {
	case Result:
		return v, true
	case *Result:
		if v != nil {
			return *v, true
		}
		return Result{}, false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, false
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, false
	}
	if result.Kind == "" {
		return Result{}, false
	}
	return result, true
}

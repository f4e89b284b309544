package util

import "strings"

// Lookup 按点路径在事件数据中查找值，例如 "order.total_amount"
// 路径不存在时返回 (nil, false)，由调用方决定"未命中"的语义
func Lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

package template

import (
	"fmt"
	"regexp"
	"strings"

	"garment-ops-engine/internal/util"
)

// placeholderPattern 匹配 {{a.b.c}} 形式的占位符，允许两侧空白
var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Resolve 用事件数据解析字符串中的占位符
// 这是触发器配置的公开模板约定：{{order.id}} 会被替换为 data["order"]["id"]
// 解析永远不会失败：未命中的占位符原样保留，方便排查配置问题
func Resolve(pattern string, data map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(pattern, func(token string) string {
		path := placeholderPattern.FindStringSubmatch(token)[1]
		value, ok := util.Lookup(data, path)
		if !ok {
			return token
		}
		return stringify(value)
	})
}

// ResolveConfig 对动作配置做一次深拷贝，并解析其中所有字符串值的占位符
// 非字符串值（数值、布尔、嵌套结构）原样保留
func ResolveConfig(config map[string]any, data map[string]any) map[string]any {
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		switch v := value.(type) {
		case string:
			resolved[key] = Resolve(v, data)
		case map[string]any:
			resolved[key] = ResolveConfig(v, data)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if s, ok := item.(string); ok {
					items[i] = Resolve(s, data)
				} else {
					items[i] = item
				}
			}
			resolved[key] = items
		default:
			resolved[key] = value
		}
	}
	return resolved
}

// stringify 将任意值转为占位符替换文本
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON 解码的数字统一是 float64，整数值不输出小数点
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	default:
		return fmt.Sprintf("%v", v)
	}
}

package rules

import (
	"fmt"
	"reflect"

	"github.com/antonmedv/expr"

	"garment-ops-engine/internal/util"
)

// Matches 判断事件数据是否满足触发器的条件集
// 纯函数：所有条件取与，空条件集恒为真；字段缺失视为不匹配，而不是错误
//
// 条件值本身是 map 时按操作符对象解释，支持:
//
//	{"$gt": n} {"$gte": n} {"$lt": n} {"$lte": n}   数值比较
//	{"$in": [...]}                                   集合成员
//	{"$ne": v} / {"$not": v}                         不等
//
// 其余情况按相等比较
func Matches(conditions map[string]any, data map[string]any) bool {
	for path, expected := range conditions {
		actual, found := util.Lookup(data, path)

		if ops, ok := expected.(map[string]any); ok {
			if !found {
				return false
			}
			if !matchOperators(ops, actual) {
				return false
			}
			continue
		}

		if !found || !looseEqual(actual, expected) {
			return false
		}
	}
	return true
}

// matchOperators 应用操作符对象中的全部操作符（取与）
func matchOperators(ops map[string]any, actual any) bool {
	for op, operand := range ops {
		switch op {
		case "$gt", "$gte", "$lt", "$lte":
			a, okA := toFloat(actual)
			b, okB := toFloat(operand)
			if !okA || !okB {
				return false
			}
			switch op {
			case "$gt":
				if !(a > b) {
					return false
				}
			case "$gte":
				if !(a >= b) {
					return false
				}
			case "$lt":
				if !(a < b) {
					return false
				}
			case "$lte":
				if !(a <= b) {
					return false
				}
			}
		case "$in":
			if !memberOf(operand, actual) {
				return false
			}
		case "$ne", "$not":
			if looseEqual(actual, operand) {
				return false
			}
		default:
			// 未知操作符属于配置错误，按不匹配处理，不抛错
			return false
		}
	}
	return true
}

// EvalExpression 执行触发器上可选的 expr 规则表达式
// 表达式为空时恒为真；编译/执行失败返回错误，由调用方记录日志并视为不匹配
func EvalExpression(src string, data map[string]any) (bool, error) {
	if src == "" {
		return true, nil
	}
	env := map[string]any{"event": data}
	program, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return false, fmt.Errorf("rule compilation failed: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return matched, nil
}

// memberOf 判断 actual 是否是 operand 集合的成员
func memberOf(operand any, actual any) bool {
	v := reflect.ValueOf(operand)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < v.Len(); i++ {
		if looseEqual(actual, v.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// looseEqual 做跨类型的宽松相等比较
// 事件数据经过 JSON 解码后数字都是 float64，条件里却可能写的是 int
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// toFloat 尝试把任意数值类型转为 float64
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

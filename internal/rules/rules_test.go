package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesEquality(t *testing.T) {
	data := map[string]any{
		"status": "APPROVED",
		"order": map[string]any{
			"total_amount": 12000.0,
		},
	}

	// 顶层字段相等
	assert.True(t, Matches(map[string]any{"status": "APPROVED"}, data))
	assert.False(t, Matches(map[string]any{"status": "REJECTED"}, data))

	// 点路径嵌套字段
	assert.True(t, Matches(map[string]any{"order.total_amount": 12000}, data))

	// JSON 解码后数字是 float64，条件写 int 也要能匹配
	assert.True(t, Matches(map[string]any{"order.total_amount": 12000.0}, data))
}

func TestMatchesOperators(t *testing.T) {
	data := map[string]any{
		"defect_rate": 0.08,
		"priority":    "HIGH",
		"quantity":    500.0,
	}

	cases := []struct {
		name       string
		conditions map[string]any
		want       bool
	}{
		{"gt 命中", map[string]any{"defect_rate": map[string]any{"$gt": 0.05}}, true},
		{"gt 未命中", map[string]any{"defect_rate": map[string]any{"$gt": 0.1}}, false},
		{"gte 边界", map[string]any{"quantity": map[string]any{"$gte": 500}}, true},
		{"lt 命中", map[string]any{"defect_rate": map[string]any{"$lt": 0.1}}, true},
		{"lte 边界", map[string]any{"quantity": map[string]any{"$lte": 500}}, true},
		{"in 命中", map[string]any{"priority": map[string]any{"$in": []any{"HIGH", "URGENT"}}}, true},
		{"in 未命中", map[string]any{"priority": map[string]any{"$in": []any{"LOW"}}}, false},
		{"ne 命中", map[string]any{"priority": map[string]any{"$ne": "LOW"}}, true},
		{"not 是 ne 的别名", map[string]any{"priority": map[string]any{"$not": "HIGH"}}, false},
		{"未知操作符按不匹配处理", map[string]any{"priority": map[string]any{"$regex": ".*"}}, false},
		{"同一字段多操作符取与", map[string]any{"quantity": map[string]any{"$gt": 100, "$lt": 1000}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.conditions, data))
		})
	}
}

func TestMatchesMissingField(t *testing.T) {
	data := map[string]any{"status": "APPROVED"}

	// 字段缺失视为不匹配，而不是错误
	assert.False(t, Matches(map[string]any{"order.id": "O1"}, data))
	assert.False(t, Matches(map[string]any{"missing": map[string]any{"$gt": 1}}, data))
}

func TestMatchesEmptyConditions(t *testing.T) {
	// 空条件集恒为真
	assert.True(t, Matches(nil, map[string]any{"anything": 1}))
	assert.True(t, Matches(map[string]any{}, nil))
}

func TestMatchesMultipleConditionsAreANDed(t *testing.T) {
	data := map[string]any{"status": "APPROVED", "quantity": 50.0}

	assert.True(t, Matches(map[string]any{
		"status":   "APPROVED",
		"quantity": map[string]any{"$lt": 100},
	}, data))
	assert.False(t, Matches(map[string]any{
		"status":   "APPROVED",
		"quantity": map[string]any{"$gt": 100},
	}, data))
}

func TestEvalExpression(t *testing.T) {
	data := map[string]any{"quantity": 500.0, "status": "APPROVED"}

	// 空表达式恒为真
	ok, err := EvalExpression("", data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalExpression(`event.quantity > 100 && event.status == "APPROVED"`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalExpression(`event.quantity > 1000`, data)
	require.NoError(t, err)
	assert.False(t, ok)

	// 编译失败返回错误，由调用方视为不匹配
	_, err = EvalExpression(`event.quantity >`, data)
	require.Error(t, err)
}

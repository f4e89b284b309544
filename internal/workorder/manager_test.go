package workorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garment-ops-engine/internal/event"
	"garment-ops-engine/internal/metrics"
	"garment-ops-engine/internal/production"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/web"
)

// 固定测试时钟，保证编号年月和优先级推导可复现
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, store.Store, *event.Bus) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	st := store.NewInMem()
	bus := event.NewBus(64, 1, logger)
	floor := web.NewFloorTracker(web.NewHub())
	tracker := production.NewTracker(st, bus, floor, logger)
	m := NewManager(st, bus, tracker, floor, Policy{}, logger)
	m.now = func() time.Time { return testNow }
	return m, st, bus
}

func addOperator(t *testing.T, st store.Store, id string, skills []string, efficiency float64, registered time.Time) {
	t.Helper()
	require.NoError(t, st.PutOperator(context.Background(), types.Operator{
		ID:               id,
		WorkspaceID:      "ws-1",
		Name:             id,
		Skills:           skills,
		EfficiencyRating: efficiency,
		Active:           true,
		RegisteredAt:     registered,
	}))
}

func TestCreateDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)

	wo, err := m.Create(context.Background(), CreateRequest{
		WorkspaceID: "ws-1",
		Type:        types.WorkOrderProduction,
		Title:       "裁剪",
	})
	require.NoError(t, err)

	assert.Equal(t, types.WorkOrderPending, wo.Status)
	assert.Equal(t, types.PriorityMedium, wo.Priority)
	assert.Equal(t, 8.0, wo.EstimatedDurationHours)
	assert.Equal(t, testNow, wo.ScheduledStart)
	assert.Equal(t, testNow.Add(8*time.Hour), wo.ScheduledEnd)
	assert.Equal(t, "WO-PRO-2603-0001", wo.WorkOrderNumber)
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{Title: "缺类型"})
	assert.Error(t, err)
	_, err = m.Create(ctx, CreateRequest{Type: types.WorkOrderProduction})
	assert.Error(t, err)
}

func TestNumberingSequence(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// 同类型同年月的编号严格递增
	var numbers []string
	for i := 0; i < 3; i++ {
		wo, err := m.Create(ctx, CreateRequest{Type: types.WorkOrderProduction, Title: "生产"})
		require.NoError(t, err)
		numbers = append(numbers, wo.WorkOrderNumber)
	}
	assert.Equal(t, []string{"WO-PRO-2603-0001", "WO-PRO-2603-0002", "WO-PRO-2603-0003"}, numbers)

	// 不同类型是独立序列
	wo, err := m.Create(ctx, CreateRequest{Type: types.WorkOrderMaintenance, Title: "维修"})
	require.NoError(t, err)
	assert.Equal(t, "WO-MAI-2603-0001", wo.WorkOrderNumber)

	// 年月取排程开始时间
	wo, err = m.Create(ctx, CreateRequest{
		Type:           types.WorkOrderProduction,
		Title:          "下月生产",
		ScheduledStart: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wo.WorkOrderNumber, "WO-PRO-2604-"))
	assert.Equal(t, "WO-PRO-2604-0001", wo.WorkOrderNumber)
}

func TestStartRequiresCompletedDependencies(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, CreateRequest{Type: types.WorkOrderProduction, Title: "裁剪"})
	require.NoError(t, err)
	second, err := m.Create(ctx, CreateRequest{
		Type:         types.WorkOrderProduction,
		Title:        "缝制",
		Dependencies: []string{first.ID},
	})
	require.NoError(t, err)

	// 依赖未完成，不可开工
	_, err = m.Start(ctx, second.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), first.WorkOrderNumber)

	// 完成依赖后可以开工
	_, err = m.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = m.Complete(ctx, first.ID, CompleteOptions{})
	require.NoError(t, err)

	started, err := m.Start(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderInProgress, started.Status)
	require.NotNil(t, started.ActualStart)
}

func TestProgressMonotonic(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	wo, err := m.Create(ctx, CreateRequest{Type: types.WorkOrderProduction, Title: "缝制"})
	require.NoError(t, err)

	// 未开工不接受进度
	_, err = m.UpdateProgress(ctx, wo.ID, 10)
	assert.Error(t, err)

	_, err = m.Start(ctx, wo.ID)
	require.NoError(t, err)

	got, err := m.UpdateProgress(ctx, wo.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.ProgressPercentage)

	// 回退被拒绝且状态不变
	_, err = m.UpdateProgress(ctx, wo.ID, 40)
	require.Error(t, err)
	got, err = m.Get(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.ProgressPercentage)

	// 超过 100 收敛到 100
	got, err = m.UpdateProgress(ctx, wo.ID, 150)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.ProgressPercentage)
}

func TestCompleteLifecycle(t *testing.T) {
	m, _, bus := newTestManager(t)
	ctx := context.Background()

	var completed []event.Event
	bus.Subscribe(types.EventWorkOrderCompleted, func(_ context.Context, e event.Event) {
		completed = append(completed, e)
	})

	wo, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "裁剪"})
	require.NoError(t, err)

	// 从未开工的工单不可完工
	_, err = m.Complete(ctx, wo.ID, CompleteOptions{})
	assert.Error(t, err)

	_, err = m.Start(ctx, wo.ID)
	require.NoError(t, err)

	done, err := m.Complete(ctx, wo.ID, CompleteOptions{ActualDurationHours: 6.5})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderCompleted, done.Status)
	assert.Equal(t, 100.0, done.ProgressPercentage)
	assert.Equal(t, 6.5, done.ActualDurationHours)
	require.NotNil(t, done.ActualEnd)

	// 终态不可重复完工
	_, err = m.Complete(ctx, wo.ID, CompleteOptions{})
	assert.Error(t, err)

	bus.Drain(ctx)
	require.Len(t, completed, 1)
	assert.Equal(t, done.WorkOrderNumber, completed[0].Data["work_order_number"])
}

func TestCompleteUnblocksDependents(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "裁剪"})
	require.NoError(t, err)
	second, err := m.Create(ctx, CreateRequest{
		WorkspaceID:  "ws-1",
		Type:         types.WorkOrderProduction,
		Title:        "缝制",
		Dependencies: []string{first.ID},
		// 错开排程窗口，避免与 first 的派工冲突
		ScheduledStart: testNow.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	// 操作员在依赖完成前不会被派到 second
	addOperator(t, st, "op-1", nil, 80, testNow.Add(-time.Hour))
	ok, err := m.TryAssign(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = m.Complete(ctx, first.ID, CompleteOptions{})
	require.NoError(t, err)

	// 完工扫描自动解锁并派工下游工单
	got, err := m.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderAssigned, got.Status)
	assert.Equal(t, "op-1", got.AssignedTo)
}

func TestCancelHoldResume(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	wo, err := m.Create(ctx, CreateRequest{Type: types.WorkOrderProduction, Title: "裁剪"})
	require.NoError(t, err)

	// 挂起再恢复，回到待分配
	held, err := m.Hold(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderOnHold, held.Status)

	resumed, err := m.Resume(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderPending, resumed.Status)
	assert.Empty(t, resumed.AssignedTo)

	// 执行中的工单不可取消
	_, err = m.Start(ctx, wo.ID)
	require.NoError(t, err)
	_, err = m.Cancel(ctx, wo.ID)
	assert.Error(t, err)

	// 完成后的工单不可挂起
	_, err = m.Complete(ctx, wo.ID, CompleteOptions{})
	require.NoError(t, err)
	_, err = m.Hold(ctx, wo.ID)
	assert.Error(t, err)
}

func TestCreateFromTemplate(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, st.PutTemplate(ctx, types.WorkOrderTemplate{
		ID:                   "tpl-maint",
		Name:                 "季度保养",
		Type:                 types.WorkOrderMaintenance,
		DefaultDurationHours: 3,
		RequiredSkills:       []string{"maintenance"},
		Instructions:         "按保养手册执行",
	}))

	// 模板提供默认值
	wo, err := m.CreateFromTemplate(ctx, "tpl-maint", CreateRequest{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderMaintenance, wo.Type)
	assert.Equal(t, "季度保养", wo.Title)
	assert.Equal(t, 3.0, wo.EstimatedDurationHours)
	assert.Equal(t, []string{"maintenance"}, wo.RequiredSkills)

	// 请求中的非零字段覆盖模板
	wo, err = m.CreateFromTemplate(ctx, "tpl-maint", CreateRequest{
		WorkspaceID:            "ws-1",
		Title:                  "紧急保养",
		EstimatedDurationHours: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "紧急保养", wo.Title)
	assert.Equal(t, 1.0, wo.EstimatedDurationHours)

	_, err = m.CreateFromTemplate(ctx, "no-such-template", CreateRequest{})
	assert.Error(t, err)
}

func TestGenerateForOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	delivery := testNow.Add(8 * 24 * time.Hour)
	orders, err := m.GenerateForOrder(ctx, GenerateRequest{
		WorkspaceID:  "ws-1",
		OrderID:      "O-2026-001",
		Quantity:     250,
		DeliveryDate: delivery,
		CreatedBy:    "automation",
	})
	require.NoError(t, err)
	require.Len(t, orders, len(types.StageSequence))

	for i, wo := range orders {
		assert.Equal(t, types.StageSequence[i], wo.ProductionStage)
		assert.Equal(t, "O-2026-001", wo.OrderID)
		assert.Equal(t, 250, wo.Quantity)
		// 距交期 8 天 => HIGH
		assert.Equal(t, types.PriorityHigh, wo.Priority)

		// 依赖链：每道工序依赖前一道
		if i == 0 {
			assert.Empty(t, wo.Dependencies)
		} else {
			assert.Equal(t, []string{orders[i-1].ID}, wo.Dependencies)
		}

		// 从交期倒推，相邻工序间隔 2 天
		wantStart := delivery.Add(-time.Duration(len(types.StageSequence)-i) * 2 * 24 * time.Hour)
		assert.Equal(t, wantStart, wo.ScheduledStart)
	}

	// 工时按批量缩放：250 件 => 3 个批量，裁剪 4h/批 => 12h
	assert.Equal(t, 12.0, orders[0].EstimatedDurationHours)
	// 缝制 12h/批 => 36h
	assert.Equal(t, 36.0, orders[2].EstimatedDurationHours)
}

func TestGenerateForOrderPriorityByDeadline(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		days int
		want types.WorkOrderPriority
	}{
		{1, types.PriorityCritical},
		{4, types.PriorityUrgent},
		{9, types.PriorityHigh},
		{20, types.PriorityMedium},
	}
	for _, tc := range cases {
		orders, err := m.GenerateForOrder(ctx, GenerateRequest{
			OrderID:      "O-x",
			Quantity:     100,
			DeliveryDate: testNow.Add(time.Duration(tc.days) * 24 * time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, tc.want, orders[0].Priority, "距交期 %d 天", tc.days)
	}
}

func TestGenerateForOrderValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.GenerateForOrder(ctx, GenerateRequest{Quantity: 100, DeliveryDate: testNow})
	assert.Error(t, err)
	_, err = m.GenerateForOrder(ctx, GenerateRequest{OrderID: "O1", Quantity: 0, DeliveryDate: testNow})
	assert.Error(t, err)
	_, err = m.GenerateForOrder(ctx, GenerateRequest{OrderID: "O1", Quantity: 100})
	assert.Error(t, err)
}

// API 请求体与持久化格式统一 snake_case
func TestCreateRequestDecodesSnakeCase(t *testing.T) {
	payload := `{
		"workspace_id": "ws-1",
		"type": "PRODUCTION",
		"title": "裁剪",
		"order_id": "O1",
		"production_stage": "CUTTING",
		"quantity": 250,
		"estimated_duration_hours": 6.5,
		"required_skills": ["cutting"]
	}`

	var req CreateRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))
	assert.Equal(t, "ws-1", req.WorkspaceID)
	assert.Equal(t, types.WorkOrderProduction, req.Type)
	assert.Equal(t, "O1", req.OrderID)
	assert.Equal(t, types.StageCutting, req.ProductionStage)
	assert.Equal(t, 250, req.Quantity)
	assert.Equal(t, 6.5, req.EstimatedDurationHours)
	assert.Equal(t, []string{"cutting"}, req.RequiredSkills)
}

func TestRefreshCountsLabelsWorkspace(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-metrics-a", Type: types.WorkOrderProduction, Title: "A"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateRequest{WorkspaceID: "ws-metrics-b", Type: types.WorkOrderProduction, Title: "B1"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateRequest{WorkspaceID: "ws-metrics-b", Type: types.WorkOrderProduction, Title: "B2"})
	require.NoError(t, err)

	// 各工作区的计数独立，后写入的工作区不覆盖前一个
	pending := string(types.WorkOrderPending)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkOrdersByStatus.WithLabelValues("ws-metrics-a", pending)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.WorkOrdersByStatus.WithLabelValues("ws-metrics-b", pending)))
}

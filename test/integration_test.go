package test

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garment-ops-engine/internal/automation"
	"garment-ops-engine/internal/event"
	"garment-ops-engine/internal/production"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/web"
	"garment-ops-engine/internal/workorder"
)

// testApp 是一套完整组装的引擎实例
type testApp struct {
	st       store.Store
	bus      *event.Bus
	tracker  *production.Tracker
	orders   *workorder.Manager
	registry *automation.Registry
}

// setupTestApp 按主程序的接线方式组装整个引擎，并载入默认触发器
func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	st := store.NewInMem()
	bus := event.NewBus(256, 1, logger)
	hub := web.NewHub()
	go hub.Run()
	floor := web.NewFloorTracker(hub)

	tracker := production.NewTracker(st, bus, floor, logger)
	orders := workorder.NewManager(st, bus, tracker, floor, workorder.Policy{}, logger)

	executor := automation.NewExecutor(st, orders, nil, nil, nil, automation.ExecutorConfig{
		BaseRetryDelay: time.Millisecond,
		DelayUnit:      time.Millisecond,
	}, logger)
	registry := automation.NewRegistry(st, executor, logger)

	ctx := context.Background()
	for _, trigger := range automation.DefaultTriggers() {
		require.NoError(t, registry.Register(ctx, trigger))
	}
	bus.SubscribeAll(registry.HandleEvent)

	return &testApp{st: st, bus: bus, tracker: tracker, orders: orders, registry: registry}
}

// TestOrderApprovedGeneratesStageWorkOrders 验证主链路：
// 订单审批通过 -> 默认触发器命中 -> 生成覆盖全部工序的工单链
func TestOrderApprovedGeneratesStageWorkOrders(t *testing.T) {
	app := setupTestApp(t)
	ctx := context.Background()

	app.bus.Publish(event.Event{
		Kind: types.EventOrderApproved,
		Data: map[string]any{
			"order_id":           "O-2026-001",
			"workspace_id":       "ws-1",
			"quantity":           250.0,
			"requested_deadline": time.Now().Add(8 * 24 * time.Hour).Format(time.RFC3339),
		},
	})
	app.bus.Drain(ctx)

	orders, err := app.st.ListWorkOrders(ctx, store.WorkOrderFilter{OrderID: "O-2026-001"})
	require.NoError(t, err)
	require.Len(t, orders, len(types.StageSequence))

	// 每道工序一张工单，依赖前一道
	byStage := make(map[types.Stage]types.WorkOrder)
	for _, wo := range orders {
		byStage[wo.ProductionStage] = wo
		assert.Equal(t, types.WorkOrderProduction, wo.Type)
		assert.Equal(t, 250, wo.Quantity)
	}
	require.Len(t, byStage, len(types.StageSequence))
	assert.Empty(t, byStage[types.StageCutting].Dependencies)
	assert.Equal(t,
		[]string{byStage[types.StageCutting].ID},
		byStage[types.StagePrinting].Dependencies)
}

// TestQualityCheckFailedEscalates 验证质检不通过的处置链路：
// 恰好一条包含订单号的通知 + 一张加急返检工单
func TestQualityCheckFailedEscalates(t *testing.T) {
	app := setupTestApp(t)
	ctx := context.Background()

	app.bus.Publish(event.Event{
		Kind: types.EventQualityCheckFailed,
		Data: map[string]any{
			"order_id":     "O2",
			"workspace_id": "ws-1",
			"stage":        "SEWING",
			"defect_rate":  0.12,
		},
	})
	app.bus.Drain(ctx)

	notifications, err := app.st.ListNotifications(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.True(t, strings.Contains(notifications[0].Title, "O2"))

	orders, err := app.st.ListWorkOrders(ctx, store.WorkOrderFilter{Type: types.WorkOrderQualityCheck})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, types.PriorityUrgent, orders[0].Priority)
	assert.Equal(t, "O2", orders[0].OrderID)
}

// TestMachineErrorFeedbackLoop 验证遥测反馈回路：
// 设备 ERROR 上报 -> MACHINE_ALERT 进入总线 -> 触发器创建维修工单
func TestMachineErrorFeedbackLoop(t *testing.T) {
	app := setupTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.tracker.UpdateMachineMetrics(ctx, types.MachineMetrics{
		WorkspaceID: "ws-1",
		MachineID:   "sewing-07",
		Status:      types.MachineError,
		Temperature: 97,
	}))
	app.bus.Drain(ctx)

	orders, err := app.st.ListWorkOrders(ctx, store.WorkOrderFilter{Type: types.WorkOrderMaintenance})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "sewing-07", orders[0].MachineID)
	assert.Equal(t, types.PriorityUrgent, orders[0].Priority)

	notifications, err := app.st.ListNotifications(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Contains(t, notifications[0].Title, "sewing-07")
}

// TestStageCompletionReentersDispatch 验证工序完成事件重新进入触发器管道
func TestStageCompletionReentersDispatch(t *testing.T) {
	app := setupTestApp(t)
	ctx := context.Background()

	// 额外注册一个工序完成触发器
	require.NoError(t, app.registry.Register(ctx, types.AutomationTrigger{
		ID:       "stage-complete-notify",
		Event:    types.EventProductionStageComplete,
		IsActive: true,
		Actions: []types.AutomationAction{{
			Type: types.ActionNotify,
			Config: map[string]any{
				"workspace_id": "{{workspace_id}}",
				"title":        "工序完成: {{order_id}} {{stage}}",
			},
		}},
	}))

	ev, err := app.tracker.StartStage(ctx, production.StartStageRequest{
		WorkspaceID: "ws-1",
		OrderID:     "O1",
		Stage:       types.StageCutting,
		PiecesTotal: 10,
	})
	require.NoError(t, err)

	pieces := 10
	_, err = app.tracker.UpdateProgress(ctx, ev.ID, production.ProgressUpdate{PiecesCompleted: &pieces})
	require.NoError(t, err)
	app.bus.Drain(ctx)

	notifications, err := app.st.ListNotifications(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "工序完成: O1 CUTTING", notifications[0].Title)
}

// TestWorkOrderLifecycleEndToEnd 串起完整的工单生命周期：
// 创建 -> 派工 -> 开工(联动工序) -> 进度 -> 完工 -> 解锁下游
func TestWorkOrderLifecycleEndToEnd(t *testing.T) {
	app := setupTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.st.PutOperator(ctx, types.Operator{
		ID:               "op-1",
		WorkspaceID:      "ws-1",
		Skills:           []string{"cutting", "sewing"},
		EfficiencyRating: 90,
		Active:           true,
		RegisteredAt:     time.Now().Add(-time.Hour),
	}))

	first, err := app.orders.Create(ctx, workorder.CreateRequest{
		WorkspaceID:     "ws-1",
		Type:            types.WorkOrderProduction,
		Title:           "O1 - 裁剪",
		OrderID:         "O1",
		ProductionStage: types.StageCutting,
		Quantity:        100,
		RequiredSkills:  []string{"cutting"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderAssigned, first.Status)
	assert.Equal(t, "op-1", first.AssignedTo)

	second, err := app.orders.Create(ctx, workorder.CreateRequest{
		WorkspaceID:    "ws-1",
		Type:           types.WorkOrderProduction,
		Title:          "O1 - 缝制",
		Dependencies:   []string{first.ID},
		ScheduledStart: time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderPending, second.Status)

	// 开工联动生产工序
	started, err := app.orders.Start(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderInProgress, started.Status)
	active := app.tracker.ActiveEvents()
	require.Len(t, active, 1)
	assert.Equal(t, "O1", active[0].OrderID)
	assert.Equal(t, 100, active[0].PiecesTotal)

	_, err = app.orders.UpdateProgress(ctx, first.ID, 60)
	require.NoError(t, err)

	// 完工解锁并自动派工下游工单
	_, err = app.orders.Complete(ctx, first.ID, workorder.CompleteOptions{})
	require.NoError(t, err)

	got, err := app.orders.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderAssigned, got.Status)
	assert.Equal(t, "op-1", got.AssignedTo)
}

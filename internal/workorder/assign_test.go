package workorder

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garment-ops-engine/internal/event"
	"garment-ops-engine/internal/production"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/web"
)

// newPeerManager 基于同一个存储再组装一个管理器实例，模拟多进程部署
func newPeerManager(t *testing.T, st store.Store) *Manager {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := event.NewBus(64, 1, logger)
	floor := web.NewFloorTracker(web.NewHub())
	tracker := production.NewTracker(st, bus, floor, logger)
	m := NewManager(st, bus, tracker, floor, Policy{}, logger)
	m.now = func() time.Time { return testNow }
	return m
}

func TestAssignSkillGate(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	// 只有缝制技能的操作员不满足裁剪工单
	addOperator(t, st, "sewer", []string{"sewing"}, 90, testNow.Add(-time.Hour))

	wo, err := m.Create(ctx, CreateRequest{
		WorkspaceID:    "ws-1",
		Type:           types.WorkOrderProduction,
		Title:          "裁剪",
		RequiredSkills: []string{"cutting"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderPending, wo.Status)

	// 有至少一项所需技能即可入围
	addOperator(t, st, "cutter", []string{"cutting"}, 70, testNow.Add(-time.Hour))
	ok, err := m.TryAssign(ctx, wo.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Get(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, "cutter", got.AssignedTo)
	assert.Equal(t, types.WorkOrderAssigned, got.Status)
}

func TestAssignSkipsInactiveOperators(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, st.PutOperator(ctx, types.Operator{
		ID:          "retired",
		WorkspaceID: "ws-1",
		Active:      false,
	}))

	wo, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "裁剪"})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderPending, wo.Status)
	assert.Empty(t, wo.AssignedTo)
}

func TestAssignRejectsOverlappingWindow(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	addOperator(t, st, "op-1", nil, 80, testNow.Add(-time.Hour))

	// 第一张工单占满 [now, now+8h)
	first, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "A"})
	require.NoError(t, err)
	got, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "op-1", got.AssignedTo)

	// 窗口重叠的第二张工单不会派给同一个人
	second, err := m.Create(ctx, CreateRequest{
		WorkspaceID:    "ws-1",
		Type:           types.WorkOrderProduction,
		Title:          "B",
		ScheduledStart: testNow.Add(4 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderPending, second.Status)
	assert.Empty(t, second.AssignedTo)

	// 窗口错开后可以派工
	third, err := m.Create(ctx, CreateRequest{
		WorkspaceID:    "ws-1",
		Type:           types.WorkOrderProduction,
		Title:          "C",
		ScheduledStart: testNow.Add(9 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderAssigned, third.Status)
	assert.Equal(t, "op-1", third.AssignedTo)
}

func TestAssignPicksHighestScore(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	// 技能全匹配但效率低: 0.4×100 + 0.3×100 + 0.3×50 = 85
	addOperator(t, st, "specialist", []string{"cutting", "patterning"}, 50, testNow.Add(-2*time.Hour))
	// 技能半匹配但效率高: 0.4×50 + 0.3×100 + 0.3×100 = 80
	addOperator(t, st, "generalist", []string{"cutting"}, 100, testNow.Add(-time.Hour))

	wo, err := m.Create(ctx, CreateRequest{
		WorkspaceID:    "ws-1",
		Type:           types.WorkOrderProduction,
		Title:          "裁剪",
		RequiredSkills: []string{"cutting", "patterning"},
	})
	require.NoError(t, err)

	got, err := m.Get(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, "specialist", got.AssignedTo)
}

func TestAssignTieBreakByRegistration(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	// 条件完全相同的两名操作员，先注册者胜出
	addOperator(t, st, "second", nil, 80, testNow.Add(-time.Hour))
	addOperator(t, st, "first", nil, 80, testNow.Add(-2*time.Hour))

	wo, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "裁剪"})
	require.NoError(t, err)

	got, err := m.Get(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.AssignedTo)
}

func TestAssignWorkloadPenalty(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	addOperator(t, st, "busy", nil, 100, testNow.Add(-2*time.Hour))
	addOperator(t, st, "idle", nil, 80, testNow.Add(-time.Hour))

	// 给 busy 派一张窗口不冲突的在身工单
	held, err := m.Create(ctx, CreateRequest{
		WorkspaceID:    "ws-1",
		Type:           types.WorkOrderProduction,
		Title:          "在身",
		ScheduledStart: testNow.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	got, err := m.Get(ctx, held.ID)
	require.NoError(t, err)
	// busy 效率更高，空载时先拿到第一张
	require.Equal(t, "busy", got.AssignedTo)

	// busy: 0.4×100 + 0.3×75 + 0.3×100 = 92.5
	// idle: 0.4×100 + 0.3×100 + 0.3×80 = 94
	next, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "下一张"})
	require.NoError(t, err)
	assert.Equal(t, "idle", next.AssignedTo)
}

func TestAssignSharedStoreNoDoubleBooking(t *testing.T) {
	m1, st, _ := newTestManager(t)
	m2 := newPeerManager(t, st)
	ctx := context.Background()

	// 先建两张窗口完全重叠的待分配工单，再上线唯一的操作员
	first, err := m1.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "A"})
	require.NoError(t, err)
	second, err := m2.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "B"})
	require.NoError(t, err)
	addOperator(t, st, "op-1", nil, 80, testNow.Add(-time.Hour))

	// 两个实例并发派工，扫描经过存储层的派工锁串行化
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m1.TryAssign(ctx, first.ID)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := m2.TryAssign(ctx, second.ID)
		assert.NoError(t, err)
	}()
	wg.Wait()

	a, err := m1.Get(ctx, first.ID)
	require.NoError(t, err)
	b, err := m1.Get(ctx, second.ID)
	require.NoError(t, err)

	// 恰好一张派出，另一张因窗口冲突保持待分配
	assigned := 0
	for _, wo := range []types.WorkOrder{a, b} {
		if wo.Status == types.WorkOrderAssigned {
			assigned++
			assert.Equal(t, "op-1", wo.AssignedTo)
		} else {
			assert.Equal(t, types.WorkOrderPending, wo.Status)
			assert.Empty(t, wo.AssignedTo)
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestSweepPending(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	// 创建时无人可派
	wo, err := m.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Type: types.WorkOrderProduction, Title: "裁剪"})
	require.NoError(t, err)
	require.Equal(t, types.WorkOrderPending, wo.Status)

	// 操作员上线后，周期扫描补派
	addOperator(t, st, "op-1", nil, 80, testNow)
	m.SweepPending(ctx)

	got, err := m.Get(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkOrderAssigned, got.Status)
	assert.Equal(t, "op-1", got.AssignedTo)
}

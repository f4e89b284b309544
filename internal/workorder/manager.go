package workorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"garment-ops-engine/internal/event"
	"garment-ops-engine/internal/metrics"
	"garment-ops-engine/internal/production"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/util"
	"garment-ops-engine/internal/web"
)

// Manager 负责工单的完整生命周期：创建、派工、开工、进度、完工
// 不持有任何长期内存状态，每次操作都读写存储层
type Manager struct {
	store   store.Store
	bus     *event.Bus
	tracker *production.Tracker
	floor   *web.FloorTracker
	logger  *slog.Logger
	policy  Policy

	// now 可在测试中替换，用于控制排程和优先级计算
	now func() time.Time
}

// NewManager 创建一个工单管理器
func NewManager(st store.Store, bus *event.Bus, tracker *production.Tracker, floor *web.FloorTracker, policy Policy, logger *slog.Logger) *Manager {
	policy.applyDefaults()
	return &Manager{
		store:   st,
		bus:     bus,
		tracker: tracker,
		floor:   floor,
		policy:  policy,
		logger:  logger.With("component", "workorder_manager"),
		now:     time.Now,
	}
}

// CreateRequest 是创建工单的入参，也是 API 请求体
// 字段名与持久化格式一致，统一 snake_case
type CreateRequest struct {
	WorkspaceID            string                  `json:"workspace_id"`
	Type                   types.WorkOrderType     `json:"type"`
	Priority               types.WorkOrderPriority `json:"priority"`
	Title                  string                  `json:"title"`
	Description            string                  `json:"description"`
	OrderID                string                  `json:"order_id"`
	ProductionStage        types.Stage             `json:"production_stage"`
	MachineID              string                  `json:"machine_id"`
	Quantity               int                     `json:"quantity"`
	CreatedBy              string                  `json:"created_by"`
	EstimatedDurationHours float64                 `json:"estimated_duration_hours"`
	ScheduledStart         time.Time               `json:"scheduled_start"`
	RequiredMaterials      []string                `json:"required_materials"`
	RequiredTools          []string                `json:"required_tools"`
	RequiredSkills         []string                `json:"required_skills"`
	Instructions           string                  `json:"instructions"`
	QualityNotes           string                  `json:"quality_notes"`
	SafetyNotes            string                  `json:"safety_notes"`
	Dependencies           []string                `json:"dependencies"`
}

// Create 创建一个新工单：生成编号、计算排程终点、持久化，然后尝试自动派工
// 无人可派不是错误，工单保持 PENDING 等待周期性重试
func (m *Manager) Create(ctx context.Context, req CreateRequest) (types.WorkOrder, error) {
	if req.Type == "" {
		return types.WorkOrder{}, fmt.Errorf("work order type is required")
	}
	if req.Title == "" {
		return types.WorkOrder{}, fmt.Errorf("work order title is required")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityMedium
	}
	if req.EstimatedDurationHours <= 0 {
		req.EstimatedDurationHours = m.policy.DefaultDurationHours
	}
	if req.ScheduledStart.IsZero() {
		req.ScheduledStart = m.now()
	}

	number, err := m.nextNumber(ctx, req.Type, req.ScheduledStart)
	if err != nil {
		return types.WorkOrder{}, err
	}

	now := m.now()
	wo := types.WorkOrder{
		ID:                     uuid.NewString(),
		WorkOrderNumber:        number,
		WorkspaceID:            req.WorkspaceID,
		Type:                   req.Type,
		Status:                 types.WorkOrderPending,
		Priority:               req.Priority,
		Title:                  req.Title,
		Description:            req.Description,
		OrderID:                req.OrderID,
		ProductionStage:        req.ProductionStage,
		MachineID:              req.MachineID,
		Quantity:               req.Quantity,
		CreatedBy:              req.CreatedBy,
		EstimatedDurationHours: req.EstimatedDurationHours,
		ScheduledStart:         req.ScheduledStart,
		ScheduledEnd:           req.ScheduledStart.Add(hours(req.EstimatedDurationHours)),
		RequiredMaterials:      req.RequiredMaterials,
		RequiredTools:          req.RequiredTools,
		RequiredSkills:         req.RequiredSkills,
		Instructions:           req.Instructions,
		QualityNotes:           req.QualityNotes,
		SafetyNotes:            req.SafetyNotes,
		Dependencies:           req.Dependencies,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := m.store.PutWorkOrder(ctx, wo); err != nil {
		return types.WorkOrder{}, fmt.Errorf("failed to persist work order: %w", err)
	}
	m.logger.Info("工单创建", "work_order", wo.WorkOrderNumber, "type", wo.Type, "priority", wo.Priority)

	// 创建后立即尝试派工；失败只记日志，不影响创建结果
	if _, err := m.TryAssign(ctx, wo.ID); err != nil {
		m.logger.Warn("创建后自动派工失败", "work_order", wo.WorkOrderNumber, "error", err)
	}

	m.refreshCounts(ctx, wo.WorkspaceID)
	return m.store.GetWorkOrder(ctx, wo.ID)
}

// CreateFromTemplate 按模板创建工单，req 中的非零字段覆盖模板默认值
func (m *Manager) CreateFromTemplate(ctx context.Context, templateID string, req CreateRequest) (types.WorkOrder, error) {
	tpl, err := m.store.GetTemplate(ctx, templateID)
	if err != nil {
		return types.WorkOrder{}, fmt.Errorf("failed to load template %s: %w", templateID, err)
	}

	if req.Type == "" {
		req.Type = tpl.Type
	}
	if req.Title == "" {
		req.Title = tpl.Name
	}
	if req.EstimatedDurationHours <= 0 {
		req.EstimatedDurationHours = tpl.DefaultDurationHours
	}
	if len(req.RequiredMaterials) == 0 {
		req.RequiredMaterials = tpl.RequiredMaterials
	}
	if len(req.RequiredTools) == 0 {
		req.RequiredTools = tpl.RequiredTools
	}
	if len(req.RequiredSkills) == 0 {
		req.RequiredSkills = tpl.RequiredSkills
	}
	if req.Instructions == "" {
		req.Instructions = tpl.Instructions
	}
	if req.SafetyNotes == "" {
		req.SafetyNotes = tpl.SafetyNotes
	}
	return m.Create(ctx, req)
}

// Start 开工：要求状态为 ASSIGNED 或 PENDING，且全部依赖已完成
// 关联了订单和工序的工单会同步调用生产追踪器开始该工序
func (m *Manager) Start(ctx context.Context, id string) (types.WorkOrder, error) {
	wo, err := m.store.GetWorkOrder(ctx, id)
	if err != nil {
		return types.WorkOrder{}, fmt.Errorf("work order %s: %w", id, err)
	}

	if wo.Status != types.WorkOrderAssigned && wo.Status != types.WorkOrderPending {
		return types.WorkOrder{}, fmt.Errorf("cannot start work order %s in status %s", wo.WorkOrderNumber, wo.Status)
	}
	ready, blocking, err := m.dependenciesCompleted(ctx, wo)
	if err != nil {
		return types.WorkOrder{}, err
	}
	if !ready {
		return types.WorkOrder{}, fmt.Errorf("cannot start work order %s: dependency %s is not completed", wo.WorkOrderNumber, blocking)
	}

	now := m.now()
	wo.Status = types.WorkOrderInProgress
	wo.ActualStart = &now
	wo.UpdatedAt = now

	if err := m.store.PutWorkOrder(ctx, wo); err != nil {
		return types.WorkOrder{}, fmt.Errorf("failed to persist work order: %w", err)
	}
	m.logger.Info("工单开工", "work_order", wo.WorkOrderNumber, "assigned_to", wo.AssignedTo)

	// 生产关联工单开工即开始对应工序
	if wo.OrderID != "" && wo.ProductionStage != "" {
		pieces := wo.Quantity
		if pieces <= 0 {
			pieces = 1
		}
		if _, err := m.tracker.StartStage(ctx, production.StartStageRequest{
			WorkspaceID: wo.WorkspaceID,
			OrderID:     wo.OrderID,
			Stage:       wo.ProductionStage,
			OperatorID:  wo.AssignedTo,
			MachineID:   wo.MachineID,
			PiecesTotal: pieces,
		}); err != nil {
			m.logger.Error("开始生产工序失败", "work_order", wo.WorkOrderNumber, "error", err)
		}
	}

	m.refreshCounts(ctx, wo.WorkspaceID)
	return wo, nil
}

// UpdateProgress 更新执行中工单的进度百分比
// 进度单调不减：回退视为状态机违例，拒绝且不修改任何状态
func (m *Manager) UpdateProgress(ctx context.Context, id string, progress float64) (types.WorkOrder, error) {
	wo, err := m.store.GetWorkOrder(ctx, id)
	if err != nil {
		return types.WorkOrder{}, fmt.Errorf("work order %s: %w", id, err)
	}
	if wo.Status != types.WorkOrderInProgress {
		return types.WorkOrder{}, fmt.Errorf("cannot update progress of work order %s in status %s", wo.WorkOrderNumber, wo.Status)
	}
	if progress < wo.ProgressPercentage {
		return types.WorkOrder{}, fmt.Errorf("progress cannot decrease: %.1f%% -> %.1f%%", wo.ProgressPercentage, progress)
	}
	if progress > 100 {
		progress = 100
	}

	wo.ProgressPercentage = progress
	wo.UpdatedAt = m.now()
	if err := m.store.PutWorkOrder(ctx, wo); err != nil {
		return types.WorkOrder{}, fmt.Errorf("failed to persist work order: %w", err)
	}
	return wo, nil
}

// CompleteOptions 是完工的可选参数
type CompleteOptions struct {
	// ActualDurationHours 显式指定实际工时，为 0 时按开工到完工的墙钟时间计算
	ActualDurationHours float64
}

// Complete 完工：进度置 100、记录实际工时和结束时间，
// 发布 WORK_ORDER_COMPLETED 事件，并扫描解锁依赖本工单的待分配工单
// 依赖链就是靠这次扫描推进的
func (m *Manager) Complete(ctx context.Context, id string, opts CompleteOptions) (types.WorkOrder, error) {
	wo, err := m.store.GetWorkOrder(ctx, id)
	if err != nil {
		return types.WorkOrder{}, fmt.Errorf("work order %s: %w", id, err)
	}
	if wo.Status.Terminal() {
		return types.WorkOrder{}, fmt.Errorf("cannot complete work order %s in terminal status %s", wo.WorkOrderNumber, wo.Status)
	}
	if wo.ActualStart == nil {
		return types.WorkOrder{}, fmt.Errorf("cannot complete work order %s: it was never started", wo.WorkOrderNumber)
	}

	now := m.now()
	if opts.ActualDurationHours > 0 {
		wo.ActualDurationHours = opts.ActualDurationHours
	} else {
		wo.ActualDurationHours = now.Sub(*wo.ActualStart).Hours()
	}
	wo.Status = types.WorkOrderCompleted
	wo.ProgressPercentage = 100
	wo.ActualEnd = &now
	wo.UpdatedAt = now

	if err := m.store.PutWorkOrder(ctx, wo); err != nil {
		return types.WorkOrder{}, fmt.Errorf("failed to persist work order: %w", err)
	}
	m.logger.Info("工单完工", "work_order", wo.WorkOrderNumber, "actual_hours", wo.ActualDurationHours)

	traceID, _ := util.TraceIDFromContext(ctx)
	m.bus.Publish(event.Event{
		Kind:    types.EventWorkOrderCompleted,
		TraceID: traceID,
		Data: map[string]any{
			"work_order_id":     wo.ID,
			"work_order_number": wo.WorkOrderNumber,
			"workspace_id":      wo.WorkspaceID,
			"order_id":          wo.OrderID,
			"production_stage":  string(wo.ProductionStage),
			"type":              string(wo.Type),
			"assigned_to":       wo.AssignedTo,
		},
	})

	m.unblockDependents(ctx, wo.ID)
	m.refreshCounts(ctx, wo.WorkspaceID)
	return wo, nil
}

// Cancel 取消工单：仅允许在生命周期步骤之间，不中断执行中的工单
func (m *Manager) Cancel(ctx context.Context, id string) (types.WorkOrder, error) {
	return m.setStatus(ctx, id, types.WorkOrderCancelled,
		types.WorkOrderPending, types.WorkOrderAssigned, types.WorkOrderOnHold, types.WorkOrderBlocked)
}

// Hold 挂起工单
func (m *Manager) Hold(ctx context.Context, id string) (types.WorkOrder, error) {
	return m.setStatus(ctx, id, types.WorkOrderOnHold,
		types.WorkOrderPending, types.WorkOrderAssigned)
}

// Resume 恢复挂起的工单为待分配，并立即尝试派工
func (m *Manager) Resume(ctx context.Context, id string) (types.WorkOrder, error) {
	wo, err := m.setStatus(ctx, id, types.WorkOrderPending, types.WorkOrderOnHold)
	if err != nil {
		return types.WorkOrder{}, err
	}
	if _, err := m.TryAssign(ctx, wo.ID); err != nil {
		m.logger.Warn("恢复后自动派工失败", "work_order", wo.WorkOrderNumber, "error", err)
	}
	return m.store.GetWorkOrder(ctx, wo.ID)
}

// setStatus 纯状态转移，带白名单校验
func (m *Manager) setStatus(ctx context.Context, id string, target types.WorkOrderStatus, allowed ...types.WorkOrderStatus) (types.WorkOrder, error) {
	wo, err := m.store.GetWorkOrder(ctx, id)
	if err != nil {
		return types.WorkOrder{}, fmt.Errorf("work order %s: %w", id, err)
	}
	permitted := false
	for _, s := range allowed {
		if wo.Status == s {
			permitted = true
			break
		}
	}
	if !permitted {
		return types.WorkOrder{}, fmt.Errorf("cannot move work order %s from %s to %s", wo.WorkOrderNumber, wo.Status, target)
	}

	prev := wo.Status
	wo.Status = target
	wo.UpdatedAt = m.now()
	if target == types.WorkOrderPending {
		wo.AssignedTo = "" // 回到待分配时清空派工
	}
	if err := m.store.PutWorkOrder(ctx, wo); err != nil {
		return types.WorkOrder{}, fmt.Errorf("failed to persist work order: %w", err)
	}
	m.logger.Info("工单状态变更", "work_order", wo.WorkOrderNumber, "from", prev, "to", target)
	m.refreshCounts(ctx, wo.WorkspaceID)
	return wo, nil
}

// Get 按 ID 查询工单
func (m *Manager) Get(ctx context.Context, id string) (types.WorkOrder, error) {
	return m.store.GetWorkOrder(ctx, id)
}

// List 按过滤条件查询工单
func (m *Manager) List(ctx context.Context, filter store.WorkOrderFilter) ([]types.WorkOrder, error) {
	return m.store.ListWorkOrders(ctx, filter)
}

// dependenciesCompleted 检查工单的全部依赖是否都已完成
// 返回第一个未完成的依赖编号用于错误信息
func (m *Manager) dependenciesCompleted(ctx context.Context, wo types.WorkOrder) (bool, string, error) {
	for _, depID := range wo.Dependencies {
		dep, err := m.store.GetWorkOrder(ctx, depID)
		if err != nil {
			return false, "", fmt.Errorf("dependency %s of work order %s: %w", depID, wo.WorkOrderNumber, err)
		}
		if dep.Status != types.WorkOrderCompleted {
			return false, dep.WorkOrderNumber, nil
		}
	}
	return true, "", nil
}

// unblockDependents 扫描依赖 completedID 的待分配工单
// 依赖全部满足的重新尝试派工
func (m *Manager) unblockDependents(ctx context.Context, completedID string) {
	dependents, err := m.store.ListWorkOrders(ctx, store.WorkOrderFilter{
		Status:    types.WorkOrderPending,
		DependsOn: completedID,
	})
	if err != nil {
		m.logger.Error("扫描下游工单失败", "completed_id", completedID, "error", err)
		return
	}
	for _, dependent := range dependents {
		ready, _, err := m.dependenciesCompleted(ctx, dependent)
		if err != nil {
			m.logger.Error("检查下游工单依赖失败", "work_order", dependent.WorkOrderNumber, "error", err)
			continue
		}
		if !ready {
			continue
		}
		if assigned, err := m.TryAssign(ctx, dependent.ID); err != nil {
			m.logger.Error("下游工单派工失败", "work_order", dependent.WorkOrderNumber, "error", err)
		} else if assigned {
			m.logger.Info("下游工单解锁并派工", "work_order", dependent.WorkOrderNumber)
		}
	}
}

// refreshCounts 重算各状态工单数量，更新指标和车间实时视图
func (m *Manager) refreshCounts(ctx context.Context, workspaceID string) {
	orders, err := m.store.ListWorkOrders(ctx, store.WorkOrderFilter{WorkspaceID: workspaceID})
	if err != nil {
		m.logger.Error("统计工单状态失败", "error", err)
		return
	}
	counts := make(map[types.WorkOrderStatus]int)
	for _, wo := range orders {
		counts[wo.Status]++
	}
	for _, status := range []types.WorkOrderStatus{
		types.WorkOrderPending, types.WorkOrderAssigned, types.WorkOrderInProgress,
		types.WorkOrderCompleted, types.WorkOrderCancelled, types.WorkOrderOnHold, types.WorkOrderBlocked,
	} {
		metrics.WorkOrdersByStatus.WithLabelValues(workspaceID, string(status)).Set(float64(counts[status]))
	}
	m.floor.WorkOrderCounts(counts)
}

// nextNumber 生成工单编号 WO-<TYPE3>-<YYMM>-<NNNN>
// 序列号按 类型+年月 划分作用域，由存储层原子递增
// 编号格式是对外契约，报表和仪表盘都会解析它
func (m *Manager) nextNumber(ctx context.Context, woType types.WorkOrderType, scheduledStart time.Time) (string, error) {
	yymm := scheduledStart.Format("0601")
	scope := fmt.Sprintf("%s:%s", woType, yymm)
	seq, err := m.store.NextSequence(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("failed to allocate work order sequence: %w", err)
	}
	prefix := strings.ToUpper(string(woType))
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("WO-%s-%s-%04d", prefix, yymm, seq), nil
}

// hours 将小时数转为 time.Duration
func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

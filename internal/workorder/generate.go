package workorder

import (
	"context"
	"fmt"
	"math"
	"time"

	"garment-ops-engine/internal/types"
)

// GenerateRequest 是按订单生成全流程工单的入参
type GenerateRequest struct {
	WorkspaceID  string
	OrderID      string
	Quantity     int
	DeliveryDate time.Time
	CreatedBy    string
}

// GenerateForOrder 为一张订单生成覆盖全部工序的工单链
// 每道工序一张工单，依赖前一道；排程从交期倒推，相邻工序间隔固定天数；
// 工时按数量批量缩放；优先级由距交期天数推导
// 第一张工单（裁剪）没有依赖，会在创建时立即尝试派工
func (m *Manager) GenerateForOrder(ctx context.Context, req GenerateRequest) ([]types.WorkOrder, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("order id is required")
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %d", req.Quantity)
	}
	if req.DeliveryDate.IsZero() {
		return nil, fmt.Errorf("delivery date is required")
	}

	now := m.now()
	daysLeft := int(math.Ceil(req.DeliveryDate.Sub(now).Hours() / 24))
	priority := m.policy.priorityForDeadline(daysLeft)

	// 工时缩放系数：每满一个批量加一份基准工时
	batches := float64(int(math.Ceil(float64(req.Quantity) / float64(m.policy.QtyBatchSize))))

	orders := make([]types.WorkOrder, 0, len(types.StageSequence))
	var prevID string
	for i, stage := range types.StageSequence {
		// 从交期倒推：最后一道工序在交期前一个间隔开始
		offset := time.Duration(len(types.StageSequence)-i) * time.Duration(m.policy.StageGapDays) * 24 * time.Hour
		scheduledStart := req.DeliveryDate.Add(-offset)

		createReq := CreateRequest{
			WorkspaceID:            req.WorkspaceID,
			Type:                   types.WorkOrderProduction,
			Priority:               priority,
			Title:                  fmt.Sprintf("%s - %s", req.OrderID, stage),
			Description:            fmt.Sprintf("订单 %s 的 %s 工序，共 %d 件", req.OrderID, stage, req.Quantity),
			OrderID:                req.OrderID,
			ProductionStage:        stage,
			Quantity:               req.Quantity,
			CreatedBy:              req.CreatedBy,
			EstimatedDurationHours: m.policy.BaseHoursPerStage[stage] * batches,
			ScheduledStart:         scheduledStart,
		}
		if prevID != "" {
			createReq.Dependencies = []string{prevID}
		}

		wo, err := m.Create(ctx, createReq)
		if err != nil {
			return orders, fmt.Errorf("failed to create work order for stage %s: %w", stage, err)
		}
		orders = append(orders, wo)
		prevID = wo.ID
	}

	m.logger.Info("订单工单链生成完成", "order_id", req.OrderID, "count", len(orders), "priority", priority)
	return orders, nil
}

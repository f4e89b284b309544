package automation

import (
	"context"

	"garment-ops-engine/internal/types"
)

// 各事件类型的便捷派发入口，供订单管理、质检等上游子系统调用

func (r *Registry) OrderCreated(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventOrderCreated, data)
}

func (r *Registry) OrderApproved(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventOrderApproved, data)
}

func (r *Registry) OrderRejected(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventOrderRejected, data)
}

func (r *Registry) ProductionStarted(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventProductionStarted, data)
}

func (r *Registry) ProductionStageCompleted(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventProductionStageComplete, data)
}

func (r *Registry) ProductionCompleted(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventProductionCompleted, data)
}

func (r *Registry) QualityCheckPassed(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventQualityCheckPassed, data)
}

func (r *Registry) QualityCheckFailed(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventQualityCheckFailed, data)
}

func (r *Registry) WorkOrderCompleted(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventWorkOrderCompleted, data)
}

func (r *Registry) MachineAlert(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventMachineAlert, data)
}

func (r *Registry) InventoryLow(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventInventoryLow, data)
}

func (r *Registry) DeliveryScheduled(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventDeliveryScheduled, data)
}

func (r *Registry) PaymentReceived(ctx context.Context, data map[string]any) error {
	return r.Dispatch(ctx, types.EventPaymentReceived, data)
}

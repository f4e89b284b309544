// Package store 定义核心组件共用的窄持久化接口
// 核心逻辑只依赖本接口，不关心底层是内存、Redis 还是其他文档存储
package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"garment-ops-engine/internal/types"
)

// ErrNotFound 在按 ID 查询不到记录时返回
// 调用方据此区分"不存在"与存储层故障
var ErrNotFound = errors.New("store: record not found")

// WorkOrderFilter 是工单列表查询的过滤条件，零值字段表示不过滤
type WorkOrderFilter struct {
	WorkspaceID string
	Status      types.WorkOrderStatus
	AssignedTo  string
	OrderID     string
	Type        types.WorkOrderType
	DependsOn   string // 过滤出依赖列表中包含该工单 ID 的工单
}

// Store 是持久化层的统一接口：CRUD + 复合键 upsert + 简单过滤查询
type Store interface {
	// 工单
	PutWorkOrder(ctx context.Context, wo types.WorkOrder) error
	GetWorkOrder(ctx context.Context, id string) (types.WorkOrder, error)
	ListWorkOrders(ctx context.Context, filter WorkOrderFilter) ([]types.WorkOrder, error)

	// 触发器定义（派发器启动时全量加载，显式 Reload 时刷新）
	PutTrigger(ctx context.Context, trigger types.AutomationTrigger) error
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggers(ctx context.Context) ([]types.AutomationTrigger, error)

	// 生产记录（活动集归档 + 历史查询）
	PutProductionEvent(ctx context.Context, ev types.ProductionEvent) error
	GetProductionEvent(ctx context.Context, id string) (types.ProductionEvent, error)

	// 设备遥测，按 (workspace_id, machine_id) 复合键 upsert
	UpsertMachineMetrics(ctx context.Context, m types.MachineMetrics) error
	ListMachineMetrics(ctx context.Context, workspaceID string) ([]types.MachineMetrics, error)

	// 通知
	PutNotification(ctx context.Context, n types.Notification) error
	ListNotifications(ctx context.Context, workspaceID string) ([]types.Notification, error)

	// 操作员
	PutOperator(ctx context.Context, op types.Operator) error
	ListOperators(ctx context.Context, workspaceID string) ([]types.Operator, error)

	// 工单模板
	PutTemplate(ctx context.Context, tpl types.WorkOrderTemplate) error
	GetTemplate(ctx context.Context, id string) (types.WorkOrderTemplate, error)

	// NextSequence 返回某作用域下单调递增的序列号，用于工单编号
	// 作用域形如 "PRODUCTION:2608"（类型 + 年月），必须原子递增
	NextSequence(ctx context.Context, scope string) (int64, error)

	// WithAssignLock 在工作区级派工锁内执行 fn
	// 派工扫描（候选过滤 + 窗口重叠检查 + 写入）必须是同一个隔离单元，
	// 锁必须跨进程生效：共享同一存储的多个实例靠它避免把重叠窗口
	// 派给同一名操作员
	WithAssignLock(ctx context.Context, workspaceID string, fn func(ctx context.Context) error) error

	Close() error
}

// matchWorkOrder 判断工单是否满足过滤条件，各后端共用
func matchWorkOrder(wo types.WorkOrder, f WorkOrderFilter) bool {
	if f.WorkspaceID != "" && wo.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Status != "" && wo.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && wo.AssignedTo != f.AssignedTo {
		return false
	}
	if f.OrderID != "" && wo.OrderID != f.OrderID {
		return false
	}
	if f.Type != "" && wo.Type != f.Type {
		return false
	}
	if f.DependsOn != "" {
		found := false
		for _, dep := range wo.Dependencies {
			if dep == f.DependsOn {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// sortWorkOrders 按创建时间升序排序，时间相同时按编号
// 保证列表查询结果确定，派工的并列裁决依赖这一点
func sortWorkOrders(orders []types.WorkOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return strings.Compare(orders[i].WorkOrderNumber, orders[j].WorkOrderNumber) < 0
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// sortOperators 按注册时间升序排序，保证派工并列裁决取先注册者
func sortOperators(ops []types.Operator) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].RegisteredAt.Equal(ops[j].RegisteredAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].RegisteredAt.Before(ops[j].RegisteredAt)
	})
}

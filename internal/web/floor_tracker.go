package web

import (
	"sync"

	"garment-ops-engine/internal/types"
)

// StageView 是用于仪表盘展示的工序状态视图
type StageView struct {
	ID              string            `json:"id"`
	OrderID         string            `json:"order_id"`
	Stage           types.Stage       `json:"stage"`
	Status          types.StageStatus `json:"status"`
	PiecesCompleted int               `json:"pieces_completed"`
	PiecesTotal     int               `json:"pieces_total"`
	OperatorID      string            `json:"operator_id,omitempty"`
	MachineID       string            `json:"machine_id,omitempty"`
}

// MachineView 是用于仪表盘展示的设备状态视图
type MachineView struct {
	MachineID   string              `json:"machine_id"`
	Status      types.MachineStatus `json:"status"`
	Efficiency  float64             `json:"efficiency"`
	Temperature float64             `json:"temperature"`
	OrderID     string              `json:"order_id,omitempty"`
	Stage       types.Stage         `json:"stage,omitempty"`
}

// FloorState 代表整个车间的实时状态快照
type FloorState struct {
	Stages     map[string]StageView          `json:"stages"`   // key: 生产事件 ID
	Machines   map[string]MachineView        `json:"machines"` // key: workspace:machine
	WorkOrders map[types.WorkOrderStatus]int `json:"work_orders"`
}

// FloorTracker 负责维护车间实时状态，并在每次变更后向所有客户端广播
type FloorTracker struct {
	mu    sync.RWMutex
	state FloorState
	hub   *Hub
}

// NewFloorTracker 创建一个新的 FloorTracker 实例
func NewFloorTracker(hub *Hub) *FloorTracker {
	return &FloorTracker{
		state: FloorState{
			Stages:     make(map[string]StageView),
			Machines:   make(map[string]MachineView),
			WorkOrders: make(map[types.WorkOrderStatus]int),
		},
		hub: hub,
	}
}

// StageChanged 更新单个工序的视图
// 工序完成后从快照中移除，仪表盘上它会流转到历史区
func (ft *FloorTracker) StageChanged(ev types.ProductionEvent) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ev.Status == types.StageCompleted {
		delete(ft.state.Stages, ev.ID)
	} else {
		ft.state.Stages[ev.ID] = StageView{
			ID:              ev.ID,
			OrderID:         ev.OrderID,
			Stage:           ev.Stage,
			Status:          ev.Status,
			PiecesCompleted: ev.PiecesCompleted,
			PiecesTotal:     ev.PiecesTotal,
			OperatorID:      ev.OperatorID,
			MachineID:       ev.MachineID,
		}
	}
	ft.hub.BroadcastState(ft.state)
}

// MachineChanged 更新单台设备的视图
func (ft *FloorTracker) MachineChanged(m types.MachineMetrics) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.state.Machines[m.Key()] = MachineView{
		MachineID:   m.MachineID,
		Status:      m.Status,
		Efficiency:  m.Efficiency,
		Temperature: m.Temperature,
		OrderID:     m.CurrentOrderID,
		Stage:       m.CurrentStage,
	}
	ft.hub.BroadcastState(ft.state)
}

// WorkOrderCounts 整体替换工单状态计数
func (ft *FloorTracker) WorkOrderCounts(counts map[types.WorkOrderStatus]int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.state.WorkOrders = counts
	ft.hub.BroadcastState(ft.state)
}

// Snapshot 返回当前状态的深拷贝副本
// 用于新客户端连接时获取一次全量数据，以及 /api/state 轮询
func (ft *FloorTracker) Snapshot() FloorState {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	snapshot := FloorState{
		Stages:     make(map[string]StageView, len(ft.state.Stages)),
		Machines:   make(map[string]MachineView, len(ft.state.Machines)),
		WorkOrders: make(map[types.WorkOrderStatus]int, len(ft.state.WorkOrders)),
	}
	for id, s := range ft.state.Stages {
		snapshot.Stages[id] = s
	}
	for id, m := range ft.state.Machines {
		snapshot.Machines[id] = m
	}
	for status, n := range ft.state.WorkOrders {
		snapshot.WorkOrders[status] = n
	}
	return snapshot
}

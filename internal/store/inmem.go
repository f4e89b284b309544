package store

import (
	"context"
	"sync"

	"garment-ops-engine/internal/types"
)

// InMem 是基于 map 的内存存储实现
// 用于单机部署和测试；所有读操作返回副本，避免调用方共享内部状态
type InMem struct {
	mu            sync.RWMutex
	workOrders    map[string]types.WorkOrder
	triggers      map[string]types.AutomationTrigger
	triggerOrder  []string // 保持触发器注册顺序，优先级相同按此序稳定派发
	production    map[string]types.ProductionEvent
	machines      map[string]types.MachineMetrics // key: workspace:machine
	notifications []types.Notification
	operators     map[string]types.Operator
	templates     map[string]types.WorkOrderTemplate
	sequences     map[string]int64

	assignLockMu sync.Mutex
	assignLocks  map[string]*sync.Mutex // 每个工作区一把派工锁
}

// NewInMem 创建一个空的内存存储
func NewInMem() *InMem {
	return &InMem{
		workOrders:  make(map[string]types.WorkOrder),
		triggers:    make(map[string]types.AutomationTrigger),
		production:  make(map[string]types.ProductionEvent),
		machines:    make(map[string]types.MachineMetrics),
		operators:   make(map[string]types.Operator),
		templates:   make(map[string]types.WorkOrderTemplate),
		sequences:   make(map[string]int64),
		assignLocks: make(map[string]*sync.Mutex),
	}
}

func (s *InMem) PutWorkOrder(_ context.Context, wo types.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workOrders[wo.ID] = wo
	return nil
}

func (s *InMem) GetWorkOrder(_ context.Context, id string) (types.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wo, ok := s.workOrders[id]
	if !ok {
		return types.WorkOrder{}, ErrNotFound
	}
	return wo, nil
}

func (s *InMem) ListWorkOrders(_ context.Context, filter WorkOrderFilter) ([]types.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []types.WorkOrder
	for _, wo := range s.workOrders {
		if matchWorkOrder(wo, filter) {
			result = append(result, wo)
		}
	}
	sortWorkOrders(result)
	return result, nil
}

func (s *InMem) PutTrigger(_ context.Context, trigger types.AutomationTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[trigger.ID]; !exists {
		s.triggerOrder = append(s.triggerOrder, trigger.ID)
	}
	s.triggers[trigger.ID] = trigger
	return nil
}

func (s *InMem) DeleteTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return ErrNotFound
	}
	delete(s.triggers, id)
	for i, tid := range s.triggerOrder {
		if tid == id {
			s.triggerOrder = append(s.triggerOrder[:i], s.triggerOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMem) ListTriggers(_ context.Context) ([]types.AutomationTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]types.AutomationTrigger, 0, len(s.triggerOrder))
	for _, id := range s.triggerOrder {
		result = append(result, s.triggers[id])
	}
	return result, nil
}

func (s *InMem) PutProductionEvent(_ context.Context, ev types.ProductionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.production[ev.ID] = ev
	return nil
}

func (s *InMem) GetProductionEvent(_ context.Context, id string) (types.ProductionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.production[id]
	if !ok {
		return types.ProductionEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *InMem) UpsertMachineMetrics(_ context.Context, m types.MachineMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.Key()] = m
	return nil
}

func (s *InMem) ListMachineMetrics(_ context.Context, workspaceID string) ([]types.MachineMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []types.MachineMetrics
	for _, m := range s.machines {
		if workspaceID == "" || m.WorkspaceID == workspaceID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *InMem) PutNotification(_ context.Context, n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *InMem) ListNotifications(_ context.Context, workspaceID string) ([]types.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []types.Notification
	for _, n := range s.notifications {
		if workspaceID == "" || n.WorkspaceID == workspaceID {
			result = append(result, n)
		}
	}
	return result, nil
}

func (s *InMem) PutOperator(_ context.Context, op types.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operators[op.ID] = op
	return nil
}

func (s *InMem) ListOperators(_ context.Context, workspaceID string) ([]types.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []types.Operator
	for _, op := range s.operators {
		if workspaceID == "" || op.WorkspaceID == workspaceID {
			result = append(result, op)
		}
	}
	sortOperators(result)
	return result, nil
}

func (s *InMem) PutTemplate(_ context.Context, tpl types.WorkOrderTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tpl.ID] = tpl
	return nil
}

func (s *InMem) GetTemplate(_ context.Context, id string) (types.WorkOrderTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return types.WorkOrderTemplate{}, ErrNotFound
	}
	return tpl, nil
}

func (s *InMem) NextSequence(_ context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[scope]++
	return s.sequences[scope], nil
}

// WithAssignLock 在进程内按工作区互斥执行 fn
// 共享同一个 InMem 实例的所有管理器都经过同一把锁
func (s *InMem) WithAssignLock(ctx context.Context, workspaceID string, fn func(ctx context.Context) error) error {
	s.assignLockMu.Lock()
	lock, ok := s.assignLocks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		s.assignLocks[workspaceID] = lock
	}
	s.assignLockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *InMem) Close() error { return nil }

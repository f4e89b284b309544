package production

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"garment-ops-engine/internal/event"
	"garment-ops-engine/internal/metrics"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/web"
)

// shardCount 活动集的分片数量
// 按事件 ID 分片加锁，保证单事件单写者，同时避免全局锁串行化不相关的订单
const shardCount = 16

// shard 是活动集的一个分片
type shard struct {
	mu     sync.RWMutex
	events map[string]*types.ProductionEvent
}

// Tracker 负责追踪所有活动中的生产工序和设备遥测
// 活动工序驻留内存（自开始到完成），完成后所有权移交存储层
type Tracker struct {
	shards [shardCount]*shard
	store  store.Store
	bus    *event.Bus
	floor  *web.FloorTracker
	logger *slog.Logger
	machMu sync.Mutex // 串行化同一进程内的遥测 upsert
}

// NewTracker 创建一个生产追踪器
func NewTracker(st store.Store, bus *event.Bus, floor *web.FloorTracker, logger *slog.Logger) *Tracker {
	t := &Tracker{
		store:  st,
		bus:    bus,
		floor:  floor,
		logger: logger.With("component", "production_tracker"),
	}
	for i := range t.shards {
		t.shards[i] = &shard{events: make(map[string]*types.ProductionEvent)}
	}
	return t
}

// shardFor 根据事件 ID 选择分片
func (t *Tracker) shardFor(eventID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(eventID))
	return t.shards[h.Sum32()%shardCount]
}

// StartStageRequest 是开始工序的入参
type StartStageRequest struct {
	WorkspaceID string
	OrderID     string
	Stage       types.Stage
	OperatorID  string
	MachineID   string // 可选
	PiecesTotal int
	Metadata    map[string]any
}

// StartStage 开始一个生产工序
// 创建 IN_PROGRESS 状态的生产记录，加入活动集并持久化，
// 然后向事件总线发布 PRODUCTION_STARTED，重新进入触发器管道
func (t *Tracker) StartStage(ctx context.Context, req StartStageRequest) (types.ProductionEvent, error) {
	if req.OrderID == "" {
		return types.ProductionEvent{}, fmt.Errorf("order id is required to start a stage")
	}
	if req.PiecesTotal <= 0 {
		return types.ProductionEvent{}, fmt.Errorf("pieces total must be positive, got %d", req.PiecesTotal)
	}

	ev := types.ProductionEvent{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		OrderID:     req.OrderID,
		Stage:       req.Stage,
		Status:      types.StageInProgress,
		MachineID:   req.MachineID,
		OperatorID:  req.OperatorID,
		PiecesTotal: req.PiecesTotal,
		StartTime:   time.Now(),
		Metadata:    req.Metadata,
	}

	if err := t.store.PutProductionEvent(ctx, ev); err != nil {
		return types.ProductionEvent{}, fmt.Errorf("failed to persist production event: %w", err)
	}

	s := t.shardFor(ev.ID)
	s.mu.Lock()
	stored := ev
	s.events[ev.ID] = &stored
	s.mu.Unlock()

	metrics.ActiveStages.Inc()
	t.logger.Info("工序开始", "event_id", ev.ID, "order_id", ev.OrderID, "stage", ev.Stage, "pieces_total", ev.PiecesTotal)
	t.floor.StageChanged(ev)

	t.bus.Publish(event.Event{
		Kind: types.EventProductionStarted,
		Data: map[string]any{
			"production_event_id": ev.ID,
			"workspace_id":        ev.WorkspaceID,
			"order_id":            ev.OrderID,
			"stage":               string(ev.Stage),
			"operator_id":         ev.OperatorID,
			"machine_id":          ev.MachineID,
			"pieces_total":        ev.PiecesTotal,
		},
	})
	return ev, nil
}

// ProgressUpdate 是进度更新的入参，nil 字段表示不修改（合并语义）
type ProgressUpdate struct {
	PiecesCompleted *int
	Status          *types.StageStatus
	Efficiency      *float64
	Quality         *float64
	Notes           *string
	Metadata        map[string]any
}

// UpdateProgress 合并更新一个活动工序
// 新状态为 COMPLETED 或完成件数达到总数时强制转为完成：
// 记录结束时间、移出活动集、持久化，并发布 PRODUCTION_STAGE_COMPLETED
// 未知的事件 ID 返回错误，不做静默处理
func (t *Tracker) UpdateProgress(ctx context.Context, eventID string, update ProgressUpdate) (types.ProductionEvent, error) {
	s := t.shardFor(eventID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		// 活动集中不存在：可能已完成或从未开始，都视为错误
		if _, err := t.store.GetProductionEvent(ctx, eventID); err == nil {
			return types.ProductionEvent{}, fmt.Errorf("production event %s is no longer active", eventID)
		}
		return types.ProductionEvent{}, fmt.Errorf("unknown production event %s: %w", eventID, store.ErrNotFound)
	}

	if update.PiecesCompleted != nil {
		pieces := *update.PiecesCompleted
		if pieces > ev.PiecesTotal {
			pieces = ev.PiecesTotal
		}
		ev.PiecesCompleted = pieces
	}
	if update.Status != nil {
		ev.Status = *update.Status
	}
	if update.Efficiency != nil {
		ev.EfficiencyScore = *update.Efficiency
	}
	if update.Quality != nil {
		ev.QualityScore = *update.Quality
	}
	if update.Notes != nil {
		ev.Notes = *update.Notes
	}
	if len(update.Metadata) > 0 {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			ev.Metadata[k] = v
		}
	}

	completed := ev.Status == types.StageCompleted || ev.PiecesCompleted >= ev.PiecesTotal
	if completed {
		now := time.Now()
		ev.Status = types.StageCompleted
		ev.EndTime = &now
		delete(s.events, eventID)
		metrics.ActiveStages.Dec()
		metrics.StagesCompleted.WithLabelValues(string(ev.Stage)).Inc()
	}

	// 先持久化再发事件：即使下游处理失败，已记录的进度也不会丢失
	if err := t.store.PutProductionEvent(ctx, *ev); err != nil {
		return types.ProductionEvent{}, fmt.Errorf("failed to persist production event: %w", err)
	}

	t.floor.StageChanged(*ev)

	if completed {
		t.logger.Info("工序完成", "event_id", ev.ID, "order_id", ev.OrderID, "stage", ev.Stage)
		t.bus.Publish(event.Event{
			Kind: types.EventProductionStageComplete,
			Data: map[string]any{
				"production_event_id": ev.ID,
				"workspace_id":        ev.WorkspaceID,
				"order_id":            ev.OrderID,
				"stage":               string(ev.Stage),
				"pieces_completed":    ev.PiecesCompleted,
				"quality_score":       ev.QualityScore,
				"efficiency_score":    ev.EfficiencyScore,
			},
		})
	}
	return *ev, nil
}

// GetActive 返回活动集中的一个工序副本
func (t *Tracker) GetActive(eventID string) (types.ProductionEvent, bool) {
	s := t.shardFor(eventID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return types.ProductionEvent{}, false
	}
	return *ev, true
}

// ActiveEvents 返回全部活动工序的快照，供仪表盘轮询和线级分析使用
func (t *Tracker) ActiveEvents() []types.ProductionEvent {
	var result []types.ProductionEvent
	for _, s := range t.shards {
		s.mu.RLock()
		for _, ev := range s.events {
			result = append(result, *ev)
		}
		s.mu.RUnlock()
	}
	return result
}

// UpdateMachineMetrics 记录一次设备遥测上报
// 始终按 (workspace_id, machine_id) 复合键 upsert，不触碰任何工序状态
// 设备处于 ERROR 状态时额外发布 MACHINE_ALERT 事件进入触发器管道
func (t *Tracker) UpdateMachineMetrics(ctx context.Context, m types.MachineMetrics) error {
	if m.MachineID == "" {
		return fmt.Errorf("machine id is required")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	t.machMu.Lock()
	err := t.store.UpsertMachineMetrics(ctx, m)
	t.machMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to upsert machine metrics: %w", err)
	}

	metrics.MachineTemperature.WithLabelValues(m.WorkspaceID, m.MachineID).Set(m.Temperature)
	t.floor.MachineChanged(m)

	if m.Status == types.MachineError {
		t.bus.Publish(event.Event{
			Kind: types.EventMachineAlert,
			Data: map[string]any{
				"workspace_id": m.WorkspaceID,
				"machine_id":   m.MachineID,
				"status":       string(m.Status),
				"error_count":  m.ErrorCount,
				"temperature":  m.Temperature,
			},
		})
	}
	return nil
}

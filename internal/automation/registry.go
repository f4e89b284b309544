package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"garment-ops-engine/internal/event"
	"garment-ops-engine/internal/metrics"
	"garment-ops-engine/internal/rules"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/util"
)

// Registry 持有事件类型到触发器列表的索引，并负责事件派发
// 触发器定义的所有权在存储层；这里只是一份读穿缓存，
// 启动时从存储层重建，此后通过显式 Reload 刷新
type Registry struct {
	mu       sync.RWMutex
	index    map[types.EventKind][]types.AutomationTrigger
	store    store.Store
	executor *Executor
	logger   *slog.Logger
}

// NewRegistry 创建一个触发器注册表
func NewRegistry(st store.Store, executor *Executor, logger *slog.Logger) *Registry {
	return &Registry{
		index:    make(map[types.EventKind][]types.AutomationTrigger),
		store:    st,
		executor: executor,
		logger:   logger.With("component", "trigger_registry"),
	}
}

// Register 将一个触发器登记到其事件类型下（追加式内存索引）并持久化
// 定义不合法属于配置错误：记日志后跳过，不影响进程
func (r *Registry) Register(ctx context.Context, trigger types.AutomationTrigger) error {
	if err := validateTrigger(trigger); err != nil {
		r.logger.Error("触发器定义不合法，跳过", "trigger_id", trigger.ID, "error", err)
		return err
	}
	if err := r.store.PutTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to persist trigger %s: %w", trigger.ID, err)
	}

	r.mu.Lock()
	r.index[trigger.Event] = append(r.index[trigger.Event], trigger)
	r.mu.Unlock()

	r.logger.Info("触发器注册", "trigger_id", trigger.ID, "event", trigger.Event, "priority", trigger.Priority)
	return nil
}

// Reload 从存储层全量重建索引
func (r *Registry) Reload(ctx context.Context) error {
	triggers, err := r.store.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load triggers: %w", err)
	}

	index := make(map[types.EventKind][]types.AutomationTrigger)
	for _, t := range triggers {
		if err := validateTrigger(t); err != nil {
			r.logger.Error("存储层中的触发器定义不合法，跳过", "trigger_id", t.ID, "error", err)
			continue
		}
		index[t.Event] = append(index[t.Event], t)
	}

	r.mu.Lock()
	r.index = index
	r.mu.Unlock()

	r.logger.Info("触发器索引重建完成", "count", len(triggers))
	return nil
}

// Dispatch 处理一个入站事件：
//  1. 取出该事件类型下的全部触发器，只保留 is_active 的
//  2. 按优先级降序稳定排序（同优先级保持注册顺序）
//  3. 逐个求值条件，命中则顺序执行其动作列表
//
// 没有注册触发器的事件类型是 no-op，不是错误
// 单个触发器的失败被捕获记录，不影响兄弟触发器；失败汇总后返回给调用方
func (r *Registry) Dispatch(ctx context.Context, kind types.EventKind, data map[string]any) error {
	r.mu.RLock()
	registered := r.index[kind]
	triggers := make([]types.AutomationTrigger, 0, len(registered))
	for _, t := range registered {
		if t.IsActive {
			triggers = append(triggers, t)
		}
	}
	r.mu.RUnlock()

	if len(triggers) == 0 {
		return nil
	}

	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].Priority > triggers[j].Priority
	})

	logger := r.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	var errs error
	for _, trigger := range triggers {
		if !r.matches(trigger, data, logger) {
			continue
		}
		metrics.TriggersFired.WithLabelValues(string(kind)).Inc()
		logger.Info("触发器命中", "trigger_id", trigger.ID, "event", kind, "actions", len(trigger.Actions))

		if err := r.runActions(ctx, trigger, data); err != nil {
			logger.Error("触发器动作执行失败", "trigger_id", trigger.ID, "error", err)
			errs = errors.Join(errs, fmt.Errorf("trigger %s: %w", trigger.ID, err))
		}
	}
	return errs
}

// HandleEvent 将注册表挂接到事件总线，形成反馈回路
// 工序完成、工单完成等内部事件经由总线重新进入触发器管道
func (r *Registry) HandleEvent(ctx context.Context, e event.Event) {
	if err := r.Dispatch(ctx, e.Kind, e.Data); err != nil {
		r.logger.Error("事件派发存在失败的触发器", "event", e.Kind, "error", err)
	}
}

// matches 求值一个触发器的条件映射和可选的 expr 表达式（两者取与）
// 表达式求值失败按配置错误处理：记日志并视为不匹配
func (r *Registry) matches(trigger types.AutomationTrigger, data map[string]any, logger *slog.Logger) bool {
	if !rules.Matches(trigger.Conditions, data) {
		return false
	}
	matched, err := rules.EvalExpression(trigger.Expression, data)
	if err != nil {
		logger.Error("规则表达式求值失败", "trigger_id", trigger.ID, "error", err)
		return false
	}
	return matched
}

// runActions 按声明顺序执行动作，前一个动作（含重试）结束后才开始下一个
// 某个动作重试耗尽后，该触发器剩余的动作不再执行
func (r *Registry) runActions(ctx context.Context, trigger types.AutomationTrigger, data map[string]any) error {
	for i, action := range trigger.Actions {
		if err := r.executor.Run(ctx, action, data); err != nil {
			return fmt.Errorf("action %d (%s) failed: %w", i, action.Type, err)
		}
	}
	return nil
}

// validateTrigger 检查触发器定义的基本完整性
func validateTrigger(t types.AutomationTrigger) error {
	if t.ID == "" {
		return fmt.Errorf("trigger id is required")
	}
	if t.Event == "" {
		return fmt.Errorf("trigger event kind is required")
	}
	if len(t.Actions) == 0 {
		return fmt.Errorf("trigger must declare at least one action")
	}
	return nil
}

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"garment-ops-engine/internal/metrics"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/template"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/util"
	"garment-ops-engine/internal/workorder"
)

// EmailSender 是邮件发送协作方的接口
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// WorkflowRunner 是下游工作流协作方的接口
type WorkflowRunner interface {
	Trigger(ctx context.Context, workflowID string, context map[string]any) error
}

// ApprovalProcessor 是审批协作方的接口
type ApprovalProcessor interface {
	Process(ctx context.Context, approvalType, entityID string, context map[string]any) error
}

// ExecutorConfig 是动作执行器的运行参数
type ExecutorConfig struct {
	// BaseRetryDelay 重试退避的基础间隔，第 n 次重试等待 n × BaseRetryDelay
	BaseRetryDelay time.Duration
	// DelayUnit 动作 delay 字段的时间单位，生产环境为分钟，测试可缩短
	DelayUnit time.Duration
	// HTTPTimeout 外部调用的单次超时
	HTTPTimeout time.Duration
}

func (c *ExecutorConfig) applyDefaults() {
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.DelayUnit <= 0 {
		c.DelayUnit = time.Minute
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Second
	}
}

// Executor 负责执行单个自动化动作：恰好一个副作用
// 延迟和重试退避是仅有的两个有意设计的挂起点，
// 都只挂起当前事件自己的处理管道，不阻塞其他事件的派发
type Executor struct {
	store     store.Store
	orders    *workorder.Manager
	email     EmailSender
	workflows WorkflowRunner
	approvals ApprovalProcessor
	client    *http.Client
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor 创建一个动作执行器
// email/workflows/approvals 协作方允许为 nil，对应动作会以配置错误跳过
func NewExecutor(st store.Store, orders *workorder.Manager, email EmailSender, workflows WorkflowRunner, approvals ApprovalProcessor, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		store:     st,
		orders:    orders,
		email:     email,
		workflows: workflows,
		approvals: approvals,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:       cfg,
		logger:    logger.With("component", "action_executor"),
	}
}

// Run 执行一个动作：可选延迟 -> 执行 -> 失败按配置重试（线性退避）
// 重试耗尽后返回错误给调用方，由派发器保证触发器间的隔离
func (e *Executor) Run(ctx context.Context, action types.AutomationAction, data map[string]any) error {
	if action.DelayMinutes > 0 {
		delay := time.Duration(action.DelayMinutes) * e.cfg.DelayUnit
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	var err error
	for attempt := 0; attempt <= action.RetryCount; attempt++ {
		if attempt > 0 {
			// 第 n 次重试等待 n × 基础间隔
			if werr := sleep(ctx, time.Duration(attempt)*e.cfg.BaseRetryDelay); werr != nil {
				return werr
			}
			e.logger.Warn("动作重试", "type", action.Type, "attempt", attempt, "max", action.RetryCount)
		}

		start := time.Now()
		err = e.executeOnce(ctx, action, data)
		metrics.ActionDuration.WithLabelValues(string(action.Type)).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.ActionsExecuted.WithLabelValues(string(action.Type), "success").Inc()
			return nil
		}
	}

	metrics.ActionsExecuted.WithLabelValues(string(action.Type), "failed").Inc()
	e.logger.Error("动作重试耗尽", "type", action.Type, "retries", action.RetryCount, "error", err)
	return fmt.Errorf("action %s failed after %d retries: %w", action.Type, action.RetryCount, err)
}

// executeOnce 按动作类型执行一次副作用
// 占位符解析在每次执行前进行，解析永不失败（未命中的原样保留）
func (e *Executor) executeOnce(ctx context.Context, action types.AutomationAction, data map[string]any) error {
	cfg := template.ResolveConfig(action.Config, data)

	switch action.Type {
	case types.ActionWorkOrderCreate:
		return e.createWorkOrder(ctx, cfg, data)
	case types.ActionNotify:
		return e.notify(ctx, cfg)
	case types.ActionEmail:
		if e.email == nil {
			e.logger.Error("未配置邮件协作方，动作跳过")
			return nil
		}
		return e.email.Send(ctx, str(cfg, "to"), str(cfg, "subject"), str(cfg, "body"))
	case types.ActionExternalCall:
		return e.externalCall(ctx, cfg)
	case types.ActionWorkflowTrigger:
		if e.workflows == nil {
			e.logger.Error("未配置工作流协作方，动作跳过")
			return nil
		}
		return e.workflows.Trigger(ctx, str(cfg, "workflow_id"), cfg)
	case types.ActionApprovalStart:
		if e.approvals == nil {
			e.logger.Error("未配置审批协作方，动作跳过")
			return nil
		}
		return e.approvals.Process(ctx, str(cfg, "approval_type"), str(cfg, "entity_id"), cfg)
	default:
		// 未知动作类型是配置错误：记日志跳过，不作为执行失败
		e.logger.Error("未知的动作类型，跳过", "type", action.Type)
		return nil
	}
}

// createWorkOrder 执行 work_order_create 动作
// config.mode 为 "generate_for_order" 时按订单生成覆盖全部工序的工单链，
// 否则创建单张工单
func (e *Executor) createWorkOrder(ctx context.Context, cfg map[string]any, data map[string]any) error {
	if str(cfg, "mode") == "generate_for_order" {
		quantity := num(data, "quantity")
		if quantity <= 0 {
			quantity = num(cfg, "quantity")
		}
		if quantity <= 0 {
			quantity = 100 // 事件未携带数量时的保守默认
		}
		deadline := parseTime(data["requested_deadline"])
		if deadline.IsZero() {
			deadline = parseTime(cfg["requested_deadline"])
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(14 * 24 * time.Hour)
		}
		_, err := e.orders.GenerateForOrder(ctx, workorder.GenerateRequest{
			WorkspaceID:  str(cfg, "workspace_id"),
			OrderID:      str(cfg, "order_id"),
			Quantity:     int(quantity),
			DeliveryDate: deadline,
			CreatedBy:    "automation",
		})
		return err
	}

	req := workorder.CreateRequest{
		WorkspaceID:            str(cfg, "workspace_id"),
		Type:                   types.WorkOrderType(str(cfg, "type")),
		Priority:               types.WorkOrderPriority(str(cfg, "priority")),
		Title:                  str(cfg, "title"),
		Description:            str(cfg, "description"),
		OrderID:                str(cfg, "order_id"),
		ProductionStage:        types.Stage(str(cfg, "production_stage")),
		MachineID:              str(cfg, "machine_id"),
		Quantity:               int(num(cfg, "quantity")),
		CreatedBy:              "automation",
		EstimatedDurationHours: num(cfg, "estimated_hours"),
		RequiredSkills:         strs(cfg, "required_skills"),
	}
	if tpl := str(cfg, "template_id"); tpl != "" {
		_, err := e.orders.CreateFromTemplate(ctx, tpl, req)
		return err
	}
	_, err := e.orders.Create(ctx, req)
	return err
}

// notify 执行 notify 动作：落一条通知记录
func (e *Executor) notify(ctx context.Context, cfg map[string]any) error {
	n := types.Notification{
		ID:          uuid.NewString(),
		WorkspaceID: str(cfg, "workspace_id"),
		Recipient:   str(cfg, "recipient"),
		Title:       str(cfg, "title"),
		Message:     str(cfg, "message"),
		Category:    str(cfg, "category"),
		CreatedAt:   time.Now(),
	}
	if n.Title == "" {
		return fmt.Errorf("notify action requires a title")
	}
	if err := e.store.PutNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	return nil
}

// externalCall 执行 external_call 动作：POST JSON 到配置的 URL
// 非 2xx 状态码视为失败，交给重试机制处理
func (e *Executor) externalCall(ctx context.Context, cfg map[string]any) error {
	url := str(cfg, "url")
	if url == "" {
		return fmt.Errorf("external_call action requires a url")
	}
	method := str(cfg, "method")
	if method == "" {
		method = http.MethodPost
	}

	var body bytes.Buffer
	payload, _ := cfg["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		return fmt.Errorf("failed to build external request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("external call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("external call returned status %s", resp.Status)
	}
	return nil
}

// sleep 可被上下文取消的等待
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// str 从配置中读取字符串字段
func str(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

// strs 从配置中读取字符串列表字段
func strs(cfg map[string]any, key string) []string {
	items, _ := cfg[key].([]any)
	var result []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

// num 从配置中读取数值字段，兼容 JSON 解码和字符串占位符两种来源
func num(cfg map[string]any, key string) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// parseTime 解析时间值：time.Time、RFC3339 字符串或距今天数
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
		return time.Time{}
	case float64:
		// 数值按"距今天数"解释
		return time.Now().Add(time.Duration(math.Round(t*24)) * time.Hour)
	default:
		return time.Time{}
	}
}

package types

import "time"

// EventKind 定义业务事件类型
// 使用字符串类型，方便在触发器配置和日志中直接使用
type EventKind string

const (
	// 订单相关事件
	EventOrderCreated  EventKind = "ORDER_CREATED"  // 订单创建
	EventOrderApproved EventKind = "ORDER_APPROVED" // 订单审批通过 (生产入口)
	EventOrderRejected EventKind = "ORDER_REJECTED" // 订单被驳回

	// 生产相关事件
	EventProductionStarted       EventKind = "PRODUCTION_STARTED"         // 生产开始
	EventProductionStageComplete EventKind = "PRODUCTION_STAGE_COMPLETED" // 单个工序完成
	EventProductionCompleted     EventKind = "PRODUCTION_COMPLETED"       // 全部生产完成

	// 质检相关事件
	EventQualityCheckPassed EventKind = "QUALITY_CHECK_PASSED" // 质检通过
	EventQualityCheckFailed EventKind = "QUALITY_CHECK_FAILED" // 质检不通过

	// 其他业务事件
	EventWorkOrderCompleted EventKind = "WORK_ORDER_COMPLETED" // 工单完成
	EventMachineAlert       EventKind = "MACHINE_ALERT"        // 设备告警
	EventInventoryLow       EventKind = "INVENTORY_LOW"        // 库存不足
	EventDeliveryScheduled  EventKind = "DELIVERY_SCHEDULED"   // 出货排期
	EventPaymentReceived    EventKind = "PAYMENT_RECEIVED"     // 收到货款
)

// Stage 定义服装生产工序
type Stage string

const (
	StageCutting        Stage = "CUTTING"         // 裁剪
	StagePrinting       Stage = "PRINTING"        // 印花
	StageSewing         Stage = "SEWING"          // 缝制
	StageQualityControl Stage = "QUALITY_CONTROL" // 质检
	StageFinishing      Stage = "FINISHING"       // 后整
	StagePacking        Stage = "PACKING"         // 包装
)

// StageSequence 是标准的生产工序顺序，订单按此顺序流转
var StageSequence = []Stage{
	StageCutting,
	StagePrinting,
	StageSewing,
	StageQualityControl,
	StageFinishing,
	StagePacking,
}

// StageStatus 定义单个工序的执行状态
type StageStatus string

const (
	StageNotStarted   StageStatus = "NOT_STARTED"   // 未开始
	StageInProgress   StageStatus = "IN_PROGRESS"   // 进行中
	StagePaused       StageStatus = "PAUSED"        // 暂停
	StageQualityCheck StageStatus = "QUALITY_CHECK" // 质检中
	StageCompleted    StageStatus = "COMPLETED"     // 已完成 (终态)
	StageDelayed      StageStatus = "DELAYED"       // 延期
	StageBlocked      StageStatus = "BLOCKED"       // 阻塞
)

// ProductionEvent 表示某订单在某工序上的一次生产记录
// 自创建(工序开始)到完成期间驻留在内存活动集中，完成后归档到存储层
type ProductionEvent struct {
	ID              string         `json:"id"`
	WorkspaceID     string         `json:"workspace_id"`
	OrderID         string         `json:"order_id"`
	Stage           Stage          `json:"stage"`
	Status          StageStatus    `json:"status"`
	MachineID       string         `json:"machine_id,omitempty"`
	OperatorID      string         `json:"operator_id"`
	PiecesCompleted int            `json:"pieces_completed"`
	PiecesTotal     int            `json:"pieces_total"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	EfficiencyScore float64        `json:"efficiency_score"` // 0-100
	QualityScore    float64        `json:"quality_score"`    // 0-100
	Notes           string         `json:"notes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// MachineStatus 定义设备运行状态
type MachineStatus string

const (
	MachineRunning     MachineStatus = "RUNNING"
	MachineIdle        MachineStatus = "IDLE"
	MachineMaintenance MachineStatus = "MAINTENANCE"
	MachineError       MachineStatus = "ERROR"
	MachineOffline     MachineStatus = "OFFLINE"
)

// MachineMetrics 表示一台设备的最新遥测数据
// 以 (workspace_id, machine_id) 为复合键，每次上报整体覆盖 (upsert)
type MachineMetrics struct {
	WorkspaceID     string        `json:"workspace_id"`
	MachineID       string        `json:"machine_id"`
	Status          MachineStatus `json:"status"`
	CurrentOrderID  string        `json:"current_order_id,omitempty"`
	CurrentStage    Stage         `json:"current_stage,omitempty"`
	OperatorID      string        `json:"operator_id,omitempty"`
	Efficiency      float64       `json:"efficiency"`  // 0-100
	Uptime          float64       `json:"uptime"`      // 0-100
	Throughput      float64       `json:"throughput"`  // 件/小时
	PowerUsage      float64       `json:"power_usage"` // kW
	Temperature     float64       `json:"temperature"` // 摄氏度
	Vibration       float64       `json:"vibration"`   // mm/s
	LastMaintenance *time.Time    `json:"last_maintenance,omitempty"`
	NextMaintenance *time.Time    `json:"next_maintenance,omitempty"`
	ErrorCount      int           `json:"error_count"`
	PiecesToday     int           `json:"pieces_today"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Key 返回设备遥测的复合键
func (m MachineMetrics) Key() string {
	return m.WorkspaceID + ":" + m.MachineID
}

// WorkOrderStatus 定义工单生命周期状态
type WorkOrderStatus string

const (
	WorkOrderPending    WorkOrderStatus = "PENDING"     // 待分配
	WorkOrderAssigned   WorkOrderStatus = "ASSIGNED"    // 已分配
	WorkOrderInProgress WorkOrderStatus = "IN_PROGRESS" // 执行中
	WorkOrderCompleted  WorkOrderStatus = "COMPLETED"   // 已完成 (终态)
	WorkOrderCancelled  WorkOrderStatus = "CANCELLED"   // 已取消 (终态)
	WorkOrderOnHold     WorkOrderStatus = "ON_HOLD"     // 挂起
	WorkOrderBlocked    WorkOrderStatus = "BLOCKED"     // 阻塞
)

// Terminal 判断工单状态是否为终态
func (s WorkOrderStatus) Terminal() bool {
	return s == WorkOrderCompleted || s == WorkOrderCancelled
}

// WorkOrderPriority 定义工单优先级
type WorkOrderPriority string

const (
	PriorityLow      WorkOrderPriority = "LOW"
	PriorityMedium   WorkOrderPriority = "MEDIUM"
	PriorityHigh     WorkOrderPriority = "HIGH"
	PriorityUrgent   WorkOrderPriority = "URGENT"
	PriorityCritical WorkOrderPriority = "CRITICAL"
)

// Rank 返回优先级的排序权重，数值越大越紧急
func (p WorkOrderPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// WorkOrderType 定义工单类别
type WorkOrderType string

const (
	WorkOrderProduction   WorkOrderType = "PRODUCTION"    // 生产工单
	WorkOrderMaintenance  WorkOrderType = "MAINTENANCE"   // 维修工单
	WorkOrderQualityCheck WorkOrderType = "QUALITY_CHECK" // 质检工单
	WorkOrderSetup        WorkOrderType = "SETUP"         // 调机工单
	WorkOrderCleaning     WorkOrderType = "CLEANING"      // 清洁工单
)

// WorkOrder 表示一个可调度、可分配的车间工作单元
type WorkOrder struct {
	ID              string            `json:"id"`
	WorkOrderNumber string            `json:"work_order_number"` // 格式: WO-<TYPE3>-<YYMM>-<NNNN>，对外契约
	WorkspaceID     string            `json:"workspace_id"`
	Type            WorkOrderType     `json:"type"`
	Status          WorkOrderStatus   `json:"status"`
	Priority        WorkOrderPriority `json:"priority"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`

	// 可选的生产关联
	OrderID         string `json:"order_id,omitempty"`
	ProductionStage Stage  `json:"production_stage,omitempty"`
	MachineID       string `json:"machine_id,omitempty"`
	Quantity        int    `json:"quantity,omitempty"` // 生产件数，开工时作为工序的 pieces_total

	AssignedTo string `json:"assigned_to,omitempty"`
	CreatedBy  string `json:"created_by"`

	EstimatedDurationHours float64    `json:"estimated_duration_hours"`
	ActualDurationHours    float64    `json:"actual_duration_hours,omitempty"`
	ScheduledStart         time.Time  `json:"scheduled_start"`
	ScheduledEnd           time.Time  `json:"scheduled_end"` // = scheduled_start + estimated_duration_hours
	ActualStart            *time.Time `json:"actual_start,omitempty"`
	ActualEnd              *time.Time `json:"actual_end,omitempty"`

	RequiredMaterials []string `json:"required_materials,omitempty"`
	RequiredTools     []string `json:"required_tools,omitempty"`
	RequiredSkills    []string `json:"required_skills,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	QualityNotes      string   `json:"quality_notes,omitempty"`
	SafetyNotes       string   `json:"safety_notes,omitempty"`

	// Dependencies 中的工单全部 COMPLETED 之前，本工单不可开工、不可分配
	Dependencies       []string  `json:"dependencies,omitempty"`
	ProgressPercentage float64   `json:"progress_percentage"` // 0-100，执行中单调不减
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Overlaps 判断两个工单的排程窗口 [scheduled_start, scheduled_end) 是否重叠
func (w WorkOrder) Overlaps(other WorkOrder) bool {
	return w.ScheduledStart.Before(other.ScheduledEnd) && other.ScheduledStart.Before(w.ScheduledEnd)
}

// WorkOrderTemplate 工单模板，用于按类型批量生成工单
type WorkOrderTemplate struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Type                 WorkOrderType `json:"type"`
	DefaultDurationHours float64       `json:"default_duration_hours"`
	RequiredMaterials    []string      `json:"required_materials,omitempty"`
	RequiredTools        []string      `json:"required_tools,omitempty"`
	RequiredSkills       []string      `json:"required_skills,omitempty"`
	Instructions         string        `json:"instructions,omitempty"`
	SafetyNotes          string        `json:"safety_notes,omitempty"`
}

// Operator 表示一名可被派工的操作员
type Operator struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspace_id"`
	Name             string    `json:"name"`
	Skills           []string  `json:"skills,omitempty"`
	EfficiencyRating float64   `json:"efficiency_rating"` // 0-100
	Active           bool      `json:"active"`
	RegisteredAt     time.Time `json:"registered_at"` // 派工评分并列时按注册先后取先者
}

// ActionType 定义自动化动作类型
type ActionType string

const (
	ActionWorkflowTrigger ActionType = "workflow_trigger"  // 触发下游工作流
	ActionApprovalStart   ActionType = "approval_start"    // 发起审批流程
	ActionWorkOrderCreate ActionType = "work_order_create" // 创建工单
	ActionNotify          ActionType = "notify"            // 站内通知
	ActionEmail           ActionType = "email"             // 发送邮件
	ActionExternalCall    ActionType = "external_call"     // 调用外部 HTTP 服务
)

// AutomationAction 表示触发器命中后要执行的一个动作
// Config 中的字符串值支持 {{a.b.c}} 占位符，执行时用事件数据解析
type AutomationAction struct {
	Type         ActionType     `json:"type"`
	Config       map[string]any `json:"config"`
	DelayMinutes int            `json:"delay_minutes,omitempty"` // 执行前延迟
	RetryCount   int            `json:"retry_count,omitempty"`   // 失败后最大重试次数
}

// AutomationTrigger 表示一条自动化规则：事件 + 条件 => 有序动作列表
type AutomationTrigger struct {
	ID          string             `json:"id"`
	Event       EventKind          `json:"event"`
	Conditions  map[string]any     `json:"conditions,omitempty"` // 点路径 -> 字面量或操作符对象
	Expression  string             `json:"expression,omitempty"` // 可选的 expr 规则，与 Conditions 取与
	Actions     []AutomationAction `json:"actions"`
	IsActive    bool               `json:"is_active"`
	Priority    int                `json:"priority"` // 越大越先执行
	Description string             `json:"description,omitempty"`
}

// Notification 站内通知记录
type Notification struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Recipient   string    `json:"recipient,omitempty"` // 为空表示广播给角色/车间
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

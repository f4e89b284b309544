package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// EventsInQueue 仪表盘：事件总线队列中待处理的事件数量
	// 用于监控自动化管道的积压情况
	EventsInQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automation_events_in_queue",
		Help: "The number of events currently waiting in the event bus queue",
	})

	// TriggersFired 计数器：触发器命中总数，按事件类型分类
	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_triggers_fired_total",
		Help: "The total number of triggers whose conditions matched an event",
	}, []string{"event"})

	// ActionsExecuted 计数器：动作执行总数，按动作类型和结果分类
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_actions_executed_total",
		Help: "The total number of automation actions executed",
	}, []string{"type", "status"})

	// ActionDuration 直方图：动作执行耗时分布（含重试，不含配置延迟）
	// 用于分析外部调用类动作的性能瓶颈
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automation_action_duration_seconds",
		Help:    "Time spent executing each automation action",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ActiveStages 仪表盘：当前活动（未完成）的生产工序数量
	ActiveStages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "production_active_stages",
		Help: "The number of production stage events currently in the active set",
	})

	// StagesCompleted 计数器：完成的生产工序总数，按工序分类
	StagesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "production_stages_completed_total",
		Help: "The total number of completed production stage events",
	}, []string{"stage"})

	// WorkOrdersByStatus 仪表盘：各工作区各状态下的工单数量
	// 计数按工作区重算，必须带 workspace_id 标签，否则多工作区互相覆盖
	WorkOrdersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workorder_count_by_status",
		Help: "The number of work orders in each lifecycle status per workspace",
	}, []string{"workspace_id", "status"})

	// MachineTemperature 仪表盘：设备温度，按设备分类
	MachineTemperature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "machine_temperature_celsius",
		Help: "Latest reported temperature per machine",
	}, []string{"workspace_id", "machine_id"})
)

package workorder

import "garment-ops-engine/internal/types"

// Policy 是排程策略参数，全部可通过配置覆盖
type Policy struct {
	// DefaultDurationHours 未指定估算工时时的默认值
	DefaultDurationHours float64 `mapstructure:"default_duration_hours"`

	// StageGapDays 订单生成工单时相邻工序的间隔天数
	StageGapDays int `mapstructure:"stage_gap_days"`

	// QtyBatchSize 工时缩放的批量粒度：工时 = 基准工时 × ceil(数量/批量)
	QtyBatchSize int `mapstructure:"qty_batch_size"`

	// BaseHoursPerStage 各工序处理一个批量所需的基准工时
	BaseHoursPerStage map[types.Stage]float64 `mapstructure:"base_hours_per_stage"`

	// 按距离交期的天数推导优先级的阈值
	CriticalDays int `mapstructure:"critical_days"`
	UrgentDays   int `mapstructure:"urgent_days"`
	HighDays     int `mapstructure:"high_days"`
}

// applyDefaults 填充基线策略：两天一道工序、按百件批量缩放工时
func (p *Policy) applyDefaults() {
	if p.DefaultDurationHours <= 0 {
		p.DefaultDurationHours = 8
	}
	if p.StageGapDays <= 0 {
		p.StageGapDays = 2
	}
	if p.QtyBatchSize <= 0 {
		p.QtyBatchSize = 100
	}
	if p.CriticalDays <= 0 {
		p.CriticalDays = 2
	}
	if p.UrgentDays <= 0 {
		p.UrgentDays = 5
	}
	if p.HighDays <= 0 {
		p.HighDays = 10
	}
	if len(p.BaseHoursPerStage) == 0 {
		p.BaseHoursPerStage = map[types.Stage]float64{
			types.StageCutting:        4,
			types.StagePrinting:       6,
			types.StageSewing:         12,
			types.StageQualityControl: 3,
			types.StageFinishing:      4,
			types.StagePacking:        2,
		}
	}
}

// priorityForDeadline 按距离交期的天数推导优先级
func (p Policy) priorityForDeadline(daysLeft int) types.WorkOrderPriority {
	switch {
	case daysLeft <= p.CriticalDays:
		return types.PriorityCritical
	case daysLeft <= p.UrgentDays:
		return types.PriorityUrgent
	case daysLeft <= p.HighDays:
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}

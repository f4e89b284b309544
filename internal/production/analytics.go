package production

import (
	"context"
	"fmt"

	"garment-ops-engine/internal/types"
)

// StageSummary 是单个工序的实时聚合
type StageSummary struct {
	Stage           types.Stage `json:"stage"`
	ActiveCount     int         `json:"active_count"`
	PiecesCompleted int         `json:"pieces_completed"`
	PiecesTotal     int         `json:"pieces_total"`
	AvgEfficiency   float64     `json:"avg_efficiency"`
}

// LineStatus 是一条产线的实时状态视图
// 读取时聚合计算，不落任何中间状态，新鲜度只受读取延迟约束
type LineStatus struct {
	WorkspaceID       string         `json:"workspace_id"`
	ActiveStages      []StageSummary `json:"active_stages"`
	LineEfficiency    float64        `json:"line_efficiency"`
	BottleneckStage   types.Stage    `json:"bottleneck_stage,omitempty"`
	MachinesReporting int            `json:"machines_reporting"`
	MachinesInError   int            `json:"machines_in_error"`
}

// LineStatus 聚合当前活动工序和最新设备遥测，计算线级效率和瓶颈工序
// 瓶颈定义为活动工序中平均效率最低的工序
func (t *Tracker) LineStatus(ctx context.Context, workspaceID string) (LineStatus, error) {
	status := LineStatus{WorkspaceID: workspaceID}

	// 按工序聚合活动事件
	type agg struct {
		count      int
		completed  int
		total      int
		efficiency float64
	}
	byStage := make(map[types.Stage]*agg)
	for _, ev := range t.ActiveEvents() {
		if workspaceID != "" && ev.WorkspaceID != workspaceID {
			continue
		}
		a, ok := byStage[ev.Stage]
		if !ok {
			a = &agg{}
			byStage[ev.Stage] = a
		}
		a.count++
		a.completed += ev.PiecesCompleted
		a.total += ev.PiecesTotal
		a.efficiency += ev.EfficiencyScore
	}

	var stageEffSum float64
	var stageEffCount int
	bottleneckEff := -1.0
	for _, stage := range types.StageSequence {
		a, ok := byStage[stage]
		if !ok {
			continue
		}
		avgEff := a.efficiency / float64(a.count)
		status.ActiveStages = append(status.ActiveStages, StageSummary{
			Stage:           stage,
			ActiveCount:     a.count,
			PiecesCompleted: a.completed,
			PiecesTotal:     a.total,
			AvgEfficiency:   avgEff,
		})
		stageEffSum += avgEff
		stageEffCount++
		if bottleneckEff < 0 || avgEff < bottleneckEff {
			bottleneckEff = avgEff
			status.BottleneckStage = stage
		}
	}

	// 叠加最新设备遥测
	machines, err := t.store.ListMachineMetrics(ctx, workspaceID)
	if err != nil {
		return LineStatus{}, fmt.Errorf("failed to list machine metrics: %w", err)
	}
	var machineEffSum float64
	for _, m := range machines {
		status.MachinesReporting++
		machineEffSum += m.Efficiency
		if m.Status == types.MachineError {
			status.MachinesInError++
		}
	}

	// 线级效率 = 活动工序平均效率与设备平均效率的均值（缺一侧时取另一侧）
	switch {
	case stageEffCount > 0 && status.MachinesReporting > 0:
		status.LineEfficiency = (stageEffSum/float64(stageEffCount) + machineEffSum/float64(status.MachinesReporting)) / 2
	case stageEffCount > 0:
		status.LineEfficiency = stageEffSum / float64(stageEffCount)
	case status.MachinesReporting > 0:
		status.LineEfficiency = machineEffSum / float64(status.MachinesReporting)
	}

	return status, nil
}

package workorder

import (
	"context"
	"fmt"

	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
)

// 派工评分权重：技能匹配 40%、负载余量 30%、效率评级 30%
const (
	weightSkillMatch = 0.4
	weightWorkload   = 0.3
	weightEfficiency = 0.3

	// 每个在身工单按 25% 负载计，四个及以上视为满载
	workloadPerOrder = 25.0
)

// TryAssign 对一个待分配工单执行自动派工
// 候选条件：(a) 与所需技能有交集 (b) 没有排程窗口重叠的在身工单
// 评分取最高者；并列时取注册最早的操作员。无人可派返回 (false, nil)，
// 工单保持 PENDING，由周期性扫描或依赖解锁再次触发
//
// 整个扫描在存储层的工作区派工锁内执行：候选的在身工单检查和最终
// 写入必须是同一个隔离单元，否则共享同一存储的多个实例可能把重叠
// 窗口派给同一个人
func (m *Manager) TryAssign(ctx context.Context, id string) (bool, error) {
	wo, err := m.store.GetWorkOrder(ctx, id)
	if err != nil {
		return false, fmt.Errorf("work order %s: %w", id, err)
	}
	if wo.Status != types.WorkOrderPending {
		return false, nil
	}

	assigned := false
	err = m.store.WithAssignLock(ctx, wo.WorkspaceID, func(ctx context.Context) error {
		var lockErr error
		assigned, lockErr = m.tryAssignLocked(ctx, id)
		return lockErr
	})
	return assigned, err
}

// tryAssignLocked 是持锁后的派工扫描本体
// 锁内重读工单：等锁期间另一个实例可能已经完成派工
func (m *Manager) tryAssignLocked(ctx context.Context, id string) (bool, error) {
	wo, err := m.store.GetWorkOrder(ctx, id)
	if err != nil {
		return false, fmt.Errorf("work order %s: %w", id, err)
	}
	if wo.Status != types.WorkOrderPending {
		return false, nil
	}

	// 依赖未齐的工单还不具备派工资格
	ready, _, err := m.dependenciesCompleted(ctx, wo)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}

	operators, err := m.store.ListOperators(ctx, wo.WorkspaceID)
	if err != nil {
		return false, fmt.Errorf("failed to list operators: %w", err)
	}

	best := -1.0
	var chosen *types.Operator
	for i := range operators {
		op := operators[i]
		if !op.Active {
			continue
		}

		matched, total := skillOverlap(wo.RequiredSkills, op.Skills)
		if total > 0 && matched == 0 {
			continue // 完全没有所需技能
		}

		active, overlap, err := m.operatorLoad(ctx, op.ID, wo)
		if err != nil {
			return false, err
		}
		if overlap {
			continue // 排程窗口冲突
		}

		score := scoreCandidate(matched, total, active, op.EfficiencyRating)
		// 严格大于：分数并列时保留先注册的候选（operators 已按注册时间排序）
		if score > best {
			best = score
			chosen = &op
		}
	}

	if chosen == nil {
		m.logger.Info("暂无可派操作员", "work_order", wo.WorkOrderNumber)
		return false, nil
	}

	wo.AssignedTo = chosen.ID
	wo.Status = types.WorkOrderAssigned
	wo.UpdatedAt = m.now()
	if err := m.store.PutWorkOrder(ctx, wo); err != nil {
		return false, fmt.Errorf("failed to persist assignment: %w", err)
	}
	m.logger.Info("自动派工完成", "work_order", wo.WorkOrderNumber, "operator", chosen.ID, "score", best)
	return true, nil
}

// SweepPending 重新尝试派工所有待分配工单
// 由 cron 周期性调用，处理"创建时无人可派"的工单
func (m *Manager) SweepPending(ctx context.Context) {
	pending, err := m.store.ListWorkOrders(ctx, store.WorkOrderFilter{Status: types.WorkOrderPending})
	if err != nil {
		m.logger.Error("扫描待分配工单失败", "error", err)
		return
	}
	assigned := 0
	for _, wo := range pending {
		ok, err := m.TryAssign(ctx, wo.ID)
		if err != nil {
			m.logger.Error("周期派工失败", "work_order", wo.WorkOrderNumber, "error", err)
			continue
		}
		if ok {
			assigned++
		}
	}
	if assigned > 0 {
		m.logger.Info("周期派工扫描完成", "pending", len(pending), "assigned", assigned)
	}
}

// operatorLoad 统计操作员的在身工单数，并检查是否与候选工单窗口重叠
func (m *Manager) operatorLoad(ctx context.Context, operatorID string, candidate types.WorkOrder) (int, bool, error) {
	active := 0
	overlap := false
	for _, status := range []types.WorkOrderStatus{types.WorkOrderAssigned, types.WorkOrderInProgress} {
		orders, err := m.store.ListWorkOrders(ctx, store.WorkOrderFilter{
			AssignedTo: operatorID,
			Status:     status,
		})
		if err != nil {
			return 0, false, fmt.Errorf("failed to list work orders of operator %s: %w", operatorID, err)
		}
		active += len(orders)
		for _, existing := range orders {
			if existing.Overlaps(candidate) {
				overlap = true
			}
		}
	}
	return active, overlap, nil
}

// skillOverlap 统计操作员覆盖了多少所需技能
func skillOverlap(required, owned []string) (matched, total int) {
	total = len(required)
	if total == 0 {
		return 0, 0
	}
	ownedSet := make(map[string]bool, len(owned))
	for _, s := range owned {
		ownedSet[s] = true
	}
	for _, s := range required {
		if ownedSet[s] {
			matched++
		}
	}
	return matched, total
}

// scoreCandidate 计算派工得分
// skill_match% 无技能要求时按 100 计；负载 = min(100, 在身工单数 × 25)
func scoreCandidate(matchedSkills, totalSkills, activeOrders int, efficiency float64) float64 {
	skillMatch := 100.0
	if totalSkills > 0 {
		skillMatch = float64(matchedSkills) / float64(totalSkills) * 100
	}
	workload := float64(activeOrders) * workloadPerOrder
	if workload > 100 {
		workload = 100
	}
	return weightSkillMatch*skillMatch + weightWorkload*(100-workload) + weightEfficiency*efficiency
}

package automation

import "garment-ops-engine/internal/types"

// DefaultTriggers 返回出厂默认的触发器集合
// 覆盖最常见的自动化链路；车间可在此基础上增删或调整优先级
func DefaultTriggers() []types.AutomationTrigger {
	return []types.AutomationTrigger{
		{
			ID:          "order-approved-generate-workorders",
			Event:       types.EventOrderApproved,
			Description: "订单审批通过后生成覆盖全部工序的生产工单链",
			IsActive:    true,
			Priority:    100,
			Actions: []types.AutomationAction{
				{
					Type: types.ActionWorkOrderCreate,
					Config: map[string]any{
						"mode":         "generate_for_order",
						"order_id":     "{{order_id}}",
						"workspace_id": "{{workspace_id}}",
					},
				},
			},
		},
		{
			ID:          "quality-check-failed-escalate",
			Event:       types.EventQualityCheckFailed,
			Description: "质检不通过时通知质量主管并创建加急返检工单",
			IsActive:    true,
			Priority:    90,
			Actions: []types.AutomationAction{
				{
					Type: types.ActionNotify,
					Config: map[string]any{
						"workspace_id": "{{workspace_id}}",
						"title":        "质检不通过: 订单 {{order_id}}",
						"message":      "订单 {{order_id}} 在 {{stage}} 工序质检不通过，请尽快处理",
						"category":     "quality",
					},
				},
				{
					Type: types.ActionWorkOrderCreate,
					Config: map[string]any{
						"workspace_id":    "{{workspace_id}}",
						"type":            string(types.WorkOrderQualityCheck),
						"priority":        string(types.PriorityUrgent),
						"title":           "返检: 订单 {{order_id}} {{stage}}",
						"order_id":        "{{order_id}}",
						"estimated_hours": 4,
						"required_skills": []any{"quality_inspection"},
					},
					RetryCount: 2,
				},
			},
		},
		{
			ID:          "machine-alert-maintenance",
			Event:       types.EventMachineAlert,
			Description: "设备告警时通知设备组并创建维修工单",
			IsActive:    true,
			Priority:    80,
			Actions: []types.AutomationAction{
				{
					Type: types.ActionNotify,
					Config: map[string]any{
						"workspace_id": "{{workspace_id}}",
						"title":        "设备告警: {{machine_id}}",
						"message":      "设备 {{machine_id}} 进入异常状态，温度 {{temperature}}",
						"category":     "machine",
					},
				},
				{
					Type: types.ActionWorkOrderCreate,
					Config: map[string]any{
						"workspace_id":    "{{workspace_id}}",
						"type":            string(types.WorkOrderMaintenance),
						"priority":        string(types.PriorityUrgent),
						"title":           "维修: {{machine_id}}",
						"machine_id":      "{{machine_id}}",
						"estimated_hours": 2,
						"required_skills": []any{"maintenance"},
					},
				},
			},
		},
		{
			ID:          "inventory-low-notify",
			Event:       types.EventInventoryLow,
			Description: "库存低于安全线时通知采购",
			IsActive:    true,
			Priority:    50,
			Actions: []types.AutomationAction{
				{
					Type: types.ActionNotify,
					Config: map[string]any{
						"workspace_id": "{{workspace_id}}",
						"title":        "库存不足: {{material}}",
						"message":      "物料 {{material}} 仅剩 {{remaining}}，请安排补货",
						"category":     "inventory",
					},
				},
			},
		},
	}
}

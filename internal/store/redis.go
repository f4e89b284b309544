package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"garment-ops-engine/internal/types"
)

// Redis 是基于 go-redis 的存储实现，供多 worker 进程共享状态
// 每条记录以 JSON 字符串存储，集合成员关系用 Redis Set 维护，
// 序列号用 INCR 保证原子递增
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis 创建一个 Redis 存储实例，prefix 用于多租户/多实例隔离
func NewRedis(opts *redis.Options, prefix string) (*Redis, error) {
	if prefix == "" {
		return nil, fmt.Errorf("key prefix cannot be empty")
	}
	return &Redis{rdb: redis.NewClient(opts), prefix: prefix}, nil
}

// Ping 验证 Redis 连通性，用于启动健康检查
func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Redis) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// putJSON 写入单条记录并把 ID 加入集合索引
func (s *Redis) putJSON(ctx context.Context, collection, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize %s record: %w", collection, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(collection, id), data, 0)
	pipe.SAdd(ctx, s.key(collection, "ids"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %s record to redis: %w", collection, err)
	}
	return nil
}

// getJSON 读取单条记录，key 不存在时返回 ErrNotFound
func (s *Redis) getJSON(ctx context.Context, collection, id string, out any) error {
	data, err := s.rdb.Get(ctx, s.key(collection, id)).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s record from redis: %w", collection, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to deserialize %s record: %w", collection, err)
	}
	return nil
}

// listJSON 读取集合中全部记录，decode 回调负责逐条反序列化
func (s *Redis) listJSON(ctx context.Context, collection string, decode func([]byte) error) error {
	ids, err := s.rdb.SMembers(ctx, s.key(collection, "ids")).Result()
	if err != nil {
		return fmt.Errorf("failed to list %s ids: %w", collection, err)
	}
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, s.key(collection, id)).Bytes()
		if err == redis.Nil {
			continue // 记录被并发删除，跳过
		}
		if err != nil {
			return fmt.Errorf("failed to read %s record %s: %w", collection, id, err)
		}
		if err := decode(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Redis) PutWorkOrder(ctx context.Context, wo types.WorkOrder) error {
	return s.putJSON(ctx, "workorder", wo.ID, wo)
}

func (s *Redis) GetWorkOrder(ctx context.Context, id string) (types.WorkOrder, error) {
	var wo types.WorkOrder
	err := s.getJSON(ctx, "workorder", id, &wo)
	return wo, err
}

func (s *Redis) ListWorkOrders(ctx context.Context, filter WorkOrderFilter) ([]types.WorkOrder, error) {
	var result []types.WorkOrder
	err := s.listJSON(ctx, "workorder", func(data []byte) error {
		var wo types.WorkOrder
		if err := json.Unmarshal(data, &wo); err != nil {
			return fmt.Errorf("failed to deserialize work order: %w", err)
		}
		if matchWorkOrder(wo, filter) {
			result = append(result, wo)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortWorkOrders(result)
	return result, nil
}

func (s *Redis) PutTrigger(ctx context.Context, trigger types.AutomationTrigger) error {
	if err := s.putJSON(ctx, "trigger", trigger.ID, trigger); err != nil {
		return err
	}
	// 记录注册顺序，优先级相同的触发器按注册顺序稳定派发
	return s.rdb.RPush(ctx, s.key("trigger", "order"), trigger.ID).Err()
}

func (s *Redis) DeleteTrigger(ctx context.Context, id string) error {
	removed, err := s.rdb.Del(ctx, s.key("trigger", id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, s.key("trigger", "ids"), id)
	pipe.LRem(ctx, s.key("trigger", "order"), 0, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Redis) ListTriggers(ctx context.Context) ([]types.AutomationTrigger, error) {
	ids, err := s.rdb.LRange(ctx, s.key("trigger", "order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger order: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	var result []types.AutomationTrigger
	for _, id := range ids {
		if seen[id] {
			continue // 重复注册只保留首次出现的位置
		}
		seen[id] = true
		var t types.AutomationTrigger
		if err := s.getJSON(ctx, "trigger", id, &t); err == ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *Redis) PutProductionEvent(ctx context.Context, ev types.ProductionEvent) error {
	return s.putJSON(ctx, "production", ev.ID, ev)
}

func (s *Redis) GetProductionEvent(ctx context.Context, id string) (types.ProductionEvent, error) {
	var ev types.ProductionEvent
	err := s.getJSON(ctx, "production", id, &ev)
	return ev, err
}

func (s *Redis) UpsertMachineMetrics(ctx context.Context, m types.MachineMetrics) error {
	return s.putJSON(ctx, "machine", m.Key(), m)
}

func (s *Redis) ListMachineMetrics(ctx context.Context, workspaceID string) ([]types.MachineMetrics, error) {
	var result []types.MachineMetrics
	err := s.listJSON(ctx, "machine", func(data []byte) error {
		var m types.MachineMetrics
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to deserialize machine metrics: %w", err)
		}
		if workspaceID == "" || m.WorkspaceID == workspaceID {
			result = append(result, m)
		}
		return nil
	})
	return result, err
}

func (s *Redis) PutNotification(ctx context.Context, n types.Notification) error {
	return s.putJSON(ctx, "notification", n.ID, n)
}

func (s *Redis) ListNotifications(ctx context.Context, workspaceID string) ([]types.Notification, error) {
	var result []types.Notification
	err := s.listJSON(ctx, "notification", func(data []byte) error {
		var n types.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("failed to deserialize notification: %w", err)
		}
		if workspaceID == "" || n.WorkspaceID == workspaceID {
			result = append(result, n)
		}
		return nil
	})
	return result, err
}

func (s *Redis) PutOperator(ctx context.Context, op types.Operator) error {
	return s.putJSON(ctx, "operator", op.ID, op)
}

func (s *Redis) ListOperators(ctx context.Context, workspaceID string) ([]types.Operator, error) {
	var result []types.Operator
	err := s.listJSON(ctx, "operator", func(data []byte) error {
		var op types.Operator
		if err := json.Unmarshal(data, &op); err != nil {
			return fmt.Errorf("failed to deserialize operator: %w", err)
		}
		if workspaceID == "" || op.WorkspaceID == workspaceID {
			result = append(result, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortOperators(result)
	return result, nil
}

func (s *Redis) PutTemplate(ctx context.Context, tpl types.WorkOrderTemplate) error {
	return s.putJSON(ctx, "template", tpl.ID, tpl)
}

func (s *Redis) GetTemplate(ctx context.Context, id string) (types.WorkOrderTemplate, error) {
	var tpl types.WorkOrderTemplate
	err := s.getJSON(ctx, "template", id, &tpl)
	return tpl, err
}

func (s *Redis) NextSequence(ctx context.Context, scope string) (int64, error) {
	return s.rdb.Incr(ctx, s.key("seq", scope)).Result()
}

// 派工锁的存活时间：持有者崩溃后锁最迟在 TTL 后自动释放
const assignLockTTL = 10 * time.Second

// 重试获取锁的间隔
const assignLockRetry = 20 * time.Millisecond

// releaseAssignLock 仅在持有者匹配时删除锁
// TTL 过期后锁可能已被其他实例取得，不能无条件 DEL
var releaseAssignLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// WithAssignLock 用 SETNX + TTL 实现跨进程的工作区派工锁
// 锁被占用时轮询等待，ctx 取消则放弃
func (s *Redis) WithAssignLock(ctx context.Context, workspaceID string, fn func(ctx context.Context) error) error {
	key := s.key("assignlock", workspaceID)
	token := uuid.NewString()
	for {
		acquired, err := s.rdb.SetNX(ctx, key, token, assignLockTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire assign lock for workspace %s: %w", workspaceID, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(assignLockRetry):
		}
	}
	defer func() {
		// 释放失败时锁在 TTL 后自动过期
		_ = releaseAssignLock.Run(ctx, s.rdb, []string{key}, token).Err()
	}()
	return fn(ctx)
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

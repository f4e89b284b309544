package event

import (
	"context"
	"log/slog"
	"sync"

	"garment-ops-engine/internal/metrics"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/util"
)

// Event 是总线上流转的消息：事件类型 + 扁平化的事件数据
type Event struct {
	Kind    types.EventKind `json:"kind"`     // 事件类型
	Data    map[string]any  `json:"data"`     // 事件数据，条件求值和占位符解析都针对它
	TraceID string          `json:"trace_id"` // 全链路追踪 ID，为空时由总线生成
}

// Handler 是事件处理函数的签名
// 同一个事件的多个处理器按订阅顺序同步执行，事件之间由 worker 池并发
type Handler func(ctx context.Context, e Event)

// Bus 是进程内的事件队列
// 生产追踪器和工单管理器向队列写入，派发器从队列读取，
// 形成显式的、可测试的反馈回路（工序完成 -> 再次进入触发器管道）
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.EventKind][]Handler // 事件类型到处理器的映射
	catchAll []Handler                     // 订阅所有事件的处理器（派发器用）
	queue    chan Event                    // 缓冲队列
	workers  int                           // 并发 worker 数
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewBus 创建一个事件总线
func NewBus(buffer, workers int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Bus{
		handlers: make(map[types.EventKind][]Handler),
		queue:    make(chan Event, buffer),
		workers:  workers,
		logger:   logger.With("component", "event_bus"),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(kind types.EventKind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// SubscribeAll 订阅全部事件类型
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, handler)
}

// Publish 将事件放入队列
// 队列满时会阻塞调用方，提供自然的背压；跨事件之间没有顺序保证
func (b *Bus) Publish(e Event) {
	if e.TraceID == "" {
		e.TraceID = util.NewTraceID()
	}
	metrics.EventsInQueue.Inc()
	b.queue <- e
}

// Run 启动 worker 池消费队列，阻塞直到 ctx 取消且队列中的事件处理完毕
// 单个事件的全部处理器在同一个 worker 中顺序执行，
// 因此动作里的延迟只会挂起该事件自己的管道，不影响其他事件
func (b *Bus) Run(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-b.queue:
					metrics.EventsInQueue.Dec()
					b.deliver(ctx, e)
				}
			}
		}()
	}
	b.wg.Wait()
}

// deliver 将事件交给所有订阅者
func (b *Bus) deliver(ctx context.Context, e Event) {
	eventCtx := util.ContextWithTraceID(ctx, e.TraceID)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Kind])+len(b.catchAll))
	handlers = append(handlers, b.handlers[e.Kind]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(eventCtx, e)
	}
}

// Drain 同步处理队列中已有的事件，直到队列清空或 ctx 结束
// 全部在调用方 goroutine 中执行；停机时用带超时的 ctx 调用，
// 保证慢处理器不会无限延长退出
func (b *Bus) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case e := <-b.queue:
			metrics.EventsInQueue.Dec()
			b.deliver(ctx, e)
		default:
			return
		}
	}
}

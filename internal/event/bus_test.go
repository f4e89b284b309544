package event

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garment-ops-engine/internal/types"
)

func newTestBus() *Bus {
	return NewBus(16, 1, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func TestPublishAndDrain(t *testing.T) {
	bus := newTestBus()

	var got []Event
	bus.Subscribe(types.EventOrderApproved, func(_ context.Context, e Event) {
		got = append(got, e)
	})

	bus.Publish(Event{Kind: types.EventOrderApproved, Data: map[string]any{"order_id": "O1"}})
	bus.Publish(Event{Kind: types.EventInventoryLow, Data: map[string]any{}}) // 无人订阅，应被丢给 catchAll（也没有）
	bus.Drain(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, "O1", got[0].Data["order_id"])
	// 未指定时总线生成追踪 ID
	assert.NotEmpty(t, got[0].TraceID)
}

func TestTraceIDPropagation(t *testing.T) {
	bus := newTestBus()

	var gotTrace string
	bus.Subscribe(types.EventMachineAlert, func(_ context.Context, e Event) {
		gotTrace = e.TraceID
	})

	bus.Publish(Event{Kind: types.EventMachineAlert, TraceID: "trace-123"})
	bus.Drain(context.Background())

	assert.Equal(t, "trace-123", gotTrace)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := newTestBus()

	var kinds []types.EventKind
	bus.SubscribeAll(func(_ context.Context, e Event) {
		kinds = append(kinds, e.Kind)
	})

	bus.Publish(Event{Kind: types.EventOrderApproved})
	bus.Publish(Event{Kind: types.EventQualityCheckFailed})
	bus.Drain(context.Background())

	assert.Equal(t, []types.EventKind{types.EventOrderApproved, types.EventQualityCheckFailed}, kinds)
}

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	bus := newTestBus()

	var order []string
	bus.Subscribe(types.EventOrderApproved, func(_ context.Context, _ Event) { order = append(order, "first") })
	bus.Subscribe(types.EventOrderApproved, func(_ context.Context, _ Event) { order = append(order, "second") })
	bus.SubscribeAll(func(_ context.Context, _ Event) { order = append(order, "catch_all") })

	bus.Publish(Event{Kind: types.EventOrderApproved})
	bus.Drain(context.Background())

	// 特定订阅者先于 catchAll，且各自按订阅顺序
	assert.Equal(t, []string{"first", "second", "catch_all"}, order)
}

func TestDrainStopsWhenContextEnds(t *testing.T) {
	bus := newTestBus()

	ctx, cancel := context.WithCancel(context.Background())
	var handled []string
	bus.SubscribeAll(func(_ context.Context, e Event) {
		handled = append(handled, e.TraceID)
		cancel() // 处理第一条后上下文结束
	})

	bus.Publish(Event{Kind: types.EventOrderApproved, TraceID: "first"})
	bus.Publish(Event{Kind: types.EventOrderApproved, TraceID: "second"})
	bus.Drain(ctx)

	// 上下文结束后不再消费队列，剩余事件留在队列中
	assert.Equal(t, []string{"first"}, handled)

	bus.Drain(context.Background())
	assert.Equal(t, []string{"first", "second"}, handled)
}

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"garment-ops-engine/internal/automation"
	"garment-ops-engine/internal/config"
	"garment-ops-engine/internal/event"
	"garment-ops-engine/internal/persistence"
	"garment-ops-engine/internal/production"
	"garment-ops-engine/internal/store"
	"garment-ops-engine/internal/types"
	"garment-ops-engine/internal/util"
	"garment-ops-engine/internal/web"
	"garment-ops-engine/internal/workorder"
)

// main 是应用程序的主入口
func main() {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("初始化存储失败", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	wal, err := persistence.NewWAL(cfg.WALPath)
	if err != nil {
		logger.Error("无法初始化 WAL", "error", err)
		os.Exit(1)
	}
	defer wal.Close()

	hub := web.NewHub()
	go hub.Run()
	floor := web.NewFloorTracker(hub)

	bus := event.NewBus(cfg.QueueBuffer, cfg.MaxWorkers, logger)

	// 2. 初始化业务组件
	tracker := production.NewTracker(st, bus, floor, logger)
	orders := workorder.NewManager(st, bus, tracker, floor, cfg.Scheduling, logger)

	collab := automation.NewRemoteCollaborator(cfg.CollaboratorAddr, logger)
	executor := automation.NewExecutor(st, orders, collab, collab, collab, automation.ExecutorConfig{
		BaseRetryDelay: time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		DelayUnit:      time.Duration(cfg.Retry.DelayUnitMs) * time.Millisecond,
		HTTPTimeout:    time.Duration(cfg.Retry.HTTPTimeoutSec) * time.Second,
	}, logger)
	registry := automation.NewRegistry(st, executor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 加载触发器并挂接事件总线
	if cfg.SeedDefaultTriggers {
		for _, trigger := range automation.DefaultTriggers() {
			if err := registry.Register(ctx, trigger); err != nil {
				logger.Warn("默认触发器注册失败", "trigger_id", trigger.ID, "error", err)
			}
		}
	}
	if err := registry.Reload(ctx); err != nil {
		logger.Error("加载触发器失败", "error", err)
		os.Exit(1)
	}

	bus.SubscribeAll(registry.HandleEvent)
	// 派发器处理完毕后在 WAL 中标记事件完成
	bus.SubscribeAll(func(_ context.Context, e event.Event) {
		if err := wal.Done(e.TraceID); err != nil {
			logger.Warn("写入 WAL 完成标记失败", "trace_id", e.TraceID, "error", err)
		}
	})

	// 4. 恢复和启动
	recovered, err := wal.Recover()
	if err != nil {
		logger.Warn("从 WAL 恢复事件失败", "error", err)
	}
	for _, e := range recovered {
		logger.Info("重新派发未完成事件", "kind", e.Kind, "trace_id", e.TraceID)
		bus.Publish(e)
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.AssignSweepCron, func() { orders.SweepPending(ctx) }); err != nil {
		logger.Error("注册派工扫描任务失败", "cron", cfg.AssignSweepCron, "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	logger.Info("=== 服装工厂运营自动化引擎启动 ===", "addr", cfg.HTTPAddr, "store", cfg.Store.Backend)

	go bus.Run(ctx)
	go startAPIServer(cfg.HTTPAddr, wal, bus, tracker, orders, st, hub, floor, logger)

	// 5. 优雅停机
	waitForShutdown(logger, cancel, bus)
}

// openStore 按配置选择存储后端
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Store.Backend != "redis" {
		logger.Info("使用内存存储")
		return store.NewInMem(), nil
	}

	st, err := store.NewRedis(&redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	}, cfg.Store.Redis.Prefix)
	if err != nil {
		return nil, err
	}

	// 启动健康检查：连不上 Redis 直接失败，不降级
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		return nil, err
	}
	logger.Info("使用 Redis 存储", "addr", cfg.Store.Redis.Addr, "prefix", cfg.Store.Redis.Prefix)
	return st, nil
}

// inboundEvent 是 POST /api/events 的请求体
type inboundEvent struct {
	Kind types.EventKind `json:"kind"`
	Data map[string]any  `json:"data"`
}

// startAPIServer 启动 API 和 Web 服务器
func startAPIServer(addr string, wal *persistence.WAL, bus *event.Bus, tracker *production.Tracker,
	orders *workorder.Manager, st store.Store, hub *web.Hub, floor *web.FloorTracker, logger *slog.Logger) {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(floor.Snapshot())
	})

	mux.HandleFunc("/api/line-status", func(w http.ResponseWriter, r *http.Request) {
		status, err := tracker.LineStatus(r.Context(), r.URL.Query().Get("workspace_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var in inboundEvent
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			logger.Warn("解析事件请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if in.Kind == "" {
			http.Error(w, "event kind is required", http.StatusBadRequest)
			return
		}

		e := event.Event{Kind: in.Kind, Data: in.Data, TraceID: util.NewTraceID()}
		// 先写 WAL 再入队：崩溃后未处理完的事件能被重新派发
		if err := wal.Append(e); err != nil {
			logger.Error("写入 WAL 失败", "error", err)
			http.Error(w, "failed to journal event", http.StatusInternalServerError)
			return
		}
		bus.Publish(e)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "trace_id": e.TraceID})
	})

	mux.HandleFunc("/api/machines/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var m types.MachineMetrics
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			logger.Warn("解析遥测请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := tracker.UpdateMachineMetrics(r.Context(), m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/api/work-orders", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			result, err := orders.List(r.Context(), store.WorkOrderFilter{
				WorkspaceID: r.URL.Query().Get("workspace_id"),
				Status:      types.WorkOrderStatus(r.URL.Query().Get("status")),
				OrderID:     r.URL.Query().Get("order_id"),
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(result)
		case http.MethodPost:
			var req workorder.CreateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			wo, err := orders.Create(r.Context(), req)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(wo)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/operators", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var op types.Operator
		if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if op.ID == "" || op.WorkspaceID == "" {
			http.Error(w, "operator id and workspace_id are required", http.StatusBadRequest)
			return
		}
		if op.RegisteredAt.IsZero() {
			op.RegisteredAt = time.Now()
		}
		if err := st.PutOperator(r.Context(), op); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		result, err := st.ListNotifications(r.Context(), r.URL.Query().Get("workspace_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	logger.Info("API 服务器启动", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("API 服务器启动失败", "error", err)
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, bus *event.Bus) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	cancel()

	// 给在途事件留出处理窗口
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	bus.Drain(drainCtx)
	logger.Info("引擎已安全退出。")
}

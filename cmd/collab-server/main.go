package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// Response 定义了协作服务返回的统一响应体
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// main 是远程协作服务的入口
// 模拟工作流引擎、审批系统和邮件网关三个下游协作方，
// 供演示和集成测试使用
func main() {
	port := ":9090"
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "collab-server")
	slog.SetDefault(logger)

	logger.Info("=== 远程协作服务启动 ===", "port", port)

	http.HandleFunc("/workflows/trigger", handle(logger, "workflow"))
	http.HandleFunc("/approvals/process", handle(logger, "approval"))
	http.HandleFunc("/email/send", handle(logger, "email"))

	if err := http.ListenAndServe(port, nil); err != nil {
		logger.Error("服务启动失败", "error", err)
	}
}

// handle 构造一个通用处理函数：解析请求、模拟处理耗时和随机失败
func handle(logger *slog.Logger, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			logger.Warn("解析请求失败", "kind", kind, "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		reqLogger := logger.With("kind", kind)
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			reqLogger = reqLogger.With("trace_id", traceID)
		}
		reqLogger.Info("接收到协作请求")

		// 模拟处理耗时
		time.Sleep(time.Duration(rand.Intn(300)+100) * time.Millisecond)

		// 模拟随机失败，用于演示执行器的重试退避
		resp := Response{Success: true}
		if rand.Float32() < 0.1 { // 10% 概率失败
			resp = Response{Success: false, Error: "下游系统暂时不可用"}
			reqLogger.Warn("协作请求失败", "error", resp.Error)
		} else {
			reqLogger.Info("协作请求完成")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

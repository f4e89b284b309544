package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"garment-ops-engine/internal/util"
)

// RemoteCollaborator 是通过 HTTP 调用的外部协作服务客户端
// 同时实现 EmailSender、WorkflowRunner 和 ApprovalProcessor 三个接口，
// 使执行器可以像对待本地实现一样对待远程服务
type RemoteCollaborator struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger
}

// NewRemoteCollaborator 创建一个远程协作服务客户端
func NewRemoteCollaborator(endpoint string, logger *slog.Logger) *RemoteCollaborator {
	return &RemoteCollaborator{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With("component", "remote_collaborator", "endpoint", endpoint),
	}
}

// collabResponse 定义了从远程服务接收的响应体
type collabResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Send 实现 EmailSender：POST /email/send
func (c *RemoteCollaborator) Send(ctx context.Context, to, subject, body string) error {
	return c.post(ctx, "/email/send", map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
}

// Trigger 实现 WorkflowRunner：POST /workflows/trigger
func (c *RemoteCollaborator) Trigger(ctx context.Context, workflowID string, context map[string]any) error {
	return c.post(ctx, "/workflows/trigger", map[string]any{
		"workflow_id": workflowID,
		"context":     context,
	})
}

// Process 实现 ApprovalProcessor：POST /approvals/process
func (c *RemoteCollaborator) Process(ctx context.Context, approvalType, entityID string, context map[string]any) error {
	return c.post(ctx, "/approvals/process", map[string]any{
		"approval_type": approvalType,
		"entity_id":     entityID,
		"context":       context,
	})
}

// post 发送一次 JSON 请求并解析统一的响应体
func (c *RemoteCollaborator) post(ctx context.Context, path string, payload map[string]any) error {
	logger := c.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	reqBody, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		logger.Error("远程协作调用失败", "path", path, "error", err)
		return fmt.Errorf("remote collaborator call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("远程协作服务返回错误状态", "path", path, "status", resp.Status)
		return fmt.Errorf("remote collaborator returned status %s", resp.Status)
	}

	var cResp collabResponse
	if err := json.NewDecoder(resp.Body).Decode(&cResp); err != nil {
		return fmt.Errorf("failed to decode collaborator response: %w", err)
	}
	if !cResp.Success {
		logger.Warn("远程协作处理失败", "path", path, "remote_error", cResp.Error)
		return fmt.Errorf("remote collaborator rejected request: %s", cResp.Error)
	}

	logger.Info("远程协作处理成功", "path", path)
	return nil
}

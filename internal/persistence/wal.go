package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"garment-ops-engine/internal/event"
)

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type    string       `json:"type"`               // 日志类型: "DISPATCH" (事件入队) 或 "DONE" (事件处理完毕)
	Event   *event.Event `json:"event,omitempty"`    // 如果是事件入队，包含完整的事件数据
	TraceID string       `json:"trace_id,omitempty"` // 如果是处理完毕，只包含事件的追踪 ID
}

// WAL (Write-Ahead Log) 实现了简单的预写日志功能，用于持久化入站事件
// 进程崩溃后重启时，未处理完的事件会被重新派发
type WAL struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// NewWAL 创建或打开一个 WAL 文件
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{file: file}, nil
}

// Append 将一个入站事件写入日志，必须在事件进入队列之前调用
func (w *WAL) Append(e event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := LogEntry{Type: "DISPATCH", Event: &e}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// 写入数据并在末尾添加换行符
	_, err = w.file.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return w.file.Sync()
}

// Done 在日志中标记一个事件已处理完毕
func (w *WAL) Done(traceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := LogEntry{Type: "DONE", TraceID: traceID}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = w.file.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	return w.file.Sync()
}

// Recover 从日志文件中恢复未处理完的事件
// 在系统启动时调用
func (w *WAL) Recover() ([]event.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, err
	}

	pending := make(map[string]event.Event) // 存储所有已入队的事件
	var order []string                      // 保留入队顺序
	done := make(map[string]bool)           // 存储所有已处理完毕的追踪 ID

	scanner := bufio.NewScanner(w.file)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}

		switch entry.Type {
		case "DISPATCH":
			if entry.Event != nil && entry.Event.TraceID != "" {
				if _, seen := pending[entry.Event.TraceID]; !seen {
					order = append(order, entry.Event.TraceID)
				}
				pending[entry.Event.TraceID] = *entry.Event
			}
		case "DONE":
			done[entry.TraceID] = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// 找出所有已入队但未处理完的事件，按原始顺序返回
	var recovered []event.Event
	for _, traceID := range order {
		if !done[traceID] {
			recovered = append(recovered, pending[traceID])
		}
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := w.file.Seek(0, os.SEEK_END); err != nil {
		return nil, err
	}

	return recovered, nil
}

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

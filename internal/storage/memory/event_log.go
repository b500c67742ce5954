package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"AgentVault/internal/vault"
)

const defaultRetainedEvents = 1024

// EventLog 在内存中保留最近的事件，配置了文件路径时同时以 JSONL 追加写入磁盘，
// 重启后从文件恢复。
type EventLog struct {
	mu     sync.RWMutex
	path   string
	retain int
	events []vault.Event
}

var (
	_ vault.EventSink   = (*EventLog)(nil)
	_ vault.EventReader = (*EventLog)(nil)
)

// NewEventLog 创建事件日志，path 为空时只保存在内存中。
func NewEventLog(path string) (*EventLog, error) {
	log := &EventLog{path: path, retain: defaultRetainedEvents}
	if path == "" {
		return log, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建事件日志目录失败: %w", err)
	}
	if err := log.loadFromDisk(); err != nil {
		return nil, err
	}
	return log, nil
}

// Emit 追加事件。
func (l *EventLog) Emit(_ context.Context, event vault.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path != "" {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开事件日志失败: %w", err)
		}
		defer file.Close()
		encoded, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入事件日志失败: %w", err)
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.retain {
		l.events = l.events[len(l.events)-l.retain:]
	}
	return nil
}

// ListEvents 按时间倒序返回指定金库的事件，vaultID 为空时返回全部。
func (l *EventLog) ListEvents(_ context.Context, vaultID string, limit int) ([]vault.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = len(l.events)
	}
	out := make([]vault.Event, 0, min(limit, len(l.events)))
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		if vaultID != "" && l.events[i].VaultID != vaultID {
			continue
		}
		out = append(out, l.events[i])
	}
	return out, nil
}

func (l *EventLog) loadFromDisk() error {
	file, err := os.OpenFile(l.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取事件日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event vault.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		l.events = append(l.events, event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析事件日志失败: %w", err)
	}
	if len(l.events) > l.retain {
		l.events = l.events[len(l.events)-l.retain:]
	}
	return nil
}

package globalstate

import (
	"sync"
	"time"
)

// StatusManager 保存进程当前所处阶段的描述，供 /api/status 读取。
type StatusManager struct {
	mu      sync.RWMutex
	status  string
	changed time.Time
}

// 全局的状态管理器实例
var GlobalStatus = &StatusManager{status: "Initializing...", changed: time.Now()}

// Set 更新状态并记录变更时间。
func (sm *StatusManager) Set(newStatus string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status != newStatus {
		sm.changed = time.Now()
	}
	sm.status = newStatus
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// Since returns when the status last changed.
func (sm *StatusManager) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.changed
}

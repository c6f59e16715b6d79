// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 健康状态汇总 - 各组件上报状态，/health 输出整体结论
// =============================================================================
package metrics

import (
	"sort"
	"sync"
	"time"
)

// 健康状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ComponentCheck 组件检查函数
type ComponentCheck func() ComponentHealth

// HealthRegistry 组件健康检查注册表
type HealthRegistry struct {
	version   string
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]ComponentCheck
}

// NewHealthRegistry 创建注册表
func NewHealthRegistry(version string) *HealthRegistry {
	return &HealthRegistry{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]ComponentCheck),
	}
}

// Register 注册组件检查
func (r *HealthRegistry) Register(name string, check ComponentCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// Check 执行全部检查
// 任一组件 unhealthy 则整体 unhealthy；否则任一 degraded 则整体 degraded
func (r *HealthRegistry) Check() HealthStatus {
	r.mu.RLock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	checks := make(map[string]ComponentCheck, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	r.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Version:    r.version,
		Uptime:     time.Since(r.startTime).Truncate(time.Second).String(),
		Components: make(map[string]ComponentHealth, len(names)),
	}
	for _, name := range names {
		h := checks[name]()
		status.Components[name] = h
		switch h.Status {
		case StatusUnhealthy:
			status.Status = StatusUnhealthy
		case StatusDegraded:
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}
	return status
}

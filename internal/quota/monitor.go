package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/genproxy/internal/metrics"
	"github.com/felipepmaragno/genproxy/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	Day        string
	Level      AlertLevel
	Limit      int64
	TokensUsed int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor watches the global daily total and raises an alert the first time
// each level is crossed on a given day.
type Monitor struct {
	mu            sync.RWMutex
	dedup         AlertDeduplicator
	alertHandlers []AlertHandler
	thresholds    Thresholds
}

func NewMonitor(dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		dedup:         dedup,
		thresholds:    thresholds,
		alertHandlers: make([]AlertHandler, 0),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// ObserveGlobal implements GlobalObserver.
func (m *Monitor) ObserveGlobal(ctx context.Context, day string, used, limit int64) {
	m.Check(ctx, day, used, limit)
}

// Check returns the alert raised for this observation, or nil if usage is
// below the warning threshold or the level was already reported today.
func (m *Monitor) Check(ctx context.Context, day string, used, limit int64) *Alert {
	if limit <= 0 {
		return nil
	}

	ratio := float64(used) / float64(limit)
	metrics.SetGlobalUsage(used, ratio)

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, day, level) {
		return nil
	}

	alert := &Alert{
		Day:        day,
		Level:      level,
		Limit:      limit,
		TokensUsed: used,
		Percentage: ratio * 100,
		Timestamp:  time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.Warn("global token quota alert",
		"day", alert.Day,
		"level", alert.Level,
		"limit", alert.Limit,
		"tokens_used", alert.TokensUsed,
		"percentage", alert.Percentage,
	)
}

// NotifyAlertHandler forwards alerts to a notifier. Delivery failures are
// logged and otherwise ignored.
func NotifyAlertHandler(n notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		notification := notifications.Notification{
			Type:    notificationType(alert.Level),
			Message: fmt.Sprintf("global token usage for %s at %.1f%% of limit", alert.Day, alert.Percentage),
			Data: map[string]interface{}{
				"day":         alert.Day,
				"limit":       alert.Limit,
				"tokens_used": alert.TokensUsed,
			},
		}
		if err := n.Send(ctx, notification); err != nil {
			slog.Error("failed to send quota alert", "error", err, "level", alert.Level)
		}
	}
}

func notificationType(level AlertLevel) notifications.NotificationType {
	switch level {
	case AlertLevelExceeded:
		return notifications.NotificationQuotaExceeded
	case AlertLevelCritical:
		return notifications.NotificationQuotaCritical
	default:
		return notifications.NotificationQuotaWarning
	}
}

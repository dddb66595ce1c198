// Package alert fans operator notifications out to configured
// channels. Delivery is asynchronous and best-effort: the trading path
// fires and moves on, and a dead webhook only ever costs a log line.
package alert

import (
	"context"
	"sync"
	"time"

	"funding_keeper/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

// sendTimeout bounds one channel delivery attempt.
const sendTimeout = 10 * time.Second

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	clock    core.Clock
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger, clock core.Clock) *AlertManager {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		clock:    clock,
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches to every channel in its own goroutine and returns
// immediately. Each delivery gets its own timeout so one slow channel
// cannot starve the rest.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: am.clock.Now(),
		Fields:    fields,
	}

	am.log(level, title, message)

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err.Error())
			}
		}(ch)
	}
}

// log mirrors the alert into the structured log at a matching level,
// so an operator without channels configured still sees everything.
func (am *AlertManager) log(level AlertLevel, title, message string) {
	switch level {
	case Critical, Error:
		am.logger.Error("Alert raised", "title", title, "message", message, "level", string(level))
	case Warning:
		am.logger.Warn("Alert raised", "title", title, "message", message, "level", string(level))
	default:
		am.logger.Info("Alert raised", "title", title, "message", message, "level", string(level))
	}
}

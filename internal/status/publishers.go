package status

import (
	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/mqtt"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// JSONPublisher is the part of the MQTT client the status publisher uses.
type JSONPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
	IsConnected() bool
}

// MQTTPublisher publishes each transition as a retained message on the
// instance's status topic, so late subscribers see the current status.
type MQTTPublisher struct {
	client JSONPublisher
	topics mqtt.Topics
	logger Logger
}

// NewMQTTPublisher creates a status publisher.
func NewMQTTPublisher(client JSONPublisher, topics mqtt.Topics) *MQTTPublisher {
	return &MQTTPublisher{client: client, topics: topics, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (p *MQTTPublisher) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	p.logger = logger
}

// Notify publishes tr. Failures are logged; status delivery is best effort.
func (p *MQTTPublisher) Notify(tr Transition) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	if err := p.client.PublishJSON(p.topics.InstanceStatus(tr.InstanceID), tr, true); err != nil {
		p.logger.Warn("publishing instance status failed",
			"instance_id", tr.InstanceID,
			"status", string(tr.Status),
			"error", err,
		)
	}
}

// SessionMetrics is the part of the InfluxDB client the metrics notifier uses.
type SessionMetrics interface {
	RecordSessionState(instanceID int64, state string, failures int)
}

// MetricsNotifier writes each transition to the time-series store.
type MetricsNotifier struct {
	metrics SessionMetrics
}

// NewMetricsNotifier creates a metrics notifier.
func NewMetricsNotifier(m SessionMetrics) *MetricsNotifier {
	return &MetricsNotifier{metrics: m}
}

// Notify records tr.
func (m *MetricsNotifier) Notify(tr Transition) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordSessionState(tr.InstanceID, string(tr.Status), tr.Failures)
}

// LogNotifier logs each transition.
type LogNotifier struct {
	logger Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(logger Logger) *LogNotifier {
	if logger == nil {
		logger = noopLogger{}
	}
	return &LogNotifier{logger: logger}
}

// Notify logs tr, at warn level for errors.
func (l *LogNotifier) Notify(tr Transition) {
	args := []any{
		"instance_id", tr.InstanceID,
		"status", string(tr.Status),
		"failures", tr.Failures,
	}
	if tr.Reason != "" {
		args = append(args, "reason", tr.Reason)
	}
	if tr.DelayMS > 0 {
		args = append(args, "delay_ms", tr.DelayMS)
	}
	if tr.Status == Error {
		l.logger.Warn("instance status changed", args...)
		return
	}
	l.logger.Info("instance status changed", args...)
}

package alert

import (
	"context"
	"strings"

	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap"
)

// LogDispatcher 把事件写到 zap 日志
type LogDispatcher struct {
	Logger *zap.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	ev := n.Event
	fields := []zap.Field{
		zap.String("device", ev.Device.ID),
		zap.String("name", ev.Device.Name),
		zap.String("processes", describe(ev.Processes)),
		zap.String("event_id", ev.ID),
	}
	if n.Reason != "" {
		fields = append(fields, zap.String("reason", n.Reason))
	}

	if !n.Alert {
		d.Logger.Debug("Activity suppressed", fields...)
		return nil
	}
	switch {
	case n.Blocked:
		d.Logger.Error("⛔ Device blocked", fields...)
	case ev.Transition == model.Activated && ev.IsUnattributed():
		d.Logger.Warn("🚨 "+title(ev)+" (unknown process)", fields...)
	case ev.Transition == model.Activated:
		d.Logger.Warn("🚨 "+title(ev), fields...)
	default:
		d.Logger.Info("✅ "+title(ev), fields...)
	}
	return nil
}

// title e.g. "Camera activated"
func title(ev model.DeviceEvent) string {
	kind := string(ev.Device.Kind)
	if kind == "" {
		return string(ev.Transition)
	}
	return strings.ToUpper(kind[:1]) + kind[1:] + " " + string(ev.Transition)
}

func describe(refs []model.ProcessRef) string {
	parts := make([]string, 0, len(refs))
	for _, p := range refs {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ", ")
}

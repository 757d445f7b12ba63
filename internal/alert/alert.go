// Package alert 把设备事件分发给日志、历史记录和 MQTT
package alert

import (
	"context"
	"time"

	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/multierr"
)

// Notification 事件加上规则的结论；Alert 为 false 的事件只记录，不告警
type Notification struct {
	Event   model.DeviceEvent
	Alert   bool
	Blocked bool
	Reason  string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Fanout 依次分发给所有 Dispatcher，某一个失败不影响其他
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, n Notification) error {
	var errs error
	for _, d := range f {
		// 每个消费者拿到自己的拷贝
		c := n
		c.Event = n.Event.Clone()
		errs = multierr.Append(errs, d.Dispatch(ctx, c))
	}
	return errs
}

type processPayload struct {
	PID    int32  `json:"pid"`
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Binary string `json:"binary,omitempty"`
}

type devicePayload struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	External bool   `json:"external"`
}

type eventPayload struct {
	ID         string           `json:"id"`
	Device     devicePayload    `json:"device"`
	Transition string           `json:"transition"`
	Timestamp  string           `json:"timestamp"`
	Processes  []processPayload `json:"processes"`
	Alert      bool             `json:"alert"`
	Blocked    bool             `json:"blocked,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

func toPayload(n Notification) eventPayload {
	ev := n.Event
	return eventPayload{
		ID: ev.ID,
		Device: devicePayload{
			ID:       ev.Device.ID,
			Kind:     string(ev.Device.Kind),
			Name:     ev.Device.Name,
			External: ev.Device.External,
		},
		Transition: string(ev.Transition),
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Processes:  toProcessPayload(ev.Processes),
		Alert:      n.Alert,
		Blocked:    n.Blocked,
		Reason:     n.Reason,
	}
}

func toProcessPayload(refs []model.ProcessRef) []processPayload {
	out := make([]processPayload, 0, len(refs))
	for _, p := range refs {
		out = append(out, processPayload{PID: p.PID, Name: p.Name, Path: p.Path, Binary: string(p.Binary)})
	}
	return out
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// Transition 设备状态变化方向
type Transition string

const (
	Activated   Transition = "activated"
	Deactivated Transition = "deactivated"
)

// DeviceEvent 已稳定(去抖后)的设备状态变化事件，发出后不可修改
type DeviceEvent struct {
	ID         string
	Device     Device
	Transition Transition
	Timestamp  time.Time
	// 负责本次变化的进程
	Processes []ProcessRef
	// deactivated 事件：激活时捕获的进程 (系统不会告诉我们是谁关闭的设备)
	OpenedBy []ProcessRef
}

// NewActivated 构造激活事件
func NewActivated(dev Device, at time.Time, procs []ProcessRef) DeviceEvent {
	return DeviceEvent{
		ID:         uuid.NewString(),
		Device:     dev,
		Transition: Activated,
		Timestamp:  at,
		Processes:  cloneRefs(procs),
	}
}

// NewDeactivated 构造关闭事件，归属沿用激活时捕获的进程
func NewDeactivated(dev Device, at time.Time, openedBy []ProcessRef) DeviceEvent {
	return DeviceEvent{
		ID:         uuid.NewString(),
		Device:     dev,
		Transition: Deactivated,
		Timestamp:  at,
		Processes:  cloneRefs(openedBy),
		OpenedBy:   cloneRefs(openedBy),
	}
}

// Clone 深拷贝，供多个消费者分发
func (e DeviceEvent) Clone() DeviceEvent {
	e.Processes = cloneRefs(e.Processes)
	e.OpenedBy = cloneRefs(e.OpenedBy)
	return e
}

// IsUnattributed 只有哨兵进程时返回 true
func (e DeviceEvent) IsUnattributed() bool {
	for _, p := range e.Processes {
		if !p.IsUnknown() {
			return false
		}
	}
	return true
}

func cloneRefs(refs []ProcessRef) []ProcessRef {
	if refs == nil {
		return nil
	}
	out := make([]ProcessRef, len(refs))
	copy(out, refs)
	return out
}

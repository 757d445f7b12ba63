// Package sensor 是硬件状态变化的入口：把内核侧的信号转换成 (设备, 原始布尔提示) 回调。
package sensor

import (
	"errors"
	"fmt"

	"github.com/Hara602/avSentry/internal/model"
)

// ErrUnsupported 当前平台/权限下无法监听该设备
var ErrUnsupported = errors.New("sensor: unsupported device")

// HintFunc 原始提示回调，可能在任意 goroutine 中高频调用
type HintFunc func(active bool)

// Subscription Close 之后不再回调
type Subscription interface {
	Close() error
}

// Sensor 为单个设备注册状态变化通知
type Sensor interface {
	Watch(dev model.Device, fn HintFunc) (Subscription, error)
}

// OpenObserver 接收打开设备的进程 PID (fanotify / ALSA owner_pid)
type OpenObserver interface {
	Observe(deviceID string, pid int32)
}

// Mux 按设备类别分发到不同的 Sensor
type Mux map[model.DeviceKind]Sensor

func (m Mux) Watch(dev model.Device, fn HintFunc) (Subscription, error) {
	s, ok := m[dev.Kind]
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: no sensor for %s", ErrUnsupported, dev.Kind)
	}
	return s.Watch(dev, fn)
}

// Fallback 先试 Primary，失败时用 Secondary
type Fallback struct {
	Primary   Sensor
	Secondary Sensor
	OnFallback func(dev model.Device, err error)
}

func (f Fallback) Watch(dev model.Device, fn HintFunc) (Subscription, error) {
	if f.Primary != nil {
		sub, err := f.Primary.Watch(dev, fn)
		if err == nil {
			return sub, nil
		}
		if f.OnFallback != nil {
			f.OnFallback(dev, err)
		}
	}
	if f.Secondary == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, dev.ID)
	}
	return f.Secondary.Watch(dev, fn)
}

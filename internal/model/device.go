package model

import (
	"fmt"
	"time"
)

// DeviceKind 监控的硬件类别
type DeviceKind string

const (
	Camera     DeviceKind = "camera"
	Microphone DeviceKind = "microphone"
)

// ParseKind 解析配置/命令行中的设备类别
func ParseKind(s string) (DeviceKind, error) {
	switch DeviceKind(s) {
	case Camera, Microphone:
		return DeviceKind(s), nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// Device 发现后不可变
type Device struct {
	ID       string // 稳定句柄，e.g. /dev/video0, /dev/snd/pcmC0D0c
	Kind     DeviceKind
	Name     string // e.g. "Integrated Camera"
	Node     string // 设备节点
	SysPath  string // e.g. /sys/class/video4linux/video0
	External bool   // USB 外接设备
}

func (d Device) String() string {
	return fmt.Sprintf("%s %s (%s)", d.Kind, d.ID, d.Name)
}

// DeviceState 设备的已稳定状态 (对外只暴露拷贝)
type DeviceState struct {
	Active           bool
	LastTransitionAt time.Time
	Attributions     []ProcessRef
}

// Clone 返回不共享底层切片的拷贝
func (s DeviceState) Clone() DeviceState {
	s.Attributions = cloneRefs(s.Attributions)
	return s
}

// DeviceSnapshot 某一时刻的 (Device, DeviceState)
type DeviceSnapshot struct {
	Device Device
	State  DeviceState
}

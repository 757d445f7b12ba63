// Package registry 发现并跟踪可监控的摄像头和麦克风，外接设备可能随时插拔。
package registry

import (
	"sort"
	"sync"

	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap"
)

type ChangeAction string

const (
	Added   ChangeAction = "added"
	Removed ChangeAction = "removed"
)

// Change 设备热插拔通知
type Change struct {
	Action ChangeAction
	Device model.Device
}

// Registry 定义接口
type Registry interface {
	Start() error
	Stop()
	CurrentDevices() []model.Device
	Changes() <-chan Change
}

type Options struct {
	SysRoot  string // 默认 /sys
	DevRoot  string // 默认 /dev
	ProcRoot string // 默认 /proc
	Kinds    []model.DeviceKind
	Logger   *zap.Logger
}

func (o *Options) defaults() {
	if o.SysRoot == "" {
		o.SysRoot = "/sys"
	}
	if o.DevRoot == "" {
		o.DevRoot = "/dev"
	}
	if o.ProcRoot == "" {
		o.ProcRoot = "/proc"
	}
	if len(o.Kinds) == 0 {
		o.Kinds = []model.DeviceKind{model.Camera, model.Microphone}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func New(opts Options) Registry {
	opts.defaults()
	return newRegistry(opts)
}

// deviceSet 当前设备集合 + 变化通知，各平台实现共用
type deviceSet struct {
	mu      sync.RWMutex
	devices map[string]model.Device
	kinds   map[model.DeviceKind]bool
	changes chan Change
	quit    chan struct{}
	once    sync.Once
	// present 在持锁时确认设备节点仍然存在，nil 表示不检查
	present func(node string) bool
}

func newDeviceSet(kinds []model.DeviceKind) *deviceSet {
	s := &deviceSet{
		devices: make(map[string]model.Device),
		kinds:   make(map[model.DeviceKind]bool),
		changes: make(chan Change, 16),
		quit:    make(chan struct{}),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	return s
}

func (s *deviceSet) CurrentDevices() []model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *deviceSet) Changes() <-chan Change { return s.changes }

// seed 初始扫描结果，不发通知
func (s *deviceSet) seed(devs []model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range devs {
		if s.kinds[d.Kind] {
			s.devices[d.ID] = d
		}
	}
}

func (s *deviceSet) add(d model.Device) bool {
	if !s.kinds[d.Kind] {
		return false
	}
	s.mu.Lock()
	// 晚到的 add 可能排在 remove 之后处理：节点已经不在就不加入
	if s.present != nil && !s.present(d.Node) {
		s.mu.Unlock()
		return false
	}
	_, exists := s.devices[d.ID]
	s.devices[d.ID] = d
	s.mu.Unlock()
	if exists {
		return false
	}
	return s.notify(Change{Action: Added, Device: d})
}

func (s *deviceSet) remove(id string) bool {
	s.mu.Lock()
	d, ok := s.devices[id]
	delete(s.devices, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.notify(Change{Action: Removed, Device: d})
}

// notify 没有人读取时阻塞，直到 shutdown
func (s *deviceSet) notify(c Change) bool {
	select {
	case s.changes <- c:
		return true
	case <-s.quit:
		return false
	}
}

func (s *deviceSet) shutdown() {
	s.once.Do(func() { close(s.quit) })
}

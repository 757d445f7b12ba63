// Package monitor 是每个设备 active 状态和归属进程的唯一权威。
//
// 原始信号只是提示：硬件回调 -> OnRawSignal -> 去抖 -> onSettled 才会改变状态并发出事件。
// 每个设备的状态只在它自己的串行队列里修改，不同设备之间完全并行。
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/avSentry/internal/clock"
	"github.com/Hara602/avSentry/internal/debounce"
	"github.com/Hara602/avSentry/internal/model"
	"github.com/Hara602/avSentry/internal/registry"
	"github.com/Hara602/avSentry/internal/sensor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultAttributionTimeout 归属查询的上限，它会阻塞激活事件的发出
const DefaultAttributionTimeout = 250 * time.Millisecond

// Attributor 返回正在使用设备的进程
type Attributor interface {
	Attribute(ctx context.Context, dev model.Device) ([]model.ProcessRef, error)
}

// Baseliner 可选：设备空闲时记录基线，供下一次启发式归属使用
type Baseliner interface {
	Baseline(ctx context.Context, kind model.DeviceKind) error
}

// DeviceSource 设备列表和热插拔通知，registry.Registry 满足该接口
type DeviceSource interface {
	CurrentDevices() []model.Device
	Changes() <-chan registry.Change
}

type Options struct {
	Devices            DeviceSource
	Sensor             sensor.Sensor
	Attributor         Attributor
	Clock              clock.Clock
	QuietWindow        debounce.WindowFunc
	AttributionTimeout time.Duration
	EventBuffer        int
	Logger             *zap.Logger
}

// Fault 启动或热插拔时无法订阅的设备
type Fault struct {
	Device model.Device
	Err    error
	At     time.Time
}

type tracked struct {
	dev   model.Device
	queue *serialQueue
	sub   sensor.Subscription // 由 m.mu 保护

	mu         sync.RWMutex
	state      model.DeviceState
	pendingRaw bool // 只在内部使用，快照里没有
}

type Monitor struct {
	devices    DeviceSource
	sensor     sensor.Sensor
	attributor Attributor
	clock      clock.Clock
	timeout    time.Duration
	sched      *debounce.Scheduler
	log        *zap.Logger
	events     chan model.DeviceEvent

	life    sync.Mutex // 串行化 Start 和 Stop
	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	quit    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	tracked map[string]*tracked
	faults  []Fault
}

func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.AttributionTimeout <= 0 {
		opts.AttributionTimeout = DefaultAttributionTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Monitor{
		devices:    opts.Devices,
		sensor:     opts.Sensor,
		attributor: opts.Attributor,
		clock:      opts.Clock,
		timeout:    opts.AttributionTimeout,
		log:        opts.Logger,
		events:     make(chan model.DeviceEvent, opts.EventBuffer),
		tracked:    make(map[string]*tracked),
	}
	m.sched = debounce.New(opts.Clock, opts.QuietWindow, m.settle)
	return m
}

// Events 已稳定的状态变化，每次变化推送一个事件
func (m *Monitor) Events() <-chan model.DeviceEvent { return m.events }

// Start 为每个已知设备注册监听，并跟随热插拔
func (m *Monitor) Start() error {
	m.life.Lock()
	defer m.life.Unlock()
	m.mu.Lock()
	if m.running.Load() {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.quit = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.tracked = make(map[string]*tracked)
	m.faults = nil
	m.sched.Reopen()
	m.running.Store(true)
	quit := m.quit
	m.mu.Unlock()

	var devs []model.Device
	var changes <-chan registry.Change
	if m.devices != nil {
		devs = m.devices.CurrentDevices()
		changes = m.devices.Changes()
	}

	var errs error
	kinds := make(map[model.DeviceKind]bool)
	for _, dev := range devs {
		if err := m.attach(dev); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		kinds[dev.Kind] = true
	}
	if errs != nil {
		// 部分覆盖好过完全不监控
		m.log.Warn("some devices are not monitored", zap.Error(errs))
	}
	for kind := range kinds {
		m.baseline(kind)
	}

	m.wg.Add(1)
	go m.followChanges(changes, quit)

	m.log.Info("🛡️ Monitor started", zap.Int("devices", len(devs)-len(multierr.Errors(errs))))
	return nil
}

// Stop 注销监听并取消所有去抖定时器；未启动时什么都不做
func (m *Monitor) Stop() {
	m.life.Lock()
	defer m.life.Unlock()
	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		return
	}
	m.running.Store(false)
	// 与 running 标志在同一把锁内取消，定时器不会在 Stop 之后再触发
	m.sched.CancelAll()
	close(m.quit)
	m.cancel()
	all := m.tracked
	m.tracked = make(map[string]*tracked)
	m.mu.Unlock()

	for _, t := range all {
		if t.sub != nil {
			if err := t.sub.Close(); err != nil {
				m.log.Debug("close subscription", zap.String("device", t.dev.ID), zap.Error(err))
			}
		}
		t.queue.close()
	}
	m.wg.Wait()
	m.log.Info("Monitor stopped")
}

// OnRawSignal 硬件回调入口，可以在任意 goroutine 高频调用，永远不会阻塞在归属查询上
func (m *Monitor) OnRawSignal(deviceID string, hint bool) {
	if !m.running.Load() {
		return
	}
	t := m.lookup(deviceID)
	if t == nil {
		m.log.Debug("raw signal for unknown device", zap.String("device", deviceID))
		return
	}
	t.queue.push(func() {
		if !m.running.Load() || m.lookup(deviceID) != t {
			return
		}
		t.mu.Lock()
		t.pendingRaw = hint
		t.mu.Unlock()
		m.sched.Report(t.dev, hint)
	})
}

// settle 去抖定时器回调 (定时器 goroutine)，转到设备队列上执行
func (m *Monitor) settle(dev model.Device, active bool) {
	if !m.running.Load() {
		return
	}
	t := m.lookup(dev.ID)
	if t == nil {
		return
	}
	t.queue.push(func() { m.onSettled(t, active) })
}

// onSettled 在设备队列上执行
func (m *Monitor) onSettled(t *tracked, settled bool) {
	if !m.running.Load() {
		return
	}
	t.mu.RLock()
	current := t.state.Active
	t.mu.RUnlock()
	if settled == current {
		// 设备有时会重复报告同一个状态
		m.log.Debug("settled state unchanged", zap.String("device", t.dev.ID), zap.Bool("active", settled))
		return
	}

	now := m.clock.Now()
	if settled {
		procs := m.attribute(t.dev)
		t.mu.Lock()
		t.state = model.DeviceState{Active: true, LastTransitionAt: now, Attributions: procs}
		t.mu.Unlock()
		m.emit(model.NewActivated(t.dev, now, procs))
		return
	}

	t.mu.Lock()
	openedBy := t.state.Attributions
	t.state = model.DeviceState{Active: false, LastTransitionAt: now}
	t.mu.Unlock()
	m.emit(model.NewDeactivated(t.dev, now, openedBy))
	m.baseline(t.dev.Kind)
}

// attribute 找不到进程时返回哨兵进程，激活事件绝不能被丢掉
func (m *Monitor) attribute(dev model.Device) []model.ProcessRef {
	var procs []model.ProcessRef
	if m.attributor != nil {
		ctx, cancel := context.WithTimeout(m.runContext(), m.timeout)
		var err error
		procs, err = m.attributor.Attribute(ctx, dev)
		cancel()
		if err != nil {
			m.log.Warn("attribution lookup failed", zap.String("device", dev.ID), zap.Error(err))
		}
	}
	if len(procs) == 0 {
		m.log.Warn("activation without attribution",
			zap.String("device", dev.ID),
			zap.Error(fmt.Errorf("%w: %s", ErrAttributionUnavailable, dev.ID)))
		return []model.ProcessRef{model.UnknownProcess}
	}
	return procs
}

func (m *Monitor) baseline(kind model.DeviceKind) {
	b, ok := m.attributor.(Baseliner)
	if !ok {
		return
	}
	ctx := m.runContext()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := b.Baseline(ctx, kind); err != nil {
			m.log.Debug("baseline failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}()
}

func (m *Monitor) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Monitor) emit(ev model.DeviceEvent) {
	if !m.running.Load() {
		return
	}
	m.log.Info("device transition",
		zap.String("device", ev.Device.ID),
		zap.String("transition", string(ev.Transition)),
		zap.Int("processes", len(ev.Processes)))
	m.mu.Lock()
	quit := m.quit
	m.mu.Unlock()
	select {
	case m.events <- ev:
	case <-quit:
	}
}

func (m *Monitor) lookup(id string) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracked[id]
}

// attach 为设备建立串行队列并订阅原始信号；订阅失败时记录故障并跳过该设备
func (m *Monitor) attach(dev model.Device) error {
	t := &tracked{dev: dev, queue: newSerialQueue()}

	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		return nil
	}
	if _, exists := m.tracked[dev.ID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.tracked[dev.ID] = t
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.queue.run()
	}()
	m.mu.Unlock()

	if m.sensor == nil {
		return m.fail(t, fmt.Errorf("%w: %s: no sensor", ErrListenerRegistrationFailed, dev.ID))
	}
	id := dev.ID
	sub, err := m.sensor.Watch(dev, func(hint bool) { m.OnRawSignal(id, hint) })
	if err != nil {
		return m.fail(t, fmt.Errorf("%w: %s: %w", ErrListenerRegistrationFailed, dev.ID, err))
	}

	m.mu.Lock()
	if !m.running.Load() || m.tracked[id] != t {
		// Stop 或拔出发生在订阅期间
		m.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	t.sub = sub
	m.mu.Unlock()

	m.log.Info("👀 Monitoring device",
		zap.String("kind", string(dev.Kind)),
		zap.String("id", dev.ID),
		zap.String("name", dev.Name))
	return nil
}

func (m *Monitor) fail(t *tracked, err error) error {
	m.mu.Lock()
	if m.tracked[t.dev.ID] == t {
		delete(m.tracked, t.dev.ID)
	}
	m.faults = append(m.faults, Fault{Device: t.dev, Err: err, At: m.clock.Now()})
	m.mu.Unlock()
	t.queue.close()
	m.log.Error("device skipped", zap.String("device", t.dev.ID), zap.Error(err))
	return err
}

// detach 设备被拔出：取消定时器；如果它还处于激活状态，先发出 deactivated
func (m *Monitor) detach(id string) {
	m.mu.Lock()
	t, ok := m.tracked[id]
	var sub sensor.Subscription
	if ok {
		delete(m.tracked, id)
		sub = t.sub
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.sched.Cancel(id)
	if sub != nil {
		_ = sub.Close()
	}
	t.queue.finish(func() {
		t.mu.RLock()
		active := t.state.Active
		t.mu.RUnlock()
		if active {
			m.onSettled(t, false)
		}
	})
	m.log.Info("Device no longer monitored", zap.String("device", id))
}

func (m *Monitor) followChanges(changes <-chan registry.Change, quit chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-quit:
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			switch c.Action {
			case registry.Added:
				if err := m.attach(c.Device); err == nil {
					m.baseline(c.Device.Kind)
				}
			case registry.Removed:
				m.detach(c.Device.ID)
			}
		}
	}
}

// EnumerateActiveDevices 当前处于激活状态的设备快照 (拷贝)，只反映已稳定的状态
func (m *Monitor) EnumerateActiveDevices() []model.DeviceSnapshot {
	return m.snapshot(true)
}

// Devices 所有被监控设备的快照
func (m *Monitor) Devices() []model.DeviceSnapshot {
	return m.snapshot(false)
}

func (m *Monitor) snapshot(activeOnly bool) []model.DeviceSnapshot {
	m.mu.Lock()
	list := make([]*tracked, 0, len(m.tracked))
	for _, t := range m.tracked {
		list = append(list, t)
	}
	m.mu.Unlock()

	out := make([]model.DeviceSnapshot, 0, len(list))
	for _, t := range list {
		t.mu.RLock()
		st := t.state.Clone()
		t.mu.RUnlock()
		if activeOnly && !st.Active {
			continue
		}
		out = append(out, model.DeviceSnapshot{Device: t.dev, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out
}

// Faults 被跳过的设备
func (m *Monitor) Faults() []Fault {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Fault(nil), m.faults...)
}

// Running 是否正在监控
func (m *Monitor) Running() bool { return m.running.Load() }

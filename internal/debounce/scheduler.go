// Package debounce 把每个设备的原始信号抖动合并成静默窗口结束后的一次稳定通知。
package debounce

import (
	"sync"
	"time"

	"github.com/Hara602/avSentry/internal/clock"
	"github.com/Hara602/avSentry/internal/model"
)

// DefaultQuietWindow 未配置时使用
const DefaultQuietWindow = 500 * time.Millisecond

// SettleFunc 静默窗口结束后回调，active 为窗口内最后一次的原始值
type SettleFunc func(dev model.Device, active bool)

// WindowFunc 按设备类别返回静默窗口 (麦克风比摄像头抖得厉害)
type WindowFunc func(kind model.DeviceKind) time.Duration

// Scheduler 每个设备最多一个存活的定时器
type Scheduler struct {
	mu        sync.Mutex
	clock     clock.Clock
	window    WindowFunc
	onSettled SettleFunc
	timers    map[string]*pendingTimer
	closed    bool
	gen       uint64
}

type pendingTimer struct {
	dev     model.Device
	pending bool
	gen     uint64
	timer   *clock.Timer
}

func New(clk clock.Clock, window WindowFunc, onSettled SettleFunc) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if window == nil {
		window = func(model.DeviceKind) time.Duration { return DefaultQuietWindow }
	}
	return &Scheduler{
		clock:     clk,
		window:    window,
		onSettled: onSettled,
		timers:    make(map[string]*pendingTimer),
	}
}

// Report 记录最新的原始值，并把该设备的定时器 (重新) 安排到 quietWindow 之后
func (s *Scheduler) Report(dev model.Device, hint bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	w := s.window(dev.Kind)
	if w <= 0 {
		w = DefaultQuietWindow
	}

	t, ok := s.timers[dev.ID]
	if !ok {
		t = &pendingTimer{dev: dev}
		s.timers[dev.ID] = t
	} else if t.timer != nil {
		t.timer.Stop()
	}

	// 旧定时器即使已经在触发途中，也会因为 gen 不匹配而放弃
	s.gen++
	gen := s.gen
	t.pending = hint
	t.gen = gen
	id := dev.ID
	t.timer = s.clock.AfterFunc(w, func() { s.fire(id, gen) })
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	t, ok := s.timers[id]
	if s.closed || !ok || t.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	// 读取触发时刻的最新值，而不是安排定时器时的值
	dev, value := t.dev, t.pending
	s.mu.Unlock()

	if s.onSettled != nil {
		s.onSettled(dev, value)
	}
}

// Cancel 丢弃单个设备的定时器 (设备被拔出)
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.timer.Stop()
		delete(s.timers, id)
	}
}

// CancelAll 停止并丢弃所有定时器，不触发回调；之后的 Report 被忽略直到 Reopen
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
}

// Reopen 在 CancelAll 之后重新接受 Report
func (s *Scheduler) Reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

// Pending 返回设备尚未稳定的原始值；ok=false 表示没有存活的定时器
func (s *Scheduler) Pending(id string) (value bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false, false
	}
	return t.pending, true
}

// Len 存活定时器数量
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

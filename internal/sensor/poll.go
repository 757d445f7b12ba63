package sensor

import (
	"sync"
	"time"

	"github.com/Hara602/avSentry/internal/clock"
	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap"
)

// DefaultPollInterval 轮询间隔
const DefaultPollInterval = 250 * time.Millisecond

// Probe 读取设备当前是否在用
type Probe func(dev model.Device) (bool, error)

// Poller 定时探测，只在原始值变化时回调
// 轮询每次都回调会不断推迟去抖定时器，设备永远稳定不下来
type Poller struct {
	Clock    clock.Clock
	Interval time.Duration
	Probe    Probe
	Logger   *zap.Logger
}

type pollSub struct {
	mu     sync.Mutex
	p      *Poller
	dev    model.Device
	fn     HintFunc
	timer  *clock.Timer
	last   bool
	known  bool
	closed bool
}

func NewPoller(clk clock.Clock, interval time.Duration, probe Probe, logger *zap.Logger) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{Clock: clk, Interval: interval, Probe: probe, Logger: logger}
}

func (p *Poller) Watch(dev model.Device, fn HintFunc) (Subscription, error) {
	// 先探测一次，确认设备可读
	v, err := p.Probe(dev)
	if err != nil {
		return nil, err
	}
	s := &pollSub{p: p, dev: dev, fn: fn, last: v, known: true}
	if v {
		// 启动时设备已经在用
		fn(true)
	}
	s.mu.Lock()
	s.timer = p.Clock.AfterFunc(p.Interval, s.tick)
	s.mu.Unlock()
	return s, nil
}

func (s *pollSub) tick() {
	v, err := s.p.Probe(s.dev)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	if err != nil {
		// 本轮视为没有信号
		s.p.Logger.Debug("probe failed", zap.String("device", s.dev.ID), zap.Error(err))
	} else if !s.known || v != s.last {
		s.last, s.known, changed = v, true, true
	}
	s.timer = s.p.Clock.AfterFunc(s.p.Interval, s.tick)
	s.mu.Unlock()

	if changed {
		s.fn(v)
	}
}

func (s *pollSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

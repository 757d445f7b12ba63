package clock

import "time"

// Clock 时间抽象，生产代码用 Real()，测试用 Fake()
type Clock interface {
	Now() time.Time
	// AfterFunc d 之后在新 goroutine 中调用 f (Fake 在 Advance 中同步调用)
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer AfterFunc 返回的定时器
type Timer struct {
	stopFunc func() bool
}

// Stop 阻止定时器触发；已触发或已停止时返回 false
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real 基于标准库 time
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

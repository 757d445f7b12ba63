package sensor

import (
	"time"

	"github.com/Hara602/avSentry/internal/clock"
	"github.com/Hara602/avSentry/internal/model"
	"github.com/Hara602/avSentry/internal/sysutil"
	"go.uber.org/zap"
)

type Options struct {
	ProcRoot     string
	PollInterval time.Duration
	Clock        clock.Clock
	Observer     OpenObserver
	Logger       *zap.Logger
}

// NewDefault 摄像头：fanotify，失败时轮询 fd 持有者；麦克风：轮询 ALSA 状态
// 返回的 FanotifySensor 需要在退出时 Close
func NewDefault(opts Options) (Sensor, *FanotifySensor) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	proc := sysutil.NewProcFS(opts.ProcRoot)
	recheck := func(dev model.Device) (int, error) { return CountHolders(proc, dev) }

	fan := NewFanotify(opts.Observer, recheck, opts.Logger.Named("fanotify"))
	cameraPoll := NewPoller(opts.Clock, opts.PollInterval, HolderProbe(proc), opts.Logger)
	micPoll := NewPoller(opts.Clock, opts.PollInterval, ALSAProbe(proc.Root, opts.Observer), opts.Logger)
	mux := Mux{
		model.Camera: Fallback{
			Primary:   fan,
			Secondary: cameraPoll,
			OnFallback: func(dev model.Device, err error) {
				opts.Logger.Warn("fanotify unavailable, polling camera holders",
					zap.String("device", dev.ID), zap.Error(err))
			},
		},
		model.Microphone: micPoll,
	}
	return mux, fan
}

package monitor

import (
	"errors"

	"github.com/Hara602/avSentry/internal/attribution"
)

var (
	// ErrAlreadyRunning Start 被重复调用 (调用方的错误，不致命)
	ErrAlreadyRunning = errors.New("monitor: already running")

	// ErrAttributionUnavailable 找不到任何进程，事件以 "<unknown>" 进程照常发出
	ErrAttributionUnavailable = errors.New("monitor: attribution unavailable")

	// ErrDeviceLookupFailed OS 查询暂时失败
	ErrDeviceLookupFailed = attribution.ErrDeviceLookupFailed

	// ErrListenerRegistrationFailed 单个设备无法订阅，跳过它，其余设备继续
	ErrListenerRegistrationFailed = errors.New("monitor: listener registration failed")
)

//go:build !linux

package sensor

import (
	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap"
)

type FanotifySensor struct{}

func NewFanotify(OpenObserver, func(model.Device) (int, error), *zap.Logger) *FanotifySensor {
	return &FanotifySensor{}
}

func (s *FanotifySensor) Watch(model.Device, HintFunc) (Subscription, error) {
	return nil, ErrUnsupported
}

func (s *FanotifySensor) Close() error { return nil }

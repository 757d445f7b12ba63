package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Hara602/avSentry/internal/analysis"
	"github.com/Hara602/avSentry/internal/model"
)

// ErrNotUSB 内置设备没有 authorized 开关
var ErrNotUSB = fmt.Errorf("%w: device is not on the USB bus", ErrInvalidRule)

// BlockDevice 通过 Sysfs 禁用外接摄像头/麦克风所在的 USB 设备
func BlockDevice(dev model.Device) error {
	sysPath, err := filepath.EvalSymlinks(dev.SysPath)
	if err != nil {
		sysPath = dev.SysPath
	}
	root := analysis.FindUSBRoot(sysPath)
	if root == "" {
		return ErrNotUSB
	}
	// 路径: /sys/bus/usb/devices/1-1.2/authorized，写入 "0" 代表物理层级禁用
	path := filepath.Join(root, "authorized")
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		return fmt.Errorf("block failed: %w", err)
	}
	return nil
}

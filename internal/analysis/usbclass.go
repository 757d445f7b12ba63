package analysis

import (
	"os"
	"path/filepath"
	"strings"
)

// USB 接口类别码 (bInterfaceClass)
const (
	ClassAudio = "01"
	ClassVideo = "0e"
)

// USBInterfaceClasses 遍历 USB 设备根目录下的接口目录 (e.g. 1-1:1.0)，收集接口类别码
func USBInterfaceClasses(usbRoot string) map[string]bool {
	classes := make(map[string]bool)
	files, err := os.ReadDir(usbRoot)
	if err != nil {
		return classes
	}
	for _, f := range files {
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(usbRoot, f.Name(), "bInterfaceClass"))
		if err != nil {
			continue
		}
		classes[strings.ToLower(strings.TrimSpace(string(content)))] = true
	}
	return classes
}

// FindUSBRoot 从 sysfs 路径向上回溯，找到包含 idVendor 的目录 (USB 物理设备根目录)
// 找不到时返回 ""，说明设备不在 USB 总线上 (内置)
func FindUSBRoot(sysPath string) string {
	dir := sysPath
	// 向上回溯最多 10 层
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
	}
	return ""
}

// IsExternalAV 设备挂在 USB 上且暴露了视频或音频接口
func IsExternalAV(sysPath string) bool {
	resolved, err := filepath.EvalSymlinks(sysPath)
	if err != nil {
		resolved = sysPath
	}
	root := FindUSBRoot(resolved)
	if root == "" {
		return false
	}
	classes := USBInterfaceClasses(root)
	return classes[ClassVideo] || classes[ClassAudio]
}

package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Hara602/avSentry/internal/analysis"
	"github.com/Hara602/avSentry/internal/model"
	"github.com/Hara602/avSentry/internal/sysutil"
)

// Scan 扫描 sysfs 中已存在的摄像头和录音设备
func Scan(opts Options) []model.Device {
	opts.defaults()
	var devs []model.Device

	videos, _ := os.ReadDir(filepath.Join(opts.SysRoot, "class", "video4linux"))
	for _, e := range videos {
		if d, ok := cameraFromSys(opts, e.Name()); ok {
			devs = append(devs, d)
		}
	}
	sounds, _ := os.ReadDir(filepath.Join(opts.SysRoot, "class", "sound"))
	for _, e := range sounds {
		if d, ok := micFromSys(opts, e.Name()); ok {
			devs = append(devs, d)
		}
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	return devs
}

// cameraFromSys videoN -> Device；只要 index 为 0 的采集节点 (同一摄像头的 metadata 节点 index 为 1)
func cameraFromSys(opts Options, name string) (model.Device, bool) {
	if !strings.HasPrefix(name, "video") {
		return model.Device{}, false
	}
	sysPath := filepath.Join(opts.SysRoot, "class", "video4linux", name)
	if idx := sysutil.ReadTrim(filepath.Join(sysPath, "index")); idx != "unknown" && idx != "0" {
		return model.Device{}, false
	}
	node := filepath.Join(opts.DevRoot, name)
	return model.Device{
		ID:       node,
		Kind:     model.Camera,
		Name:     sysutil.ReadTrim(filepath.Join(sysPath, "name")),
		Node:     node,
		SysPath:  sysPath,
		External: analysis.IsExternalAV(sysPath),
	}, true
}

// micFromSys pcmC{card}D{dev}c -> Device，播放设备 (p 结尾) 忽略
func micFromSys(opts Options, name string) (model.Device, bool) {
	var card, pcm int
	if _, err := fmt.Sscanf(name, "pcmC%dD%dc", &card, &pcm); err != nil || !strings.HasSuffix(name, "c") {
		return model.Device{}, false
	}
	sysPath := filepath.Join(opts.SysRoot, "class", "sound", name)
	node := filepath.Join(opts.DevRoot, "snd", name)
	return model.Device{
		ID:       node,
		Kind:     model.Microphone,
		Name:     pcmName(opts, card, pcm),
		Node:     node,
		SysPath:  sysPath,
		External: analysis.IsExternalAV(sysPath),
	}, true
}

// pcmName 优先读 /proc/asound/cardC/pcmDc/info 的 name 字段，其次是声卡 id
func pcmName(opts Options, card, pcm int) string {
	info := filepath.Join(opts.ProcRoot, "asound", fmt.Sprintf("card%d", card), fmt.Sprintf("pcm%dc", pcm), "info")
	if f, err := os.Open(info); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			key, value, ok := strings.Cut(scanner.Text(), ":")
			if ok && strings.TrimSpace(key) == "name" {
				return strings.TrimSpace(value)
			}
		}
	}
	return sysutil.ReadTrim(filepath.Join(opts.SysRoot, "class", "sound", fmt.Sprintf("card%d", card), "id"))
}

// fromUevent 由 udev 事件的 SUBSYSTEM / DEVNAME 构造设备
func fromUevent(opts Options, subsystem, devName string) (model.Device, bool) {
	name := filepath.Base(devName)
	switch subsystem {
	case "video4linux":
		return cameraFromSys(opts, name)
	case "sound":
		return micFromSys(opts, name)
	}
	return model.Device{}, false
}

// nodeFromUevent DEVNAME 可能是 "video0" 或 "/dev/snd/pcmC0D0c"
func nodeFromUevent(opts Options, devName string) string {
	if strings.HasPrefix(devName, "/dev/") {
		return filepath.Join(opts.DevRoot, strings.TrimPrefix(devName, "/dev/"))
	}
	return filepath.Join(opts.DevRoot, devName)
}

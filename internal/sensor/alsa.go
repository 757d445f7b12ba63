package sensor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Hara602/avSentry/internal/model"
)

// PCMStatus /proc/asound/cardC/pcmDc/subN/status 的内容
type PCMStatus struct {
	Open     bool
	State    string // RUNNING, PREPARED, ...
	OwnerPID int32
}

// ParsePCMStatus 关闭的子设备只有一行 "closed"
func ParsePCMStatus(content string) PCMStatus {
	var st PCMStatus
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "closed" {
			return PCMStatus{}
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		st.Open = true
		switch strings.TrimSpace(key) {
		case "state":
			st.State = strings.TrimSpace(value)
		case "owner_pid":
			if pid, err := strconv.ParseInt(strings.TrimSpace(value), 10, 32); err == nil {
				st.OwnerPID = int32(pid)
			}
		}
	}
	return st
}

// PCMProcDir 由 pcmC0D0c 得到 /proc/asound/card0/pcm0c
func PCMProcDir(procRoot string, dev model.Device) (string, error) {
	base := filepath.Base(dev.Node)
	if base == "." || base == "/" {
		base = filepath.Base(dev.ID)
	}
	var card, pcm int
	if _, err := fmt.Sscanf(base, "pcmC%dD%dc", &card, &pcm); err != nil {
		return "", fmt.Errorf("%w: %s is not a capture pcm", ErrUnsupported, base)
	}
	return filepath.Join(procRoot, "asound", fmt.Sprintf("card%d", card), fmt.Sprintf("pcm%dc", pcm)), nil
}

// ALSAProbe 任一子设备处于打开状态即认为麦克风在用；owner_pid 转给 observer
func ALSAProbe(procRoot string, observer OpenObserver) Probe {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return func(dev model.Device) (bool, error) {
		dir, err := PCMProcDir(procRoot, dev)
		if err != nil {
			return false, err
		}
		subs, err := filepath.Glob(filepath.Join(dir, "sub*", "status"))
		if err != nil {
			return false, err
		}
		if len(subs) == 0 {
			return false, fmt.Errorf("%w: no substreams under %s", ErrUnsupported, dir)
		}
		active := false
		for _, path := range subs {
			b, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			st := ParsePCMStatus(string(b))
			if !st.Open {
				continue
			}
			active = true
			if observer != nil && st.OwnerPID > 0 {
				observer.Observe(dev.ID, st.OwnerPID)
			}
		}
		return active, nil
	}
}

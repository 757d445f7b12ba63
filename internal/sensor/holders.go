package sensor

import (
	"github.com/Hara602/avSentry/internal/model"
	"github.com/Hara602/avSentry/internal/sysutil"
)

// HolderProbe 扫描 /proc/*/fd，有进程持有设备节点即认为在用
// 没有 fanotify 权限时摄像头用这个兜底
func HolderProbe(proc sysutil.ProcFS) Probe {
	return func(dev model.Device) (bool, error) {
		n, err := CountHolders(proc, dev)
		return n > 0, err
	}
}

// CountHolders 持有设备节点的进程数
func CountHolders(proc sysutil.ProcFS, dev model.Device) (int, error) {
	pids, err := proc.PIDs()
	if err != nil {
		return 0, err
	}
	nodes := map[string]bool{dev.Node: true}
	n := 0
	for _, pid := range pids {
		if ok, err := proc.Holds(pid, nodes); err == nil && ok {
			n++
		}
	}
	return n, nil
}

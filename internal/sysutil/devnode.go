package sysutil

import (
	"os"
	"time"
)

// WaitForNode 轮询等待设备节点出现
// udev 事件触发时 /dev 下的节点可能还没创建好
func WaitForNode(node string, attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if _, err := os.Stat(node); err == nil {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

package sysutil

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcFS 以 root 为根读取 /proc，测试里 root 指向临时目录
type ProcFS struct {
	Root string
}

func NewProcFS(root string) ProcFS {
	if root == "" {
		root = "/proc"
	}
	return ProcFS{Root: root}
}

// PIDs 列出所有数字目录
func (p ProcFS) PIDs() ([]int32, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}
	pids := make([]int32, 0, len(entries))
	for _, e := range entries {
		pid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, int32(pid))
	}
	return pids, nil
}

func (p ProcFS) pidDir(pid int32) string {
	return filepath.Join(p.Root, strconv.Itoa(int(pid)))
}

// Comm 进程名；进程已退出时返回 fs.ErrNotExist
func (p ProcFS) Comm(pid int32) (string, error) {
	b, err := os.ReadFile(filepath.Join(p.pidDir(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Exe 可执行文件路径；内核会给已删除的文件加 " (deleted)" 后缀
func (p ProcFS) Exe(pid int32) (path string, deleted bool, err error) {
	target, err := os.Readlink(filepath.Join(p.pidDir(pid), "exe"))
	if err != nil {
		return "", false, err
	}
	if strings.HasSuffix(target, " (deleted)") {
		return strings.TrimSuffix(target, " (deleted)"), true, nil
	}
	return target, false, nil
}

// Holds 进程是否有 fd 指向 node 之一
func (p ProcFS) Holds(pid int32, nodes map[string]bool) (bool, error) {
	fdDir := filepath.Join(p.pidDir(pid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			// fd 可能刚被关闭
			continue
		}
		if nodes[target] {
			return true, nil
		}
	}
	return false, nil
}

// Exists 进程目录是否还在
func (p ProcFS) Exists(pid int32) bool {
	_, err := os.Stat(p.pidDir(pid))
	return err == nil
}

// ReadTrim 读取 sysfs 属性文件，失败返回 "unknown"
func ReadTrim(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

// MapsAny 进程映射的文件里是否有包含 substrs 之一的 (e.g. "libpulse.so")
func (p ProcFS) MapsAny(pid int32, substrs []string) (bool, error) {
	b, err := os.ReadFile(filepath.Join(p.pidDir(pid), "maps"))
	if err != nil {
		return false, err
	}
	s := string(b)
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true, nil
		}
	}
	return false, nil
}

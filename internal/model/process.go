package model

import "fmt"

// 可执行文件分类
const (
	BinaryELF     = "elf"
	BinaryScript  = "script"
	BinaryDeleted = "deleted" // 可执行文件已被删除 (exe 链接带 " (deleted)")
	BinaryUnknown = "unknown"
)

// ProcessRef 归属时刻的进程快照，进程随时可能已退出
type ProcessRef struct {
	PID    int32
	Path   string
	Name   string
	Icon   string // 可选，桌面文件里的图标名
	Binary string
}

// UnknownProcess 无法归属时使用的哨兵进程
var UnknownProcess = ProcessRef{PID: -1, Name: "<unknown>", Binary: BinaryUnknown}

func (p ProcessRef) IsUnknown() bool {
	return p.PID == UnknownProcess.PID && p.Name == UnknownProcess.Name
}

func (p ProcessRef) String() string {
	if p.IsUnknown() {
		return p.Name
	}
	return fmt.Sprintf("%s[%d] %s", p.Name, p.PID, p.Path)
}

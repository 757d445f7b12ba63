package analysis

import (
	"bytes"
	"os"

	"github.com/Hara602/avSentry/internal/model"
	"github.com/h2non/filetype"
)

// InspectExecutable 根据文件头判断进程的可执行文件类型
// 文件名不可信，只看 magic bytes
func InspectExecutable(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return model.BinaryUnknown
	}
	defer f.Close()

	// 262 bytes 是 filetype 库建议的长度
	head := make([]byte, 262)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return model.BinaryUnknown
	}
	head = head[:n]

	if bytes.HasPrefix(head, []byte("#!")) {
		return model.BinaryScript
	}
	kind, _ := filetype.Match(head)
	if kind.Extension == "elf" {
		return model.BinaryELF
	}
	return model.BinaryUnknown
}

package analysis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Hara602/avSentry/internal/model"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsExternalAV(t *testing.T) {
	sys := t.TempDir()
	usb := filepath.Join(sys, "devices", "pci0000:00", "usb1", "1-2")
	write(t, filepath.Join(usb, "idVendor"), "046d\n")
	write(t, filepath.Join(usb, "1-2:1.0", "bInterfaceClass"), "0e\n")
	write(t, filepath.Join(usb, "1-2:1.2", "bInterfaceClass"), "01\n")
	node := filepath.Join(usb, "1-2:1.0", "video4linux", "video2")
	if err := os.MkdirAll(node, 0o755); err != nil {
		t.Fatal(err)
	}

	if !IsExternalAV(node) {
		t.Error("IsExternalAV(usb webcam) = false, want true")
	}
	classes := USBInterfaceClasses(usb)
	if !classes[ClassVideo] || !classes[ClassAudio] || classes["03"] {
		t.Errorf("USBInterfaceClasses() = %v, want video+audio", classes)
	}

	builtin := filepath.Join(sys, "devices", "pci0000:00", "0000:00:1f.3", "sound", "card0")
	if err := os.MkdirAll(builtin, 0o755); err != nil {
		t.Fatal(err)
	}
	if IsExternalAV(builtin) {
		t.Error("IsExternalAV(builtin) = true, want false")
	}
}

func TestInspectExecutable(t *testing.T) {
	dir := t.TempDir()
	elf := filepath.Join(dir, "zoom")
	write(t, elf, "\x7fELF\x02\x01\x01"+strings.Repeat("\x00", 57))
	script := filepath.Join(dir, "record.sh")
	write(t, script, "#!/bin/sh\nffmpeg -f v4l2 -i /dev/video0 out.mkv\n")
	text := filepath.Join(dir, "notes")
	write(t, text, "hello")

	tests := []struct {
		path string
		want string
	}{
		{elf, model.BinaryELF},
		{script, model.BinaryScript},
		{text, model.BinaryUnknown},
		{filepath.Join(dir, "missing"), model.BinaryUnknown},
	}
	for _, tt := range tests {
		if got := InspectExecutable(tt.path); got != tt.want {
			t.Errorf("InspectExecutable(%s) = %q, want %q", filepath.Base(tt.path), got, tt.want)
		}
	}
}

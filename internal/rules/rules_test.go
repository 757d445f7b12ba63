package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/avSentry/internal/model"
)

var (
	camera = model.Device{ID: "/dev/video0", Kind: model.Camera}
	mic    = model.Device{ID: "/dev/snd/pcmC0D0c", Kind: model.Microphone}

	zoom   = model.ProcessRef{PID: 10, Name: "zoom", Path: "/opt/zoom/zoom"}
	cheese = model.ProcessRef{PID: 11, Name: "cheese", Path: "/usr/bin/cheese"}
)

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "avsentry.db"), opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})

	if err := s.Allow(ctx, "camera", zoom.Path, "video calls"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if err := s.Deny(ctx, AnyKind, cheese.Path, ""); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	// 同一主键再次写入是替换
	if err := s.Allow(ctx, "camera", zoom.Path, "meetings"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}

	rules, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("List() = %+v, want 2 rules", rules)
	}
	// ORDER BY kind: "*" < "camera"
	if rules[0].Path != cheese.Path || rules[0].Action != Deny {
		t.Errorf("rules[0] = %+v", rules[0])
	}
	if rules[1].Reason != "meetings" || rules[1].CreatedAt.IsZero() {
		t.Errorf("rules[1] = %+v", rules[1])
	}

	if err := s.Remove(ctx, "camera", zoom.Path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(ctx, "camera", zoom.Path); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestSetRejectsInvalidRules(t *testing.T) {
	s := openStore(t, Options{})
	tests := []struct {
		kind, path string
		action     Action
	}{
		{"speaker", "/usr/bin/x", Allow},
		{"camera", "relative/bin", Allow},
		{"camera", "/usr/bin/x", Action("block")},
	}
	for _, tt := range tests {
		if err := s.Set(context.Background(), tt.kind, tt.path, tt.action, ""); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("Set(%q, %q, %q) error = %v, want ErrInvalidRule", tt.kind, tt.path, tt.action, err)
		}
	}
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})
	s.Allow(ctx, "camera", zoom.Path, "")
	s.Allow(ctx, AnyKind, "/usr/bin/obs", "")
	s.Deny(ctx, "microphone", cheese.Path, "")

	obs := model.ProcessRef{PID: 12, Name: "obs", Path: "/usr/bin/obs"}
	ext := camera
	ext.External = true
	now := time.Now()

	tests := []struct {
		name      string
		ev        model.DeviceEvent
		wantAlert bool
		wantBlock bool
	}{
		{"allowed for kind", model.NewActivated(camera, now, []model.ProcessRef{zoom}), false, false},
		{"allowed for any kind", model.NewActivated(mic, now, []model.ProcessRef{obs}), false, false},
		{"allowed only for camera", model.NewActivated(mic, now, []model.ProcessRef{zoom}), true, false},
		{"one process not allowed", model.NewActivated(camera, now, []model.ProcessRef{zoom, cheese}), true, false},
		{"unknown never allowed", model.NewActivated(camera, now, []model.ProcessRef{model.UnknownProcess}), true, false},
		{"no rule", model.NewActivated(camera, now, []model.ProcessRef{cheese}), true, false},
		{"deny on builtin device", model.NewActivated(mic, now, []model.ProcessRef{cheese}), true, false},
		{"deactivation of allowed", model.NewDeactivated(camera, now, []model.ProcessRef{zoom}), false, false},
		{"deactivation alerts", model.NewDeactivated(camera, now, []model.ProcessRef{cheese}), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := s.Evaluate(ctx, tt.ev)
			if v.Alert != tt.wantAlert || v.Block != tt.wantBlock {
				t.Errorf("Evaluate() = %+v, want alert=%v block=%v", v, tt.wantAlert, tt.wantBlock)
			}
		})
	}

	s.Deny(ctx, "camera", cheese.Path, "")
	if v := s.Evaluate(ctx, model.NewActivated(ext, now, []model.ProcessRef{cheese})); !v.Block || !v.Alert {
		t.Errorf("Evaluate(external camera, denied) = %+v, want block", v)
	}
}

func TestEvaluateDisableInactive(t *testing.T) {
	s := openStore(t, Options{DisableInactive: true})
	now := time.Now()
	if v := s.Evaluate(context.Background(), model.NewDeactivated(camera, now, []model.ProcessRef{cheese})); v.Alert {
		t.Errorf("deactivation alerted with DisableInactive: %+v", v)
	}
	if v := s.Evaluate(context.Background(), model.NewActivated(camera, now, []model.ProcessRef{cheese})); !v.Alert {
		t.Errorf("activation suppressed with DisableInactive: %+v", v)
	}
}

func TestBlockDevice(t *testing.T) {
	root := t.TempDir()
	usb := filepath.Join(root, "devices", "usb1", "1-2")
	sys := filepath.Join(usb, "1-2:1.0", "video4linux", "video2")
	if err := os.MkdirAll(sys, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(usb, "idVendor"), []byte("046d\n"), 0o644)
	os.WriteFile(filepath.Join(usb, "authorized"), []byte("1\n"), 0o644)

	if err := BlockDevice(model.Device{ID: "/dev/video2", SysPath: sys}); err != nil {
		t.Fatalf("BlockDevice() error = %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(usb, "authorized"))
	if string(got) != "0" {
		t.Errorf("authorized = %q, want 0", got)
	}

	builtin := filepath.Join(root, "devices", "pci0000:00", "video0")
	os.MkdirAll(builtin, 0o755)
	if err := BlockDevice(model.Device{ID: "/dev/video0", SysPath: builtin}); !errors.Is(err, ErrNotUSB) {
		t.Errorf("BlockDevice(builtin) error = %v, want ErrNotUSB", err)
	}
}

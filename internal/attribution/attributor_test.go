package attribution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Hara602/avSentry/internal/clock"
	"github.com/Hara602/avSentry/internal/model"
)

var (
	camera = model.Device{ID: "/dev/video0", Node: "/dev/video0", Kind: model.Camera}
	mic    = model.Device{ID: "/dev/snd/pcmC0D0c", Node: "/dev/snd/pcmC0D0c", Kind: model.Microphone}
)

type proc struct {
	pid  int
	comm string
	exe  string
	fds  []string
	maps []string
}

type fixture struct {
	t       *testing.T
	root    string
	bin     string
	desktop string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		t:       t,
		root:    filepath.Join(base, "proc"),
		bin:     filepath.Join(base, "bin"),
		desktop: filepath.Join(base, "applications"),
	}
	for _, d := range []string{f.root, f.bin, f.desktop} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) elf(name string) string {
	path := filepath.Join(f.bin, name)
	if err := os.WriteFile(path, []byte("\x7fELF\x02\x01\x01"+strings.Repeat("\x00", 57)), 0o755); err != nil {
		f.t.Fatal(err)
	}
	return path
}

func (f *fixture) add(p proc) {
	f.t.Helper()
	dir := filepath.Join(f.root, strconv.Itoa(p.pid))
	if err := os.MkdirAll(filepath.Join(dir, "fd"), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "comm"), []byte(p.comm+"\n"), 0o644); err != nil {
		f.t.Fatal(err)
	}
	if p.exe != "" {
		if err := os.Symlink(p.exe, filepath.Join(dir, "exe")); err != nil {
			f.t.Fatal(err)
		}
	}
	for i, target := range p.fds {
		if err := os.Symlink(target, filepath.Join(dir, "fd", strconv.Itoa(i+3))); err != nil {
			f.t.Fatal(err)
		}
	}
	var maps strings.Builder
	for _, lib := range p.maps {
		maps.WriteString("7f0000000000-7f0000001000 r-xp 00000000 08:02 131 /usr/lib/x86_64-linux-gnu/" + lib + ".0\n")
	}
	if err := os.WriteFile(filepath.Join(dir, "maps"), []byte(maps.String()), 0o644); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) attributor(clk clock.Clock) *Attributor {
	return New(Options{
		ProcRoot:    f.root,
		DesktopDirs: []string{f.desktop},
		Clock:       clk,
	})
}

func pidsOf(refs []model.ProcessRef) []int32 {
	out := make([]int32, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.PID)
	}
	return out
}

func equalPIDs(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAttributeDirectHolder(t *testing.T) {
	f := newFixture(t)
	f.add(proc{pid: 1200, comm: "cheese", exe: f.elf("cheese"), fds: []string{"/dev/null", "/dev/video0"}})
	f.add(proc{pid: 88, comm: "bash", exe: f.elf("bash"), fds: []string{"/dev/pts/0"}})
	if err := os.WriteFile(filepath.Join(f.desktop, "cheese.desktop"),
		[]byte("[Desktop Entry]\nName=Cheese\nIcon=org.gnome.Cheese\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	refs, err := f.attributor(nil).Attribute(context.Background(), camera)
	if err != nil {
		t.Fatalf("Attribute() error = %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("Attribute() = %v, want one process", refs)
	}
	got := refs[0]
	if got.PID != 1200 || got.Name != "cheese" || got.Binary != model.BinaryELF {
		t.Errorf("ref = %+v, want cheese[1200] elf", got)
	}
	if got.Icon != "org.gnome.Cheese" {
		t.Errorf("Icon = %q, want org.gnome.Cheese", got.Icon)
	}
}

func TestAttributeHeuristicNewClients(t *testing.T) {
	f := newFixture(t)
	f.add(proc{pid: 900, comm: "pipewire", fds: []string{"/dev/snd/pcmC0D0c"}})
	f.add(proc{pid: 1500, comm: "firefox", exe: f.elf("firefox"), maps: []string{"libpipewire-0.3.so"}})

	a := f.attributor(nil)
	if err := a.Baseline(context.Background(), model.Microphone); err != nil {
		t.Fatalf("Baseline() error = %v", err)
	}

	// 基线之后出现的客户端
	f.add(proc{pid: 2100, comm: "zoom", exe: f.elf("zoom"), maps: []string{"libpulse.so"}})

	refs, err := a.Attribute(context.Background(), mic)
	if err != nil {
		t.Fatalf("Attribute() error = %v", err)
	}
	if got, want := pidsOf(refs), []int32{2100, 900}; !equalPIDs(got, want) {
		t.Errorf("Attribute() pids = %v, want %v", got, want)
	}
}

func TestAttributeHelperOnlyWithoutBaseline(t *testing.T) {
	f := newFixture(t)
	f.add(proc{pid: 900, comm: "pipewire", fds: []string{"/dev/snd/pcmC0D0c"}})
	f.add(proc{pid: 2100, comm: "zoom", exe: f.elf("zoom"), maps: []string{"libpulse.so"}})

	refs, err := f.attributor(nil).Attribute(context.Background(), mic)
	if err != nil {
		t.Fatalf("Attribute() error = %v", err)
	}
	if got, want := pidsOf(refs), []int32{900}; !equalPIDs(got, want) {
		t.Errorf("Attribute() pids = %v, want %v", got, want)
	}
}

func TestAttributeRecentOpeners(t *testing.T) {
	f := newFixture(t)
	f.add(proc{pid: 3000, comm: "ffmpeg", exe: f.elf("ffmpeg")})
	clk := clock.Fake(time.Unix(1700000000, 0))
	a := f.attributor(clk)

	a.Observe(camera.ID, 3000)
	a.Observe(camera.ID, 4444) // 已经退出
	refs, err := a.Attribute(context.Background(), camera)
	if err != nil {
		t.Fatalf("Attribute() error = %v", err)
	}
	if got, want := pidsOf(refs), []int32{3000}; !equalPIDs(got, want) {
		t.Fatalf("Attribute() pids = %v, want %v", got, want)
	}

	clk.Advance(DefaultRecentWindow + time.Second)
	refs, _ = a.Attribute(context.Background(), camera)
	if len(refs) != 0 {
		t.Errorf("Attribute() after recent window = %v, want empty", refs)
	}
}

func TestAttributeDropsVanishedProcess(t *testing.T) {
	f := newFixture(t)
	f.add(proc{pid: 1200, comm: "cheese", exe: f.elf("cheese"), fds: []string{"/dev/video0"}})
	a := f.attributor(nil)
	if err := os.RemoveAll(filepath.Join(f.root, "1200", "comm")); err != nil {
		t.Fatal(err)
	}
	refs, err := a.Attribute(context.Background(), camera)
	if err != nil {
		t.Fatalf("Attribute() error = %v, want nil", err)
	}
	if len(refs) != 0 {
		t.Errorf("Attribute() = %v, want empty", refs)
	}
}

func TestResolveDeletedExecutable(t *testing.T) {
	f := newFixture(t)
	f.add(proc{pid: 77, comm: "spy", exe: "/tmp/.x/spy (deleted)"})
	ref, err := f.attributor(nil).Resolve(77)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ref.Path != "/tmp/.x/spy" || ref.Binary != model.BinaryDeleted {
		t.Errorf("Resolve() = %+v, want deleted /tmp/.x/spy", ref)
	}
}

func TestAttributeLookupFailed(t *testing.T) {
	a := New(Options{ProcRoot: filepath.Join(t.TempDir(), "missing")})
	_, err := a.Attribute(context.Background(), camera)
	if !errors.Is(err, ErrDeviceLookupFailed) {
		t.Errorf("Attribute() error = %v, want ErrDeviceLookupFailed", err)
	}
}

func TestAttributeCancelledContextReturnsPartial(t *testing.T) {
	f := newFixture(t)
	f.add(proc{pid: 1200, comm: "cheese", exe: f.elf("cheese"), fds: []string{"/dev/video0"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	refs, err := f.attributor(nil).Attribute(ctx, camera)
	if err != nil {
		t.Fatalf("Attribute() error = %v, want nil", err)
	}
	if len(refs) != 0 {
		t.Errorf("Attribute() with cancelled ctx = %v, want empty", refs)
	}
}

// Package attribution 回答 "现在是哪些进程在用设备 D"。
//
// 解析分层进行：
//  1. 直接查询：扫描 /proc/<pid>/fd，找到持有设备节点的进程
//  2. 最近打开者：fanotify 报告的、在 RecentWindow 内打开过该设备且仍存活的进程
//  3. 启发式：直接查询没有结果或只找到音视频服务进程 (pipewire 等) 时，
//     把基线之后新出现的音视频客户端进程和服务进程一起报告。宁可多报，不要漏报。
package attribution

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/avSentry/internal/analysis"
	"github.com/Hara602/avSentry/internal/clock"
	"github.com/Hara602/avSentry/internal/model"
	"github.com/Hara602/avSentry/internal/sysutil"
	"go.uber.org/zap"
)

// DefaultRecentWindow "最近" 打开过设备的时间窗口
const DefaultRecentWindow = 10 * time.Second

// DefaultHelpers 代替应用去打开硬件的系统服务进程 (按 comm)
var DefaultHelpers = map[model.DeviceKind][]string{
	model.Microphone: {"pipewire", "pulseaudio", "wireplumber", "jackd"},
	model.Camera:     {"pipewire", "wireplumber"},
}

// DefaultClientLibs 通过服务进程间接使用设备的客户端会映射的库
var DefaultClientLibs = map[model.DeviceKind][]string{
	model.Microphone: {"libpulse.so", "libpipewire-0.3.so", "libjack.so"},
	model.Camera:     {"libpipewire-0.3.so", "libcamera.so"},
}

type Options struct {
	ProcRoot     string // 默认 /proc
	DesktopDirs  []string
	Helpers      map[model.DeviceKind][]string
	ClientLibs   map[model.DeviceKind][]string
	RecentWindow time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

type opener struct {
	pid int32
	at  time.Time
}

type Attributor struct {
	proc         sysutil.ProcFS
	desktopDirs  []string
	helpers      map[model.DeviceKind]map[string]bool
	clientLibs   map[model.DeviceKind][]string
	recentWindow time.Duration
	clock        clock.Clock
	log          *zap.Logger

	mu       sync.Mutex
	recent   map[string][]opener                 // device ID -> 最近打开者
	baseline map[model.DeviceKind]map[int32]bool // 设备空闲时已存在的客户端
}

func New(opts Options) *Attributor {
	if opts.Helpers == nil {
		opts.Helpers = DefaultHelpers
	}
	if opts.ClientLibs == nil {
		opts.ClientLibs = DefaultClientLibs
	}
	if opts.DesktopDirs == nil {
		opts.DesktopDirs = []string{"/usr/share/applications", "/usr/local/share/applications"}
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	helpers := make(map[model.DeviceKind]map[string]bool)
	for kind, names := range opts.Helpers {
		helpers[kind] = make(map[string]bool)
		for _, n := range names {
			helpers[kind][n] = true
		}
	}
	return &Attributor{
		proc:         sysutil.NewProcFS(opts.ProcRoot),
		desktopDirs:  opts.DesktopDirs,
		helpers:      helpers,
		clientLibs:   opts.ClientLibs,
		recentWindow: opts.RecentWindow,
		clock:        opts.Clock,
		log:          opts.Logger,
		recent:       make(map[string][]opener),
		baseline:     make(map[model.DeviceKind]map[int32]bool),
	}
}

// Observe 记录一次设备打开 (来自 fanotify，带有内核给出的 PID)
func (a *Attributor) Observe(deviceID string, pid int32) {
	if pid <= 0 {
		return
	}
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.pruneLocked(deviceID, now)
	for i := range list {
		if list[i].pid == pid {
			list[i].at = now
			a.recent[deviceID] = list
			return
		}
	}
	a.recent[deviceID] = append(list, opener{pid: pid, at: now})
}

// pruneLocked 丢弃超出 RecentWindow 的记录
func (a *Attributor) pruneLocked(deviceID string, now time.Time) []opener {
	list := a.recent[deviceID]
	kept := list[:0]
	for _, o := range list {
		if now.Sub(o.at) <= a.recentWindow {
			kept = append(kept, o)
		}
	}
	a.recent[deviceID] = kept
	return kept
}

func (a *Attributor) recentOpeners(deviceID string) []int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.pruneLocked(deviceID, a.clock.Now())
	pids := make([]int32, 0, len(list))
	for _, o := range list {
		pids = append(pids, o.pid)
	}
	return pids
}

// Baseline 设备空闲时记录当前的音视频客户端，之后的启发式只报告新出现的客户端
func (a *Attributor) Baseline(ctx context.Context, kind model.DeviceKind) error {
	pids, err := a.proc.PIDs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceLookupFailed, err)
	}
	clients := a.scanClients(ctx, kind, pids)
	set := make(map[int32]bool, len(clients))
	for _, pid := range clients {
		set[pid] = true
	}
	a.mu.Lock()
	a.baseline[kind] = set
	a.mu.Unlock()
	return nil
}

// Attribute 返回正在使用设备的进程，可能为空。ctx 的截止时间到达时返回已找到的部分结果。
func (a *Attributor) Attribute(ctx context.Context, dev model.Device) ([]model.ProcessRef, error) {
	pids, err := a.proc.PIDs()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceLookupFailed, dev.ID, err)
	}
	sortPIDs(pids)

	nodes := map[string]bool{dev.Node: true}
	if dev.ID != "" {
		nodes[dev.ID] = true
	}
	direct := a.scanHolders(ctx, pids, nodes)

	var apps, helpers []int32
	for _, pid := range direct {
		if a.isHelper(dev.Kind, pid) {
			helpers = append(helpers, pid)
		} else {
			apps = append(apps, pid)
		}
	}

	result := apps
	if len(apps) == 0 {
		// 直接查询不确定，走启发式
		result = append(result, a.recentOpeners(dev.ID)...)
		result = append(result, a.newClients(ctx, dev.Kind, pids)...)
		a.log.Debug("heuristic attribution",
			zap.String("device", dev.ID),
			zap.Int("helpers", len(helpers)),
			zap.Int("candidates", len(result)))
	}
	result = append(result, helpers...)

	return a.resolve(dedupe(result)), nil
}

func (a *Attributor) isHelper(kind model.DeviceKind, pid int32) bool {
	comm, err := a.proc.Comm(pid)
	if err != nil {
		return false
	}
	return a.helpers[kind][comm]
}

func (a *Attributor) scanHolders(ctx context.Context, pids []int32, nodes map[string]bool) []int32 {
	var holders []int32
	for _, pid := range pids {
		if ctx.Err() != nil {
			a.log.Warn("attribution scan cut short", zap.Error(ctx.Err()))
			break
		}
		ok, err := a.proc.Holds(pid, nodes)
		if err != nil {
			// 扫描过程中进程退出，直接跳过
			continue
		}
		if ok {
			holders = append(holders, pid)
		}
	}
	return holders
}

func (a *Attributor) scanClients(ctx context.Context, kind model.DeviceKind, pids []int32) []int32 {
	libs := a.clientLibs[kind]
	if len(libs) == 0 {
		return nil
	}
	var clients []int32
	for _, pid := range pids {
		if ctx.Err() != nil {
			break
		}
		if a.isHelper(kind, pid) {
			continue
		}
		ok, err := a.proc.MapsAny(pid, libs)
		if err == nil && ok {
			clients = append(clients, pid)
		}
	}
	return clients
}

// newClients 基线之后新出现的客户端；没有基线时不猜
func (a *Attributor) newClients(ctx context.Context, kind model.DeviceKind, pids []int32) []int32 {
	a.mu.Lock()
	base, ok := a.baseline[kind]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	var fresh []int32
	for _, pid := range a.scanClients(ctx, kind, pids) {
		if !base[pid] {
			fresh = append(fresh, pid)
		}
	}
	return fresh
}

// resolve PID -> ProcessRef，已退出的进程被丢弃
func (a *Attributor) resolve(pids []int32) []model.ProcessRef {
	refs := make([]model.ProcessRef, 0, len(pids))
	for _, pid := range pids {
		ref, err := a.Resolve(pid)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// Resolve 单个 PID 的路径、名称、图标和可执行文件类型
func (a *Attributor) Resolve(pid int32) (model.ProcessRef, error) {
	name, err := a.proc.Comm(pid)
	if err != nil {
		return model.ProcessRef{}, err
	}
	ref := model.ProcessRef{PID: pid, Name: name, Binary: model.BinaryUnknown}

	path, deleted, err := a.proc.Exe(pid)
	switch {
	case err != nil && !a.proc.Exists(pid):
		return model.ProcessRef{}, err
	case err != nil:
		// 内核线程或没有权限读取 exe
	case deleted:
		ref.Path = path
		ref.Binary = model.BinaryDeleted
	default:
		ref.Path = path
		ref.Binary = analysis.InspectExecutable(path)
	}
	ref.Icon = a.iconFor(ref)
	return ref, nil
}

// iconFor 在 .desktop 文件中查找图标名
func (a *Attributor) iconFor(ref model.ProcessRef) string {
	names := []string{ref.Name}
	if ref.Path != "" {
		names = append(names, filepath.Base(ref.Path))
	}
	for _, dir := range a.desktopDirs {
		for _, n := range names {
			if icon := desktopIcon(filepath.Join(dir, strings.ToLower(n)+".desktop")); icon != "" {
				return icon
			}
		}
	}
	return ""
}

func desktopIcon(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "Icon=") {
			return strings.TrimPrefix(line, "Icon=")
		}
	}
	return ""
}

func dedupe(pids []int32) []int32 {
	seen := make(map[int32]bool, len(pids))
	out := pids[:0:0]
	for _, pid := range pids {
		if seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
	}
	return out
}

// sortPIDs 让直接查询的结果顺序稳定
func sortPIDs(pids []int32) {
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
}

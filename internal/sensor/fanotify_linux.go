//go:build linux

package sensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	fanotifyEventMetadataSize = 24
	fanotifyMask              = unix.FAN_OPEN | unix.FAN_CLOSE_WRITE | unix.FAN_CLOSE_NOWRITE
)

// fanotifyEventInfoHeader 对应 C 结构体 fanotify_event_info_header
type fanotifyEventInfoHeader struct {
	InfoType uint8
	Pad      uint8
	Len      uint16 // 整个 Info 块的长度 (包括 Header 自己)
}

// fanotifyEventInfoFid 对应 fanotify_event_info_fid 的头部，后面紧跟 file_handle
type fanotifyEventInfoFid struct {
	Hdr  fanotifyEventInfoHeader
	Fsid unix.Fsid
}

// fileHandle 对应 struct file_handle 的头部，后面紧跟 f_handle[handle_bytes]
type fileHandle struct {
	HandleBytes uint32
	HandleType  int32
}

// FanotifySensor 用 fanotify 监听设备节点的 open/close。
// 使用 FAN_REPORT_FID：事件里只带文件句柄，内核不会替我们再打开一次设备
// (对摄像头来说，打开就可能给它上电)。
type FanotifySensor struct {
	Observer OpenObserver
	// Recheck 打开计数归零时重新统计持有者 (fork 继承的 fd 会让计数偏差)
	Recheck func(dev model.Device) (int, error)
	Logger  *zap.Logger

	mu      sync.Mutex
	fd      int
	started bool
	stop    chan struct{}
	done    chan struct{}
	watches map[string]*fanWatch // key: 文件句柄
}

type fanWatch struct {
	dev    model.Device
	fn     HintFunc
	key    string
	opens  int
	seq    uint64 // 每个 open/close 事件加一，resync 据此丢弃过期的扫描结果
	closed bool
}

func NewFanotify(observer OpenObserver, recheck func(model.Device) (int, error), logger *zap.Logger) *FanotifySensor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FanotifySensor{
		Observer: observer,
		Recheck:  recheck,
		Logger:   logger,
		fd:       -1,
		watches:  make(map[string]*fanWatch),
	}
}

// startLocked 调用方持有 s.mu
func (s *FanotifySensor) startLocked() error {
	if s.started {
		return nil
	}
	flags := uint(unix.FAN_CLASS_NOTIF |
		unix.FAN_REPORT_FID |
		unix.FAN_CLOEXEC |
		unix.FAN_NONBLOCK |
		unix.FAN_UNLIMITED_QUEUE)
	fd, err := unix.FanotifyInit(flags, uint(unix.O_RDONLY|unix.O_LARGEFILE))
	if err != nil {
		return fmt.Errorf("%w: fanotify init failed: %v", ErrUnsupported, err)
	}
	s.fd = fd
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true
	go s.readLoop(fd, s.stop, s.done)
	return nil
}

func handleKey(handleType int32, b []byte) string {
	return fmt.Sprintf("%d:%x", handleType, b)
}

func (s *FanotifySensor) Watch(dev model.Device, fn HintFunc) (Subscription, error) {
	s.mu.Lock()
	if err := s.startLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	handle, _, err := unix.NameToHandleAt(unix.AT_FDCWD, dev.Node, 0)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: name_to_handle_at %s: %v", ErrUnsupported, dev.Node, err)
	}
	if err := unix.FanotifyMark(s.fd, unix.FAN_MARK_ADD, fanotifyMask, unix.AT_FDCWD, dev.Node); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: fanotify mark %s: %v", ErrUnsupported, dev.Node, err)
	}
	w := &fanWatch{dev: dev, fn: fn, key: handleKey(handle.Type(), handle.Bytes())}
	s.watches[w.key] = w
	s.mu.Unlock()

	// 标记之前就已经打开设备的进程
	if s.Recheck != nil {
		go s.resync(w, 0)
	}
	return &fanSub{s: s, w: w}, nil
}

type fanSub struct {
	s *FanotifySensor
	w *fanWatch
}

func (f *fanSub) Close() error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.w.closed {
		return nil
	}
	f.w.closed = true
	delete(s.watches, f.w.key)
	if !s.started {
		return nil
	}
	// 设备已被拔出时节点不存在，mark 随 inode 一起消失
	if err := unix.FanotifyMark(s.fd, unix.FAN_MARK_REMOVE, fanotifyMask, unix.AT_FDCWD, f.w.dev.Node); err != nil {
		s.Logger.Debug("fanotify unmark failed", zap.String("node", f.w.dev.Node), zap.Error(err))
	}
	return nil
}

// Close 停止读取并关闭 fanotify fd
func (s *FanotifySensor) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	done, fd := s.done, s.fd
	s.mu.Unlock()

	<-done
	return unix.Close(fd)
}

func (s *FanotifySensor) readLoop(fd int, stop, done chan struct{}) {
	defer close(done)
	var buf [4096]byte
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := unix.Poll(fds, 500)
		if err != nil || n <= 0 {
			continue
		}
		n, err = unix.Read(fd, buf[:])
		if err != nil || n <= 0 {
			continue
		}
		s.dispatch(buf[:n])
	}
}

// dispatch 一次 read 可能包含多个事件：[Metadata][InfoFid][Metadata][InfoFid]...
func (s *FanotifySensor) dispatch(buf []byte) {
	for len(buf) >= fanotifyEventMetadataSize {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[:fanotifyEventMetadataSize]), binary.LittleEndian, &meta); err != nil {
			s.Logger.Error("fanotify metadata read failed", zap.Error(err))
			return
		}
		if meta.Vers != unix.FANOTIFY_METADATA_VERSION ||
			meta.Event_len < fanotifyEventMetadataSize ||
			int(meta.Event_len) > len(buf) {
			return
		}
		if key, ok := parseFid(buf[meta.Metadata_len:meta.Event_len]); ok {
			s.handle(key, meta.Mask, meta.Pid)
		}
		buf = buf[meta.Event_len:]
	}
}

// parseFid 取出 FID 信息块里的文件句柄
func parseFid(info []byte) (string, bool) {
	reader := bytes.NewReader(info)
	for reader.Len() > 0 {
		start := len(info) - reader.Len()
		var fid fanotifyEventInfoFid
		if err := binary.Read(reader, binary.LittleEndian, &fid); err != nil {
			return "", false
		}
		if fid.Hdr.Len == 0 || start+int(fid.Hdr.Len) > len(info) {
			return "", false
		}
		if fid.Hdr.InfoType == unix.FAN_EVENT_INFO_TYPE_FID {
			var fh fileHandle
			if err := binary.Read(reader, binary.LittleEndian, &fh); err != nil {
				return "", false
			}
			handle := make([]byte, fh.HandleBytes)
			if _, err := reader.Read(handle); err != nil {
				return "", false
			}
			return handleKey(fh.HandleType, handle), true
		}
		// 跳到下一个信息块
		if _, err := reader.Seek(int64(start+int(fid.Hdr.Len)), io.SeekStart); err != nil {
			return "", false
		}
	}
	return "", false
}

// handle 提示在 s.mu 内发出，保证提示的顺序与计数的变化顺序一致
func (s *FanotifySensor) handle(key string, mask uint64, pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[key]
	if !ok {
		return
	}
	opened := mask&unix.FAN_OPEN != 0
	closed := mask&(unix.FAN_CLOSE_WRITE|unix.FAN_CLOSE_NOWRITE) != 0
	if opened || closed {
		w.seq++
	}
	if opened {
		w.opens++
		if s.Observer != nil {
			s.Observer.Observe(w.dev.ID, pid)
		}
		w.fn(true)
	}
	if closed {
		if w.opens > 0 {
			w.opens--
		}
		if w.opens == 0 {
			// 不阻塞读取循环
			go s.resync(w, w.seq)
		}
	}
}

// resync 扫描期间又有 open/close 时结果作废，以事件为准
func (s *FanotifySensor) resync(w *fanWatch, seq uint64) {
	var n int
	var err error
	if s.Recheck != nil {
		n, err = s.Recheck(w.dev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.closed {
		return
	}
	if w.seq != seq {
		s.Logger.Debug("holder recheck superseded", zap.String("device", w.dev.ID))
		return
	}
	if err != nil {
		s.Logger.Debug("holder recheck failed", zap.String("device", w.dev.ID), zap.Error(err))
	} else {
		w.opens = n
	}
	w.fn(w.opens > 0)
}

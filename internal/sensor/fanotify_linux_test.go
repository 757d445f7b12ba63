//go:build linux

package sensor

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

// fanotifyEvent 按内核布局拼出一个带 FID 信息块的事件
func fanotifyEvent(t *testing.T, mask uint64, pid int32, handleType int32, handle []byte) []byte {
	t.Helper()
	infoLen := 4 + 8 + 8 + len(handle)
	var buf bytes.Buffer
	meta := unix.FanotifyEventMetadata{
		Event_len:    uint32(fanotifyEventMetadataSize + infoLen),
		Vers:         unix.FANOTIFY_METADATA_VERSION,
		Metadata_len: fanotifyEventMetadataSize,
		Mask:         mask,
		Fd:           -1,
		Pid:          pid,
	}
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(binary.Write(&buf, binary.LittleEndian, meta))
	must(binary.Write(&buf, binary.LittleEndian, fanotifyEventInfoFid{
		Hdr: fanotifyEventInfoHeader{InfoType: unix.FAN_EVENT_INFO_TYPE_FID, Len: uint16(infoLen)},
	}))
	must(binary.Write(&buf, binary.LittleEndian, fileHandle{HandleBytes: uint32(len(handle)), HandleType: handleType}))
	buf.Write(handle)
	return buf.Bytes()
}

func TestFanotifyDispatchCountsOpens(t *testing.T) {
	obs := &observed{}
	holders := 0
	s := NewFanotify(obs, func(model.Device) (int, error) { return holders, nil }, nil)

	cam := model.Device{ID: "/dev/video0", Node: "/dev/video0", Kind: model.Camera}
	handle := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	hints := make(chan bool, 8)
	w := &fanWatch{dev: cam, fn: func(a bool) { hints <- a }, key: handleKey(1, handle)}
	s.watches[w.key] = w

	// 同一次 read 里两个事件
	var batch []byte
	batch = append(batch, fanotifyEvent(t, unix.FAN_OPEN, 4242, 1, handle)...)
	batch = append(batch, fanotifyEvent(t, unix.FAN_OPEN, 4243, 1, handle)...)
	s.dispatch(batch)

	for i := 0; i < 2; i++ {
		if got := <-hints; !got {
			t.Fatalf("hint %d = false, want true", i)
		}
	}
	if pids := obs.pids[cam.ID]; len(pids) != 2 || pids[0] != 4242 || pids[1] != 4243 {
		t.Errorf("observed = %v, want [4242 4243]", pids)
	}

	s.dispatch(fanotifyEvent(t, unix.FAN_CLOSE_NOWRITE, 4242, 1, handle))
	select {
	case got := <-hints:
		t.Fatalf("unexpected hint %v while one opener remains", got)
	case <-time.After(50 * time.Millisecond):
	}

	s.dispatch(fanotifyEvent(t, unix.FAN_CLOSE_WRITE, 4243, 1, handle))
	select {
	case got := <-hints:
		if got {
			t.Errorf("hint after last close = true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no hint after last close")
	}
}

func TestFanotifyIgnoresUnknownHandle(t *testing.T) {
	s := NewFanotify(nil, nil, nil)
	called := false
	s.watches[handleKey(1, []byte{0xaa})] = &fanWatch{fn: func(bool) { called = true }}
	s.dispatch(fanotifyEvent(t, unix.FAN_OPEN, 1, 1, []byte{0xbb}))
	if called {
		t.Error("hint delivered for unwatched handle")
	}
}

// 扫描 /proc 期间设备被重新打开：过期的 0 不能覆盖新的打开
func TestFanotifyStaleRecheckDoesNotOverrideReopen(t *testing.T) {
	for _, fromWatch := range []bool{false, true} {
		core, logs := observer.New(zapcore.DebugLevel)
		started := make(chan struct{}, 1)
		release := make(chan struct{})
		s := NewFanotify(&observed{}, func(model.Device) (int, error) {
			started <- struct{}{}
			<-release
			return 0, nil
		}, zap.New(core))

		cam := model.Device{ID: "/dev/video0", Node: "/dev/video0", Kind: model.Camera}
		handle := []byte{0x10, 0x20, 0x30, 0x40}
		hints := make(chan bool, 8)
		w := &fanWatch{dev: cam, fn: func(a bool) { hints <- a }, key: handleKey(1, handle)}
		s.watches[w.key] = w

		if fromWatch {
			// Watch 之后的首次同步
			go s.resync(w, 0)
		} else {
			s.dispatch(fanotifyEvent(t, unix.FAN_OPEN, 100, 1, handle))
			s.dispatch(fanotifyEvent(t, unix.FAN_CLOSE_NOWRITE, 100, 1, handle))
		}
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("recheck never started")
		}
		s.dispatch(fanotifyEvent(t, unix.FAN_OPEN, 101, 1, handle))
		close(release)

		deadline := time.Now().Add(2 * time.Second)
		for logs.FilterMessage("holder recheck superseded").Len() == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("fromWatch=%v: stale recheck was not discarded", fromWatch)
			}
			time.Sleep(time.Millisecond)
		}

		var got []bool
		for len(hints) > 0 {
			got = append(got, <-hints)
		}
		if len(got) == 0 || !got[len(got)-1] {
			t.Errorf("fromWatch=%v: hints = %v, want last hint true", fromWatch, got)
		}
		s.mu.Lock()
		opens := w.opens
		s.mu.Unlock()
		if opens != 1 {
			t.Errorf("fromWatch=%v: opens = %d, want 1", fromWatch, opens)
		}
	}
}

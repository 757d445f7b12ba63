//go:build linux

package registry

import (
	"os"
	"time"

	"github.com/Hara602/avSentry/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxRegistry struct {
	*deviceSet
	opts Options
	log  *zap.Logger
	stop chan struct{}
	done chan struct{}
}

func newRegistry(opts Options) Registry {
	set := newDeviceSet(opts.Kinds)
	set.present = func(node string) bool {
		_, err := os.Stat(node)
		return err == nil
	}
	return &linuxRegistry{
		deviceSet: set,
		opts:      opts,
		log:       opts.Logger.Named("registry"),
	}
}

func (r *linuxRegistry) Start() error {
	// 先扫描已存在的设备
	r.seed(Scan(r.opts))
	for _, d := range r.CurrentDevices() {
		r.log.Info("🔍 Found device", zap.String("kind", string(d.Kind)),
			zap.String("id", d.ID), zap.String("name", d.Name), zap.Bool("external", d.External))
	}

	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		// 没有热插拔也能监控已有设备
		r.log.Warn("udev netlink unavailable, hot-plug disabled", zap.Error(err))
		return nil
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		defer conn.Close()
		for {
			select {
			case <-r.stop:
				close(quit)
				return
			case err := <-errChan:
				// 忽略底层网络错误，继续
				r.log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				r.handleUdevEvent(uevent)
			}
		}
	}()
	return nil
}

func (r *linuxRegistry) Stop() {
	// 放开阻塞在 Changes 上的发送
	r.shutdown()
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
}

func (r *linuxRegistry) handleUdevEvent(uevent netlink.UEvent) {
	subsystem := uevent.Env["SUBSYSTEM"]
	if subsystem != "video4linux" && subsystem != "sound" {
		return
	}
	devName := uevent.Env["DEVNAME"]
	if devName == "" {
		// 声卡本身 (cardN) 没有设备节点
		return
	}

	switch uevent.Action {
	case "add":
		go r.handleAdd(subsystem, devName)
	case "remove":
		node := nodeFromUevent(r.opts, devName)
		if r.remove(node) {
			r.log.Info("❌ Device removed", zap.String("id", node))
		}
	}
}

func (r *linuxRegistry) handleAdd(subsystem, devName string) {
	node := nodeFromUevent(r.opts, devName)
	// udev 事件先于 /dev 节点
	if !sysutil.WaitForNode(node, 30, 100*time.Millisecond) {
		r.log.Warn("Device detected but node not found (timeout)", zap.String("node", node))
		return
	}
	d, ok := fromUevent(r.opts, subsystem, devName)
	if !ok {
		return
	}
	if r.add(d) {
		r.log.Info("✅ Device added", zap.String("kind", string(d.Kind)),
			zap.String("id", d.ID), zap.String("name", d.Name), zap.Bool("external", d.External))
	}
}

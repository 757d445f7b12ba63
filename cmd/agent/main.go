package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Hara602/avSentry/internal/alert"
	"github.com/Hara602/avSentry/internal/attribution"
	"github.com/Hara602/avSentry/internal/config"
	"github.com/Hara602/avSentry/internal/model"
	"github.com/Hara602/avSentry/internal/monitor"
	"github.com/Hara602/avSentry/internal/registry"
	"github.com/Hara602/avSentry/internal/rules"
	"github.com/Hara602/avSentry/internal/sensor"
	"github.com/Hara602/avSentry/internal/sysutil"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	logLevel := pflag.String("log-level", "", "override log level (debug, info, warn, error)")
	listDevices := pflag.Bool("list-devices", false, "print cameras and microphones, then exit")
	allow := pflag.String("allow", "", "always allow a program: kind:/path/to/exe (kind may be *)")
	deny := pflag.String("deny", "", "block external devices used by a program: kind:/path/to/exe")
	remove := pflag.String("remove", "", "delete a rule: kind:/path/to/exe")
	listRules := pflag.Bool("list-rules", false, "print rules, then exit")
	history := pflag.Int("history", 0, "print the last N events, then exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// 初始化日志
	sysutil.InitLogger(cfg.LogLevel)
	defer sysutil.Log.Sync()

	regOpts := registry.Options{Kinds: cfg.DeviceKinds(), Logger: sysutil.Log.Named("registry")}
	if *listDevices {
		printDevices(registry.Scan(regOpts))
		return
	}

	store, err := rules.Open(cfg.Rules.DBPath, rules.Options{
		DisableInactive: cfg.Rules.DisableInactive,
		Logger:          sysutil.Log.Named("rules"),
	})
	if err != nil {
		sysutil.Log.Fatal("Rules init failed", zap.Error(err))
	}
	defer store.Close()

	if done, err := manageRules(store, *allow, *deny, *remove, *listRules, *history); done {
		if err != nil {
			sysutil.Log.Fatal("Rule command failed", zap.Error(err))
		}
		return
	}

	// Netlink 和 Fanotify 需要 Root 权限
	if os.Geteuid() != 0 {
		sysutil.LogSugar.Fatal("Must run as root (required by Netlink/Fanotify).")
	}

	sysutil.Log.Info("🛡️ AV Sentry Agent Starting...")

	dispatcher, closeDispatch := buildDispatcher(cfg, store)
	defer closeDispatch()

	// 初始化核心模块 (依赖注入)
	devices := registry.New(regOpts)
	attributor := attribution.New(attribution.Options{
		Helpers:      cfg.HelperNames(),
		DesktopDirs:  cfg.Attribution.DesktopDirs,
		RecentWindow: cfg.Attribution.RecentWindow,
		Logger:       sysutil.Log.Named("attribution"),
	})
	sensors, fan := sensor.NewDefault(sensor.Options{
		PollInterval: cfg.Devices.PollInterval,
		Observer:     attributor,
		Logger:       sysutil.Log.Named("sensor"),
	})
	defer fan.Close()

	mon := monitor.New(monitor.Options{
		Devices:            devices,
		Sensor:             sensors,
		Attributor:         attributor,
		QuietWindow:        cfg.QuietWindow,
		AttributionTimeout: cfg.Attribution.Timeout,
		Logger:             sysutil.Log.Named("monitor"),
	})

	// 启动
	if err := devices.Start(); err != nil {
		sysutil.Log.Fatal("Registry init failed", zap.Error(err))
	}
	defer devices.Stop()

	if err := mon.Start(); err != nil {
		sysutil.Log.Fatal("Monitor init failed", zap.Error(err))
	}
	defer mon.Stop()
	for _, f := range mon.Faults() {
		sysutil.Log.Warn("Device not monitored", zap.String("device", f.Device.ID), zap.Error(f.Err))
	}
	for _, snap := range mon.EnumerateActiveDevices() {
		sysutil.Log.Info("Device already active", zap.String("device", snap.Device.ID))
	}

	// 捕获操作系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev := <-mon.Events():
			handleEvent(store, dispatcher, ev)

		case <-sigCh:
			sysutil.Log.Info("Shutting down...")
			return
		}
	}
}

func handleEvent(store *rules.Store, dispatcher alert.Dispatcher, ev model.DeviceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	verdict := store.Evaluate(ctx, ev)
	n := alert.Notification{Event: ev, Alert: verdict.Alert, Reason: verdict.Reason}
	if verdict.Block {
		if err := rules.BlockDevice(ev.Device); err != nil {
			sysutil.Log.Error("Failed to block device", zap.String("device", ev.Device.ID), zap.Error(err))
		} else {
			n.Blocked = true
		}
	}
	if err := dispatcher.Dispatch(ctx, n); err != nil {
		sysutil.Log.Warn("Alert dispatch incomplete", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func buildDispatcher(cfg *config.Config, store *rules.Store) (alert.Dispatcher, func()) {
	fan := alert.Fanout{alert.LogDispatcher{Logger: sysutil.Log.Named("alert")}}
	closers := []func(){}

	if cfg.History.Enabled {
		h, err := alert.NewHistory(store.DB())
		if err != nil {
			sysutil.Log.Error("History disabled", zap.Error(err))
		} else {
			fan = append(fan, h)
		}
	}
	if cfg.MQTT.Enabled {
		pub, err := alert.ConnectMQTT(alert.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			Logger:      sysutil.Log.Named("mqtt"),
		})
		if err != nil {
			// 没有 MQTT 也要继续本地告警
			sysutil.Log.Error("MQTT disabled", zap.Error(err))
		} else {
			fan = append(fan, pub)
			closers = append(closers, func() { pub.Close() })
		}
	}
	return fan, func() {
		for _, c := range closers {
			c()
		}
	}
}

// manageRules 处理规则相关的命令行参数，done 为 true 时直接退出
func manageRules(store *rules.Store, allow, deny, remove string, list bool, history int) (done bool, err error) {
	ctx := context.Background()
	switch {
	case allow != "":
		kind, path, err := splitRule(allow)
		if err != nil {
			return true, err
		}
		return true, store.Allow(ctx, kind, path, "added from command line")
	case deny != "":
		kind, path, err := splitRule(deny)
		if err != nil {
			return true, err
		}
		return true, store.Deny(ctx, kind, path, "added from command line")
	case remove != "":
		kind, path, err := splitRule(remove)
		if err != nil {
			return true, err
		}
		return true, store.Remove(ctx, kind, path)
	case list:
		rs, err := store.List(ctx)
		if err != nil {
			return true, err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tACTION\tPATH\tREASON")
		for _, r := range rs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Kind, r.Action, r.Path, r.Reason)
		}
		return true, w.Flush()
	case history > 0:
		h, err := alert.NewHistory(store.DB())
		if err != nil {
			return true, err
		}
		recs, err := h.Recent(ctx, history)
		if err != nil {
			return true, err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tDEVICE\tTRANSITION\tPROCESSES\tALERTED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", r.Timestamp.Local().Format(time.DateTime),
				r.DeviceID, r.Transition, strings.Join(r.Processes, ","), r.Alerted)
		}
		return true, w.Flush()
	}
	return false, nil
}

// splitRule "camera:/usr/bin/cheese"
func splitRule(s string) (kind, path string, err error) {
	kind, path, ok := strings.Cut(s, ":")
	if !ok || kind == "" || path == "" {
		return "", "", fmt.Errorf("rule %q must look like kind:/path/to/exe", s)
	}
	return kind, path, nil
}

func printDevices(devs []model.Device) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tNAME\tEXTERNAL")
	for _, d := range devs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", d.Kind, d.ID, d.Name, d.External)
	}
	w.Flush()
}

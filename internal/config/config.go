// Package config 从 YAML 加载 agent 配置，环境变量可以覆盖其中几项
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Hara602/avSentry/internal/model"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Devices     DevicesConfig     `yaml:"devices"`
	Debounce    DebounceConfig    `yaml:"debounce"`
	Attribution AttributionConfig `yaml:"attribution"`
	Rules       RulesConfig       `yaml:"rules"`
	History     HistoryConfig     `yaml:"history"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

type DevicesConfig struct {
	Kinds        []string      `yaml:"kinds"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DebounceConfig 每种设备的静默窗口
type DebounceConfig struct {
	Camera     time.Duration `yaml:"camera"`
	Microphone time.Duration `yaml:"microphone"`
}

type AttributionConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RecentWindow time.Duration `yaml:"recent_window"`
	// 音视频服务进程 (pipewire 等)，它们总是打开设备，但不是真正的使用者
	Helpers     map[string][]string `yaml:"helpers"`
	DesktopDirs []string            `yaml:"desktop_dirs"`
}

type RulesConfig struct {
	DBPath string `yaml:"db_path"`
	// 不对设备关闭发出告警
	DisableInactive bool `yaml:"disable_inactive"`
}

// HistoryConfig 事件历史和规则共用 rules.db_path
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// Load 在默认值上叠加 YAML 文件和环境变量，path 为空时只用默认值
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Devices: DevicesConfig{
			Kinds:        []string{string(model.Camera), string(model.Microphone)},
			PollInterval: 250 * time.Millisecond,
		},
		Debounce: DebounceConfig{
			Camera:     500 * time.Millisecond,
			Microphone: 1500 * time.Millisecond,
		},
		Attribution: AttributionConfig{
			Timeout:      250 * time.Millisecond,
			RecentWindow: 10 * time.Second,
		},
		Rules: RulesConfig{
			DBPath: "/var/lib/avsentry/avsentry.db",
		},
		History: HistoryConfig{Enabled: true},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "avsentry",
			TopicPrefix: "avsentry",
			QoS:         1,
		},
	}
}

// AVSENTRY_<KEY>
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AVSENTRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AVSENTRY_DB_PATH"); v != "" {
		cfg.Rules.DBPath = v
	}
	// 设置了 broker 即启用 MQTT
	if v := os.Getenv("AVSENTRY_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
}

func (c *Config) Validate() error {
	var errs []string

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q is invalid", c.LogLevel))
	}
	if len(c.Devices.Kinds) == 0 {
		errs = append(errs, "devices.kinds must not be empty")
	}
	for _, k := range c.Devices.Kinds {
		if _, err := model.ParseKind(k); err != nil {
			errs = append(errs, "devices.kinds: "+err.Error())
		}
	}
	for k := range c.Attribution.Helpers {
		if _, err := model.ParseKind(k); err != nil {
			errs = append(errs, "attribution.helpers: "+err.Error())
		}
	}
	if c.Devices.PollInterval <= 0 {
		errs = append(errs, "devices.poll_interval must be positive")
	}
	if c.Debounce.Camera <= 0 || c.Debounce.Microphone <= 0 {
		errs = append(errs, "debounce windows must be positive")
	}
	if c.Attribution.Timeout <= 0 {
		errs = append(errs, "attribution.timeout must be positive")
	}
	if c.Attribution.RecentWindow < 0 {
		errs = append(errs, "attribution.recent_window must not be negative")
	}
	if c.Rules.DBPath == "" {
		errs = append(errs, "rules.db_path is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DeviceKinds 已校验过的设备类别
func (c *Config) DeviceKinds() []model.DeviceKind {
	out := make([]model.DeviceKind, 0, len(c.Devices.Kinds))
	for _, k := range c.Devices.Kinds {
		if kind, err := model.ParseKind(k); err == nil {
			out = append(out, kind)
		}
	}
	return out
}

// QuietWindow 可以直接作为 debounce.WindowFunc
func (c *Config) QuietWindow(kind model.DeviceKind) time.Duration {
	if kind == model.Microphone {
		return c.Debounce.Microphone
	}
	return c.Debounce.Camera
}

// HelperNames 未配置时返回 nil，由 attribution 使用内置列表
func (c *Config) HelperNames() map[model.DeviceKind][]string {
	if len(c.Attribution.Helpers) == 0 {
		return nil
	}
	out := make(map[model.DeviceKind][]string, len(c.Attribution.Helpers))
	for k, names := range c.Attribution.Helpers {
		out[model.DeviceKind(k)] = append([]string(nil), names...)
	}
	return out
}

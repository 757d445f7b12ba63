package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrNotConnected     = errors.New("mqtt not connected")
	ErrPublishFailed    = errors.New("mqtt publish failed")
)

type MQTTOptions struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Logger      *zap.Logger
}

// mqttClient pahomqtt.Client 中用到的部分
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher 告警事件以 JSON 发布到 <prefix>/<kind>/event
type MQTTPublisher struct {
	client mqttClient
	opts   MQTTOptions
}

// ConnectMQTT 连接 broker；之后由 paho 自动重连
func ConnectMQTT(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger

	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectTimeout(defaultConnectTimeout)
	co.SetKeepAlive(defaultKeepAlive)
	// 异常断开时 broker 代发 offline
	co.SetWill(statusTopic(opts.TopicPrefix), statusPayload(opts.ClientID, "offline"), 1, true)
	co.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})
	co.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info("MQTT connected", zap.String("broker", opts.Broker))
		c.Publish(statusTopic(opts.TopicPrefix), 1, true, statusPayload(opts.ClientID, "online"))
	})

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return newMQTTPublisher(client, opts), nil
}

func newMQTTPublisher(client mqttClient, opts MQTTOptions) *MQTTPublisher {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "avsentry"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &MQTTPublisher{client: client, opts: opts}
}

// Topic e.g. avsentry/camera/event
func (p *MQTTPublisher) Topic(kind string) string {
	return fmt.Sprintf("%s/%s/event", p.opts.TopicPrefix, kind)
}

// Dispatch 被静默的事件不发布
func (p *MQTTPublisher) Dispatch(ctx context.Context, n Notification) error {
	if !n.Alert {
		return nil
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(toPayload(n))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	timeout := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := p.client.Publish(p.Topic(string(n.Event.Device.Kind)), p.opts.QoS, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close 先发布 offline 状态再断开
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		token := p.client.Publish(statusTopic(p.opts.TopicPrefix), 1, true, statusPayload(p.opts.ClientID, "offline"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func statusTopic(prefix string) string {
	if prefix == "" {
		prefix = "avsentry"
	}
	return prefix + "/status"
}

func statusPayload(clientID, status string) string {
	return fmt.Sprintf(`{"status":"%s","client_id":"%s","timestamp":"%s"}`,
		status, clientID, time.Now().UTC().Format(time.RFC3339))
}

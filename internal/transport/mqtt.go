package transport

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTFactory MQTT 链路工厂（设备备用链路）
// Open 的 url 为设备主题前缀：订阅 <url>/up 接收上行，发布 <url>/down 下发
type MQTTFactory struct {
	broker   string
	username string
	password string
	qos      byte
	logger   *zap.Logger
}

// NewMQTTFactory 创建 MQTT 工厂
func NewMQTTFactory(broker, username, password string, qos byte, logger *zap.Logger) *MQTTFactory {
	return &MQTTFactory{
		broker:   broker,
		username: username,
		password: password,
		qos:      qos,
		logger:   logger,
	}
}

// Scheme 承载协议名
func (f *MQTTFactory) Scheme() string {
	return "mqtt"
}

// Open 建立 MQTT 链路
func (f *MQTTFactory) Open(ctx context.Context, url string, handlers Handlers) (Transport, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.broker)
	opts.SetClientID(fmt.Sprintf("nightguard-%s", uuid.New().String()[:8]))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false) // 重连策略由连接管理器统一负责

	if f.username != "" {
		opts.SetUsername(f.username)
	}
	if f.password != "" {
		opts.SetPassword(f.password)
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		if handlers.OnError != nil {
			handlers.OnError(err)
		}
		if handlers.OnClose != nil {
			handlers.OnClose()
		}
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect cancelled: %w", ctx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
	}

	upTopic := url + "/up"
	if token := client.Subscribe(upTopic, f.qos, func(client mqtt.Client, msg mqtt.Message) {
		if handlers.OnMessage != nil {
			handlers.OnMessage(msg.Payload())
		}
	}); token.Wait() && token.Error() != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", upTopic, token.Error())
	}

	return &mqttTransport{
		client:    client,
		downTopic: url + "/down",
		upTopic:   upTopic,
		qos:       f.qos,
	}, nil
}

// mqttTransport 单条 MQTT 链路
type mqttTransport struct {
	client    mqtt.Client
	downTopic string
	upTopic   string
	qos       byte
	closeOnce sync.Once
}

// Send 发布到下行主题
func (t *mqttTransport) Send(payload []byte) error {
	token := t.client.Publish(t.downTopic, t.qos, false, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", t.downTopic, token.Error())
	}
	return nil
}

// Close 退订并断开
func (t *mqttTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.client.Unsubscribe(t.upTopic)
		t.client.Disconnect(250)
	})
	return nil
}

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ljn0099/picoWeatherCollector/internal/config"
	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
)

// DataFilter matches every station's data topic.
const DataFilter = ingest.TopicRoot + "/+/" + ingest.DataSubtopic

// MessageSink receives every message delivered on the data subscription.
type MessageSink interface {
	OnMessage(identity, topic string, payload []byte) error
}

// Subscriber is a privileged broker client feeding station data messages
// into a MessageSink.
type Subscriber struct {
	client    mqtt.Client
	cfg       config.Config
	topic     string
	sink      MessageSink
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// SubscriptionTopic returns the data filter, as a shared subscription when
// group is set so several collectors can split the load.
func SubscriptionTopic(group string) string {
	if group == "" {
		return DataFilter
	}
	return "$share/" + group + "/" + DataFilter
}

func NewSubscriber(cfg config.Config, sink MessageSink, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		cfg:    cfg,
		topic:  SubscriptionTopic(cfg.MQTTShareGroup),
		sink:   sink,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscriptions do not survive a clean session, so resubscribe on every
	// (re)connect. Paho runs this handler on its own goroutine.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		if err := s.subscribe(); err != nil {
			logger.Error("mqtt subscribe failed", "topic", s.topic, "error", err)
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Topic is the subscription filter in use.
func (s *Subscriber) Topic() string { return s.topic }

// Connect starts the broker connection and waits for the first CONNACK.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errors.New("subscriber stopped")
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return errors.New("subscriber stopped")
		default:
		}
	}
}

func (s *Subscriber) subscribe() error {
	const qos = byte(1)

	token := s.client.Subscribe(s.topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.topic, err)
	}

	s.logger.Info("subscribed to mqtt topic", "topic", s.topic, "qos", qos)
	return nil
}

// handleMessage runs on paho's delivery goroutine. The station identity
// is the topic's second segment, which the broker ACL has already bound to
// the publishing client.
func (s *Subscriber) handleMessage(topic string, payload []byte) {
	identity, ok := ingest.IdentityFromTopic(topic)
	if !ok {
		s.logger.Warn("mqtt message on unexpected topic", "topic", topic)
		return
	}

	if err := s.sink.OnMessage(identity, topic, payload); err != nil {
		s.logger.Debug("mqtt message not queued",
			"topic", topic,
			"station_id", identity,
			"size", len(payload),
			"error", err,
		)
	}
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.topic)
		token.WaitTimeout(2 * time.Second)
	}

	if s.client != nil {
		s.client.Disconnect(250)
	}

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Package stationclient publishes as a weather station would: it logs in
// with the station UUID and API key and sends encoded measurements.
package stationclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
)

const publishTimeout = 5 * time.Second

var ErrNotConnected = errors.New("mqtt client not connected")

type Config struct {
	Broker    string
	Port      int
	StationID string
	APIKey    string
}

type Client struct {
	client    mqtt.Client
	cfg       Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.StationID)
	opts.SetUsername(cfg.StationID)
	opts.SetPassword(cfg.APIKey)
	opts.SetCleanSession(true)

	// One-shot CLI publishes fail fast instead of retrying.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port, "station_id", cfg.StationID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for CONNACK or ctx, whichever comes first. A broker that
// rejects the credentials surfaces here.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.client.Disconnect(0)
		return ctx.Err()
	}
}

// PublishMeasurement sends m on the station's data topic at QoS 1.
func (c *Client) PublishMeasurement(m ingest.WeatherMeasurement) error {
	return c.publish(ingest.DataTopic(c.cfg.StationID), false, ingest.EncodeMeasurement(m))
}

// PublishStatus sends a retained status string on stations/<id>/status.
// The collector ignores it; the broker ACL still applies.
func (c *Client) PublishStatus(status string) error {
	topic := ingest.TopicRoot + "/" + c.cfg.StationID + "/status"
	return c.publish(topic, true, []byte(status))
}

func (c *Client) publish(topic string, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.logger.Debug("published", "topic", topic, "size", len(payload), "retained", retained)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect is safe to call more than once.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.setConnected(false)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

package stationclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
	"github.com/ljn0099/picoWeatherCollector/internal/logging"
)

const station = "11111111-1111-1111-1111-111111111111"

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestPublish_NotConnected(t *testing.T) {
	c := NewClient(Config{Broker: "127.0.0.1", Port: 1, StationID: station, APIKey: "k"}, logging.Discard())

	err := c.PublishMeasurement(ingest.WeatherMeasurement{PeriodStart: 1, PeriodEnd: 2})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PublishMeasurement() error = %v, want ErrNotConnected", err)
	}
	if err := c.PublishStatus("online"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PublishStatus() error = %v, want ErrNotConnected", err)
	}
}

func TestConnect_RefusedFailsFast(t *testing.T) {
	c := NewClient(Config{Broker: "127.0.0.1", Port: closedPort(t), StationID: station, APIKey: "k"}, logging.Discard())
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect() to closed port succeeded")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Connect() took %s, want a fast failure", elapsed)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	c := NewClient(Config{Broker: "127.0.0.1", Port: 1, StationID: station}, logging.Discard())
	c.Disconnect()
	c.Disconnect()
}

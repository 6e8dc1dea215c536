// Package collector is the broker-facing surface of the service. Broker
// adapters call its three callbacks from their own goroutines.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ljn0099/picoWeatherCollector/internal/auth"
	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
)

// ErrRejected is returned by OnMessage for messages that are not ingested.
var ErrRejected = errors.New("collector: message rejected")

// Authenticator checks station credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, stationID, credential string) bool
}

// Submitter queues jobs for the workers.
type Submitter interface {
	Submit(ingest.Job) error
}

// RejectRecorder is told about every message rejected before queueing.
type RejectRecorder interface {
	ObserveRejected(reason string)
}

type Collector struct {
	gate     Authenticator
	queue    Submitter
	logger   *slog.Logger
	recorder RejectRecorder
}

func New(gate Authenticator, queue Submitter, logger *slog.Logger, recorder RejectRecorder) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{gate: gate, queue: queue, logger: logger, recorder: recorder}
}

func (c *Collector) Authenticate(ctx context.Context, identity, credential string) bool {
	return c.gate.Authenticate(ctx, identity, credential)
}

func (c *Collector) Authorize(identity, topic string) bool {
	return auth.Authorize(identity, topic)
}

// OnMessage classifies a message and queues a copy of it. No decoding or
// database work happens on the caller's goroutine, and the caller may reuse
// its buffers as soon as OnMessage returns.
func (c *Collector) OnMessage(identity, topic string, payload []byte) error {
	kind, err := ingest.Classify(identity, topic, len(payload))
	if err != nil {
		reason := "topic"
		if errors.Is(err, ingest.ErrPayloadTooLarge) {
			reason = "size"
		}
		c.reject(reason)
		c.logger.Debug("message rejected", "station_id", identity, "topic", topic, "error", err)
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	task := ingest.NewMessageTask(identity, topic, payload, kind)
	if err := c.queue.Submit(ingest.DataJob(task)); err != nil {
		c.reject("shutdown")
		c.logger.Warn("message dropped", "msg_id", task.ID, "station_id", identity, "error", err)
		return err
	}
	c.logger.Debug("message queued", "msg_id", task.ID, "station_id", identity, "size", len(payload))
	return nil
}

func (c *Collector) reject(reason string) {
	if c.recorder != nil {
		c.recorder.ObserveRejected(reason)
	}
}

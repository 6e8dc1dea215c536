// Package ingest turns accepted broker messages into weather_data rows:
// classification on the broker goroutine, then decode, validate and
// persist on a dispatcher worker.
package ingest

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrDecode means the payload is not a valid WeatherMeasurement.
	ErrDecode = errors.New("ingest: decode")
	// ErrValidation means a mandatory field is missing or zero.
	ErrValidation = errors.New("ingest: validation")
	// ErrPersistence means the store rejected the insert.
	ErrPersistence = errors.New("ingest: persistence")
)

// MessageKind identifies what an accepted message carries.
type MessageKind int

const (
	MessageUnknown MessageKind = iota
	MessageData
)

func (k MessageKind) String() string {
	switch k {
	case MessageData:
		return "data"
	default:
		return "unknown"
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newMessageID returns a time-sortable ULID that tags every log line of
// one message.
func newMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// MessageTask is an accepted message detached from the broker's buffers.
type MessageTask struct {
	ID        string
	StationID string
	Topic     string
	Payload   []byte
	Kind      MessageKind
}

// NewMessageTask copies every input so the task owns its data after the
// broker callback returns.
func NewMessageTask(stationID, topic string, payload []byte, kind MessageKind) *MessageTask {
	p := bytes.Clone(payload)
	if p == nil {
		p = []byte{}
	}
	return &MessageTask{
		ID:        newMessageID(),
		StationID: strings.Clone(stationID),
		Topic:     strings.Clone(topic),
		Payload:   p,
		Kind:      kind,
	}
}

// JobKind selects the handler a dispatcher worker runs.
type JobKind int

const (
	KindData JobKind = iota + 1
	KindAggregate
)

func (k JobKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// Job is the unit queued on the dispatcher. Exactly one of Message and
// Aggregate is set, matching Kind.
type Job struct {
	Kind      JobKind
	Message   *MessageTask
	Aggregate *AggregateTask
}

// DataJob wraps a data message task.
func DataJob(task *MessageTask) Job {
	return Job{Kind: KindData, Message: task}
}

// AggregateJob wraps an aggregation task.
func AggregateJob(task *AggregateTask) Job {
	return Job{Kind: KindAggregate, Aggregate: task}
}

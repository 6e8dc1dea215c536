package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
)

// Outcome is the terminal state of one message.
type Outcome int

const (
	OutcomePersisted Outcome = iota + 1
	OutcomeDiscarded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Acquirer lends out pooled connections.
type Acquirer interface {
	Acquire() db.Conn
	Release(db.Conn)
}

// StateSink receives every persisted measurement.
type StateSink interface {
	Publish(ctx context.Context, stationID string, m WeatherMeasurement) error
}

// Observer is told about every terminal outcome and insert latency.
type Observer interface {
	ObserveOutcome(Outcome)
	ObservePersist(time.Duration)
}

// AggregateObserver is optionally implemented by an Observer to count
// aggregation runs.
type AggregateObserver interface {
	ObserveAggregate(err error)
}

type Option func(*Pipeline)

func WithStateSink(s StateSink) Option { return func(p *Pipeline) { p.sink = s } }

func WithObserver(o Observer) Option { return func(p *Pipeline) { p.observer = o } }

// WithAggregation queues an aggregate job through submit after every
// stored measurement. Days are cut in loc; nil means UTC.
func WithAggregation(submit func(Job) error, loc *time.Location) Option {
	return func(p *Pipeline) {
		if loc == nil {
			loc = time.UTC
		}
		p.submit = submit
		p.location = loc
	}
}

// Pipeline decodes, validates and persists message tasks.
type Pipeline struct {
	pool     Acquirer
	dialect  db.Dialect
	sink     StateSink
	observer Observer
	logger   *slog.Logger

	submit   func(Job) error
	location *time.Location
	aggLocks stationLocks
}

func NewPipeline(pool Acquirer, dialect db.Dialect, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{pool: pool, dialect: dialect, logger: logger, location: time.UTC}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle is the dispatcher entry point.
func (p *Pipeline) Handle(job Job) {
	switch job.Kind {
	case KindData:
		if job.Message == nil {
			p.logger.Error("ingest: data job without message")
			return
		}
		p.Process(context.Background(), job.Message)
	case KindAggregate:
		if job.Aggregate == nil {
			p.logger.Error("ingest: aggregate job without task")
			return
		}
		p.runAggregate(context.Background(), job.Aggregate)
	default:
		p.logger.Error("ingest: unknown job kind", "kind", int(job.Kind))
	}
}

// Process runs one task to a terminal outcome. The returned error is nil
// only for OutcomePersisted.
func (p *Pipeline) Process(ctx context.Context, task *MessageTask) (Outcome, error) {
	outcome, err := p.process(ctx, task)
	if p.observer != nil {
		p.observer.ObserveOutcome(outcome)
	}

	log := p.logger.With("msg_id", task.ID, "station_id", task.StationID, "topic", task.Topic, "outcome", outcome.String())
	switch outcome {
	case OutcomePersisted:
		log.Debug("measurement stored")
	case OutcomeDiscarded:
		log.Warn("measurement discarded", "error", err)
	default:
		log.Error("measurement not stored", "error", err)
	}
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, task *MessageTask) (Outcome, error) {
	m, err := DecodeMeasurement(task.Payload)
	if err != nil {
		return OutcomeDiscarded, err
	}
	if err := m.Validate(); err != nil {
		return OutcomeDiscarded, err
	}
	if err := p.persist(ctx, task.StationID, m); err != nil {
		return OutcomeFailed, err
	}

	if p.sink != nil {
		if err := p.sink.Publish(ctx, task.StationID, m); err != nil {
			p.logger.Warn("live state publish failed", "station_id", task.StationID, "error", err)
		}
	}
	p.queueAggregate(task, m)
	return OutcomePersisted, nil
}

func (p *Pipeline) queueAggregate(task *MessageTask, m WeatherMeasurement) {
	if p.submit == nil {
		return
	}
	job := AggregateJob(&AggregateTask{
		MessageID:   task.ID,
		StationID:   task.StationID,
		PeriodStart: time.Unix(int64(m.PeriodStart), 0).UTC(),
	})
	// Refused only during shutdown; the next measurement of the same
	// hour recomputes the rows.
	if err := p.submit(job); err != nil {
		p.logger.Debug("aggregation not queued", "msg_id", task.ID, "station_id", task.StationID, "error", err)
	}
}

func (p *Pipeline) runAggregate(ctx context.Context, task *AggregateTask) {
	err := p.Aggregate(ctx, task)
	if o, ok := p.observer.(AggregateObserver); ok {
		o.ObserveAggregate(err)
	}
	if err != nil {
		p.logger.Error("aggregation failed", "msg_id", task.MessageID, "station_id", task.StationID, "error", err)
		return
	}
	p.logger.Debug("aggregates updated", "msg_id", task.MessageID, "station_id", task.StationID)
}

func (p *Pipeline) persist(ctx context.Context, stationID string, m WeatherMeasurement) error {
	conn := p.pool.Acquire()
	defer p.pool.Release(conn)

	start := time.Now()
	_, err := conn.Exec(ctx, p.dialect.InsertMeasurement, InsertArgs(stationID, m)...)
	if p.observer != nil {
		p.observer.ObservePersist(time.Since(start))
	}
	if err != nil {
		if code, name, ok := db.SQLState(err); ok {
			return fmt.Errorf("%w: %s (%s): %v", ErrPersistence, name, code, err)
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// InsertArgs builds the 14 positional insert parameters: period start and
// end as UTC times, the station identity, then each optional scalar as a
// six-decimal string or nil when absent.
func InsertArgs(stationID string, m WeatherMeasurement) []any {
	args := make([]any, 0, 14)
	args = append(args,
		time.Unix(int64(m.PeriodStart), 0).UTC(),
		time.Unix(int64(m.PeriodEnd), 0).UTC(),
		stationID,
	)
	for _, s := range m.Scalars() {
		if !s.Valid {
			args = append(args, nil)
			continue
		}
		args = append(args, fmt.Sprintf("%f", float64(s.Value)))
	}
	return args
}

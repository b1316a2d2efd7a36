package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/cartoonrewatch/crt80/internal/documents"
	"github.com/cartoonrewatch/crt80/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultQueueSize       = 256
	defaultRetentionMonths = 12
)

var (
	ErrMissingDocuments = errors.New("analytics: document store is required")
	// ErrQueueFull reports that an event was rejected because the queue is saturated.
	ErrQueueFull = errors.New("analytics: queue is full")
)

// DocumentStore is the subset of the document store the aggregator needs.
type DocumentStore interface {
	Read(ctx context.Context, name string, dest any) (bool, error)
	Write(ctx context.Context, name string, value any) error
}

type AggregatorConfig struct {
	Documents       DocumentStore
	Location        *time.Location
	RetentionMonths int
	QueueSize       int
	Clock           func() time.Time
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

type job struct {
	kind string
	run  func(ctx context.Context) error
	done chan error
}

// Aggregator serializes every read-modify-prune-write of the analytics
// document through one queue drained by Run, so concurrent events never
// overwrite each other.
type Aggregator struct {
	documents       DocumentStore
	location        *time.Location
	retentionMonths int
	clock           func() time.Time
	jobs            chan job
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Documents == nil {
		return nil, ErrMissingDocuments
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	retention := cfg.RetentionMonths
	if retention <= 0 {
		retention = defaultRetentionMonths
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		documents:       cfg.Documents,
		location:        location,
		retentionMonths: retention,
		clock:           clock,
		jobs:            make(chan job, queueSize),
		metrics:         cfg.Metrics,
		logger:          logger,
	}, nil
}

// Run drains the queue until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case next := <-a.jobs:
			err := next.run(ctx)
			if err != nil {
				a.metrics.AnalyticsJob(next.kind, "error")
				a.logger.Error("analytics job failed",
					zap.String("operation", "analytics."+next.kind),
					zap.String("reason", "job_failed"),
					zap.Error(err))
			} else {
				a.metrics.AnalyticsJob(next.kind, "ok")
			}
			next.done <- err
			close(next.done)
		}
	}
}

// RecordVisit queues a visit. Events without a viewer id complete immediately.
func (a *Aggregator) RecordVisit(event Event) <-chan error {
	viewerID, channelSlug := normalizeEvent(event)
	if viewerID == "" {
		return completed(nil)
	}
	at := a.eventTime(event)
	return a.enqueue("visit", func(ctx context.Context) error {
		return a.update(ctx, func(data *document) {
			data.applyVisit(viewerID, channelSlug, dateKey(civilDate(at, a.location)))
		})
	})
}

// RecordChannelView queues a channel view. Events without a viewer id or
// channel complete immediately.
func (a *Aggregator) RecordChannelView(event Event) <-chan error {
	viewerID, channelSlug := normalizeEvent(event)
	if viewerID == "" || channelSlug == "" {
		return completed(nil)
	}
	at := a.eventTime(event)
	return a.enqueue("channel_view", func(ctx context.Context) error {
		return a.update(ctx, func(data *document) {
			data.applyChannelView(viewerID, channelSlug, dateKey(civilDate(at, a.location)))
		})
	})
}

// Report builds a report once every previously queued event has been applied.
func (a *Aggregator) Report(ctx context.Context, request ReportRequest) (Report, error) {
	var report Report
	done := a.enqueue("report", func(jobCtx context.Context) error {
		data, err := a.read(jobCtx)
		if err != nil {
			return err
		}
		report = buildReport(data, request, civilDate(a.clock(), a.location), a.location.String())
		return nil
	})
	select {
	case err := <-done:
		if err != nil {
			return Report{}, err
		}
		return report, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (a *Aggregator) enqueue(kind string, run func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	select {
	case a.jobs <- job{kind: kind, run: run, done: done}:
	default:
		a.metrics.AnalyticsJob(kind, "rejected")
		done <- ErrQueueFull
		close(done)
	}
	return done
}

func (a *Aggregator) update(ctx context.Context, mutate func(data *document)) error {
	data, err := a.read(ctx)
	if err != nil {
		return err
	}
	mutate(data)
	today := civilDate(a.clock(), a.location)
	data.prune(dateKey(today.AddDate(0, -a.retentionMonths, 0)))
	return a.documents.Write(ctx, documents.NameAnalytics, data)
}

func (a *Aggregator) read(ctx context.Context) (*document, error) {
	data := newDocument(a.location.String())
	if _, err := a.documents.Read(ctx, documents.NameAnalytics, data); err != nil {
		return nil, err
	}
	data.normalize(a.location.String())
	return data, nil
}

func (a *Aggregator) eventTime(event Event) time.Time {
	if event.At.IsZero() {
		return a.clock()
	}
	return event.At
}

func completed(err error) <-chan error {
	done := make(chan error, 1)
	done <- err
	close(done)
	return done
}

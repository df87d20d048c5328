// Package notify delivers ad-platform exclusion pushes for hard-blocked
// identities. Delivery is fire-and-forget from the decision pass's point of
// view: jobs go onto a bounded queue and a small worker pool retries
// transient failures with exponential backoff.
package notify

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"clickguardian/internal/metrics"
	"github.com/rs/zerolog"
)

// Exclusion asks the ad platform to stop billing clicks from an identity.
type Exclusion struct {
	IP        string
	DeviceID  string
	Reason    string
	BlockedAt time.Time
	Retries   int
}

// Sink is the outbound notification capability. Errors mark the attempt
// failed and trigger a retry; the engine never observes them.
type Sink interface {
	Exclude(ctx context.Context, job Exclusion) error
}

// LogSink records exclusion pushes in the log only. It stands in for a real
// ads-API integration and never fails.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a Sink that only logs.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Exclude(_ context.Context, job Exclusion) error {
	s.log.Info().Str("ip", job.IP).Str("device_id", job.DeviceID).
		Str("reason", job.Reason).Msg("ad-platform exclusion push (simulated)")
	return nil
}

// Config holds dispatcher pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Dispatcher is the bounded worker pool behind the NotificationSink.
type Dispatcher struct {
	cfg      Config
	jobs     chan Exclusion
	sink     Sink
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a Dispatcher delivering to sink.
func NewDispatcher(cfg Config, sink Sink, log zerolog.Logger) (*Dispatcher, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("notify workers must be 1–64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &Dispatcher{
		cfg:  cfg,
		jobs: make(chan Exclusion, cfg.QueueDepth),
		sink: sink,
		log:  log,
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full;
// a dropped exclusion is lost, not retried — the daily ceiling will block
// the identity again on its next touch.
func (d *Dispatcher) Enqueue(job Exclusion) bool {
	select {
	case d.jobs <- job:
		metrics.ExclusionsEnqueued.Inc()
		return true
	default:
		metrics.ExclusionsDropped.WithLabelValues("buffer_full").Inc()
		d.log.Warn().Str("ip", job.IP).Msg("exclusion dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for workers to drain.
// Safe to call only once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.jobs)
	})
	d.wg.Wait()
}

// Depth returns the current number of pending jobs.
func (d *Dispatcher) Depth() int {
	return len(d.jobs)
}

// worker dequeues jobs and processes them with inline retry (no re-enqueue).
// Inline retry avoids the channel close/send race condition.
func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	log := d.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-d.jobs:
			if !ok {
				return // channel closed by Stop()
			}
			d.processWithRetry(ctx, job, log)
		}
	}
}

func (d *Dispatcher) processWithRetry(ctx context.Context, job Exclusion, log zerolog.Logger) {
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.backoff(attempt - 1)
			log.Warn().Str("ip", job.IP).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying exclusion push")
			select {
			case <-ctx.Done():
				metrics.ExclusionsProcessed.WithLabelValues("error").Inc()
				return
			case <-time.After(backoff):
			}
		}

		if err := d.sink.Exclude(ctx, job); err != nil {
			if attempt < d.cfg.MaxRetries {
				metrics.ExclusionsProcessed.WithLabelValues("retried").Inc()
				continue
			}
			metrics.ExclusionsProcessed.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("ip", job.IP).
				Int("max_retries", d.cfg.MaxRetries).Msg("exclusion push failed: max retries exceeded")
			return
		}

		metrics.ExclusionsProcessed.WithLabelValues("success").Inc()
		return
	}
}

// backoff computes exponential backoff with a max cap.
func (d *Dispatcher) backoff(retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	backoff := time.Duration(float64(d.cfg.RetryBase) * multiplier)
	if max := 5 * time.Minute; backoff > max {
		backoff = max
	}
	return backoff
}

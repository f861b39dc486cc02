package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

/* Pipeline exposes the payment-event pipeline metrics through OpenTelemetry
 * instruments exported in Prometheus format
 * All recording methods are nil-safe so components can run without metrics
 * (e.g. in tests)
 */
type Pipeline struct {
	meterProvider *sdkmetric.MeterProvider

	received   metric.Int64Counter
	duplicates metric.Int64Counter
	rejected   metric.Int64Counter
	processed  metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	alerted    metric.Int64Counter
	throttled  metric.Int64Counter
	queueDepth metric.Int64ObservableGauge
}

// DepthReporter reports the number of jobs waiting in the queue
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// NewPipeline creates the pipeline metrics with a Prometheus exporter
// The depth reporter may be nil when no durable queue is configured
func NewPipeline(depth DepthReporter) (*Pipeline, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(
		"payment-inbox",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	p := &Pipeline{meterProvider: meterProvider}

	if p.received, err = meter.Int64Counter(
		"payment_events.received",
		metric.WithDescription("Events persisted as received"),
		metric.WithUnit("{events}"),
	); err != nil {
		return nil, fmt.Errorf("creating received counter: %w", err)
	}

	if p.duplicates, err = meter.Int64Counter(
		"payment_events.duplicates",
		metric.WithDescription("Duplicate deliveries acknowledged without reprocessing"),
		metric.WithUnit("{events}"),
	); err != nil {
		return nil, fmt.Errorf("creating duplicates counter: %w", err)
	}

	if p.rejected, err = meter.Int64Counter(
		"payment_events.rejected",
		metric.WithDescription("Deliveries rejected for invalid signatures"),
		metric.WithUnit("{events}"),
	); err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}

	if p.processed, err = meter.Int64Counter(
		"payment_events.processed",
		metric.WithDescription("Events that reached terminal success"),
		metric.WithUnit("{events}"),
	); err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	if p.failed, err = meter.Int64Counter(
		"payment_events.failed",
		metric.WithDescription("Failed processing attempts"),
		metric.WithUnit("{attempts}"),
	); err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	if p.retried, err = meter.Int64Counter(
		"payment_events.retries_scheduled",
		metric.WithDescription("Retries scheduled with backoff"),
		metric.WithUnit("{retries}"),
	); err != nil {
		return nil, fmt.Errorf("creating retried counter: %w", err)
	}

	if p.alerted, err = meter.Int64Counter(
		"payment_events.alerts_sent",
		metric.WithDescription("Failure notifications delivered to operators"),
		metric.WithUnit("{alerts}"),
	); err != nil {
		return nil, fmt.Errorf("creating alerted counter: %w", err)
	}

	if p.throttled, err = meter.Int64Counter(
		"payment_events.alerts_throttled",
		metric.WithDescription("Failure notifications suppressed by the throttle window"),
		metric.WithUnit("{alerts}"),
	); err != nil {
		return nil, fmt.Errorf("creating throttled counter: %w", err)
	}

	if depth != nil {
		if p.queueDepth, err = meter.Int64ObservableGauge(
			"payment_events.queue.depth",
			metric.WithDescription("Jobs waiting in the durable queue"),
			metric.WithUnit("{jobs}"),
			metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
				n, err := depth.Depth(ctx)
				if err != nil {
					// Depth is best-effort; skip the observation.
					return nil
				}
				o.Observe(n)
				return nil
			}),
		); err != nil {
			return nil, fmt.Errorf("creating queue depth gauge: %w", err)
		}
	}

	return p, nil
}

// Handler returns the Prometheus scrape handler for GET /metrics
func (p *Pipeline) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes the meter provider
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

func (p *Pipeline) IncReceived(ctx context.Context) {
	if p == nil {
		return
	}
	p.received.Add(ctx, 1)
}

func (p *Pipeline) IncDuplicate(ctx context.Context) {
	if p == nil {
		return
	}
	p.duplicates.Add(ctx, 1)
}

func (p *Pipeline) IncRejected(ctx context.Context) {
	if p == nil {
		return
	}
	p.rejected.Add(ctx, 1)
}

func (p *Pipeline) IncProcessed(ctx context.Context) {
	if p == nil {
		return
	}
	p.processed.Add(ctx, 1)
}

func (p *Pipeline) IncFailed(ctx context.Context) {
	if p == nil {
		return
	}
	p.failed.Add(ctx, 1)
}

func (p *Pipeline) IncRetried(ctx context.Context) {
	if p == nil {
		return
	}
	p.retried.Add(ctx, 1)
}

func (p *Pipeline) IncAlerted(ctx context.Context) {
	if p == nil {
		return
	}
	p.alerted.Add(ctx, 1)
}

func (p *Pipeline) IncThrottled(ctx context.Context) {
	if p == nil {
		return
	}
	p.throttled.Add(ctx, 1)
}

// Package observer provides OTel-based observability for classifier
// calls. It wraps a truffle.Classifier with an instrumented version that
// emits traces and metrics through the global OpenTelemetry providers;
// without a configured SDK the instruments are no-ops, so wrapping is
// always safe.
package observer

import (
	"context"
	"time"

	truffle "github.com/trufflehq/truffle"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/trufflehq/truffle/observer"

var (
	attrProvider = attribute.Key("llm.provider")
	attrSkills   = attribute.Key("classify.skills")
	attrResults  = attribute.Key("classify.results")
	attrStatus   = attribute.Key("status")
)

// Instruments holds the OTel instruments used by the classifier wrapper.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	Requests    metric.Int64Counter
	Evaluations metric.Int64Counter
	Duration    metric.Float64Histogram
}

// NewInstruments builds instruments from the global OTel providers.
func NewInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	requests, err := meter.Int64Counter("truffle.classify.requests",
		metric.WithDescription("Classifier calls issued"))
	if err != nil {
		return nil, err
	}
	evaluations, err := meter.Int64Counter("truffle.classify.evaluations",
		metric.WithDescription("Per-skill evaluations returned"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("truffle.classify.duration_ms",
		metric.WithDescription("Classifier call latency in milliseconds"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:      tracer,
		Meter:       meter,
		Requests:    requests,
		Evaluations: evaluations,
		Duration:    duration,
	}, nil
}

// ObservedClassifier wraps a truffle.Classifier with OTel instrumentation.
type ObservedClassifier struct {
	inner truffle.Classifier
	inst  *Instruments
}

var _ truffle.Classifier = (*ObservedClassifier)(nil)

// WrapClassifier returns an instrumented classifier that emits traces
// and metrics around every call.
func WrapClassifier(inner truffle.Classifier, inst *Instruments) *ObservedClassifier {
	return &ObservedClassifier{inner: inner, inst: inst}
}

func (o *ObservedClassifier) Name() string { return o.inner.Name() }

func (o *ObservedClassifier) Classify(ctx context.Context, c truffle.Candidate) ([]truffle.Evaluation, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "classify.message", trace.WithAttributes(
		attrProvider.String(o.inner.Name()),
		attrSkills.Int(len(c.SkillKeys)),
	))
	defer span.End()
	start := time.Now()

	results, err := o.inner.Classify(ctx, c)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attrResults.Int(len(results)))

	attrs := metric.WithAttributes(
		attrProvider.String(o.inner.Name()),
		attrStatus.String(status),
	)
	o.inst.Requests.Add(ctx, 1, attrs)
	o.inst.Evaluations.Add(ctx, int64(len(results)), attrs)
	o.inst.Duration.Record(ctx, durationMs, attrs)

	return results, err
}

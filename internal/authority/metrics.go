package authority

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/davidahmann/dealledger/internal/authority"

type instruments struct {
	appended    metric.Int64Counter
	verdicts    metric.Int64Counter
	conflicts   metric.Int64Counter
	corruptions metric.Int64Counter
	appendMs    metric.Float64Histogram
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.appended, err = m.Int64Counter("dealledger.events.appended",
		metric.WithDescription("Events appended to deal chains")); err != nil {
		return in, err
	}
	if in.verdicts, err = m.Int64Counter("dealledger.gate.verdicts",
		metric.WithDescription("Gate evaluations by status")); err != nil {
		return in, err
	}
	if in.conflicts, err = m.Int64Counter("dealledger.append.conflicts",
		metric.WithDescription("Appends rejected for a stale tail")); err != nil {
		return in, err
	}
	if in.corruptions, err = m.Int64Counter("dealledger.chain.corruptions",
		metric.WithDescription("Chain verifications that failed")); err != nil {
		return in, err
	}
	if in.appendMs, err = m.Float64Histogram("dealledger.append.duration",
		metric.WithDescription("Append latency"),
		metric.WithUnit("ms")); err != nil {
		return in, err
	}
	return in, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "authority."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func dealAttr(dealID string) attribute.KeyValue {
	return attribute.String("deal.id", dealID)
}

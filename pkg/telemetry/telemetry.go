// Package telemetry defines the pluggable sink the core calls into for
// structured logs, trace spans, and cost records. A redacting wrapper
// sits in front of every concrete sink so no secret ever leaves the
// core, regardless of which backend is wired in.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/requiem/core/pkg/redact"
)

// Level mirrors the REQUIEM_LOG_LEVEL values.
type Level string

const (
	LevelDebug  Level = "debug"
	LevelInfo   Level = "info"
	LevelWarn   Level = "warn"
	LevelError  Level = "error"
	LevelSilent Level = "silent"
)

// LogEntry is one structured log line.
type LogEntry struct {
	Level     Level
	Message   string
	Fields    map[string]any
	Timestamp time.Time
}

// Span is a completed unit of work, recorded after the fact (the core
// never holds a live span object across a suspension point it doesn't
// own).
type Span struct {
	Name       string
	TraceID    string
	StartedAt  time.Time
	EndedAt    time.Time
	Status     string // "ok" | "error"
	Attributes map[string]any
}

// CostRecord is one billable unit emitted by arbitration or tool
// execution.
type CostRecord struct {
	TenantID  string
	Provider  string
	Model     string
	CostCents int64
	Tokens    int64
	Timestamp time.Time
}

// Sink is the pluggable telemetry contract implementations plug into.
type Sink interface {
	Log(entry LogEntry)
	Span(span Span)
	RecordCost(record CostRecord)
}

// SlogSink is the default Sink: structured logs via log/slog and spans
// via the global OpenTelemetry tracer. Cost records are logged as
// structured entries; a higher layer wires them to a metrics exporter
// if one is configured.
type SlogSink struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSlogSink constructs a sink around logger (nil uses slog.Default())
// and names the OpenTelemetry tracer instrumentationName.
func NewSlogSink(logger *slog.Logger, instrumentationName string) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger, tracer: otel.Tracer(instrumentationName)}
}

func levelToSlog(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Log emits entry at its level with its fields as structured attrs.
func (s *SlogSink) Log(entry LogEntry) {
	if entry.Level == LevelSilent {
		return
	}
	args := make([]any, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		args = append(args, k, v)
	}
	s.logger.Log(context.Background(), levelToSlog(entry.Level), entry.Message, args...)
}

// Span re-emits a completed span into the OpenTelemetry tracer using
// explicit start/end timestamps, since the core records spans after the
// fact rather than holding one open across a yield point.
func (s *SlogSink) Span(span Span) {
	attrs := make([]attribute.KeyValue, 0, len(span.Attributes)+1)
	attrs = append(attrs, attribute.String("trace_id", span.TraceID))
	for k, v := range span.Attributes {
		attrs = append(attrs, attribute.String(k, toString(v)))
	}
	_, otelSpan := s.tracer.Start(context.Background(), span.Name,
		trace.WithTimestamp(span.StartedAt),
		trace.WithAttributes(attrs...),
	)
	if span.Status == "error" {
		otelSpan.SetStatus(codes.Error, "span reported error status")
	}
	otelSpan.End(trace.WithTimestamp(span.EndedAt))
}

// RecordCost logs the cost record; a dedicated metrics sink can be
// layered on top by wrapping Sink.
func (s *SlogSink) RecordCost(record CostRecord) {
	s.logger.Info("cost_record",
		"tenant_id", record.TenantID,
		"provider", record.Provider,
		"model", record.Model,
		"cost_cents", record.CostCents,
		"tokens", record.Tokens,
	)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return slogAny(t)
	}
}

func slogAny(v any) string {
	return slog.AnyValue(v).String()
}

// RedactingSink wraps any Sink and redacts fields/attributes before
// delegating, so a misconfigured backend sink can never leak a secret.
type RedactingSink struct {
	inner    Sink
	redactor *redact.Redactor
}

// NewRedactingSink wraps inner with r (nil uses the package default
// redactor).
func NewRedactingSink(inner Sink, r *redact.Redactor) *RedactingSink {
	if r == nil {
		r = redact.New()
	}
	return &RedactingSink{inner: inner, redactor: r}
}

func (s *RedactingSink) Log(entry LogEntry) {
	entry.Message = s.redactor.String(entry.Message)
	if entry.Fields != nil {
		entry.Fields = s.redactor.Value(entry.Fields).(map[string]any)
	}
	s.inner.Log(entry)
}

func (s *RedactingSink) Span(span Span) {
	if span.Attributes != nil {
		span.Attributes = s.redactor.Value(span.Attributes).(map[string]any)
	}
	s.inner.Span(span)
}

func (s *RedactingSink) RecordCost(record CostRecord) {
	s.inner.RecordCost(record)
}

package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/toolgate"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	ActiveSessions      metric.Int64UpDownCounter
	SessionsOpenedTotal metric.Int64Counter
	SessionsReapedTotal metric.Int64Counter

	// Submit metrics
	SubmitAcceptedTotal metric.Int64Counter
	SubmitRejectedTotal metric.Int64Counter

	// Dispatch metrics
	DispatchDuration    metric.Float64Histogram
	ToolCallsTotal      metric.Int64Counter
	ToolCallErrorsTotal metric.Int64Counter

	// Credential metrics
	TokensIssuedTotal  metric.Int64Counter
	TokensRevokedTotal metric.Int64Counter

	// Gateway surface metrics
	AuthFailuresTotal metric.Int64Counter
	RateLimitedTotal  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Session metrics
	m.ActiveSessions, _ = meter.Int64UpDownCounter(
		"toolgate.sessions.active",
		metric.WithDescription("Number of live session actors"),
		metric.WithUnit("{session}"),
	)

	m.SessionsOpenedTotal, _ = meter.Int64Counter(
		"toolgate.sessions.opened.total",
		metric.WithDescription("Total number of session actors opened"),
		metric.WithUnit("{session}"),
	)

	m.SessionsReapedTotal, _ = meter.Int64Counter(
		"toolgate.sessions.reaped.total",
		metric.WithDescription("Total number of session actors reaped, by reason"),
		metric.WithUnit("{session}"),
	)

	// Submit metrics
	m.SubmitAcceptedTotal, _ = meter.Int64Counter(
		"toolgate.submit.accepted.total",
		metric.WithDescription("Total number of messages accepted into session mailboxes"),
		metric.WithUnit("{message}"),
	)

	m.SubmitRejectedTotal, _ = meter.Int64Counter(
		"toolgate.submit.rejected.total",
		metric.WithDescription("Total number of submits rejected, by reason"),
		metric.WithUnit("{message}"),
	)

	// Dispatch metrics
	m.DispatchDuration, _ = meter.Float64Histogram(
		"toolgate.dispatch.duration",
		metric.WithDescription("Duration of message dispatch including backend calls"),
		metric.WithUnit("ms"),
	)

	m.ToolCallsTotal, _ = meter.Int64Counter(
		"toolgate.tools.calls.total",
		metric.WithDescription("Total number of tool calls forwarded to the backend"),
		metric.WithUnit("{call}"),
	)

	m.ToolCallErrorsTotal, _ = meter.Int64Counter(
		"toolgate.tools.calls.errors.total",
		metric.WithDescription("Total number of tool calls that returned an error envelope"),
		metric.WithUnit("{call}"),
	)

	// Credential metrics
	m.TokensIssuedTotal, _ = meter.Int64Counter(
		"toolgate.tokens.issued.total",
		metric.WithDescription("Total number of access tokens issued"),
		metric.WithUnit("{token}"),
	)

	m.TokensRevokedTotal, _ = meter.Int64Counter(
		"toolgate.tokens.revoked.total",
		metric.WithDescription("Total number of access tokens revoked"),
		metric.WithUnit("{token}"),
	)

	// Gateway surface metrics
	m.AuthFailuresTotal, _ = meter.Int64Counter(
		"toolgate.auth.failures.total",
		metric.WithDescription("Total number of failed authentication attempts"),
		metric.WithUnit("{request}"),
	)

	m.RateLimitedTotal, _ = meter.Int64Counter(
		"toolgate.ratelimit.rejected.total",
		metric.WithDescription("Total number of requests rejected by rate limiting, by bucket"),
		metric.WithUnit("{request}"),
	)

	return m
}

package pipeline

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-tutor/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	sessionCounter, _ = meter.Int64Counter(
		"ema_tutor.sessions",
		metric.WithDescription("Streaming sessions by outcome"),
	)
	sessionDuration, _ = meter.Float64Histogram(
		"ema_tutor.session.duration",
		metric.WithDescription("Streaming session duration"),
		metric.WithUnit("s"),
	)
	playbackErrorCounter, _ = meter.Int64Counter(
		"ema_tutor.playback.errors",
		metric.WithDescription("Audio buffers rejected by the output device"),
	)
)

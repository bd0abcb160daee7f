package dispatch

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricOperationStarted   = []string{"switchboard", "dispatch", "operation", "started", "count"}
	MetricOperationFinished  = []string{"switchboard", "dispatch", "operation", "finished", "count"}
	MetricHandlerFailed      = []string{"switchboard", "dispatch", "handler", "failed", "count"}
	MetricClientCallError    = []string{"switchboard", "dispatch", "client", "call", "error", "count"}
	MetricClientCallDuration = []string{"switchboard", "dispatch", "client", "call", "duration", "ms"}
	MetricRequestTerminal    = []string{"switchboard", "request", "terminal", "count"}
	MetricRecoveryObserve    = []string{"switchboard", "recovery", "observe", "count"}
)

type TelemetryLabel string

var (
	LabelMethod  TelemetryLabel = "method"
	LabelClient  TelemetryLabel = "client"
	LabelOutcome TelemetryLabel = "outcome"
	LabelState   TelemetryLabel = "state"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

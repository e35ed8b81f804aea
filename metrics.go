package intesa

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricIntesaOpSubmittedCount counts operations submitted by local
	// participants, whether or not local validation let them through.
	MetricIntesaOpSubmittedCount   = []string{"intesa", "op", "submitted", "count"}
	MetricIntesaOpExecutedCount    = []string{"intesa", "op", "executed", "count"}
	MetricIntesaOpCorrectedCount   = []string{"intesa", "op", "corrected", "count"}
	MetricIntesaOpRejectedCount    = []string{"intesa", "op", "rejected", "count"}
	MetricIntesaOpRelayedCount     = []string{"intesa", "op", "relayed", "count"}
	MetricIntesaOpDroppedCount     = []string{"intesa", "op", "dropped", "count"}
	MetricIntesaResponseInCount    = []string{"intesa", "response", "in", "count"}
	MetricIntesaResponseOutCount   = []string{"intesa", "response", "out", "count"}
	MetricIntesaSendCacheDepth     = []string{"intesa", "sendcache", "depth"}
	MetricIntesaWorldEntities      = []string{"intesa", "world", "entities"}
	MetricIntesaFrameInBytes       = []string{"intesa", "frame", "in", "bytes"}
	MetricIntesaFrameInErrorCount  = []string{"intesa", "frame", "in", "error", "count"}
	MetricIntesaFrameOutBytes      = []string{"intesa", "frame", "out", "bytes"}
	MetricIntesaFrameOutErrorCount = []string{"intesa", "frame", "out", "error", "count"}
	MetricIntesaConnErrorCount     = []string{"intesa", "connection", "error", "count"}
	MetricIntesaConnEstCount       = []string{"intesa", "connection", "established", "count"}
	MetricIntesaUDPBufferSizeBytes = []string{"intesa", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelParticipant TelemetryLabel = "participant"
	LabelRole        TelemetryLabel = "role"
	LabelOutcome     TelemetryLabel = "outcome"
	LabelOperation   TelemetryLabel = "operation"
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

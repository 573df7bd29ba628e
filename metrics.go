package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// Transport.
	MetricDatagramInBytes        = []string{"weft", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"weft", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"weft", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"weft", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"weft", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"weft", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"weft", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"weft", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"weft", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"weft", "connection", "error", "count"}
	MetricConnEstCount           = []string{"weft", "connection", "established", "count"}
	MetricHostNameChanges        = []string{"weft", "host", "name", "changes"}
	MetricHostConflictsCount     = []string{"weft", "host", "name", "conflicts", "count"}

	// Routing.
	MetricEventRoutedCount     = []string{"weft", "event", "routed", "count"}
	MetricEventRouteErrorCount = []string{"weft", "event", "route", "error", "count"}
	MetricEventForwardedCount  = []string{"weft", "event", "forwarded", "count"}
	MetricEventInboundCount    = []string{"weft", "event", "inbound", "count"}
	MetricDeliveryFailureCount = []string{"weft", "event", "delivery", "failure", "count"}

	// Control plane.
	MetricPatchCount            = []string{"weft", "patch", "count"}
	MetricPeerUpdateCount       = []string{"weft", "peer", "update", "count"}
	MetricPeers                 = []string{"weft", "peers"}
	MetricInstanceSpawnedCount  = []string{"weft", "instance", "spawned", "count"}
	MetricInstanceStoppedCount  = []string{"weft", "instance", "stopped", "count"}
	MetricInstanceSpawnErrCount = []string{"weft", "instance", "spawn", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelNodeID      TelemetryLabel = "node_id"
	LabelComponentID TelemetryLabel = "component_id"
	LabelClass       TelemetryLabel = "class"
	LabelPort        TelemetryLabel = "port"
	LabelStreamMode  TelemetryLabel = "stream_mode"
	LabelStreamID    TelemetryLabel = "stream_id"
	LabelResult      TelemetryLabel = "result"
	LabelKind        TelemetryLabel = "kind"
	LabelOp          TelemetryLabel = "op"
	LabelDuration    TelemetryLabel = "duration"
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

// withLabels returns a fresh slice so callers never share the backing array
// of the static labels.
func withLabels(static []metrics.Label, labels ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(labels))
	out = append(out, static...)
	return append(out, labels...)
}

// errLabel turns an error into a low cardinality metric label.
func errLabel(err error) metrics.Label {
	return LabelError.M(codeName(CodeOf(err)))
}

func codeName(code ErrorCode) string {
	switch code {
	case CodeOK:
		return "none"
	case CodeInstanceNotFound:
		return "instance_not_found"
	case CodeInstanceStopped:
		return "instance_stopped"
	case CodeUnroutable:
		return "unroutable"
	case CodeUnknownPeer:
		return "unknown_peer"
	case CodeNoPendingCall:
		return "no_pending_call"
	case CodeMalformed:
		return "malformed"
	default:
		return "internal"
	}
}

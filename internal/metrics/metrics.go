package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors live in their own package so the pairing, blob and server
// packages can record without importing each other.

var (
	SocketsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "editor_sockets_open",
		Help: "Pairing sockets currently open",
	})

	SocketsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_sockets_closed_total",
		Help: "Pairing sockets closed, by reason",
	}, []string{"reason"}) // reason: handshake_timeout|idle|bad_frames|superseded|remote|shutdown|open_failed

	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_frames_received_total",
		Help: "Inbound relay frames by inner message type",
	}, []string{"type"})

	FramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_frames_rejected_total",
		Help: "Inbound relay frames dropped, by reason",
	}, []string{"reason"}) // reason: malformed|untrusted|signature|unknown_type

	HelloReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_hello_replies_total",
		Help: "hello_reply frames sent, by state",
	}, []string{"state"})

	BlobOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_blob_ops_total",
		Help: "Blob store client calls by operation and result",
	}, []string{"op", "result"}) // op: upload|download|exists, result: ok|error|not_found

	BlobOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "editor_blob_op_duration_seconds",
		Help:    "Blob store client latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	SessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_sessions_opened_total",
		Help: "Editor sessions opened, by result",
	}, []string{"result"})

	ChangesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_changes_total",
		Help: "Change requests processed, by result",
	}, []string{"result"}) // result: applied|error

	RelayChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_channels_active",
		Help: "Relay channels with at least one connected peer",
	})

	RelayFramesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_forwarded_total",
		Help: "Text frames forwarded between relay peers",
	})

	BlobsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blob_objects_stored_total",
		Help: "Objects accepted by the blob service",
	})
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		SocketsOpen, SocketsClosed, FramesReceived, FramesRejected, HelloReplies,
		BlobOps, BlobOpDuration, SessionsOpened, ChangesApplied,
		RelayChannels, RelayFramesForwarded, BlobsStored,
	}
}

// Register registers every collector on reg (or the default registerer if nil).
// Collectors that are already registered are skipped.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

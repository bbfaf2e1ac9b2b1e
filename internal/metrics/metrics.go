// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UDPReceived counts datagrams handled, by message id and type.
	UDPReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "udp",
		Name:      "received_total",
		Help:      "Datagrams received, by message id and type.",
	}, []string{"id", "type"})

	// UDPSent counts datagrams successfully written, by message id and type.
	UDPSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "udp",
		Name:      "sent_total",
		Help:      "Datagrams sent, by message id and type.",
	}, []string{"id", "type"})

	// UDPSendErrors counts failed writes, by outcome (suppressed or failed).
	UDPSendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "udp",
		Name:      "send_errors_total",
		Help:      "Datagram send failures, by outcome.",
	}, []string{"outcome"})

	// UDPDropped counts datagrams that could not be decoded.
	UDPDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "udp",
		Name:      "dropped_total",
		Help:      "Datagrams dropped as undecodable.",
	})

	// KnownHosts is the size of the host table after the last prune.
	KnownHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lansync",
		Name:      "known_hosts",
		Help:      "Hosts currently known.",
	})

	// HostPeers is the number of peers of this host after the last prune.
	HostPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lansync",
		Name:      "host_peers",
		Help:      "Peers currently tracked by this host.",
	})

	// VCRFlushes counts record-file flushes, by result (written, unchanged, error).
	VCRFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "vcr",
		Name:      "flushes_total",
		Help:      "Video cache record file flushes, by result.",
	}, []string{"result"})

	// DocsStored counts document writes, by outcome (written, unchanged, lost, remote).
	DocsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "docs",
		Name:      "stored_total",
		Help:      "Document store calls, by outcome.",
	}, []string{"outcome"})

	// HTTPRequests counts API requests, by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests, by route and status.",
	}, []string{"route", "status"})

	// HTTPRejected counts requests refused by the host guard, by reason.
	HTTPRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "http",
		Name:      "rejected_total",
		Help:      "Requests refused before reaching a handler, by reason.",
	}, []string{"reason"})

	// BlobPromotions counts queued blobs moved to their canonical location.
	BlobPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lansync",
		Subsystem: "blobs",
		Name:      "promotions_total",
		Help:      "Blobs promoted from the upload queue.",
	})
)

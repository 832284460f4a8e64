// Package metrics exposes the Prometheus counters, gauges, and histograms
// for the peer's handshake, session, messaging, and crypto subsystems. Every
// variable here is registered against Registry and scraped through Handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kiyeovo"

// Registry is the Prometheus registry every metric in this package is
// registered against. A dedicated registry (rather than the global default)
// keeps this package's metrics free of the Go runtime collectors prometheus
// registers by default on prometheus.DefaultRegisterer, and safe to embed
// in tests without cross-test collisions.
var Registry = prometheus.NewRegistry()

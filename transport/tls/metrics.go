// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	handshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helio",
		Subsystem: "tls",
		Name:      "handshakes_total",
		Help:      "TLS handshakes by role and result.",
	}, []string{"role", "result"})
	handshakeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "helio",
		Subsystem: "tls",
		Name:      "handshake_duration_seconds",
		Help:      "Duration of TLS handshakes.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"role"})
	plaintextBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helio",
		Subsystem: "tls",
		Name:      "plaintext_bytes_total",
		Help:      "Application bytes through TLS sockets by direction.",
	}, []string{"direction"})
	closeAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helio",
		Subsystem: "tls",
		Name:      "close_alerts_total",
		Help:      "close_notify alerts produced by Shutdown.",
	})
	partialWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helio",
		Subsystem: "tls",
		Name:      "partial_writes_total",
		Help:      "Ciphertext flushes the underlying socket accepted only in part.",
	})
)

var (
	bytesIn  = plaintextBytes.WithLabelValues("in")
	bytesOut = plaintextBytes.WithLabelValues("out")
)

func roleLabel(server bool) string {
	if server {
		return "server"
	}
	return "client"
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

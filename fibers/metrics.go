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

package fibers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fibersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helio",
		Subsystem: "fibers",
		Name:      "created_total",
		Help:      "Total number of fibers created by scheduler",
	}, []string{"scheduler"})

	fibersReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helio",
		Subsystem: "fibers",
		Name:      "reclaimed_total",
		Help:      "Total number of fiber control blocks reclaimed by scheduler",
	}, []string{"scheduler"})

	fibersLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "helio",
		Subsystem: "fibers",
		Name:      "live",
		Help:      "Number of fibers that have not terminated",
	}, []string{"scheduler"})

	// Context switches from the carrier into a fiber.
	fibersSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helio",
		Subsystem: "fibers",
		Name:      "switches_total",
		Help:      "Total number of switches into fibers by scheduler",
	}, []string{"scheduler"})
)

// schedulerMetrics holds the collectors bound to one scheduler. The zero value records nothing.
type schedulerMetrics struct {
	created   prometheus.Counter
	reclaimed prometheus.Counter
	live      prometheus.Gauge
	switches  prometheus.Counter
}

func newSchedulerMetrics(name string, enabled bool) schedulerMetrics {
	if !enabled {
		return schedulerMetrics{}
	}
	return schedulerMetrics{
		created:   fibersCreatedTotal.WithLabelValues(name),
		reclaimed: fibersReclaimedTotal.WithLabelValues(name),
		live:      fibersLive.WithLabelValues(name),
		switches:  fibersSwitchesTotal.WithLabelValues(name),
	}
}

func (m schedulerMetrics) onCreate() {
	if m.created != nil {
		m.created.Inc()
		m.live.Inc()
	}
}

func (m schedulerMetrics) onExit() {
	if m.live != nil {
		m.live.Dec()
	}
}

func (m schedulerMetrics) onReclaim() {
	if m.reclaimed != nil {
		m.reclaimed.Inc()
	}
}

func (m schedulerMetrics) onSwitch() {
	if m.switches != nil {
		m.switches.Inc()
	}
}

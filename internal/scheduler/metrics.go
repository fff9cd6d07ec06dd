// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors. Counters are always
// live; Register wires them plus gauge snapshots into a registry.
type Metrics struct {
	actionsAdded     prometheus.Counter
	actionsCompleted *prometheus.CounterVec
	matches          prometheus.Counter
	requeues         prometheus.Counter
	workersAdded     prometheus.Counter
	workerTimeouts   prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		actionsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbine",
			Subsystem: "scheduler",
			Name:      "actions_added_total",
			Help:      "Actions accepted into the queue.",
		}),
		actionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turbine",
			Subsystem: "scheduler",
			Name:      "actions_completed_total",
			Help:      "Actions reaching a terminal stage, by stage.",
		}, []string{"stage"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbine",
			Subsystem: "scheduler",
			Name:      "matches_total",
			Help:      "Successful action to worker pairings.",
		}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbine",
			Subsystem: "scheduler",
			Name:      "requeues_total",
			Help:      "Actions returned to the queue after losing a worker.",
		}),
		workersAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbine",
			Subsystem: "scheduler",
			Name:      "workers_added_total",
			Help:      "Worker registrations.",
		}),
		workerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbine",
			Subsystem: "scheduler",
			Name:      "worker_timeouts_total",
			Help:      "Workers removed for missing keepalives.",
		}),
	}
}

// RegisterMetrics registers the scheduler's counters and point-in-time
// gauges with the given registry.
func (s *SimpleScheduler) RegisterMetrics(reg prometheus.Registerer) error {
	gauge := func(name, help string, read func(Stats) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "turbine",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(s.Snapshot())) })
	}
	collectors := []prometheus.Collector{
		s.metrics.actionsAdded,
		s.metrics.actionsCompleted,
		s.metrics.matches,
		s.metrics.requeues,
		s.metrics.workersAdded,
		s.metrics.workerTimeouts,
		gauge("queued_actions", "Actions waiting for a worker.", func(st Stats) int { return st.QueuedActions }),
		gauge("active_actions", "Actions queued or executing.", func(st Stats) int { return st.ActiveActions }),
		gauge("workers", "Registered workers.", func(st Stats) int { return st.Workers }),
		gauge("completed_retained", "Entries in the recently completed cache.", func(st Stats) int { return st.CompletedRetained }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

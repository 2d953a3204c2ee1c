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

// Package metrics defines the Prometheus collectors the scheduler and
// orchestrator daemons register against, exposed over cmd/*'s /metrics
// endpoint via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector registered by this package.
const Namespace = "runbookd"

var (
	// TicksTotal counts completed scheduler ticks per runbook.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "scheduler_ticks_total",
		Help:      "Completed scheduler ticks, by runbook and outcome.",
	}, []string{"runbook", "outcome"})

	// BatchesDetectedTotal counts new batches created by a tick.
	BatchesDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "batches_detected_total",
		Help:      "Batches created, by runbook.",
	}, []string{"runbook"})

	// JobsDispatchedTotal counts jobs published to a worker pool.
	JobsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "jobs_dispatched_total",
		Help:      "Jobs dispatched to a worker pool, by worker_id.",
	}, []string{"worker_id"})

	// JobResultsTotal counts results processed, by worker pool and status.
	JobResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "job_results_total",
		Help:      "Job results processed, by worker_id and status.",
	}, []string{"worker_id", "status"})

	// InFlightJobs gauges the number of jobs currently holding a dispatcher
	// slot, by worker pool.
	InFlightJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "jobs_in_flight",
		Help:      "Jobs currently dispatched and awaiting a result, by worker_id.",
	}, []string{"worker_id"})

	// BatchesCompletedTotal counts batches reaching a terminal status.
	BatchesCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "batches_completed_total",
		Help:      "Batches reaching a terminal status, by runbook and status.",
	}, []string{"runbook", "status"})
)

// Copyright 2025 AxonFlow
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

package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codingflow_engine_steps_total",
			Help: "Total number of stage-agent executions, by stage and outcome",
		},
		[]string{"stage", "status"},
	)
	promStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codingflow_engine_step_duration_milliseconds",
			Help:    "Stage-agent execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)
	promStepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codingflow_engine_step_retries_total",
			Help: "Total number of stage-agent retry attempts",
		},
		[]string{"stage"},
	)
	promRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codingflow_engine_runs_total",
			Help: "Total number of orchestrator runs, by outcome",
		},
		[]string{"status"},
	)
	promActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codingflow_engine_active_workers",
			Help: "Number of workers currently executing a stage agent",
		},
	)
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(promStepsTotal)
		prometheus.MustRegister(promStepDuration)
		prometheus.MustRegister(promStepRetries)
		prometheus.MustRegister(promRunsTotal)
		prometheus.MustRegister(promActiveWorkers)
	})
}

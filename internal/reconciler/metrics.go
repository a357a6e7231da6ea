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

package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "car_reconciler_scan_duration_seconds",
		Help:    "Duration of one reconciler scan cycle across all repos",
		Buckets: prometheus.DefBuckets,
	})

	repoScanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "car_reconciler_repo_scan_errors_total",
			Help: "Total repo scan failures, by repo",
		},
		[]string{"repo"},
	)

	runsHealed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "car_reconciler_runs_healed_total",
			Help: "Total runs transitioned to stopped after an orphaned-worker check, by repo",
		},
		[]string{"repo"},
	)

	runningRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "car_reconciler_running_runs",
			Help: "Running runs observed on the most recent scan, by repo",
		},
		[]string{"repo"},
	)
)

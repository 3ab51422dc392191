// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"github.com/cockroachdb/wal-sink/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchApplyDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_batch_apply_duration_seconds",
		Help:    "the length of time it took to apply and commit one batch",
		Buckets: metrics.LatencyBuckets,
	}, metrics.ConsumerLabels)
	batchCommitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_batch_commit_errors_total",
		Help: "the number of batches that failed to commit and were rolled back",
	}, metrics.ConsumerLabels)
	entriesAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_entries_applied_total",
		Help: "the number of log entries successfully applied to the target database",
	}, metrics.ConsumerLabels)

	corruptionSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_corruption_skips_total",
		Help: "the number of times the progressive skip protocol was invoked",
	}, metrics.ConsumerLabels)
	corruptionGapWidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consumer_corruption_gap_width",
		Help: "the number of log indices skipped by the most recent corruption recovery",
	}, metrics.ConsumerLabels)

	rowsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_rows_applied_total",
		Help: "the number of entries successfully applied to the target database, by table",
	}, metrics.TableLabels)
)

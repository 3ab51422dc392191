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

// Package metrics holds shared Prometheus bucket definitions and label
// names so that every component's metrics.go uses the same shapes.
package metrics

// LatencyBuckets covers the range of interest for a single record
// append, SQL synthesis, or batch commit: from sub-millisecond to
// several seconds.
var LatencyBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// ConsumerLabels is the label set attached to per-consumer metrics.
var ConsumerLabels = []string{"consumer_id"}

// TableLabels is the label set attached to per-table metrics.
var TableLabels = []string{"db", "table"}

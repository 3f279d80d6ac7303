// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "BlobCatalog"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	LogAppendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "commitlog",
		Name:      "append_seconds",
		Help:      "commit log append latency by entry type",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"type"})

	LogAppendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commitlog",
		Name:      "append_errors_total",
		Help:      "failed commit log appends by entry type",
	}, []string{"type"})

	LogCompactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commitlog",
		Name:      "compactions_total",
		Help:      "commit log compactions by result",
	}, []string{"result"})

	TxOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tx",
		Name:      "outcomes_total",
		Help:      "finished blob transactions by outcome",
	}, []string{"outcome"})

	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "read cache lookups by cache kind and result",
	}, []string{"kind", "result"})

	ForwardedCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "forward",
		Name:      "commits_total",
		Help:      "commits forwarded to replicas by result",
	}, []string{"result"})

	VolumeStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "volume",
		Name:      "count",
		Help:      "volumes by lifecycle state",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		LogAppendLatency,
		LogAppendErrors,
		LogCompactions,
		TxOutcomes,
		CacheRequests,
		ForwardedCommits,
		VolumeStates,
		collectors.NewGoCollector(),
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}

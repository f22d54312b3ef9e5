// Copyright 2019 dfuse Platform Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ActiveQueryCount tracks queries currently admitted and not terminated.
	ActiveQueryCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nes_active_query_count",
		Help: "Number of queries currently running",
	})

	// TasksExecuted counts dispatched tasks by kind and outcome.
	TasksExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nes_tasks_executed_total",
		Help: "Number of tasks dispatched by the worker pool",
	}, []string{"kind", "outcome"})

	// BuffersEmitted counts tuple buffers handed from one pipeline stage to
	// its successors.
	BuffersEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nes_buffers_emitted_total",
		Help: "Number of tuple buffers emitted between pipeline stages",
	})

	// MalformedTuples counts records the input formatter skipped under the
	// skip policy.
	MalformedTuples = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nes_malformed_tuples_total",
		Help: "Number of malformed input tuples skipped by the formatter",
	})
)

// EngineMetricSet is everything the query engine itself reports.
var EngineMetricSet = []prometheus.Collector{
	ActiveQueryCount,
	TasksExecuted,
	BuffersEmitted,
	MalformedTuples,
}

var registry = prometheus.NewRegistry()

// Register adds the given collectors to the process registry, once.
func Register(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			if _, alreadyRegistered := err.(prometheus.AlreadyRegisteredError); !alreadyRegistered {
				zlog.Warn("could not register metric", zap.Error(err))
			}
		}
	}
}

// ServeMetrics exposes the registry over HTTP. It blocks, callers usually
// run it in a goroutine.
func ServeMetrics(listenAddr string) {
	zlog.Info("serving prometheus metrics", zap.String("listen_addr", listenAddr))
	err := http.ListenAndServe(listenAddr, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err != nil {
		zlog.Warn("metrics server terminated", zap.Error(err))
	}
}

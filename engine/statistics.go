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

package engine

import (
	"time"

	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/metrics"
)

// loggingStatisticsListener traces every task event per worker thread and
// feeds the engine metric set.
type loggingStatisticsListener struct{}

// NewLoggingStatisticsListener returns the default statistics listener.
func NewLoggingStatisticsListener() StatisticsListener {
	return loggingStatisticsListener{}
}

func (loggingStatisticsListener) OnTaskStart(worker nes.WorkerThreadId, id nes.QueryId, kind string) {
	zlog.Debug("task start",
		zap.Int("worker", int(worker)),
		zap.Uint64("query_id", uint64(id)),
		zap.String("kind", kind))
}

func (loggingStatisticsListener) OnTaskComplete(worker nes.WorkerThreadId, id nes.QueryId, kind string, took time.Duration) {
	metrics.TasksExecuted.WithLabelValues(kind, "complete").Inc()
	zlog.Debug("task complete",
		zap.Int("worker", int(worker)),
		zap.Uint64("query_id", uint64(id)),
		zap.String("kind", kind),
		zap.Duration("took", took))
}

func (loggingStatisticsListener) OnTaskFailure(worker nes.WorkerThreadId, id nes.QueryId, kind string, err error) {
	metrics.TasksExecuted.WithLabelValues(kind, "failure").Inc()
	zlog.Debug("task failure",
		zap.Int("worker", int(worker)),
		zap.Uint64("query_id", uint64(id)),
		zap.String("kind", kind),
		zap.Error(err))
}

// nopStatisticsListener drops every event.
type nopStatisticsListener struct{}

func (nopStatisticsListener) OnTaskStart(nes.WorkerThreadId, nes.QueryId, string) {}
func (nopStatisticsListener) OnTaskComplete(nes.WorkerThreadId, nes.QueryId, string, time.Duration) {
}
func (nopStatisticsListener) OnTaskFailure(nes.WorkerThreadId, nes.QueryId, string, error) {}

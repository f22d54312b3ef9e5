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
	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/metrics"
)

// LoggingQueryStatusListener logs every lifecycle notification and keeps
// the active-query gauge.
type LoggingQueryStatusListener struct{}

func NewLoggingQueryStatusListener() *LoggingQueryStatusListener {
	return &LoggingQueryStatusListener{}
}

func (l *LoggingQueryStatusListener) LogQueryStatusChange(id nes.QueryId, status QueryStatus) {
	switch status {
	case QueryStatusStarting:
		metrics.ActiveQueryCount.Inc()
	case QueryStatusStopped:
		metrics.ActiveQueryCount.Dec()
	}
	zlog.Info("query status change",
		zap.Uint64("query_id", uint64(id)),
		zap.Stringer("status", status))
}

func (l *LoggingQueryStatusListener) LogQueryFailure(id nes.QueryId, err error) {
	metrics.ActiveQueryCount.Dec()
	zlog.Error("query failure",
		zap.Uint64("query_id", uint64(id)),
		zap.Error(err))
}

func (l *LoggingQueryStatusListener) LogSourceTermination(id nes.QueryId, origin nes.OriginId, termination QueryTerminationType) {
	zlog.Info("source termination",
		zap.Uint64("query_id", uint64(id)),
		zap.Uint64("origin_id", uint64(origin)),
		zap.Stringer("termination", termination))
}

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
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/memory"
)

const (
	sourceInitial int32 = iota
	sourceRunning
	sourceStopped
	sourceFailed
)

// RunningSource is the live representation of one source: it owns the source
// implementation and strong references to the source's immediate successor
// nodes. Stopping is idempotent and graceful; failing is terminal and
// propagates to the query lifetime listener.
type RunningSource struct {
	queryId nes.QueryId
	origin  nes.OriginId
	impl    Source

	successors []*RunningQueryPlanNode
	state      *atomic.Int32
	finishOnce sync.Once

	plan    *RunningQueryPlan
	emitter WorkEmitter
}

func newRunningSource(plan *RunningQueryPlan, desc *SourceDescriptor, successors []*RunningQueryPlanNode) *RunningSource {
	return &RunningSource{
		queryId:    plan.queryId,
		origin:     desc.Origin,
		impl:       desc.Source,
		successors: successors,
		state:      atomic.NewInt32(sourceInitial),
		plan:       plan,
		emitter:    plan.emitter,
	}
}

// OriginId returns the logical identity of this source.
func (s *RunningSource) OriginId() nes.OriginId { return s.origin }

// start transitions Initial -> Running and begins production. Buffers the
// source emits are scheduled as one execute task per successor; failures of
// those tasks propagate to the query lifetime listener.
func (s *RunningSource) start() error {
	if !s.state.CAS(sourceInitial, sourceRunning) {
		return nil
	}

	zlog.Debug("starting source",
		zap.Uint64("query_id", uint64(s.queryId)),
		zap.Uint64("origin_id", uint64(s.origin)))

	emit := func(buf memory.TupleBuffer) {
		for _, succ := range s.successors {
			s.emitter.EmitWork(s.queryId, succ, buf, nil, s.plan.failQuery)
		}
		buf.Release()
	}
	onStop := func() {
		s.emitter.InitializeSourceStop(s.queryId, s.origin, s)
	}
	onFailure := func(err error) {
		s.emitter.InitializeSourceFailure(s.queryId, s.origin, s, err)
	}

	if err := s.impl.Start(emit, onStop, onFailure); err != nil {
		return err
	}
	return nil
}

// stop instructs the source to cease producing and awaits its completion.
// It reports whether this call performed the transition, so termination is
// logged at most once.
func (s *RunningSource) stop() bool {
	if !s.state.CAS(sourceRunning, sourceStopped) && !s.state.CAS(sourceInitial, sourceStopped) {
		return false
	}

	if err := s.impl.Stop(); err != nil {
		zlog.Warn("source stop returned an error",
			zap.Uint64("query_id", uint64(s.queryId)),
			zap.Uint64("origin_id", uint64(s.origin)),
			zap.Error(err))
	}
	s.finish()
	return true
}

// fail is terminal: the source is closed and the failure propagates to the
// query lifetime listener.
func (s *RunningSource) fail(err error) bool {
	previous := s.state.Swap(sourceFailed)
	if previous == sourceFailed || previous == sourceStopped {
		return false
	}

	if stopErr := s.impl.Stop(); stopErr != nil {
		zlog.Debug("stopping failed source", zap.Error(stopErr))
	}
	s.finish()
	s.plan.failQuery(err)
	return true
}

func (s *RunningSource) finish() {
	s.finishOnce.Do(func() {
		successors := s.successors
		s.successors = nil
		for _, succ := range successors {
			succ.release()
		}
		s.plan.sourceTerminated(s)
	})
}

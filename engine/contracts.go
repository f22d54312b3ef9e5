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
	"fmt"
	"time"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/memory"
)

// ErrEmitDuringSetup is returned when a pipeline stage emits a buffer from
// Setup. All pipeline initializations happen concurrently, so there is no
// guarantee the successor pipeline has been initialized yet.
var ErrEmitDuringSetup = fmt.Errorf("pipeline stages cannot emit buffers during setup")

// ContinuationPolicy tells the engine how the emitting stage relates to the
// buffer it just handed over.
type ContinuationPolicy int

const (
	// ContinuationPossible is the default: the stage may keep producing.
	ContinuationPossible ContinuationPolicy = iota
	// ContinuationNever marks the stage's final output for this call.
	ContinuationNever
)

// PipelineExecutionContext is the ambient state a pipeline stage receives on
// each Setup/Execute/Stop call. Its lifetime is strictly scoped to that one
// call; stages must not retain it.
type PipelineExecutionContext interface {
	WorkerThreadId() nes.WorkerThreadId
	NumberOfWorkerThreads() int
	PipelineId() nes.PipelineId

	BufferManager() *memory.BufferManager
	AllocateTupleBuffer() (memory.TupleBuffer, error)

	// OperatorHandlers returns the operator-handler state objects owned by
	// the pipeline stage currently executing.
	OperatorHandlers() []OperatorHandler

	// EmitBuffer delivers the buffer to every successor of the current
	// pipeline. The buffer's metadata must be set before emitting.
	EmitBuffer(buf memory.TupleBuffer, policy ContinuationPolicy) error
}

// PipelineStage is an opaque compiled operator chain. Implementations may be
// generated code; the engine only relies on this contract:
//
//   - Setup is called once per pipeline before any Execute and must not emit.
//   - Execute is called many times and may emit via the context.
//   - Stop is called once after all Execute calls have returned and may emit
//     final buffers.
type PipelineStage interface {
	Setup(ctx PipelineExecutionContext) error
	Execute(buf memory.TupleBuffer, ctx PipelineExecutionContext) error
	Stop(ctx PipelineExecutionContext) error
}

// OperatorHandler is per-stage operator state with a lifecycle tied to the
// owning pipeline: started during pipeline setup, stopped during pipeline
// termination.
type OperatorHandler interface {
	Start(ctx PipelineExecutionContext) error
	Stop(ctx PipelineExecutionContext) error
}

// SourceEmitFn delivers one buffer produced by a source to the engine. The
// function takes ownership of the caller's reference.
type SourceEmitFn func(buf memory.TupleBuffer)

// Source is one ingestion endpoint, owned by a RunningSource. The
// implementation runs its own production loop (thread, event loop, ...); the
// worker pool never blocks on source I/O.
//
// The source is obliged to call emit with ascending (SequenceNumber,
// ChunkNumber) pairs for its origin, to terminate chunks correctly, and to
// call onStop or onFailure exactly once when production ceases.
type Source interface {
	Start(emit SourceEmitFn, onStop func(), onFailure func(error)) error
	// Stop instructs the source to cease producing and awaits its
	// completion. It is idempotent and safe to call on a source that never
	// started.
	Stop() error
}

// QueryStatus is the externally visible lifecycle state of a query.
type QueryStatus int

const (
	QueryStatusStarting QueryStatus = iota
	QueryStatusRunning
	QueryStatusStopped
)

func (s QueryStatus) String() string {
	switch s {
	case QueryStatusStarting:
		return "starting"
	case QueryStatusRunning:
		return "running"
	case QueryStatusStopped:
		return "stopped"
	}
	return "unknown"
}

// QueryTerminationType distinguishes graceful source termination from
// failure.
type QueryTerminationType int

const (
	TerminationGraceful QueryTerminationType = iota
	TerminationFailure
)

func (t QueryTerminationType) String() string {
	if t == TerminationGraceful {
		return "graceful"
	}
	return "failure"
}

// QueryStatusListener receives out-bound lifecycle and failure
// notifications. Each event is delivered at most once per query.
type QueryStatusListener interface {
	LogQueryStatusChange(id nes.QueryId, status QueryStatus)
	LogQueryFailure(id nes.QueryId, err error)
	LogSourceTermination(id nes.QueryId, origin nes.OriginId, termination QueryTerminationType)
}

// StatisticsListener observes per-thread task events.
type StatisticsListener interface {
	OnTaskStart(worker nes.WorkerThreadId, id nes.QueryId, kind string)
	OnTaskComplete(worker nes.WorkerThreadId, id nes.QueryId, kind string, took time.Duration)
	OnTaskFailure(worker nes.WorkerThreadId, id nes.QueryId, kind string, err error)
}

// WorkEmitter is the API pipelines and sources use to enqueue follow-up work
// into the task queue.
type WorkEmitter interface {
	// EmitWork schedules one Execute of node with buf. The emitter takes its
	// own references on the node and the buffer; the node reference keeps the
	// node alive until the task has drained.
	EmitWork(id nes.QueryId, node *RunningQueryPlanNode, buf memory.TupleBuffer, complete func(), fail func(error))
	// EmitSetup schedules the one-time Setup of node. The task holds a weak
	// reference: if the node expires before the task runs, it is a no-op.
	EmitSetup(id nes.QueryId, node *RunningQueryPlanNode, complete func(), fail func(error))
	// EmitStop schedules the one-time Stop of node. The task owns the node,
	// which guarantees the node outlives its own termination.
	EmitStop(id nes.QueryId, node *RunningQueryPlanNode, complete func(), fail func(error))

	InitializeSourceStop(id nes.QueryId, origin nes.OriginId, source *RunningSource)
	InitializeSourceFailure(id nes.QueryId, origin nes.OriginId, source *RunningSource, err error)
}

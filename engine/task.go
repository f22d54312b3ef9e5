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
	"github.com/nebulastream/nebulastream-go/memory"
)

// operation is the closed set of tasks dispatched by the worker pool. The
// boolean returned by execute indicates whether the completion continuation
// should run.
type operation interface {
	kind() string
	query() nes.QueryId
	execute(w *worker) (bool, error)
	complete()
	fail(err error)
	// discard releases resources of an operation that will never execute
	// (dropped during engine shutdown).
	discard(err error)
}

type taskBase struct {
	queryId    nes.QueryId
	onComplete func()
	onFailure  func(error)
}

func (t *taskBase) query() nes.QueryId { return t.queryId }

func (t *taskBase) complete() {
	if t.onComplete != nil {
		t.onComplete()
	}
}

func (t *taskBase) fail(err error) {
	if t.onFailure != nil {
		t.onFailure(err)
	}
}

func (t *taskBase) discard(err error) { t.fail(err) }

// executeTask runs one buffer through one pipeline stage. The task pins the
// node with a strong reference taken at emit time, which guarantees the stop
// task for the node is enqueued strictly after this task has drained.
type executeTask struct {
	taskBase
	node *RunningQueryPlanNode
	buf  memory.TupleBuffer
}

func (t *executeTask) kind() string { return "execute" }

func (t *executeTask) execute(w *worker) (bool, error) {
	defer t.buf.Release()
	defer t.node.release()

	if w.draining {
		zlog.Debug("skipped execute task during termination", zap.Uint64("query_id", uint64(t.queryId)))
		return false, nil
	}
	if t.node.discarded() {
		return false, nil
	}

	t.node.execMu.Lock()
	defer t.node.execMu.Unlock()

	pec := newTaskPEC(w, t.node)
	if err := t.node.stage.Execute(t.buf, pec); err != nil {
		return false, err
	}
	return true, nil
}

func (t *executeTask) discard(err error) {
	t.buf.Release()
	t.node.release()
	t.fail(err)
}

// setupPipelineTask performs the one-time initialization of a pipeline
// stage. It holds a weak reference: setting up a node that already expired
// is a no-op.
type setupPipelineTask struct {
	taskBase
	node *RunningQueryPlanNode
}

func (t *setupPipelineTask) kind() string { return "setup" }

func (t *setupPipelineTask) execute(w *worker) (bool, error) {
	if w.draining {
		zlog.Debug("pipeline setup skipped during termination", zap.Uint64("query_id", uint64(t.queryId)))
		return false, nil
	}
	if !t.node.tryRetain() {
		zlog.Debug("setup pipeline is expired", zap.Uint64("query_id", uint64(t.queryId)))
		return false, nil
	}
	defer t.node.release()

	if t.node.discarded() {
		return false, nil
	}

	pec := newSetupPEC(w, t.node)
	for _, handler := range t.node.handlers {
		if err := handler.Start(pec); err != nil {
			return false, err
		}
	}
	if err := t.node.stage.Setup(pec); err != nil {
		return false, err
	}
	return true, nil
}

// stopPipelineTask terminates a pipeline stage. It owns the node, which
// guarantees the node outlives its own termination; the successor references
// are dropped only after Stop has returned, so buffers emitted during Stop
// still reach downstream nodes.
type stopPipelineTask struct {
	taskBase
	node *RunningQueryPlanNode
}

func (t *stopPipelineTask) kind() string { return "stop_pipeline" }

func (t *stopPipelineTask) execute(w *worker) (bool, error) {
	defer t.node.releaseSuccessors()

	if !t.node.setupDone.Load() {
		// the stage never initialized, there is nothing to tear down
		return true, nil
	}

	zlog.Debug("stopping pipeline",
		zap.Uint64("query_id", uint64(t.queryId)),
		zap.Uint64("pipeline_id", uint64(t.node.id)))

	pec := newTerminationPEC(w, t.node)
	if err := t.node.stage.Stop(pec); err != nil {
		return false, err
	}
	for _, handler := range t.node.handlers {
		if err := handler.Stop(pec); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *stopPipelineTask) discard(err error) {
	t.node.releaseSuccessors()
	t.fail(err)
}

// stopSourceTask gracefully stops one source. It runs even while the engine
// drains so the source's resources are released.
type stopSourceTask struct {
	taskBase
	source *RunningSource
}

func (t *stopSourceTask) kind() string { return "stop_source" }

func (t *stopSourceTask) execute(w *worker) (bool, error) {
	return t.source.stop(), nil
}

// failSourceTask terminally fails one source and propagates the error to the
// query lifetime.
type failSourceTask struct {
	taskBase
	source *RunningSource
	err    error
}

func (t *failSourceTask) kind() string { return "fail_source" }

func (t *failSourceTask) execute(w *worker) (bool, error) {
	return t.source.fail(t.err), nil
}

// startQueryTask admits a new query into the catalog.
type startQueryTask struct {
	taskBase
	plan    *InstantiatedQueryPlan
	catalog *QueryCatalog
}

func (t *startQueryTask) kind() string { return "start_query" }

func (t *startQueryTask) execute(w *worker) (bool, error) {
	if w.draining {
		zlog.Debug("skipped query start during termination", zap.Uint64("query_id", uint64(t.queryId)))
		return false, nil
	}
	t.catalog.start(t.queryId, t.plan)
	return true, nil
}

// terminateQueryTask initiates the stop of a query.
type terminateQueryTask struct {
	taskBase
	catalog *QueryCatalog
}

func (t *terminateQueryTask) kind() string { return "terminate_query" }

func (t *terminateQueryTask) execute(w *worker) (bool, error) {
	t.catalog.stopQuery(t.queryId)
	return true, nil
}

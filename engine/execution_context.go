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
	"github.com/nebulastream/nebulastream-go/metrics"
)

// basePEC carries the ambient state common to all execution-context
// flavors. Only EmitBuffer differs between the setup, execute and
// termination phases.
type basePEC struct {
	workerId nes.WorkerThreadId
	node     *RunningQueryPlanNode
	pool     *threadPool
}

func (c *basePEC) WorkerThreadId() nes.WorkerThreadId { return c.workerId }
func (c *basePEC) NumberOfWorkerThreads() int         { return c.pool.workers }
func (c *basePEC) PipelineId() nes.PipelineId         { return c.node.id }

func (c *basePEC) BufferManager() *memory.BufferManager { return c.pool.bufferProvider }

func (c *basePEC) AllocateTupleBuffer() (memory.TupleBuffer, error) {
	return c.pool.bufferProvider.GetBufferBlocking()
}

func (c *basePEC) OperatorHandlers() []OperatorHandler { return c.node.handlers }

// taskPEC is the execution context of a regular execute task: emitted
// buffers are scheduled as one execute task per successor.
type taskPEC struct {
	basePEC
}

func newTaskPEC(w *worker, node *RunningQueryPlanNode) *taskPEC {
	return &taskPEC{basePEC{workerId: w.id, node: node, pool: w.pool}}
}

func (c *taskPEC) EmitBuffer(buf memory.TupleBuffer, _ ContinuationPolicy) error {
	metrics.BuffersEmitted.Inc()
	plan := c.node.plan
	for _, succ := range c.node.successors {
		c.pool.EmitWork(c.node.queryId, succ, buf, nil, plan.failQuery)
	}
	return nil
}

// setupPEC refuses emits: pipeline initializations happen concurrently, so
// there is no guarantee a successor has been initialized.
type setupPEC struct {
	basePEC
}

func newSetupPEC(w *worker, node *RunningQueryPlanNode) *setupPEC {
	return &setupPEC{basePEC{workerId: w.id, node: node, pool: w.pool}}
}

func (c *setupPEC) EmitBuffer(memory.TupleBuffer, ContinuationPolicy) error {
	return ErrEmitDuringSetup
}

// terminationPEC is the execution context of a stop task. Emitting is
// allowed: late output produced by Stop still reaches downstream nodes
// because the node's successor references are only dropped after Stop
// returns and the emitted task itself pins the successor. During engine
// shutdown the output is dropped instead.
type terminationPEC struct {
	basePEC
	draining bool
}

func newTerminationPEC(w *worker, node *RunningQueryPlanNode) *terminationPEC {
	return &terminationPEC{
		basePEC:  basePEC{workerId: w.id, node: node, pool: w.pool},
		draining: w.draining,
	}
}

func (c *terminationPEC) EmitBuffer(buf memory.TupleBuffer, _ ContinuationPolicy) error {
	if c.draining {
		zlog.Warn("dropping tuple buffer during query engine termination",
			zap.Uint64("query_id", uint64(c.node.queryId)))
		return nil
	}

	metrics.BuffersEmitted.Inc()
	plan := c.node.plan
	for _, succ := range c.node.successors {
		c.pool.EmitWork(c.node.queryId, succ, buf, nil, plan.failQuery)
	}
	return nil
}

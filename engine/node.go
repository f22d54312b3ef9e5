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
)

// RunningQueryPlanNode is one live pipeline stage inside a running query.
//
// Liveness follows a weak/strong reference scheme: predecessors (sources and
// upstream nodes) and execute tasks hold strong references, the latter taken
// when the task is emitted; setup tasks resolve a weak reference at execution
// time. When the strong count reaches
// zero the node enters termination: a stop task is emitted that owns the node
// outright, runs the stage's Stop exactly once, and only then drops the
// successor references.
type RunningQueryPlanNode struct {
	queryId  nes.QueryId
	id       nes.PipelineId
	stage    PipelineStage
	handlers []OperatorHandler

	// strong references to downstream nodes, released after Stop completes
	successors []*RunningQueryPlanNode

	refs      atomic.Int32
	setupDone atomic.Bool

	// at most one Execute per node at a time
	execMu sync.Mutex

	plan *RunningQueryPlan
}

// tryRetain attempts to take a strong reference, the weak-reference lock:
// it fails once the count has reached zero.
func (n *RunningQueryPlanNode) tryRetain() bool {
	for {
		current := n.refs.Load()
		if current <= 0 {
			return false
		}
		if n.refs.CAS(current, current+1) {
			return true
		}
	}
}

func (n *RunningQueryPlanNode) retain() *RunningQueryPlanNode {
	n.refs.Inc()
	return n
}

// release drops one strong reference. The last release hands the node to the
// termination path.
func (n *RunningQueryPlanNode) release() {
	if n.refs.Dec() == 0 {
		zlog.Debug("query plan node expired, scheduling stop",
			zap.Uint64("query_id", uint64(n.queryId)),
			zap.Uint64("pipeline_id", uint64(n.id)))
		n.plan.nodeExpired(n)
	}
}

func (n *RunningQueryPlanNode) releaseSuccessors() {
	successors := n.successors
	n.successors = nil
	for _, succ := range successors {
		succ.release()
	}
}

func (n *RunningQueryPlanNode) discarded() bool {
	return n.plan.discarded.Load()
}

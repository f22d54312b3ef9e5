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
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
)

// queryLifetimeListener converts graph events into query state transitions.
//
//   - onRunning fires when every node's setup has completed.
//   - onFailure fires on the first failure anywhere in the graph.
//   - onDestruction fires when the entire graph (nodes and sources) has been
//     dropped.
type queryLifetimeListener interface {
	onRunning()
	onFailure(err error)
	onDestruction()
}

// RunningQueryPlan owns all sources of a live query and, transitively
// through the sources' strong references, all pipeline nodes. Dropping the
// sources cascades: nodes expire as their reference counts reach zero, each
// expiry schedules a stop task, and once the whole graph is gone the
// lifetime listener observes destruction.
type RunningQueryPlan struct {
	queryId  nes.QueryId
	emitter  WorkEmitter
	listener queryLifetimeListener

	sources []*RunningSource
	nodes   []*RunningQueryPlanNode

	liveNodes   *atomic.Int32
	liveSources *atomic.Int32

	// set when the query is failed or disposed: queued execute and setup
	// tasks for this plan become no-ops
	discarded *atomic.Bool

	// set when a stop was initiated before startup completed, so sources are
	// never started
	stopInitiated *atomic.Bool

	stopSourcesOnce sync.Once
	destructionOnce sync.Once
	failureOnce     sync.Once
}

// StoppingQueryPlan owns the part of a query graph still draining after the
// sources have been removed.
type StoppingQueryPlan struct {
	plan *RunningQueryPlan
}

// startRunningQueryPlan validates and instantiates the plan, schedules one
// setup task per node and returns the live plan. Sources are started once
// all setups have completed.
func startRunningQueryPlan(
	queryId nes.QueryId,
	plan *InstantiatedQueryPlan,
	emitter WorkEmitter,
	listener queryLifetimeListener,
) (*RunningQueryPlan, error) {
	if err := plan.validate(); err != nil {
		return nil, fmt.Errorf("invalid query plan: %w", err)
	}

	rqp := &RunningQueryPlan{
		queryId:       queryId,
		emitter:       emitter,
		listener:      listener,
		liveNodes:     atomic.NewInt32(0),
		liveSources:   atomic.NewInt32(0),
		discarded:     atomic.NewBool(false),
		stopInitiated: atomic.NewBool(false),
	}

	// Build one node per pipeline. Every node starts with a construction
	// reference that is dropped once the sources hold theirs.
	nodes := make(map[*PipelineDescriptor]*RunningQueryPlanNode, len(plan.Pipelines))
	for _, pd := range plan.Pipelines {
		node := &RunningQueryPlanNode{
			queryId:  queryId,
			id:       pd.Id,
			stage:    pd.Stage,
			handlers: pd.Handlers,
			plan:     rqp,
		}
		node.refs.Store(1)
		nodes[pd] = node
		rqp.nodes = append(rqp.nodes, node)
	}
	for _, pd := range plan.Pipelines {
		node := nodes[pd]
		for _, succ := range pd.Successors {
			node.successors = append(node.successors, nodes[succ].retain())
		}
	}

	for _, sd := range plan.Sources {
		successors := make([]*RunningQueryPlanNode, 0, len(sd.Successors))
		for _, succ := range sd.Successors {
			successors = append(successors, nodes[succ].retain())
		}
		rqp.sources = append(rqp.sources, newRunningSource(rqp, sd, successors))
	}

	rqp.liveNodes.Store(int32(len(rqp.nodes)))
	rqp.liveSources.Store(int32(len(rqp.sources)))

	// Schedule all pipeline setups. Once the last one completes, the query
	// transitions to running and the sources begin producing. Setup tasks
	// that are skipped (node expired, engine draining) never release their
	// callback reference, so an abandoned startup never reports running.
	setupsDone := newCallback(rqp.onAllSetupsDone)
	for _, node := range rqp.nodes {
		node := node
		ref := setupsDone.clone()
		emitter.EmitSetup(queryId, node,
			func() {
				node.setupDone.Store(true)
				ref.release()
			},
			func(err error) {
				rqp.failQuery(err)
			},
		)
	}

	// Drop the construction references: from here on liveness is carried by
	// the source and predecessor references alone.
	for _, node := range rqp.nodes {
		node.release()
	}
	setupsDone.release()

	zlog.Debug("started running query plan",
		zap.Uint64("query_id", uint64(queryId)),
		zap.Int("pipelines", len(rqp.nodes)),
		zap.Int("sources", len(rqp.sources)))
	return rqp, nil
}

func (p *RunningQueryPlan) onAllSetupsDone() {
	if p.discarded.Load() || p.stopInitiated.Load() {
		zlog.Debug("skipping source start, query no longer starting", zap.Uint64("query_id", uint64(p.queryId)))
		return
	}

	for _, source := range p.sources {
		if err := source.start(); err != nil {
			p.failQuery(fmt.Errorf("starting source %d: %w", source.origin, err))
			return
		}
	}
	p.listener.onRunning()
}

// stop removes the sources from the graph and hands back the still-draining
// remainder. Safe to call in any startup phase.
func (p *RunningQueryPlan) stop() *StoppingQueryPlan {
	p.stopInitiated.Store(true)
	p.stopSourcesOnce.Do(func() {
		for _, source := range p.sources {
			p.emitter.InitializeSourceStop(p.queryId, source.origin, source)
		}
	})
	return &StoppingQueryPlan{plan: p}
}

// dispose tears the graph down after a failure: production stops and every
// queued execute or setup task for this plan becomes a no-op. Stop tasks
// still run so resources are released.
func (p *RunningQueryPlan) dispose() {
	p.discarded.Store(true)
	p.stopSourcesOnce.Do(func() {
		for _, source := range p.sources {
			p.emitter.InitializeSourceStop(p.queryId, source.origin, source)
		}
	})
}

// dispose on a stopping plan degrades the remaining drain into a discard.
func (s *StoppingQueryPlan) dispose() {
	s.plan.discarded.Store(true)
}

func (p *RunningQueryPlan) failQuery(err error) {
	p.failureOnce.Do(func() {
		p.listener.onFailure(err)
	})
}

func (p *RunningQueryPlan) nodeExpired(node *RunningQueryPlanNode) {
	p.emitter.EmitStop(p.queryId, node,
		func() { p.nodeDestroyed(node) },
		func(err error) {
			p.nodeDestroyed(node)
			p.failQuery(err)
		},
	)
}

func (p *RunningQueryPlan) nodeDestroyed(node *RunningQueryPlanNode) {
	zlog.Debug("query plan node destroyed",
		zap.Uint64("query_id", uint64(p.queryId)),
		zap.Uint64("pipeline_id", uint64(node.id)))
	if p.liveNodes.Dec() == 0 && p.liveSources.Load() == 0 {
		p.fireDestruction()
	}
}

func (p *RunningQueryPlan) sourceTerminated(source *RunningSource) {
	zlog.Debug("source terminated",
		zap.Uint64("query_id", uint64(p.queryId)),
		zap.Uint64("origin_id", uint64(source.origin)))
	if p.liveSources.Dec() == 0 && p.liveNodes.Load() == 0 {
		p.fireDestruction()
	}
}

func (p *RunningQueryPlan) fireDestruction() {
	p.destructionOnce.Do(func() {
		p.listener.onDestruction()
	})
}

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
	"time"

	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/memory"
)

// ErrEngineShutdown marks work rejected because the engine is shutting down.
var ErrEngineShutdown = fmt.Errorf("query engine is shutting down")

// threadPool is the MPMC task queue plus its worker threads. It implements
// WorkEmitter. The queue has to outlive every query: workers drain remaining
// stop tasks after shutdown so resources are released, while execute and
// setup tasks are refused.
type threadPool struct {
	listener QueryStatusListener
	stats    StatisticsListener

	bufferProvider *memory.BufferManager
	queue          chan operation

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	workers  int
}

func newThreadPool(workers, queueSize int, listener QueryStatusListener, stats StatisticsListener, bm *memory.BufferManager) *threadPool {
	return &threadPool{
		listener:       listener,
		stats:          stats,
		bufferProvider: bm,
		queue:          make(chan operation, queueSize),
		stopCh:         make(chan struct{}),
		workers:        workers,
	}
}

func (p *threadPool) launch() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// shutdown switches the workers into draining mode and waits for them to
// finish the queue.
func (p *threadPool) shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

// write enqueues one operation, blocking when the queue is full. During
// shutdown the write degrades to best effort: a full queue discards the
// operation so its resources are released.
func (p *threadPool) write(op operation) {
	select {
	case p.queue <- op:
	case <-p.stopCh:
		select {
		case p.queue <- op:
		default:
			zlog.Debug("dropping task during engine shutdown", zap.String("kind", op.kind()))
			op.discard(ErrEngineShutdown)
		}
	}
}

type worker struct {
	pool     *threadPool
	id       nes.WorkerThreadId
	draining bool
}

func (p *threadPool) runWorker(id int) {
	defer p.wg.Done()
	w := &worker{pool: p, id: nes.WorkerThreadId(id)}

	for {
		select {
		case op := <-p.queue:
			p.dispatch(w, op)
		case <-p.stopCh:
			zlog.Debug("worker draining task queue", zap.Int("worker", id))
			w.draining = true
			for {
				select {
				case op := <-p.queue:
					p.dispatch(w, op)
				default:
					return
				}
			}
		}
	}
}

func (p *threadPool) dispatch(w *worker, op operation) {
	p.stats.OnTaskStart(w.id, op.query(), op.kind())
	begin := time.Now()

	done, err := op.execute(w)
	if err != nil {
		p.stats.OnTaskFailure(w.id, op.query(), op.kind(), err)
		op.fail(err)
		return
	}
	if done {
		op.complete()
	}
	p.stats.OnTaskComplete(w.id, op.query(), op.kind(), time.Since(begin))
}

// EmitWork schedules one execute of node with buf. The task pins the node
// and the buffer; if the node already expired, the work is dropped.
func (p *threadPool) EmitWork(id nes.QueryId, node *RunningQueryPlanNode, buf memory.TupleBuffer, complete func(), fail func(error)) {
	if !node.tryRetain() {
		zlog.Debug("task pipeline is expired", zap.Uint64("query_id", uint64(id)))
		return
	}
	p.write(&executeTask{
		taskBase: taskBase{queryId: id, onComplete: complete, onFailure: fail},
		node:     node,
		buf:      buf.Retain(),
	})
}

func (p *threadPool) EmitSetup(id nes.QueryId, node *RunningQueryPlanNode, complete func(), fail func(error)) {
	p.write(&setupPipelineTask{
		taskBase: taskBase{queryId: id, onComplete: complete, onFailure: fail},
		node:     node,
	})
}

func (p *threadPool) EmitStop(id nes.QueryId, node *RunningQueryPlanNode, complete func(), fail func(error)) {
	p.write(&stopPipelineTask{
		taskBase: taskBase{queryId: id, onComplete: complete, onFailure: fail},
		node:     node,
	})
}

func (p *threadPool) InitializeSourceStop(id nes.QueryId, origin nes.OriginId, source *RunningSource) {
	listener := p.listener
	p.write(&stopSourceTask{
		taskBase: taskBase{queryId: id, onComplete: func() {
			listener.LogSourceTermination(id, origin, TerminationGraceful)
		}},
		source: source,
	})
}

func (p *threadPool) InitializeSourceFailure(id nes.QueryId, origin nes.OriginId, source *RunningSource, err error) {
	listener := p.listener
	p.write(&failSourceTask{
		taskBase: taskBase{queryId: id, onComplete: func() {
			listener.LogSourceTermination(id, origin, TerminationFailure)
		}},
		source: source,
		err:    err,
	})
}

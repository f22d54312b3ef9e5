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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/memory"
)

type sourceTermination struct {
	origin      nes.OriginId
	termination QueryTerminationType
}

// recordingListener captures every status notification for assertions.
type recordingListener struct {
	mu           sync.Mutex
	statuses     []QueryStatus
	failures     []error
	terminations []sourceTermination
}

func newRecordingListener() *recordingListener { return &recordingListener{} }

func (l *recordingListener) LogQueryStatusChange(_ nes.QueryId, status QueryStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) LogQueryFailure(_ nes.QueryId, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) LogSourceTermination(_ nes.QueryId, origin nes.OriginId, termination QueryTerminationType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminations = append(l.terminations, sourceTermination{origin: origin, termination: termination})
}

func (l *recordingListener) snapshotStatuses() []QueryStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]QueryStatus(nil), l.statuses...)
}

func (l *recordingListener) sawStatus(status QueryStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (l *recordingListener) failureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures)
}

func (l *recordingListener) terminationCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.terminations)
}

// funcStage builds a pipeline stage from optional closures.
type funcStage struct {
	SetupFn   func(ctx PipelineExecutionContext) error
	ExecuteFn func(buf memory.TupleBuffer, ctx PipelineExecutionContext) error
	StopFn    func(ctx PipelineExecutionContext) error
}

func (s *funcStage) Setup(ctx PipelineExecutionContext) error {
	if s.SetupFn != nil {
		return s.SetupFn(ctx)
	}
	return nil
}

func (s *funcStage) Execute(buf memory.TupleBuffer, ctx PipelineExecutionContext) error {
	if s.ExecuteFn != nil {
		return s.ExecuteFn(buf, ctx)
	}
	return nil
}

func (s *funcStage) Stop(ctx PipelineExecutionContext) error {
	if s.StopFn != nil {
		return s.StopFn(ctx)
	}
	return nil
}

// manualSource hands the engine-provided emit function to the test, which
// drives production directly.
type manualSource struct {
	mu      sync.Mutex
	emit    SourceEmitFn
	stopped *atomic.Bool
}

func newManualSource() *manualSource {
	return &manualSource{stopped: atomic.NewBool(false)}
}

func (s *manualSource) Start(emit SourceEmitFn, onStop func(), onFailure func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = emit
	return nil
}

func (s *manualSource) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *manualSource) push(buf memory.TupleBuffer) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(buf)
	}
}

func makeBuffer(t *testing.T, bm *memory.BufferManager, origin nes.OriginId, seq uint64) memory.TupleBuffer {
	t.Helper()
	buf, err := bm.GetBufferBlocking()
	require.NoError(t, err)
	buf.SetNumberOfTuples(1)
	buf.SetOriginId(origin)
	buf.SetSequenceNumber(nes.SequenceNumber(seq))
	buf.SetChunkNumber(nes.InitialChunkNumber)
	buf.SetLastChunk(true)
	return buf
}

func testEngine(t *testing.T, workers int, listener QueryStatusListener) *QueryEngine {
	t.Helper()
	eng := NewQueryEngine(Config{
		WorkerThreads:  workers,
		BufferSize:     256,
		BufferPoolSize: 64,
		Statistics:     nopStatisticsListener{},
	}, listener)
	t.Cleanup(func() {
		eng.Shutdown(nil)
	})
	return eng
}

func TestQueryLifecycleHappyPath(t *testing.T) {
	listener := newRecordingListener()
	eng := testEngine(t, 2, listener)

	var mu sync.Mutex
	seen := make(map[nes.SequenceData]bool)
	executed := atomic.NewInt32(0)
	stopCalls := atomic.NewInt32(0)

	sinkStage := &funcStage{
		ExecuteFn: func(buf memory.TupleBuffer, _ PipelineExecutionContext) error {
			mu.Lock()
			defer mu.Unlock()
			key := buf.SequenceData()
			require.False(t, seen[key], "buffer identity (seq, chunk) observed twice at the sink")
			seen[key] = true
			executed.Inc()
			return nil
		},
		StopFn: func(_ PipelineExecutionContext) error {
			stopCalls.Inc()
			return nil
		},
	}
	sink := &PipelineDescriptor{Id: 1, Stage: sinkStage}
	source := newManualSource()

	id := eng.RegisterQuery()
	eng.Start(id, &InstantiatedQueryPlan{
		Sources:   []*SourceDescriptor{{Origin: 1, Source: source, Successors: []*PipelineDescriptor{sink}}},
		Pipelines: []*PipelineDescriptor{sink},
	})

	require.Eventually(t, func() bool { return listener.sawStatus(QueryStatusRunning) }, time.Second, time.Millisecond)

	for seq := uint64(1); seq <= 10; seq++ {
		source.push(makeBuffer(t, eng.BufferManager(), 1, seq))
	}
	require.Eventually(t, func() bool { return executed.Load() == 10 }, time.Second, time.Millisecond)

	eng.Stop(id)
	require.Eventually(t, func() bool { return listener.sawStatus(QueryStatusStopped) }, time.Second, time.Millisecond)

	require.Equal(t, []QueryStatus{QueryStatusStarting, QueryStatusRunning, QueryStatusStopped}, listener.snapshotStatuses())
	require.Equal(t, 0, listener.failureCount())
	require.Equal(t, 1, listener.terminationCount())
	require.True(t, source.stopped.Load())
	require.Equal(t, int32(1), stopCalls.Load(), "stop runs exactly once")

	// the query is gone: buffers pushed now must not reach the sink
	source.push(makeBuffer(t, eng.BufferManager(), 1, 11))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(10), executed.Load(), "no new tasks execute after the query stopped")

	// the pool is fully drained once everything settled
	require.Eventually(t, func() bool {
		return eng.BufferManager().AvailableBuffers() == eng.BufferManager().PoolSize()
	}, time.Second, time.Millisecond)
}

func TestStopMayEmitKeepsSuccessorsAlive(t *testing.T) {
	listener := newRecordingListener()
	eng := testEngine(t, 2, listener)

	sinkSeen := atomic.NewInt32(0)
	lastSeq := atomic.NewUint64(0)
	sinkStage := &funcStage{
		ExecuteFn: func(buf memory.TupleBuffer, _ PipelineExecutionContext) error {
			sinkSeen.Inc()
			lastSeq.Store(uint64(buf.SequenceNumber()))
			return nil
		},
	}
	sink := &PipelineDescriptor{Id: 2, Stage: sinkStage}

	passthrough := &funcStage{
		ExecuteFn: func(buf memory.TupleBuffer, ctx PipelineExecutionContext) error {
			return ctx.EmitBuffer(buf, ContinuationPossible)
		},
		StopFn: func(ctx PipelineExecutionContext) error {
			// late output produced during termination must still reach the sink
			final, err := ctx.AllocateTupleBuffer()
			if err != nil {
				return err
			}
			final.SetNumberOfTuples(1)
			final.SetOriginId(1)
			final.SetSequenceNumber(99)
			final.SetChunkNumber(nes.InitialChunkNumber)
			final.SetLastChunk(true)
			err = ctx.EmitBuffer(final, ContinuationNever)
			final.Release()
			return err
		},
	}
	head := &PipelineDescriptor{Id: 1, Stage: passthrough, Successors: []*PipelineDescriptor{sink}}
	source := newManualSource()

	id := eng.RegisterQuery()
	eng.Start(id, &InstantiatedQueryPlan{
		Sources:   []*SourceDescriptor{{Origin: 1, Source: source, Successors: []*PipelineDescriptor{head}}},
		Pipelines: []*PipelineDescriptor{head, sink},
	})
	require.Eventually(t, func() bool { return listener.sawStatus(QueryStatusRunning) }, time.Second, time.Millisecond)

	for seq := uint64(1); seq <= 5; seq++ {
		source.push(makeBuffer(t, eng.BufferManager(), 1, seq))
	}
	require.Eventually(t, func() bool { return sinkSeen.Load() == 5 }, time.Second, time.Millisecond)

	eng.Stop(id)
	require.Eventually(t, func() bool { return listener.sawStatus(QueryStatusStopped) }, time.Second, time.Millisecond)

	require.Equal(t, int32(6), sinkSeen.Load(), "the buffer emitted from Stop reaches the sink")
	require.Equal(t, uint64(99), lastSeq.Load())
}

func TestStopDuringSetup(t *testing.T) {
	listener := newRecordingListener()
	eng := testEngine(t, 4, listener)

	setupStarted := atomic.NewInt32(0)
	release := make(chan struct{})
	executed := atomic.NewInt32(0)

	blockingStage := func() *funcStage {
		return &funcStage{
			SetupFn: func(_ PipelineExecutionContext) error {
				setupStarted.Inc()
				<-release
				return nil
			},
			ExecuteFn: func(_ memory.TupleBuffer, _ PipelineExecutionContext) error {
				executed.Inc()
				return nil
			},
		}
	}

	third := &PipelineDescriptor{Id: 3, Stage: blockingStage()}
	second := &PipelineDescriptor{Id: 2, Stage: blockingStage(), Successors: []*PipelineDescriptor{third}}
	first := &PipelineDescriptor{Id: 1, Stage: blockingStage(), Successors: []*PipelineDescriptor{second}}
	source := newManualSource()

	id := eng.RegisterQuery()
	eng.Start(id, &InstantiatedQueryPlan{
		Sources:   []*SourceDescriptor{{Origin: 1, Source: source, Successors: []*PipelineDescriptor{first}}},
		Pipelines: []*PipelineDescriptor{first, second, third},
	})

	require.Eventually(t, func() bool { return setupStarted.Load() == 3 }, time.Second, time.Millisecond)

	eng.Stop(id)
	// give the stop a moment to win the race against the blocked setups
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return listener.sawStatus(QueryStatusStopped) }, time.Second, time.Millisecond)
	require.Equal(t, []QueryStatus{QueryStatusStarting, QueryStatusStopped}, listener.snapshotStatuses(),
		"a query stopped during setup never reports running")
	require.Equal(t, int32(0), executed.Load(), "no execute may run")
	require.Equal(t, 0, listener.failureCount())
}

func TestFailureInExecute(t *testing.T) {
	listener := newRecordingListener()
	eng := testEngine(t, 1, listener)

	boom := errors.New("boom on fifth buffer")
	executed := atomic.NewInt32(0)
	stopped := atomic.NewBool(false)

	failing := &funcStage{
		ExecuteFn: func(_ memory.TupleBuffer, _ PipelineExecutionContext) error {
			if executed.Inc() == 5 {
				return boom
			}
			return nil
		},
		StopFn: func(_ PipelineExecutionContext) error {
			stopped.Store(true)
			return nil
		},
	}
	sink := &PipelineDescriptor{Id: 1, Stage: failing}
	source := newManualSource()

	id := eng.RegisterQuery()
	eng.Start(id, &InstantiatedQueryPlan{
		Sources:   []*SourceDescriptor{{Origin: 1, Source: source, Successors: []*PipelineDescriptor{sink}}},
		Pipelines: []*PipelineDescriptor{sink},
	})
	require.Eventually(t, func() bool { return listener.sawStatus(QueryStatusRunning) }, time.Second, time.Millisecond)

	for seq := uint64(1); seq <= 10; seq++ {
		source.push(makeBuffer(t, eng.BufferManager(), 1, seq))
	}

	require.Eventually(t, func() bool { return listener.failureCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return stopped.Load() }, time.Second, time.Millisecond)

	require.Equal(t, int32(5), executed.Load(), "buffers after the failure are discarded")
	require.False(t, listener.sawStatus(QueryStatusStopped), "a failed query does not also report stopped")

	l := listener
	l.mu.Lock()
	require.ErrorIs(t, l.failures[0], boom)
	l.mu.Unlock()

	// all buffers return to the pool once the graph has terminated
	require.Eventually(t, func() bool {
		return eng.BufferManager().AvailableBuffers() == eng.BufferManager().PoolSize()
	}, time.Second, time.Millisecond)
}

func TestSourceFailureFailsQuery(t *testing.T) {
	listener := newRecordingListener()
	eng := testEngine(t, 2, listener)

	sink := &PipelineDescriptor{Id: 1, Stage: &funcStage{}}
	source := newManualSource()

	id := eng.RegisterQuery()
	eng.Start(id, &InstantiatedQueryPlan{
		Sources:   []*SourceDescriptor{{Origin: 7, Source: source, Successors: []*PipelineDescriptor{sink}}},
		Pipelines: []*PipelineDescriptor{sink},
	})
	require.Eventually(t, func() bool { return listener.sawStatus(QueryStatusRunning) }, time.Second, time.Millisecond)

	eng.pool.InitializeSourceFailure(id, 7, findRunningSource(t, eng, id), errors.New("socket closed"))

	require.Eventually(t, func() bool { return listener.failureCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return listener.terminationCount() == 1 }, time.Second, time.Millisecond)

	listener.mu.Lock()
	require.Equal(t, TerminationFailure, listener.terminations[0].termination)
	require.Equal(t, nes.OriginId(7), listener.terminations[0].origin)
	listener.mu.Unlock()
}

func TestSetupMayNotEmit(t *testing.T) {
	listener := newRecordingListener()
	eng := testEngine(t, 2, listener)

	emitting := &funcStage{
		SetupFn: func(ctx PipelineExecutionContext) error {
			buf, err := ctx.AllocateTupleBuffer()
			if err != nil {
				return err
			}
			err = ctx.EmitBuffer(buf, ContinuationPossible)
			buf.Release()
			return err
		},
	}
	sink := &PipelineDescriptor{Id: 1, Stage: emitting}
	source := newManualSource()

	id := eng.RegisterQuery()
	eng.Start(id, &InstantiatedQueryPlan{
		Sources:   []*SourceDescriptor{{Origin: 1, Source: source, Successors: []*PipelineDescriptor{sink}}},
		Pipelines: []*PipelineDescriptor{sink},
	})

	require.Eventually(t, func() bool { return listener.failureCount() == 1 }, time.Second, time.Millisecond)
	listener.mu.Lock()
	require.ErrorIs(t, listener.failures[0], ErrEmitDuringSetup)
	listener.mu.Unlock()
	require.False(t, listener.sawStatus(QueryStatusRunning))
}

func TestPlanWithCycleIsRejected(t *testing.T) {
	listener := newRecordingListener()
	eng := testEngine(t, 2, listener)

	a := &PipelineDescriptor{Id: 1, Stage: &funcStage{}}
	b := &PipelineDescriptor{Id: 2, Stage: &funcStage{}, Successors: []*PipelineDescriptor{a}}
	a.Successors = []*PipelineDescriptor{b}
	source := newManualSource()

	id := eng.RegisterQuery()
	eng.Start(id, &InstantiatedQueryPlan{
		Sources:   []*SourceDescriptor{{Origin: 1, Source: source, Successors: []*PipelineDescriptor{a}}},
		Pipelines: []*PipelineDescriptor{a, b},
	})

	require.Eventually(t, func() bool { return listener.failureCount() == 1 }, time.Second, time.Millisecond)
	require.False(t, listener.sawStatus(QueryStatusRunning))
}

// findRunningSource digs the live source handle out of the catalog, the way
// the engine's own fail-source path receives it.
func findRunningSource(t *testing.T, eng *QueryEngine, id nes.QueryId) *RunningSource {
	t.Helper()
	eng.catalog.mu.Lock()
	entry := eng.catalog.queries[id]
	eng.catalog.mu.Unlock()
	require.NotNil(t, entry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	require.NotNil(t, entry.running)
	require.Len(t, entry.running.sources, 1)
	return entry.running.sources[0]
}

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

// TerminationReason records why a query reached the terminated state.
type TerminationReason int

const (
	TerminationReasonStopped TerminationReason = iota
	TerminationReasonFailed
)

type queryStateKind int

const (
	queryStarting queryStateKind = iota
	queryRunning
	queryStopping
	queryTerminated
)

// queryEntry holds the per-query atomic state. All transitions go through
// its mutex; illegal transitions are dropped silently, they correspond to
// races where two failure paths converge.
type queryEntry struct {
	mu       sync.Mutex
	kind     queryStateKind
	running  *RunningQueryPlan
	stopping *StoppingQueryPlan
	reason   TerminationReason
}

// QueryCatalog tracks all queries the engine has admitted, keyed by their
// monotonically assigned QueryId.
type QueryCatalog struct {
	mu      sync.Mutex
	queries map[nes.QueryId]*queryEntry

	listener       QueryStatusListener
	emitter        WorkEmitter
	queryIdCounter *atomic.Uint64
}

func newQueryCatalog(listener QueryStatusListener, emitter WorkEmitter) *QueryCatalog {
	return &QueryCatalog{
		queries:        make(map[nes.QueryId]*queryEntry),
		listener:       listener,
		emitter:        emitter,
		queryIdCounter: atomic.NewUint64(0),
	}
}

// RegisterQuery assigns the next query id.
func (c *QueryCatalog) RegisterQuery() nes.QueryId {
	return nes.QueryId(c.queryIdCounter.Inc())
}

// catalogLifetimeListener glues graph events of one query into the catalog
// state machine.
type catalogLifetimeListener struct {
	catalog *QueryCatalog
	queryId nes.QueryId
	entry   *queryEntry
}

func (l *catalogLifetimeListener) onRunning() {
	l.entry.mu.Lock()
	if l.entry.kind != queryStarting {
		l.entry.mu.Unlock()
		return
	}
	l.entry.kind = queryRunning
	l.entry.mu.Unlock()

	zlog.Debug("query running", zap.Uint64("query_id", uint64(l.queryId)))
	l.catalog.listener.LogQueryStatusChange(l.queryId, QueryStatusRunning)
}

func (l *catalogLifetimeListener) onFailure(err error) {
	l.entry.mu.Lock()
	if l.entry.kind == queryTerminated {
		l.entry.mu.Unlock()
		return
	}
	running, stopping := l.entry.running, l.entry.stopping
	l.entry.kind = queryTerminated
	l.entry.reason = TerminationReasonFailed
	l.entry.running, l.entry.stopping = nil, nil
	l.entry.mu.Unlock()

	if running != nil {
		running.dispose()
	}
	if stopping != nil {
		stopping.dispose()
	}

	zlog.Debug("query failed", zap.Uint64("query_id", uint64(l.queryId)), zap.Error(err))
	l.catalog.listener.LogQueryFailure(l.queryId, err)
}

// onDestruction is called when the entire query graph has been dropped.
func (l *catalogLifetimeListener) onDestruction() {
	l.entry.mu.Lock()
	if l.entry.kind == queryTerminated {
		l.entry.mu.Unlock()
		return
	}
	l.entry.kind = queryTerminated
	l.entry.reason = TerminationReasonStopped
	l.entry.running, l.entry.stopping = nil, nil
	l.entry.mu.Unlock()

	zlog.Debug("query stopped", zap.Uint64("query_id", uint64(l.queryId)))
	l.catalog.listener.LogQueryStatusChange(l.queryId, QueryStatusStopped)
}

// start admits a query: the instantiated plan becomes a running query plan,
// pipeline setups are scheduled and the query sits in the starting state
// until all of them complete.
func (c *QueryCatalog) start(id nes.QueryId, plan *InstantiatedQueryPlan) {
	entry := &queryEntry{kind: queryStarting}
	lifetime := &catalogLifetimeListener{catalog: c, queryId: id, entry: entry}

	c.mu.Lock()
	if _, exists := c.queries[id]; exists {
		c.mu.Unlock()
		zlog.Warn("query already registered, ignoring start", zap.Uint64("query_id", uint64(id)))
		return
	}
	c.queries[id] = entry
	c.mu.Unlock()

	c.listener.LogQueryStatusChange(id, QueryStatusStarting)

	rqp, err := startRunningQueryPlan(id, plan, c.emitter, lifetime)
	if err != nil {
		entry.mu.Lock()
		entry.kind = queryTerminated
		entry.reason = TerminationReasonFailed
		entry.mu.Unlock()
		c.listener.LogQueryFailure(id, err)
		return
	}

	entry.mu.Lock()
	switch entry.kind {
	case queryStarting, queryRunning:
		entry.running = rqp
		entry.mu.Unlock()
	case queryStopping:
		// a stop raced the startup, remove the sources now
		entry.stopping = rqp.stop()
		entry.mu.Unlock()
	default:
		// the query already failed while the plan was being built
		entry.mu.Unlock()
		rqp.dispose()
	}
}

// stopQuery initiates a graceful stop: the sources are removed and the rest
// of the graph drains.
func (c *QueryCatalog) stopQuery(id nes.QueryId) {
	c.mu.Lock()
	entry, found := c.queries[id]
	c.mu.Unlock()
	if !found {
		zlog.Warn("stop for unknown query", zap.Uint64("query_id", uint64(id)))
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	switch entry.kind {
	case queryStarting, queryRunning:
		running := entry.running
		entry.running = nil
		entry.kind = queryStopping
		if running != nil {
			entry.stopping = running.stop()
		}
	default:
		// already stopping or terminated
	}
}

// clear initiates the stop of every non-terminated query. Called during
// engine shutdown.
func (c *QueryCatalog) clear() {
	c.mu.Lock()
	ids := make([]nes.QueryId, 0, len(c.queries))
	for id := range c.queries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.stopQuery(id)
	}
}

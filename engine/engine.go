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
	"github.com/dfuse-io/shutter"
	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/memory"
)

// Config drives one engine instance. The engine is fully instantiable, there
// is no process-wide state; the buffer pool is per engine.
type Config struct {
	WorkerThreads  int // number of worker threads servicing the task queue
	TaskQueueSize  int // capacity of the MPMC task queue
	BufferSize     int // size in bytes of one pooled buffer
	BufferPoolSize int // number of pooled buffers

	// Statistics receives per-thread task events; defaults to the logging
	// listener.
	Statistics StatisticsListener
}

func (c *Config) setDefaults() {
	if c.WorkerThreads <= 0 {
		c.WorkerThreads = 4
	}
	if c.TaskQueueSize <= 0 {
		c.TaskQueueSize = 1024
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.BufferPoolSize <= 0 {
		c.BufferPoolSize = 1024
	}
	if c.Statistics == nil {
		c.Statistics = NewLoggingStatisticsListener()
	}
}

// QueryEngine accepts start and stop commands and owns the worker pool, the
// buffer manager and the query catalog. Start and stop themselves run as
// tasks, so command handling serializes with the rest of the engine's work.
type QueryEngine struct {
	*shutter.Shutter

	config        Config
	bufferManager *memory.BufferManager
	catalog       *QueryCatalog
	pool          *threadPool
}

// NewQueryEngine builds and launches an engine.
func NewQueryEngine(config Config, listener QueryStatusListener) *QueryEngine {
	config.setDefaults()

	bm := memory.NewBufferManager(config.BufferSize, config.BufferPoolSize)
	pool := newThreadPool(config.WorkerThreads, config.TaskQueueSize, listener, config.Statistics, bm)

	e := &QueryEngine{
		Shutter:       shutter.New(),
		config:        config,
		bufferManager: bm,
		catalog:       newQueryCatalog(listener, pool),
		pool:          pool,
	}

	e.OnTerminating(func(err error) {
		zlog.Info("shutting down query engine", zap.Error(err))
		e.catalog.clear()
		e.pool.shutdown()
		e.bufferManager.Shutdown()
	})

	pool.launch()
	zlog.Info("query engine ready",
		zap.Int("worker_threads", config.WorkerThreads),
		zap.Int("buffer_size", config.BufferSize),
		zap.Int("buffer_pool_size", config.BufferPoolSize))
	return e
}

// BufferManager exposes the engine's buffer pool, mainly so sources can
// allocate input buffers against the engine's backpressure.
func (e *QueryEngine) BufferManager() *memory.BufferManager { return e.bufferManager }

// RegisterQuery assigns the next monotonic query id.
func (e *QueryEngine) RegisterQuery() nes.QueryId { return e.catalog.RegisterQuery() }

// Start admits the instantiated plan under the given id.
func (e *QueryEngine) Start(id nes.QueryId, plan *InstantiatedQueryPlan) {
	zlog.Info("start query", zap.Uint64("query_id", uint64(id)))
	e.pool.write(&startQueryTask{
		taskBase: taskBase{queryId: id},
		plan:     plan,
		catalog:  e.catalog,
	})
}

// Stop initiates the graceful stop of the given query.
func (e *QueryEngine) Stop(id nes.QueryId) {
	zlog.Info("stop query", zap.Uint64("query_id", uint64(id)))
	e.pool.write(&terminateQueryTask{
		taskBase: taskBase{queryId: id},
		catalog:  e.catalog,
	})
}

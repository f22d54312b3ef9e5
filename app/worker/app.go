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

package worker

import (
	"fmt"
	"net/http"

	"github.com/dfuse-io/shutter"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/metrics"
	"github.com/nebulastream/nebulastream-go/windowing"
)

type Config struct {
	HTTPListenAddr    string // /healthz endpoint
	MetricsListenAddr string // prometheus endpoint

	WorkerThreads  int // worker threads servicing the task queue
	BufferSize     int // size in bytes of one pooled buffer
	BufferPoolSize int // number of pooled buffers
	TaskQueueSize  int // capacity of the task queue

	SnapshotStoreURL string // optional location for watermark snapshots
}

type Modules struct {
	// Listener overrides the engine's status listener; defaults to the
	// logging listener.
	Listener engine.QueryStatusListener
}

type App struct {
	*shutter.Shutter
	config  *Config
	modules *Modules

	engine     *engine.QueryEngine
	snapshots  *windowing.SnapshotStore
	httpServer *http.Server
}

func New(config *Config, modules *Modules) *App {
	if modules == nil {
		modules = &Modules{}
	}
	return &App{
		Shutter: shutter.New(),
		config:  config,
		modules: modules,
	}
}

func (a *App) Run() error {
	zlog.Info("running worker app", zap.Reflect("config", a.config))

	metrics.Register(metrics.EngineMetricSet...)

	if a.config.SnapshotStoreURL != "" {
		snapshots, err := windowing.NewSnapshotStore(a.config.SnapshotStoreURL)
		if err != nil {
			return fmt.Errorf("failed setting up snapshot store: %w", err)
		}
		a.snapshots = snapshots
	}

	listener := a.modules.Listener
	if listener == nil {
		listener = engine.NewLoggingQueryStatusListener()
	}

	a.engine = engine.NewQueryEngine(engine.Config{
		WorkerThreads:  a.config.WorkerThreads,
		TaskQueueSize:  a.config.TaskQueueSize,
		BufferSize:     a.config.BufferSize,
		BufferPoolSize: a.config.BufferPoolSize,
	}, listener)

	a.OnTerminating(func(err error) {
		zlog.Info("shutting down worker app", zap.Error(err))
		a.engine.Shutdown(err)
		a.shutdownHTTPServer()
	})
	a.engine.OnTerminated(a.Shutdown)

	if a.config.MetricsListenAddr != "" {
		go metrics.ServeMetrics(a.config.MetricsListenAddr)
	}
	if a.config.HTTPListenAddr != "" {
		a.startServer()
	}
	return nil
}

// Engine exposes the running query engine to callers submitting plans.
func (a *App) Engine() *engine.QueryEngine { return a.engine }

// SnapshotStore returns the configured watermark snapshot store, nil when
// none was configured.
func (a *App) SnapshotStore() *windowing.SnapshotStore { return a.snapshots }

func (a *App) startServer() {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.IsReady() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	a.httpServer = &http.Server{Addr: a.config.HTTPListenAddr, Handler: router}
	go func() {
		zlog.Info("listening & serving HTTP content", zap.String("http_listen_addr", a.config.HTTPListenAddr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Shutter.Shutdown(fmt.Errorf("failed listening http %q: %w", a.config.HTTPListenAddr, err))
		}
	}()
}

func (a *App) shutdownHTTPServer() {
	if a.httpServer != nil {
		a.httpServer.Close()
	}
}

func (a *App) IsReady() bool {
	return a.engine != nil && !a.engine.IsTerminating()
}

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

package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/dfuse-io/derr"
	"github.com/dfuse-io/logging"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/app/worker"
	"github.com/nebulastream/nebulastream-go/engine"
)

// exit codes
const (
	exitOK           = 0
	exitBadConfig    = 1
	exitQueryFailure = 2
	exitInternal     = 3
)

var zlog = zap.NewNop()

func init() {
	logging.Register("github.com/nebulastream/nebulastream-go/cmd/nesworker", &zlog)
}

type fileConfig struct {
	HTTPListenAddr    string `yaml:"http_listen_addr"`
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
	Workers           int    `yaml:"workers"`
	BufferSize        int    `yaml:"buffer_size"`
	BufferPoolSize    int    `yaml:"buffer_pool_size"`
	TaskQueueSize     int    `yaml:"task_queue_size"`
	SnapshotStoreURL  string `yaml:"snapshot_store_url"`
}

var flagConfigPath string
var flagWorkers int
var flagBufferSize int
var flagQuery string

// failureTrackingListener remembers whether any query failed, which decides
// the process exit code.
type failureTrackingListener struct {
	engine.QueryStatusListener
	failed *atomic.Bool
}

func (l *failureTrackingListener) LogQueryFailure(id nes.QueryId, err error) {
	l.failed.Store(true)
	l.QueryStatusListener.LogQueryFailure(id, err)
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "nesworker",
		Short:        "NebulaStream single-node worker daemon",
		SilenceUsage: true,
		Run:          run,
	}
	rootCmd.Flags().StringVar(&flagConfigPath, "config-path", "", "Path to the worker YAML configuration")
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 0, "Number of worker threads, overrides the configuration file")
	rootCmd.Flags().IntVar(&flagBufferSize, "buffer-size", 0, "Size in bytes of one pooled buffer, overrides the configuration file")
	rootCmd.Flags().StringVar(&flagQuery, "query", "", "Path to a query plan file to start on boot")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitInternal)
	}
}

func run(cmd *cobra.Command, args []string) {
	setupLogging()

	config := &fileConfig{}
	if flagConfigPath != "" {
		content, err := ioutil.ReadFile(flagConfigPath)
		if err != nil {
			zlog.Error("cannot read configuration", zap.Error(err))
			os.Exit(exitBadConfig)
		}
		if err := yaml.UnmarshalStrict(content, config); err != nil {
			zlog.Error("cannot parse configuration", zap.Error(err))
			os.Exit(exitBadConfig)
		}
	}
	if flagWorkers > 0 {
		config.Workers = flagWorkers
	}
	if flagBufferSize > 0 {
		config.BufferSize = flagBufferSize
	}

	queryFailed := atomic.NewBool(false)
	listener := &failureTrackingListener{
		QueryStatusListener: engine.NewLoggingQueryStatusListener(),
		failed:              queryFailed,
	}

	app := worker.New(&worker.Config{
		HTTPListenAddr:    config.HTTPListenAddr,
		MetricsListenAddr: config.MetricsListenAddr,
		WorkerThreads:     config.Workers,
		BufferSize:        config.BufferSize,
		BufferPoolSize:    config.BufferPoolSize,
		TaskQueueSize:     config.TaskQueueSize,
		SnapshotStoreURL:  config.SnapshotStoreURL,
	}, &worker.Modules{Listener: listener})

	derr.Check("running worker app", app.Run())

	var built *worker.BuiltPlan
	if flagQuery != "" {
		spec, err := worker.LoadPlanSpec(flagQuery)
		if err != nil {
			zlog.Error("cannot load query plan", zap.Error(err))
			os.Exit(exitBadConfig)
		}
		built, err = worker.BuildPlan(spec, app.Engine())
		if err != nil {
			zlog.Error("cannot build query plan", zap.Error(err))
			os.Exit(exitBadConfig)
		}
		queryId := app.Engine().RegisterQuery()
		app.Engine().Start(queryId, built.Plan)
	}

	signalled := derr.SetupSignalHandler(2 * time.Second)
	select {
	case <-signalled:
		zlog.Info("signal received, shutting down")
		app.Shutdown(nil)
		<-app.Terminated()
	case <-app.Terminated():
	}

	if store := app.SnapshotStore(); store != nil && built != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.Save(ctx, "watermarks", built.Aggregation.WatermarkProcessor()); err != nil {
			zlog.Warn("cannot save watermark snapshot", zap.Error(err))
		}
		cancel()
	}

	if queryFailed.Load() {
		os.Exit(exitQueryFailure)
	}
	if err := app.Err(); err != nil {
		zlog.Error("worker terminated with error", zap.Error(err))
		os.Exit(exitInternal)
	}
	os.Exit(exitOK)
}

func setupLogging() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot create logger: %s\n", err)
		os.Exit(exitInternal)
	}
	logging.Set(logger)
}

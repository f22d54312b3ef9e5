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
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/engine"
)

type recordingListener struct {
	mu       sync.Mutex
	statuses []engine.QueryStatus
	failures []error
}

func (l *recordingListener) LogQueryStatusChange(_ nes.QueryId, status engine.QueryStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) LogQueryFailure(_ nes.QueryId, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) LogSourceTermination(nes.QueryId, nes.OriginId, engine.QueryTerminationType) {
}

func (l *recordingListener) sawStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if s == engine.QueryStatusStopped {
			return true
		}
	}
	return false
}

const planYAML = `
source:
  path: %q
  origin: 1
schema:
  - name: ts
    type: int64
  - name: id
    type: int64
tuple_delimiter: "\n"
field_delimiter: ","
window:
  size_ms: 1000
aggregate:
  function: sum
  ts_field: 0
  key_field: -1
  value_field: 1
`

func TestFilePlanTumblingSumEndToEnd(t *testing.T) {
	dir, err := ioutil.TempDir("", "nesworker-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// ten tuples (ts = i*100ms, id = i), tumbling 1s sum over id
	var csv bytes.Buffer
	for i := 0; i < 10; i++ {
		csv.WriteString(intsLine(int64(i*100), int64(i)))
	}
	csvPath := filepath.Join(dir, "input.csv")
	require.NoError(t, ioutil.WriteFile(csvPath, csv.Bytes(), 0644))

	planPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, ioutil.WriteFile(planPath, []byte(planFile(csvPath)), 0644))

	listener := &recordingListener{}
	app := New(&Config{
		WorkerThreads:  2,
		BufferSize:     4096,
		BufferPoolSize: 64,
	}, &Modules{Listener: listener})
	require.NoError(t, app.Run())
	defer func() {
		app.Shutdown(nil)
	}()

	spec, err := LoadPlanSpec(planPath)
	require.NoError(t, err)
	built, err := BuildPlan(spec, app.Engine())
	require.NoError(t, err)

	// swap the console sink for a capturing one
	var sinkOut bytes.Buffer
	var sinkMu sync.Mutex
	sink := built.Plan.Pipelines[len(built.Plan.Pipelines)-1]
	sink.Stage = &consoleSink{fieldsPerTuple: 3, out: writerFunc(func(p []byte) (int, error) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		return sinkOut.Write(p)
	})}

	queryId := app.Engine().RegisterQuery()
	app.Engine().Start(queryId, built.Plan)

	// the file source drains, stops gracefully, and the aggregation flush
	// closes the single window
	require.Eventually(t, listener.sawStopped, 5*time.Second, 5*time.Millisecond)

	sinkMu.Lock()
	output := sinkOut.String()
	sinkMu.Unlock()
	require.Equal(t, "0,1000,45\n", output)

	listener.mu.Lock()
	require.Empty(t, listener.failures)
	listener.mu.Unlock()

	// the watermark processor saw the whole input
	seq, err := built.Aggregation.WatermarkProcessor().CurrentSequenceNumber(1)
	require.NoError(t, err)
	require.Greater(t, uint64(seq), uint64(0))
}

func planFile(csvPath string) string {
	return fmt.Sprintf(planYAML, csvPath)
}

func intsLine(a, b int64) string {
	return fmt.Sprintf("%d,%d\n", a, b)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

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

package windowing

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/memory"
)

// testPEC is a minimal execution context capturing every emitted buffer.
type testPEC struct {
	bm      *memory.BufferManager
	emitted []memory.TupleBuffer
}

func newTestPEC(t *testing.T, bufferSize, poolSize int) *testPEC {
	t.Helper()
	return &testPEC{bm: memory.NewBufferManager(bufferSize, poolSize)}
}

func (c *testPEC) WorkerThreadId() nes.WorkerThreadId   { return 0 }
func (c *testPEC) NumberOfWorkerThreads() int           { return 1 }
func (c *testPEC) PipelineId() nes.PipelineId           { return 1 }
func (c *testPEC) BufferManager() *memory.BufferManager { return c.bm }
func (c *testPEC) OperatorHandlers() []engine.OperatorHandler {
	return nil
}
func (c *testPEC) AllocateTupleBuffer() (memory.TupleBuffer, error) {
	return c.bm.GetBufferBlocking()
}
func (c *testPEC) EmitBuffer(buf memory.TupleBuffer, _ engine.ContinuationPolicy) error {
	c.emitted = append(c.emitted, buf.Retain())
	return nil
}

// row reads one emitted output row of 64-bit fields.
func outputRows(t *testing.T, buf memory.TupleBuffer, fields int) [][]uint64 {
	t.Helper()
	rows := make([][]uint64, 0, buf.NumberOfTuples())
	data := buf.Buffer()
	for i := 0; i < int(buf.NumberOfTuples()); i++ {
		row := make([]uint64, fields)
		for j := 0; j < fields; j++ {
			row[j] = binary.LittleEndian.Uint64(data[(i*fields+j)*8:])
		}
		rows = append(rows, row)
	}
	return rows
}

func inputBuffer(t *testing.T, pec *testPEC, origin nes.OriginId, seq uint64, tuples [][2]uint64) memory.TupleBuffer {
	t.Helper()
	buf, err := pec.bm.GetBufferBlocking()
	require.NoError(t, err)
	for i, tuple := range tuples {
		binary.LittleEndian.PutUint64(buf.Buffer()[i*16:], tuple[0])
		binary.LittleEndian.PutUint64(buf.Buffer()[i*16+8:], tuple[1])
	}
	buf.SetNumberOfTuples(uint64(len(tuples)))
	buf.SetOriginId(origin)
	buf.SetSequenceNumber(nes.SequenceNumber(seq))
	buf.SetChunkNumber(nes.InitialChunkNumber)
	buf.SetLastChunk(true)
	return buf
}

func globalSumStage(t *testing.T, window WindowDefinition) *AggregationStage {
	t.Helper()
	stage, err := NewAggregationStage(AggregationConfig{
		Window:   window,
		Function: SumAggregate(),
		Origins:  []nes.OriginId{1},
		Layout:   RowLayout{FieldsPerTuple: 2, TimestampField: 0, KeyField: -1, ValueField: 1},
	})
	require.NoError(t, err)
	return stage
}

func TestTumblingSumSingleOrigin(t *testing.T) {
	pec := newTestPEC(t, 4096, 16)
	stage := globalSumStage(t, NewTumblingWindow(1000))

	// ten tuples (ts = i*100ms, value = i), all inside [0, 1000)
	tuples := make([][2]uint64, 0, 10)
	for i := uint64(0); i < 10; i++ {
		tuples = append(tuples, [2]uint64{i * 100, i})
	}
	buf := inputBuffer(t, pec, 1, 1, tuples)
	require.NoError(t, stage.Execute(buf, pec))
	buf.Release()
	require.Empty(t, pec.emitted, "the window cannot close before the watermark passes 1000")

	// stopping the stage flushes the remaining window
	require.NoError(t, stage.Stop(pec))
	require.Len(t, pec.emitted, 1)

	rows := outputRows(t, pec.emitted[0], 3)
	require.Equal(t, [][]uint64{{0, 1000, 45}}, rows)
	require.True(t, pec.emitted[0].IsLastChunk())
}

func TestWatermarkAdvanceTriggersClosedWindow(t *testing.T) {
	pec := newTestPEC(t, 4096, 16)
	stage := globalSumStage(t, NewTumblingWindow(1000))

	first := inputBuffer(t, pec, 1, 1, [][2]uint64{{100, 7}, {900, 3}})
	require.NoError(t, stage.Execute(first, pec))
	first.Release()
	require.Empty(t, pec.emitted)

	second := inputBuffer(t, pec, 1, 2, [][2]uint64{{1500, 99}})
	require.NoError(t, stage.Execute(second, pec))
	second.Release()

	require.Len(t, pec.emitted, 1)
	rows := outputRows(t, pec.emitted[0], 3)
	require.Equal(t, [][]uint64{{0, 1000, 10}}, rows)
}

func TestKeyedAggregationEmitsKeysInOrder(t *testing.T) {
	pec := newTestPEC(t, 4096, 16)
	stage, err := NewAggregationStage(AggregationConfig{
		Window:   NewTumblingWindow(100),
		Function: SumAggregate(),
		Origins:  []nes.OriginId{1},
		Layout:   RowLayout{FieldsPerTuple: 3, TimestampField: 0, KeyField: 1, ValueField: 2},
	})
	require.NoError(t, err)

	buf, bmErr := pec.bm.GetBufferBlocking()
	require.NoError(t, bmErr)
	tuples := [][3]uint64{{10, 5, 100}, {20, 1, 7}, {30, 5, 23}, {40, 1, 3}}
	for i, tuple := range tuples {
		for j, v := range tuple {
			binary.LittleEndian.PutUint64(buf.Buffer()[(i*3+j)*8:], v)
		}
	}
	buf.SetNumberOfTuples(uint64(len(tuples)))
	buf.SetOriginId(1)
	buf.SetSequenceNumber(1)
	buf.SetChunkNumber(nes.InitialChunkNumber)
	buf.SetLastChunk(true)

	require.NoError(t, stage.Execute(buf, pec))
	buf.Release()
	require.NoError(t, stage.Stop(pec))

	require.Len(t, pec.emitted, 1)
	rows := outputRows(t, pec.emitted[0], 4)
	require.Equal(t, [][]uint64{{0, 100, 1, 10}, {0, 100, 5, 123}}, rows, "keys ascend within a window")
}

func TestSlidingWindowPanes(t *testing.T) {
	pec := newTestPEC(t, 4096, 16)
	stage := globalSumStage(t, NewSlidingWindow(10, 5))

	tuples := [][2]uint64{{0, 1}, {4, 2}, {7, 4}, {12, 8}}
	buf := inputBuffer(t, pec, 1, 1, tuples)
	require.NoError(t, stage.Execute(buf, pec))
	buf.Release()
	require.NoError(t, stage.Stop(pec))

	var rows [][]uint64
	for _, emitted := range pec.emitted {
		rows = append(rows, outputRows(t, emitted, 3)...)
	}
	// windows slide by 5: [0,10)=7, [5,15)=12, [10,20)=8
	require.Equal(t, [][]uint64{{0, 10, 7}, {5, 15, 12}, {10, 20, 8}}, rows)
}

func TestMergingStrategyAppendsRecordCount(t *testing.T) {
	pec := newTestPEC(t, 4096, 16)
	stage, err := NewAggregationStage(AggregationConfig{
		Window:   NewTumblingWindow(1000),
		Function: SumAggregate(),
		Origins:  []nes.OriginId{1},
		Layout:   RowLayout{FieldsPerTuple: 2, TimestampField: 0, KeyField: -1, ValueField: 1},
		Merging:  true,
	})
	require.NoError(t, err)

	buf := inputBuffer(t, pec, 1, 1, [][2]uint64{{100, 4}, {200, 6}})
	require.NoError(t, stage.Execute(buf, pec))
	buf.Release()
	require.NoError(t, stage.Stop(pec))

	require.Len(t, pec.emitted, 1)
	rows := outputRows(t, pec.emitted[0], 4)
	require.Equal(t, [][]uint64{{0, 1000, 10, 2}}, rows, "merging output carries the record count")
}

func TestSliceStoreSumsMatchRawTuples(t *testing.T) {
	store, err := NewSliceStore[int64](NewTumblingWindow(100), func() int64 { return 0 })
	require.NoError(t, err)

	var total int64
	for i := 0; i < 1000; i++ {
		value := int64(i % 17)
		ts := nes.WatermarkTs(i)
		store.Fold(0, ts, func(partial int64) int64 { return partial + value })
		total += value
	}

	var combined int64
	var records uint64
	for _, slice := range store.Slices(0) {
		combined += slice.Aggregate
		records += slice.RecordCount
	}
	require.Equal(t, total, combined, "sum of partial aggregates equals aggregate over raw tuples")
	require.Equal(t, uint64(1000), records)
}

func TestSliceStoreEviction(t *testing.T) {
	store, err := NewSliceStore[int64](NewTumblingWindow(10), func() int64 { return 0 })
	require.NoError(t, err)

	store.Fold(1, 5, func(int64) int64 { return 1 })
	store.Fold(1, 15, func(int64) int64 { return 1 })
	store.Fold(1, 25, func(int64) int64 { return 1 })
	require.Len(t, store.Slices(1), 3)

	store.Evict(20)
	slices := store.Slices(1)
	require.Len(t, slices, 1)
	require.Equal(t, nes.WatermarkTs(20), slices[0].Start)

	store.Evict(100)
	require.Empty(t, store.Keys())
}

func TestTriggerEmitsUniqueSequenceNumbers(t *testing.T) {
	pec := newTestPEC(t, 4096, 16)
	stage := globalSumStage(t, NewTumblingWindow(10))

	seen := make(map[nes.SequenceData]bool)
	for seq := uint64(1); seq <= 5; seq++ {
		buf := inputBuffer(t, pec, 1, seq, [][2]uint64{{(seq - 1) * 10, seq}, {seq * 10, 0}})
		require.NoError(t, stage.Execute(buf, pec))
		buf.Release()
	}
	require.NoError(t, stage.Stop(pec))

	require.NotEmpty(t, pec.emitted)
	for _, emitted := range pec.emitted {
		key := emitted.SequenceData()
		require.False(t, seen[key], "emitted buffers must carry unique (seq, chunk) identities")
		seen[key] = true
	}
}

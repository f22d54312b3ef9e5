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
	"fmt"

	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/memory"
)

// TriggerConfig fixes the output of a complete-aggregation trigger.
type TriggerConfig struct {
	Window   WindowDefinition
	Function AggregateFunction

	// Keyed adds the key column to the output row.
	Keyed bool
	// Merging marks the merging distribution strategy: partial aggregates
	// will be combined downstream, so each row carries its record count.
	Merging bool

	// OutputOrigin stamps emitted buffers.
	OutputOrigin nes.OriginId
}

// rowWidth returns the output row size in bytes:
// startTs, endTs, [key,] value[, count], all 64-bit little endian.
func (c TriggerConfig) rowWidth() int {
	fields := 3
	if c.Keyed {
		fields++
	}
	if c.Merging {
		fields++
	}
	return fields * 8
}

// CompleteAggregationTrigger materializes closed windows into output
// buffers whenever the global watermark advances. Windows are emitted in
// ascending start order, keys in ascending order within a window, which
// keeps downstream merging monotonic.
type CompleteAggregationTrigger struct {
	cfg   TriggerConfig
	store *SliceStore[int64]

	lastWatermark       nes.WatermarkTs
	nextWindowStart     uint64
	largestClosedWindow nes.WatermarkTs
	outputSeq           nes.SequenceNumber
}

// NewCompleteAggregationTrigger builds the trigger and its backing slice
// store.
func NewCompleteAggregationTrigger(cfg TriggerConfig) (*CompleteAggregationTrigger, error) {
	if err := cfg.Window.validate(); err != nil {
		return nil, err
	}
	if cfg.Function.Add == nil || cfg.Function.Combine == nil || cfg.Function.Lower == nil {
		return nil, fmt.Errorf("aggregate function is incomplete")
	}
	initial := cfg.Function.Initial
	store, err := NewSliceStore[int64](cfg.Window, func() int64 { return initial })
	if err != nil {
		return nil, err
	}
	return &CompleteAggregationTrigger{cfg: cfg, store: store}, nil
}

// Store exposes the backing slice store so the owning stage can fold tuples
// into it.
func (t *CompleteAggregationTrigger) Store() *SliceStore[int64] { return t.store }

// LastWatermark returns the watermark of the most recent trigger call.
func (t *CompleteAggregationTrigger) LastWatermark() nes.WatermarkTs { return t.lastWatermark }

// Trigger closes every window whose end lies in (lastWatermark, curr],
// writes one row per window and key into output buffers and emits them.
// After emission, slices strictly older than largestClosedWindow − slide
// are evicted.
func (t *CompleteAggregationTrigger) Trigger(curr nes.WatermarkTs, ctx engine.PipelineExecutionContext) error {
	if curr <= t.lastWatermark {
		return nil
	}

	out := newRowWriter(t, ctx)
	closedAny := false

	for t.nextWindowStart+t.cfg.Window.Size <= uint64(curr) {
		start := nes.WatermarkTs(t.nextWindowStart)
		end := start + nes.WatermarkTs(t.cfg.Window.Size)

		for _, key := range t.store.Keys() {
			partial, count, contributed := t.store.CombineRange(key, start, end, t.cfg.Function.Combine)
			if !contributed {
				continue
			}
			value := t.cfg.Function.Lower(partial, count)
			if err := out.writeRow(start, end, key, value, count); err != nil {
				return err
			}
		}

		t.largestClosedWindow = end
		closedAny = true
		t.nextWindowStart += t.cfg.Window.Slide
	}

	t.lastWatermark = curr

	if err := out.flush(curr); err != nil {
		return err
	}

	if closedAny && uint64(t.largestClosedWindow) > t.cfg.Window.Slide {
		t.store.Evict(t.largestClosedWindow - nes.WatermarkTs(t.cfg.Window.Slide))
	}
	return nil
}

// FlushAll closes every window that could still hold data. Called when the
// owning pipeline stops.
func (t *CompleteAggregationTrigger) FlushAll(ctx engine.PipelineExecutionContext) error {
	maxEnd, any := t.store.MaxSliceEnd()
	if !any {
		return nil
	}
	return t.Trigger(maxEnd+nes.WatermarkTs(t.cfg.Window.Size), ctx)
}

func (t *CompleteAggregationTrigger) nextOutputSequence() nes.SequenceNumber {
	t.outputSeq++
	return t.outputSeq
}

// rowWriter packs rows into output buffers. A full buffer is held back
// until the next row arrives, so the final buffer of a trigger call always
// carries the terminal chunk mark. All buffers of one call share a sequence
// number; chunks run from one.
type rowWriter struct {
	cfg     TriggerConfig
	ctx     engine.PipelineExecutionContext
	trigger *CompleteAggregationTrigger

	buf      memory.TupleBuffer
	haveBuf  bool
	rows     uint64
	capacity uint64
	chunk    nes.ChunkNumber
	seq      nes.SequenceNumber
}

func newRowWriter(trigger *CompleteAggregationTrigger, ctx engine.PipelineExecutionContext) *rowWriter {
	return &rowWriter{cfg: trigger.cfg, ctx: ctx, trigger: trigger, chunk: nes.InitialChunkNumber}
}

func (w *rowWriter) writeRow(start, end nes.WatermarkTs, key uint64, value int64, count uint64) error {
	if w.haveBuf && w.rows == w.capacity {
		if err := w.emit(false, 0); err != nil {
			return err
		}
	}
	if !w.haveBuf {
		buf, err := w.ctx.AllocateTupleBuffer()
		if err != nil {
			return err
		}
		w.buf = buf
		w.haveBuf = true
		w.rows = 0
		w.capacity = uint64(buf.BufferSize() / w.cfg.rowWidth())
		if w.capacity == 0 {
			return fmt.Errorf("buffer size %d cannot hold one output row of %d bytes", buf.BufferSize(), w.cfg.rowWidth())
		}
	}

	offset := int(w.rows) * w.cfg.rowWidth()
	data := w.buf.Buffer()[offset:]
	binary.LittleEndian.PutUint64(data[0:], uint64(start))
	binary.LittleEndian.PutUint64(data[8:], uint64(end))
	next := 16
	if w.cfg.Keyed {
		binary.LittleEndian.PutUint64(data[next:], key)
		next += 8
	}
	binary.LittleEndian.PutUint64(data[next:], uint64(value))
	next += 8
	if w.cfg.Merging {
		binary.LittleEndian.PutUint64(data[next:], count)
	}
	w.rows++
	return nil
}

func (w *rowWriter) emit(last bool, watermark nes.WatermarkTs) error {
	if !w.haveBuf {
		return nil
	}
	if w.seq == 0 {
		w.seq = w.trigger.nextOutputSequence()
	}

	w.buf.SetNumberOfTuples(w.rows)
	w.buf.SetOriginId(w.cfg.OutputOrigin)
	w.buf.SetSequenceNumber(w.seq)
	w.buf.SetChunkNumber(w.chunk)
	w.buf.SetLastChunk(last)
	w.buf.SetWatermark(watermark)

	err := w.ctx.EmitBuffer(w.buf, engine.ContinuationPossible)
	w.buf.Release()
	w.haveBuf = false
	w.chunk++
	if err != nil {
		return err
	}
	zlog.Debug("emitted window aggregate buffer",
		zap.Uint64("sequence", uint64(w.seq)),
		zap.Uint64("rows", w.rows))
	return nil
}

func (w *rowWriter) flush(watermark nes.WatermarkTs) error {
	return w.emit(true, watermark)
}

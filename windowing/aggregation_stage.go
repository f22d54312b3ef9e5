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
	"sync"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/memory"
)

// RowLayout describes the fixed-width input row of an aggregation stage:
// FieldsPerTuple 64-bit little-endian fields per tuple, with the event
// timestamp, the optional grouping key and the aggregated value at the
// given field indexes.
type RowLayout struct {
	FieldsPerTuple int
	TimestampField int
	KeyField       int // -1 for a global (un-keyed) aggregation
	ValueField     int
}

func (l RowLayout) validate() error {
	if l.FieldsPerTuple <= 0 {
		return fmt.Errorf("row layout needs at least one field")
	}
	inRange := func(idx int) bool { return idx >= 0 && idx < l.FieldsPerTuple }
	if !inRange(l.TimestampField) {
		return fmt.Errorf("timestamp field %d out of range", l.TimestampField)
	}
	if l.KeyField != -1 && !inRange(l.KeyField) {
		return fmt.Errorf("key field %d out of range", l.KeyField)
	}
	if !inRange(l.ValueField) {
		return fmt.Errorf("value field %d out of range", l.ValueField)
	}
	return nil
}

// AggregationConfig wires the window, aggregate function, input origins and
// row layout of one aggregation stage.
type AggregationConfig struct {
	Window   WindowDefinition
	Function AggregateFunction
	Origins  []nes.OriginId
	Layout   RowLayout

	// Merging selects the merging distribution strategy: output rows carry
	// record counts so downstream can combine partials.
	Merging      bool
	OutputOrigin nes.OriginId
}

// AggregationStage is a pipeline stage computing complete windowed
// aggregates: tuples fold into the slice store, the multi-origin watermark
// processor tracks input progress, and the trigger materializes every
// window closed by a watermark advance. Stop flushes all remaining windows.
type AggregationStage struct {
	cfg AggregationConfig

	mu        sync.Mutex
	watermark *MultiOriginWatermarkProcessor
	trigger   *CompleteAggregationTrigger
}

// NewAggregationStage builds the stage; the returned value satisfies
// engine.PipelineStage.
func NewAggregationStage(cfg AggregationConfig) (*AggregationStage, error) {
	if err := cfg.Layout.validate(); err != nil {
		return nil, err
	}
	watermark, err := NewMultiOriginWatermarkProcessor(cfg.Origins)
	if err != nil {
		return nil, err
	}
	trigger, err := NewCompleteAggregationTrigger(TriggerConfig{
		Window:       cfg.Window,
		Function:     cfg.Function,
		Keyed:        cfg.Layout.KeyField != -1,
		Merging:      cfg.Merging,
		OutputOrigin: cfg.OutputOrigin,
	})
	if err != nil {
		return nil, err
	}
	return &AggregationStage{cfg: cfg, watermark: watermark, trigger: trigger}, nil
}

// WatermarkProcessor exposes the stage's progress tracker, e.g. for
// checkpointing through a SnapshotStore.
func (s *AggregationStage) WatermarkProcessor() *MultiOriginWatermarkProcessor { return s.watermark }

func (s *AggregationStage) Setup(engine.PipelineExecutionContext) error { return nil }

func (s *AggregationStage) Execute(buf memory.TupleBuffer, ctx engine.PipelineExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowWidth := s.cfg.Layout.FieldsPerTuple * 8
	count := int(buf.NumberOfTuples())
	data := buf.Buffer()
	if count*rowWidth > len(data) {
		return fmt.Errorf("buffer claims %d tuples of %d bytes but holds only %d bytes", count, rowWidth, len(data))
	}

	maxTs := buf.Watermark()
	for i := 0; i < count; i++ {
		base := i * rowWidth
		ts := nes.WatermarkTs(binary.LittleEndian.Uint64(data[base+s.cfg.Layout.TimestampField*8:]))

		var key uint64
		if s.cfg.Layout.KeyField != -1 {
			key = binary.LittleEndian.Uint64(data[base+s.cfg.Layout.KeyField*8:])
		}
		value := int64(binary.LittleEndian.Uint64(data[base+s.cfg.Layout.ValueField*8:]))

		add := s.cfg.Function.Add
		s.trigger.Store().Fold(key, ts, func(partial int64) int64 { return add(partial, value) })
		if ts > maxTs {
			maxTs = ts
		}
	}

	if err := s.watermark.UpdateWatermark(maxTs, buf.SequenceData(), buf.OriginId()); err != nil {
		return err
	}
	return s.trigger.Trigger(s.watermark.CurrentWatermark(), ctx)
}

func (s *AggregationStage) Stop(ctx engine.PipelineExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trigger.FlushAll(ctx)
}

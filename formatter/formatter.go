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

package formatter

import (
	"bytes"
	"fmt"
	"strings"

	"go.uber.org/zap"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/memory"
	"github.com/nebulastream/nebulastream-go/metrics"
)

// Policy decides what happens to a malformed record.
type Policy int

const (
	// PolicyFail fails the raw buffer, which fails the query.
	PolicyFail Policy = iota
	// PolicySkip counts the record and continues.
	PolicySkip
)

// Config drives one synchronous formatter stage.
type Config struct {
	Schema         Schema
	TupleDelimiter string // e.g. "\n"
	FieldDelimiter string // e.g. ","
	Policy         Policy
}

// stagedBuffer is a prior raw buffer whose trailing bytes form an
// incomplete tuple. tailOffset points just past the last tuple delimiter.
type stagedBuffer struct {
	buf        memory.TupleBuffer
	tailOffset int
}

// SyncFormatterStage converts raw byte buffers into formatted tuple
// buffers, synchronously on the worker executing it. A tuple may span raw
// buffer boundaries: buffers without a tuple delimiter are staged until a
// delimiter arrives, and the spanning tuple is materialized from the staged
// tails plus the head of the current buffer.
//
// Raw buffers use their tuple count as the number of valid payload bytes.
// Formatted buffers inherit the raw buffer's origin, sequence number and
// watermark; chunk numbers count the formatted buffers produced per raw
// sequence number, the final one marked terminal.
type SyncFormatterStage struct {
	cfg     Config
	parsers []parseFunc

	staged  []stagedBuffer
	lastSeq nes.SequenceNumber
	origin  nes.OriginId
	skipped uint64
}

// NewSyncFormatterStage validates the configuration and derives the
// per-column parse functions.
func NewSyncFormatterStage(cfg Config) (*SyncFormatterStage, error) {
	if cfg.TupleDelimiter == "" || cfg.FieldDelimiter == "" {
		return nil, fmt.Errorf("tuple and field delimiters must be non-empty")
	}
	parsers, err := cfg.Schema.compileParsers()
	if err != nil {
		return nil, err
	}
	return &SyncFormatterStage{cfg: cfg, parsers: parsers}, nil
}

func (f *SyncFormatterStage) Setup(engine.PipelineExecutionContext) error { return nil }

func (f *SyncFormatterStage) Execute(raw memory.TupleBuffer, ctx engine.PipelineExecutionContext) error {
	data := raw.Buffer()[:raw.NumberOfTuples()]
	f.lastSeq = raw.SequenceNumber()
	f.origin = raw.OriginId()

	out := newOutputWriter(f, raw.SequenceNumber(), raw.Watermark(), ctx)

	first := bytes.Index(data, []byte(f.cfg.TupleDelimiter))
	if first < 0 {
		// no tuple ends here: the whole buffer is a trailing fragment. An
		// empty terminal chunk still closes this sequence number so
		// downstream watermark tracking can advance past it.
		f.staged = append(f.staged, stagedBuffer{buf: raw.Retain(), tailOffset: 0})
		return out.finish()
	}

	// materialize the tuple spanning the staged buffers and our head
	spanning := f.takeStagedTail()
	spanning = append(spanning, data[:first]...)
	if len(spanning) > 0 {
		if err := f.parseTuple(string(spanning), out, ctx); err != nil {
			return err
		}
	}

	// complete tuples fully contained in this buffer
	cursor := first + len(f.cfg.TupleDelimiter)
	for {
		next := bytes.Index(data[cursor:], []byte(f.cfg.TupleDelimiter))
		if next < 0 {
			break
		}
		tuple := data[cursor : cursor+next]
		if len(tuple) > 0 {
			if err := f.parseTuple(string(tuple), out, ctx); err != nil {
				return err
			}
		}
		cursor += next + len(f.cfg.TupleDelimiter)
	}

	// stage the trailing fragment, delimiter-terminated buffers stage an
	// empty tail
	f.staged = append(f.staged, stagedBuffer{buf: raw.Retain(), tailOffset: cursor})

	return out.finish()
}

// Stop flushes the final spanning tuple accumulated across the staged
// buffers.
func (f *SyncFormatterStage) Stop(ctx engine.PipelineExecutionContext) error {
	spanning := f.takeStagedTail()
	if len(spanning) == 0 {
		return nil
	}

	out := newOutputWriter(f, f.lastSeq+1, 0, ctx)
	if err := f.parseTuple(string(spanning), out, ctx); err != nil {
		return err
	}
	return out.finish()
}

// takeStagedTail concatenates and releases the trailing fragments of all
// staged buffers.
func (f *SyncFormatterStage) takeStagedTail() []byte {
	var tail []byte
	for _, staged := range f.staged {
		end := int(staged.buf.NumberOfTuples())
		tail = append(tail, staged.buf.Buffer()[staged.tailOffset:end]...)
		staged.buf.Release()
	}
	f.staged = nil
	return tail
}

func (f *SyncFormatterStage) parseTuple(tuple string, out *outputWriter, ctx engine.PipelineExecutionContext) error {
	fields := strings.Split(tuple, f.cfg.FieldDelimiter)
	if len(fields) != len(f.cfg.Schema) {
		return f.handleMalformed(&SchemaParseError{
			Field: "tuple",
			Value: tuple,
			Err:   fmt.Errorf("expected %d fields, got %d", len(f.cfg.Schema), len(fields)),
		})
	}

	buf, offset, err := out.nextTupleSlot()
	if err != nil {
		return err
	}

	for i, rawField := range fields {
		dst := buf.Buffer()[offset+i*FieldSize:]
		if err := f.parsers[i](rawField, dst, buf, ctx.BufferManager()); err != nil {
			out.dropLastTupleSlot()
			var parseErr *SchemaParseError
			if pe, ok := err.(*SchemaParseError); ok {
				parseErr = pe
			} else {
				return err
			}
			return f.handleMalformed(parseErr)
		}
	}
	out.commitTupleSlot()
	return nil
}

func (f *SyncFormatterStage) handleMalformed(err *SchemaParseError) error {
	if f.cfg.Policy == PolicySkip {
		f.skipped++
		metrics.MalformedTuples.Inc()
		zlog.Debug("skipping malformed tuple", zap.Error(err))
		return nil
	}
	return err
}

// SkippedTuples reports how many malformed records the skip policy dropped.
func (f *SyncFormatterStage) SkippedTuples() uint64 { return f.skipped }

// outputWriter fills formatted buffers tuple by tuple. A full buffer is
// held until the next tuple arrives so the final buffer of a raw sequence
// number always carries the terminal chunk mark.
type outputWriter struct {
	formatter *SyncFormatterStage
	ctx       engine.PipelineExecutionContext
	seq       nes.SequenceNumber
	watermark nes.WatermarkTs
	chunk     nes.ChunkNumber

	buf       memory.TupleBuffer
	haveBuf   bool
	tuples    uint64
	committed uint64
	capacity  uint64
}

func newOutputWriter(f *SyncFormatterStage, seq nes.SequenceNumber, watermark nes.WatermarkTs, ctx engine.PipelineExecutionContext) *outputWriter {
	return &outputWriter{
		formatter: f,
		ctx:       ctx,
		seq:       seq,
		watermark: watermark,
		chunk:     nes.InitialChunkNumber,
	}
}

// nextTupleSlot returns the buffer and byte offset for the next formatted
// tuple, emitting the previous buffer if it is full.
func (w *outputWriter) nextTupleSlot() (memory.TupleBuffer, int, error) {
	if w.haveBuf && w.tuples == w.capacity {
		if err := w.emit(false); err != nil {
			return memory.TupleBuffer{}, 0, err
		}
	}
	if !w.haveBuf {
		buf, err := w.ctx.AllocateTupleBuffer()
		if err != nil {
			return memory.TupleBuffer{}, 0, err
		}
		w.buf = buf
		w.haveBuf = true
		w.tuples = 0
		w.committed = 0
		w.capacity = uint64(buf.BufferSize() / w.formatter.cfg.Schema.TupleSize())
		if w.capacity == 0 {
			return memory.TupleBuffer{}, 0, fmt.Errorf("buffer size %d cannot hold one tuple of %d bytes", buf.BufferSize(), w.formatter.cfg.Schema.TupleSize())
		}
	}

	offset := int(w.tuples) * w.formatter.cfg.Schema.TupleSize()
	w.tuples++
	return w.buf, offset, nil
}

func (w *outputWriter) commitTupleSlot()   { w.committed = w.tuples }
func (w *outputWriter) dropLastTupleSlot() { w.tuples = w.committed }

func (w *outputWriter) emit(last bool) error {
	if !w.haveBuf {
		return nil
	}
	w.tuples = w.committed
	if w.tuples == 0 && !last {
		return nil
	}

	w.buf.SetNumberOfTuples(w.tuples)
	w.buf.SetOriginId(w.formatter.origin)
	w.buf.SetSequenceNumber(w.seq)
	w.buf.SetChunkNumber(w.chunk)
	w.buf.SetLastChunk(last)
	w.buf.SetWatermark(w.watermark)

	err := w.ctx.EmitBuffer(w.buf, engine.ContinuationPossible)
	w.buf.Release()
	w.haveBuf = false
	w.chunk++
	return err
}

// finish emits the remaining buffer with the terminal chunk mark. When no
// tuple was produced for this sequence number at all, an empty terminal
// buffer closes the sequence so watermark tracking can advance past it.
func (w *outputWriter) finish() error {
	if !w.haveBuf {
		buf, err := w.ctx.AllocateTupleBuffer()
		if err != nil {
			return err
		}
		w.buf = buf
		w.haveBuf = true
		w.tuples = 0
		w.committed = 0
	}
	return w.emit(true)
}

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

package memory

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	nes "github.com/nebulastream/nebulastream-go"
)

// controlBlock is the shared ownership state of one pooled region. All
// TupleBuffer views over the region (copies and child slices) share it.
type controlBlock struct {
	data []byte
	refs atomic.Int32
	bm   *BufferManager

	// child buffers attached for variable-sized field storage, released when
	// the region returns to the pool
	mu       sync.Mutex
	children []TupleBuffer
}

// bufferMetadata carries the routing identity of one buffer view. Metadata
// must be set before a buffer is handed to a successor's Execute.
type bufferMetadata struct {
	numberOfTuples uint64
	originId       nes.OriginId
	sequenceNumber nes.SequenceNumber
	chunkNumber    nes.ChunkNumber
	lastChunk      bool
	watermark      nes.WatermarkTs
}

// TupleBuffer is a view over a fixed-size region of pooled memory plus the
// metadata that routes it through a query. Copying a TupleBuffer must go
// through Retain (refcount++); dropping one goes through Release
// (refcount--). When the count reaches zero the region returns to its pool.
type TupleBuffer struct {
	cb   *controlBlock
	data []byte
	meta *bufferMetadata
}

// IsValid reports whether this view points at a live region.
func (b TupleBuffer) IsValid() bool { return b.cb != nil }

// Retain increments the region's reference count and returns a view sharing
// this buffer's metadata.
func (b TupleBuffer) Retain() TupleBuffer {
	b.cb.refs.Inc()
	return b
}

// Release decrements the region's reference count, returning it to the pool
// when the count reaches zero.
func (b TupleBuffer) Release() {
	if left := b.cb.refs.Dec(); left == 0 {
		b.cb.bm.recycle(b.cb)
	} else if left < 0 {
		panic(fmt.Errorf("tuple buffer released more often than retained (refs %d)", left))
	}
}

// MakeChildSlice returns a new view over a sub-range of this buffer. The
// child shares the parent's ownership (the parent's region cannot be recycled
// while the child is alive) but carries its own metadata.
func (b TupleBuffer) MakeChildSlice(offset, size int) TupleBuffer {
	if offset < 0 || size < 0 || offset+size > len(b.data) {
		panic(fmt.Errorf("child slice [%d:%d) out of range for buffer of %d bytes", offset, offset+size, len(b.data)))
	}
	b.cb.refs.Inc()
	return TupleBuffer{cb: b.cb, data: b.data[offset : offset+size], meta: &bufferMetadata{}}
}

// AttachChild stores a child buffer alongside this one, retaining it until
// this buffer's region returns to the pool. It returns the index under which
// the child can be loaded back. Used for variable-sized field storage.
func (b TupleBuffer) AttachChild(child TupleBuffer) uint32 {
	b.cb.mu.Lock()
	defer b.cb.mu.Unlock()
	b.cb.children = append(b.cb.children, child.Retain())
	return uint32(len(b.cb.children) - 1)
}

// LoadChild returns the child buffer stored under the given index.
func (b TupleBuffer) LoadChild(idx uint32) TupleBuffer {
	b.cb.mu.Lock()
	defer b.cb.mu.Unlock()
	return b.cb.children[idx]
}

// Buffer returns the raw bytes of this view.
func (b TupleBuffer) Buffer() []byte { return b.data }

// BufferSize returns the size in bytes of this view.
func (b TupleBuffer) BufferSize() int { return len(b.data) }

func (b TupleBuffer) NumberOfTuples() uint64     { return b.meta.numberOfTuples }
func (b TupleBuffer) SetNumberOfTuples(n uint64) { b.meta.numberOfTuples = n }

func (b TupleBuffer) OriginId() nes.OriginId      { return b.meta.originId }
func (b TupleBuffer) SetOriginId(id nes.OriginId) { b.meta.originId = id }

func (b TupleBuffer) SequenceNumber() nes.SequenceNumber     { return b.meta.sequenceNumber }
func (b TupleBuffer) SetSequenceNumber(s nes.SequenceNumber) { b.meta.sequenceNumber = s }

func (b TupleBuffer) ChunkNumber() nes.ChunkNumber     { return b.meta.chunkNumber }
func (b TupleBuffer) SetChunkNumber(c nes.ChunkNumber) { b.meta.chunkNumber = c }

func (b TupleBuffer) IsLastChunk() bool      { return b.meta.lastChunk }
func (b TupleBuffer) SetLastChunk(last bool) { b.meta.lastChunk = last }

func (b TupleBuffer) Watermark() nes.WatermarkTs      { return b.meta.watermark }
func (b TupleBuffer) SetWatermark(ts nes.WatermarkTs) { b.meta.watermark = ts }

// SequenceData returns the buffer's routing identity as one value.
func (b TupleBuffer) SequenceData() nes.SequenceData {
	return nes.SequenceData{
		SequenceNumber: b.meta.sequenceNumber,
		ChunkNumber:    b.meta.chunkNumber,
		LastChunk:      b.meta.lastChunk,
	}
}

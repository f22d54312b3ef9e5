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

package nebulastream

// QueryId identifies one query for its whole lifetime. Ids are assigned
// monotonically by the engine and never reused within a process.
type QueryId uint64

// OriginId is the logical identity of a source. Every buffer a source emits
// carries its OriginId, which drives per-source sequence numbering and
// watermark tracking.
type OriginId uint64

// InvalidOriginId is the zero origin. Sources must be configured with a
// non-zero origin before a query starts.
const InvalidOriginId OriginId = 0

// PipelineId identifies one pipeline stage within a query plan.
type PipelineId uint64

// WorkerThreadId identifies the worker thread currently driving a pipeline
// execution context.
type WorkerThreadId int

// SequenceNumber is assigned per origin, monotonically, starting at
// InitialSequenceNumber.
type SequenceNumber uint64

// ChunkNumber subdivides one logical sequence number into multiple physical
// buffers. Chunks run from InitialChunkNumber up to a buffer marked as the
// last chunk.
type ChunkNumber uint64

const (
	InitialSequenceNumber SequenceNumber = 1
	InitialChunkNumber    ChunkNumber    = 1
)

// WatermarkTs is an event-time bound in milliseconds below which no more
// input is expected.
type WatermarkTs uint64

// SequenceData is the routing identity of one buffer: which sequence number
// it belongs to, which chunk of that sequence number it is, and whether it is
// the terminal chunk.
type SequenceData struct {
	SequenceNumber SequenceNumber
	ChunkNumber    ChunkNumber
	LastChunk      bool
}

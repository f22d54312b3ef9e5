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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	nes "github.com/nebulastream/nebulastream-go"
)

func terminalSeq(seq uint64) nes.SequenceData {
	return nes.SequenceData{SequenceNumber: nes.SequenceNumber(seq), ChunkNumber: 1, LastChunk: true}
}

func TestSingleOriginWatermarkAdvances(t *testing.T) {
	wp, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1})
	require.NoError(t, err)

	previous := wp.CurrentWatermark()
	for seq := uint64(1); seq <= 1000; seq++ {
		require.NoError(t, wp.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), 1))
		current := wp.CurrentWatermark()
		require.GreaterOrEqual(t, current, previous, "watermark must be monotonically non-decreasing")
		require.LessOrEqual(t, current, nes.WatermarkTs(seq))
		previous = current
	}
	require.Equal(t, nes.WatermarkTs(1000), wp.CurrentWatermark())
}

func TestMultiOriginWatermarkIsMinimumOverOrigins(t *testing.T) {
	origins := []nes.OriginId{1, 2, 3}
	wp, err := NewMultiOriginWatermarkProcessor(origins)
	require.NoError(t, err)

	// every origin emits sequences 1..5, the last origin trails behind
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, wp.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), 1))
		require.NoError(t, wp.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), 2))
		if seq < 5 {
			require.NoError(t, wp.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), 3))
		}
	}

	require.Equal(t, nes.WatermarkTs(4), wp.CurrentWatermark(), "origin 3 has not terminated seq 5 yet")

	require.NoError(t, wp.UpdateWatermark(5, terminalSeq(5), 3))
	require.Equal(t, nes.WatermarkTs(5), wp.CurrentWatermark())
}

func TestOutOfOrderSequenceNumbers(t *testing.T) {
	wp, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1})
	require.NoError(t, err)

	require.NoError(t, wp.UpdateWatermark(3, terminalSeq(3), 1))
	require.NoError(t, wp.UpdateWatermark(2, terminalSeq(2), 1))
	require.Equal(t, nes.WatermarkTs(0), wp.CurrentWatermark(), "seq 1 is still missing")

	require.NoError(t, wp.UpdateWatermark(1, terminalSeq(1), 1))
	require.Equal(t, nes.WatermarkTs(3), wp.CurrentWatermark(), "frontier jumps over the buffered sequences")
}

func TestOutOfOrderChunksCloseOnlyOnTerminal(t *testing.T) {
	wp, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1})
	require.NoError(t, err)

	chunk := func(seq, chunk uint64, last bool) nes.SequenceData {
		return nes.SequenceData{SequenceNumber: nes.SequenceNumber(seq), ChunkNumber: nes.ChunkNumber(chunk), LastChunk: last}
	}

	require.NoError(t, wp.UpdateWatermark(10, chunk(1, 2, false), 1))
	require.NoError(t, wp.UpdateWatermark(10, chunk(1, 3, true), 1))
	require.Equal(t, nes.WatermarkTs(0), wp.CurrentWatermark(), "chunk 1 is still missing")

	require.NoError(t, wp.UpdateWatermark(10, chunk(1, 1, false), 1))
	require.Equal(t, nes.WatermarkTs(10), wp.CurrentWatermark())

	seq, err := wp.CurrentSequenceNumber(1)
	require.NoError(t, err)
	require.Equal(t, nes.SequenceNumber(1), seq)
}

func TestConcurrentWatermarkUpdates(t *testing.T) {
	const updates = 10000
	const threads = 8

	wp, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1})
	require.NoError(t, err)

	next := make(chan uint64, updates)
	for seq := uint64(1); seq <= updates; seq++ {
		next <- seq
	}
	close(next)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range next {
				_ = wp.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), 1)
				current := wp.CurrentWatermark()
				if current > updates {
					t.Errorf("watermark %d beyond the largest update", current)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, nes.WatermarkTs(updates), wp.CurrentWatermark())
}

func TestUnknownOriginRejected(t *testing.T) {
	wp, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1})
	require.NoError(t, err)
	require.Error(t, wp.UpdateWatermark(1, terminalSeq(1), 42))
}

func TestSnapshotRestoreYieldsSameWatermark(t *testing.T) {
	origins := []nes.OriginId{1, 2, 3}
	wp, err := NewMultiOriginWatermarkProcessor(origins)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 50; seq++ {
		for _, origin := range origins {
			require.NoError(t, wp.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), origin))
		}
	}
	// pending out-of-order entries beyond the frontier
	require.NoError(t, wp.UpdateWatermark(80, terminalSeq(80), 1))
	require.NoError(t, wp.UpdateWatermark(90, nes.SequenceData{SequenceNumber: 90, ChunkNumber: 1, LastChunk: false}, 2))

	snapshot, err := wp.Snapshot()
	require.NoError(t, err)

	restored, err := NewMultiOriginWatermarkProcessor(origins)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snapshot))
	require.Equal(t, wp.CurrentWatermark(), restored.CurrentWatermark())

	// both processors keep agreeing as the pending entries resolve
	for seq := uint64(51); seq <= 85; seq++ {
		require.NoError(t, wp.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), 1))
		require.NoError(t, restored.UpdateWatermark(nes.WatermarkTs(seq), terminalSeq(seq), 1))
		require.Equal(t, wp.CurrentWatermark(), restored.CurrentWatermark())
	}
}

func TestSnapshotRoundTripIsStable(t *testing.T) {
	wp, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1, 2})
	require.NoError(t, err)
	require.NoError(t, wp.UpdateWatermark(1, terminalSeq(1), 1))
	require.NoError(t, wp.UpdateWatermark(7, terminalSeq(7), 2))

	first, err := wp.Snapshot()
	require.NoError(t, err)

	restored, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1, 2})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(first))

	second, err := restored.Snapshot()
	require.NoError(t, err)
	require.Equal(t, first, second, "snapshot -> restore -> snapshot must serialize identically")
}

func TestRestoreRejectsMismatchedOrigins(t *testing.T) {
	wp, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1, 2})
	require.NoError(t, err)
	snapshot, err := wp.Snapshot()
	require.NoError(t, err)

	other, err := NewMultiOriginWatermarkProcessor([]nes.OriginId{1, 3})
	require.NoError(t, err)
	require.Error(t, other.Restore(snapshot))
}

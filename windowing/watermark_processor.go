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
	"fmt"
	"sync"

	nes "github.com/nebulastream/nebulastream-go"
)

// pendingSequence buffers out-of-order chunks of one sequence number until
// the terminal chunk has arrived and all predecessor sequence numbers are
// complete.
type pendingSequence struct {
	chunksSeen    map[nes.ChunkNumber]bool
	terminalChunk nes.ChunkNumber // 0 while the terminal chunk is unknown
	watermark     nes.WatermarkTs
}

func (p *pendingSequence) complete() bool {
	return p.terminalChunk != 0 && len(p.chunksSeen) == int(p.terminalChunk)
}

// originState is the per-origin frontier. Each origin carries its own lock
// so writers from distinct origins do not contend.
type originState struct {
	mu sync.Mutex

	// largest sequence number such that all chunks of all sequence numbers
	// up to and including it are known terminal
	currentSeq       nes.SequenceNumber
	currentWatermark nes.WatermarkTs

	pending map[nes.SequenceNumber]*pendingSequence
}

// MultiOriginWatermarkProcessor tracks progress for a statically known set
// of origins and derives the engine-visible watermark: the minimum over all
// origins of the event-time watermark at each origin's fully-complete
// frontier.
type MultiOriginWatermarkProcessor struct {
	order   []nes.OriginId
	origins map[nes.OriginId]*originState
}

// NewMultiOriginWatermarkProcessor creates a processor for the given origin
// set. The set is fixed for the processor's lifetime.
func NewMultiOriginWatermarkProcessor(origins []nes.OriginId) (*MultiOriginWatermarkProcessor, error) {
	if len(origins) == 0 {
		return nil, fmt.Errorf("watermark processor needs at least one origin")
	}
	p := &MultiOriginWatermarkProcessor{
		order:   append([]nes.OriginId(nil), origins...),
		origins: make(map[nes.OriginId]*originState, len(origins)),
	}
	for _, origin := range origins {
		if _, seen := p.origins[origin]; seen {
			return nil, fmt.Errorf("duplicate origin %d", origin)
		}
		p.origins[origin] = &originState{pending: make(map[nes.SequenceNumber]*pendingSequence)}
	}
	return p, nil
}

// UpdateWatermark records that the buffer identified by seqData with
// event-time watermark ts has been fully seen for the given origin. The
// per-origin frontier advances while the next sequence number is complete,
// evicting superseded bookkeeping as it goes.
func (p *MultiOriginWatermarkProcessor) UpdateWatermark(ts nes.WatermarkTs, seqData nes.SequenceData, origin nes.OriginId) error {
	state, found := p.origins[origin]
	if !found {
		return fmt.Errorf("watermark update for unknown origin %d", origin)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if seqData.SequenceNumber <= state.currentSeq {
		// superseded, the frontier already passed this sequence number
		return nil
	}

	pending, exists := state.pending[seqData.SequenceNumber]
	if !exists {
		pending = &pendingSequence{chunksSeen: make(map[nes.ChunkNumber]bool)}
		state.pending[seqData.SequenceNumber] = pending
	}
	pending.chunksSeen[seqData.ChunkNumber] = true
	if seqData.LastChunk {
		pending.terminalChunk = seqData.ChunkNumber
	}
	if ts > pending.watermark {
		pending.watermark = ts
	}

	for {
		next, ok := state.pending[state.currentSeq+1]
		if !ok || !next.complete() {
			break
		}
		delete(state.pending, state.currentSeq+1)
		state.currentSeq++
		if next.watermark > state.currentWatermark {
			state.currentWatermark = next.watermark
		}
	}
	return nil
}

// CurrentWatermark returns the minimum over all origins of the per-origin
// watermark. It is monotonically non-decreasing for a fixed origin set.
func (p *MultiOriginWatermarkProcessor) CurrentWatermark() nes.WatermarkTs {
	var min nes.WatermarkTs
	for i, origin := range p.order {
		state := p.origins[origin]
		state.mu.Lock()
		wm := state.currentWatermark
		state.mu.Unlock()
		if i == 0 || wm < min {
			min = wm
		}
	}
	return min
}

// CurrentSequenceNumber returns the fully-complete frontier of one origin.
func (p *MultiOriginWatermarkProcessor) CurrentSequenceNumber(origin nes.OriginId) (nes.SequenceNumber, error) {
	state, found := p.origins[origin]
	if !found {
		return 0, fmt.Errorf("unknown origin %d", origin)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.currentSeq, nil
}

// Origins returns the configured origin set in configuration order.
func (p *MultiOriginWatermarkProcessor) Origins() []nes.OriginId {
	return append([]nes.OriginId(nil), p.order...)
}

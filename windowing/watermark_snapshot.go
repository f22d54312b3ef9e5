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
	"sort"

	"github.com/hamba/avro"

	nes "github.com/nebulastream/nebulastream-go"
)

// snapshotVersion prefixes every serialized watermark snapshot.
const snapshotVersion byte = 1

var snapshotSchema = avro.MustParse(`{
	"type": "array",
	"items": {
		"type": "record",
		"name": "OriginWatermark",
		"fields": [
			{"name": "originId", "type": "long"},
			{"name": "currentSeq", "type": "long"},
			{"name": "currentWatermark", "type": "long"},
			{"name": "pending", "type": {
				"type": "array",
				"items": {
					"type": "record",
					"name": "PendingEntry",
					"fields": [
						{"name": "seq", "type": "long"},
						{"name": "chunk", "type": "long"},
						{"name": "terminal", "type": "boolean"},
						{"name": "watermark", "type": "long"}
					]
				}
			}}
		]
	}
}`)

type pendingEntryRecord struct {
	Seq       int64 `avro:"seq"`
	Chunk     int64 `avro:"chunk"`
	Terminal  bool  `avro:"terminal"`
	Watermark int64 `avro:"watermark"`
}

type originWatermarkRecord struct {
	OriginId         int64                `avro:"originId"`
	CurrentSeq       int64                `avro:"currentSeq"`
	CurrentWatermark int64                `avro:"currentWatermark"`
	Pending          []pendingEntryRecord `avro:"pending"`
}

// Snapshot serializes the full processor state: per-origin frontier plus all
// pending out-of-order entries, version-prefixed. Restoring the snapshot
// into a processor with the same origin set yields the same watermark.
func (p *MultiOriginWatermarkProcessor) Snapshot() ([]byte, error) {
	records := make([]originWatermarkRecord, 0, len(p.order))
	for _, origin := range p.order {
		state := p.origins[origin]
		state.mu.Lock()

		record := originWatermarkRecord{
			OriginId:         int64(origin),
			CurrentSeq:       int64(state.currentSeq),
			CurrentWatermark: int64(state.currentWatermark),
			Pending:          []pendingEntryRecord{},
		}
		for seq, pending := range state.pending {
			for chunk := range pending.chunksSeen {
				record.Pending = append(record.Pending, pendingEntryRecord{
					Seq:       int64(seq),
					Chunk:     int64(chunk),
					Terminal:  pending.terminalChunk == chunk,
					Watermark: int64(pending.watermark),
				})
			}
		}
		state.mu.Unlock()

		sort.Slice(record.Pending, func(i, j int) bool {
			if record.Pending[i].Seq != record.Pending[j].Seq {
				return record.Pending[i].Seq < record.Pending[j].Seq
			}
			return record.Pending[i].Chunk < record.Pending[j].Chunk
		})
		records = append(records, record)
	}

	payload, err := avro.Marshal(snapshotSchema, records)
	if err != nil {
		return nil, fmt.Errorf("encoding watermark snapshot: %w", err)
	}
	return append([]byte{snapshotVersion}, payload...), nil
}

// Restore replaces the processor state with a snapshot previously produced
// by Snapshot. The snapshot's origin set must match the processor's.
func (p *MultiOriginWatermarkProcessor) Restore(snapshot []byte) error {
	if len(snapshot) == 0 {
		return fmt.Errorf("empty watermark snapshot")
	}
	if snapshot[0] != snapshotVersion {
		return fmt.Errorf("unsupported watermark snapshot version %d", snapshot[0])
	}

	var records []originWatermarkRecord
	if err := avro.Unmarshal(snapshotSchema, snapshot[1:], &records); err != nil {
		return fmt.Errorf("decoding watermark snapshot: %w", err)
	}

	if len(records) != len(p.origins) {
		return fmt.Errorf("snapshot has %d origins, processor has %d", len(records), len(p.origins))
	}
	for _, record := range records {
		if _, found := p.origins[nes.OriginId(record.OriginId)]; !found {
			return fmt.Errorf("snapshot origin %d is not configured on this processor", record.OriginId)
		}
	}

	for _, record := range records {
		state := p.origins[nes.OriginId(record.OriginId)]
		state.mu.Lock()
		state.currentSeq = nes.SequenceNumber(record.CurrentSeq)
		state.currentWatermark = nes.WatermarkTs(record.CurrentWatermark)
		state.pending = make(map[nes.SequenceNumber]*pendingSequence)
		for _, entry := range record.Pending {
			seq := nes.SequenceNumber(entry.Seq)
			pending, exists := state.pending[seq]
			if !exists {
				pending = &pendingSequence{chunksSeen: make(map[nes.ChunkNumber]bool)}
				state.pending[seq] = pending
			}
			pending.chunksSeen[nes.ChunkNumber(entry.Chunk)] = true
			if entry.Terminal {
				pending.terminalChunk = nes.ChunkNumber(entry.Chunk)
			}
			if wm := nes.WatermarkTs(entry.Watermark); wm > pending.watermark {
				pending.watermark = wm
			}
		}
		state.mu.Unlock()
	}
	return nil
}

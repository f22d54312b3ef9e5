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

	nes "github.com/nebulastream/nebulastream-go"
)

// WindowDefinition describes a time-based window: tumbling when Slide equals
// Size, sliding otherwise. Both are in event-time milliseconds.
type WindowDefinition struct {
	Size  uint64
	Slide uint64
}

// NewTumblingWindow returns a window that tumbles every size milliseconds.
func NewTumblingWindow(size uint64) WindowDefinition {
	return WindowDefinition{Size: size, Slide: size}
}

// NewSlidingWindow returns a window of the given size sliding every slide
// milliseconds.
func NewSlidingWindow(size, slide uint64) WindowDefinition {
	return WindowDefinition{Size: size, Slide: slide}
}

func (w WindowDefinition) validate() error {
	if w.Size == 0 || w.Slide == 0 {
		return fmt.Errorf("window size and slide must be non-zero")
	}
	return nil
}

// PaneSize returns the atomic slice width: the window size for tumbling
// windows, gcd(size, slide) for sliding windows.
func (w WindowDefinition) PaneSize() uint64 {
	return gcd(w.Size, w.Slide)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Slice is one pane: a minimal non-overlapping time interval carrying a
// partial aggregate and a record count.
type Slice[A any] struct {
	Start       nes.WatermarkTs // inclusive
	End         nes.WatermarkTs // exclusive
	Aggregate   A
	RecordCount uint64
}

// SliceStore keeps, per key, chronologically ordered slices with partial
// aggregates. Slices are created lazily; for a pane width P the slice
// containing t spans [⌊t/P⌋·P, ⌊t/P⌋·P+P).
type SliceStore[A any] struct {
	window  WindowDefinition
	pane    uint64
	initial func() A
	byKey   map[uint64][]*Slice[A]
}

// NewSliceStore builds a store for the given window; initial produces the
// aggregate's neutral value for a fresh slice.
func NewSliceStore[A any](window WindowDefinition, initial func() A) (*SliceStore[A], error) {
	if err := window.validate(); err != nil {
		return nil, err
	}
	return &SliceStore[A]{
		window:  window,
		pane:    window.PaneSize(),
		initial: initial,
		byKey:   make(map[uint64][]*Slice[A]),
	}, nil
}

// Fold locates (or creates) the slice containing ts for the given key and
// folds one record into its partial aggregate.
func (s *SliceStore[A]) Fold(key uint64, ts nes.WatermarkTs, fold func(A) A) {
	slice := s.sliceFor(key, ts)
	slice.Aggregate = fold(slice.Aggregate)
	slice.RecordCount++
}

func (s *SliceStore[A]) sliceFor(key uint64, ts nes.WatermarkTs) *Slice[A] {
	start := nes.WatermarkTs(uint64(ts) / s.pane * s.pane)

	slices := s.byKey[key]
	idx := sort.Search(len(slices), func(i int) bool { return slices[i].Start >= start })
	if idx < len(slices) && slices[idx].Start == start {
		return slices[idx]
	}

	slice := &Slice[A]{
		Start:     start,
		End:       start + nes.WatermarkTs(s.pane),
		Aggregate: s.initial(),
	}
	slices = append(slices, nil)
	copy(slices[idx+1:], slices[idx:])
	slices[idx] = slice
	s.byKey[key] = slices
	return slice
}

// Keys returns all keys with live slices in ascending order.
func (s *SliceStore[A]) Keys() []uint64 {
	keys := make([]uint64, 0, len(s.byKey))
	for key := range s.byKey {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Slices returns the key's slices ordered by start timestamp.
func (s *SliceStore[A]) Slices(key uint64) []*Slice[A] {
	return s.byKey[key]
}

// CombineRange combines all slices of key fully contained in [start, end)
// into one partial aggregate, reporting the record count and whether any
// slice contributed.
func (s *SliceStore[A]) CombineRange(key uint64, start, end nes.WatermarkTs, combine func(a, b A) A) (A, uint64, bool) {
	aggregate := s.initial()
	var count uint64
	var any bool
	for _, slice := range s.byKey[key] {
		if slice.Start >= end {
			break
		}
		if slice.Start >= start && slice.End <= end {
			aggregate = combine(aggregate, slice.Aggregate)
			count += slice.RecordCount
			any = true
		}
	}
	return aggregate, count, any
}

// MaxSliceEnd returns the largest slice end across all keys, or false when
// the store is empty.
func (s *SliceStore[A]) MaxSliceEnd() (nes.WatermarkTs, bool) {
	var max nes.WatermarkTs
	var any bool
	for _, slices := range s.byKey {
		if len(slices) == 0 {
			continue
		}
		if end := slices[len(slices)-1].End; !any || end > max {
			max = end
			any = true
		}
	}
	return max, any
}

// Evict drops slices that end at or before the given bound. Keys left
// without slices are removed.
func (s *SliceStore[A]) Evict(bound nes.WatermarkTs) {
	for key, slices := range s.byKey {
		idx := 0
		for idx < len(slices) && slices[idx].End <= bound {
			idx++
		}
		if idx == 0 {
			continue
		}
		if idx == len(slices) {
			delete(s.byKey, key)
			continue
		}
		s.byKey[key] = append([]*Slice[A](nil), slices[idx:]...)
	}
}

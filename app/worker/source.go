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

package worker

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/memory"
)

// fileSource reads a file into raw buffers on its own goroutine, one
// sequence number per buffer, the buffer's tuple count holding the payload
// byte length. The worker pool never blocks on this I/O; backpressure
// applies through buffer acquisition.
type fileSource struct {
	path   string
	origin nes.OriginId
	bm     *memory.BufferManager

	cancel context.CancelFunc
	group  *errgroup.Group
}

func newFileSource(path string, origin nes.OriginId, bm *memory.BufferManager) *fileSource {
	return &fileSource{path: path, origin: origin, bm: bm}
}

func (s *fileSource) Start(emit engine.SourceEmitFn, onStop func(), onFailure func(error)) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening source file %q: %w", s.path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error {
		defer file.Close()

		seq := nes.InitialSequenceNumber
		for {
			if ctx.Err() != nil {
				onStop()
				return nil
			}

			buf, err := s.bm.GetBufferBlocking()
			if err != nil {
				onStop()
				return nil
			}

			n, err := file.Read(buf.Buffer())
			if n > 0 {
				buf.SetNumberOfTuples(uint64(n))
				buf.SetOriginId(s.origin)
				buf.SetSequenceNumber(seq)
				buf.SetChunkNumber(nes.InitialChunkNumber)
				buf.SetLastChunk(true)
				seq++
				emit(buf)
			} else {
				buf.Release()
			}

			if err == io.EOF {
				onStop()
				return nil
			}
			if err != nil {
				onFailure(fmt.Errorf("reading source file %q: %w", s.path, err))
				return nil
			}
		}
	})
	return nil
}

func (s *fileSource) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	return s.group.Wait()
}

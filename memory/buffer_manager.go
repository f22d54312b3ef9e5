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

	"go.uber.org/zap"
)

// ErrBufferManagerShutdown is returned by GetBufferBlocking when the buffer
// manager was shut down while the caller was waiting for a free buffer.
var ErrBufferManagerShutdown = fmt.Errorf("buffer manager is shutting down")

// BufferManager owns a fixed pool of equal-sized memory regions. Acquiring a
// buffer when the pool is empty blocks the caller, which is the engine's only
// backpressure mechanism. Buffers return to the pool when their reference
// count drops to zero.
type BufferManager struct {
	bufferSize int
	poolSize   int

	free         chan *controlBlock
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewBufferManager allocates poolSize regions of bufferSize bytes each. Both
// values are fixed for the lifetime of the manager.
func NewBufferManager(bufferSize, poolSize int) *BufferManager {
	if bufferSize <= 0 || poolSize <= 0 {
		panic(fmt.Errorf("invalid buffer manager configuration: buffer size %d, pool size %d", bufferSize, poolSize))
	}

	bm := &BufferManager{
		bufferSize: bufferSize,
		poolSize:   poolSize,
		free:       make(chan *controlBlock, poolSize),
		shutdown:   make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		bm.free <- &controlBlock{data: make([]byte, bufferSize), bm: bm}
	}
	return bm
}

// BufferSize returns the fixed size in bytes of every buffer in the pool.
func (bm *BufferManager) BufferSize() int { return bm.bufferSize }

// PoolSize returns the total number of buffers owned by this manager.
func (bm *BufferManager) PoolSize() int { return bm.poolSize }

// AvailableBuffers returns the number of buffers currently free.
func (bm *BufferManager) AvailableBuffers() int { return len(bm.free) }

// GetBufferBlocking returns a fresh buffer with a zeroed metadata block and a
// tuple count of zero. It blocks until a buffer is free, or until the manager
// shuts down, in which case it fails with ErrBufferManagerShutdown so
// pipelines can unwind.
func (bm *BufferManager) GetBufferBlocking() (TupleBuffer, error) {
	select {
	case cb := <-bm.free:
		return bm.lease(cb), nil
	default:
	}

	select {
	case cb := <-bm.free:
		return bm.lease(cb), nil
	case <-bm.shutdown:
		return TupleBuffer{}, ErrBufferManagerShutdown
	}
}

// TryGetBuffer is the non-blocking variant of GetBufferBlocking.
func (bm *BufferManager) TryGetBuffer() (TupleBuffer, bool) {
	select {
	case cb := <-bm.free:
		return bm.lease(cb), true
	default:
		return TupleBuffer{}, false
	}
}

// Shutdown unblocks all waiters. Buffers still in flight return to the pool
// as their owners release them.
func (bm *BufferManager) Shutdown() {
	bm.shutdownOnce.Do(func() {
		zlog.Debug("shutting down buffer manager", zap.Int("pool_size", bm.poolSize))
		close(bm.shutdown)
	})
}

func (bm *BufferManager) lease(cb *controlBlock) TupleBuffer {
	cb.refs.Store(1)
	return TupleBuffer{cb: cb, data: cb.data, meta: &bufferMetadata{}}
}

func (bm *BufferManager) recycle(cb *controlBlock) {
	cb.mu.Lock()
	children := cb.children
	cb.children = nil
	cb.mu.Unlock()
	for _, child := range children {
		child.Release()
	}

	bm.free <- cb
}

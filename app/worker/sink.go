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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/memory"
)

// consoleSink prints each row of fixed-width 64-bit fields, one line per
// tuple. It is the terminal stage of the demo plan.
type consoleSink struct {
	fieldsPerTuple int
	out            io.Writer
}

func newConsoleSink(fieldsPerTuple int) *consoleSink {
	return &consoleSink{fieldsPerTuple: fieldsPerTuple, out: os.Stdout}
}

func (s *consoleSink) Setup(engine.PipelineExecutionContext) error { return nil }

func (s *consoleSink) Execute(buf memory.TupleBuffer, _ engine.PipelineExecutionContext) error {
	rowWidth := s.fieldsPerTuple * 8
	count := int(buf.NumberOfTuples())
	data := buf.Buffer()
	if count*rowWidth > len(data) {
		return fmt.Errorf("buffer claims %d tuples of %d bytes but holds only %d bytes", count, rowWidth, len(data))
	}

	for i := 0; i < count; i++ {
		fields := make([]string, s.fieldsPerTuple)
		for j := 0; j < s.fieldsPerTuple; j++ {
			fields[j] = fmt.Sprintf("%d", binary.LittleEndian.Uint64(data[i*rowWidth+j*8:]))
		}
		fmt.Fprintln(s.out, strings.Join(fields, ","))
	}

	zlog.Debug("sink wrote rows",
		zap.Int("rows", count),
		zap.Uint64("sequence", uint64(buf.SequenceNumber())))
	return nil
}

func (s *consoleSink) Stop(engine.PipelineExecutionContext) error { return nil }

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
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/nebulastream/nebulastream-go/memory"
)

// FieldType enumerates the physical types the formatter can parse.
type FieldType int

const (
	FieldInt64 FieldType = iota
	FieldUint64
	FieldFloat64
	FieldBool
	FieldText
)

func (t FieldType) String() string {
	switch t {
	case FieldInt64:
		return "int64"
	case FieldUint64:
		return "uint64"
	case FieldFloat64:
		return "float64"
	case FieldBool:
		return "bool"
	case FieldText:
		return "text"
	}
	return "unknown"
}

// Field is one named, typed column.
type Field struct {
	Name string
	Type FieldType
}

// Schema is the ordered column list of one formatted tuple. Every formatted
// field occupies eight bytes: numerics store their bit pattern, booleans
// store zero or one, text stores a (child index, length) pair pointing into
// variable-sized storage attached to the output buffer.
type Schema []Field

// FieldSize is the fixed width of every formatted field.
const FieldSize = 8

// TupleSize returns the formatted tuple width in bytes.
func (s Schema) TupleSize() int { return len(s) * FieldSize }

// SchemaParseError reports one malformed raw field. Depending on the
// formatter policy it either fails the raw buffer or is counted and
// skipped.
type SchemaParseError struct {
	Field string
	Value string
	Err   error
}

func (e *SchemaParseError) Error() string {
	return fmt.Sprintf("parsing field %q from %q: %s", e.Field, e.Value, e.Err)
}

func (e *SchemaParseError) Unwrap() error { return e.Err }

// parseFunc converts one raw field into its formatted representation at
// dst. Text fields copy into a child buffer attached to out.
type parseFunc func(raw string, dst []byte, out memory.TupleBuffer, bm *memory.BufferManager) error

// compileParsers derives the per-column type-specialized parse functions
// once from the schema. Numeric parsing is strict.
func (s Schema) compileParsers() ([]parseFunc, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("schema has no fields")
	}

	parsers := make([]parseFunc, len(s))
	for i, field := range s {
		field := field
		switch field.Type {
		case FieldInt64:
			parsers[i] = func(raw string, dst []byte, _ memory.TupleBuffer, _ *memory.BufferManager) error {
				v, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return &SchemaParseError{Field: field.Name, Value: raw, Err: err}
				}
				binary.LittleEndian.PutUint64(dst, uint64(v))
				return nil
			}
		case FieldUint64:
			parsers[i] = func(raw string, dst []byte, _ memory.TupleBuffer, _ *memory.BufferManager) error {
				v, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					return &SchemaParseError{Field: field.Name, Value: raw, Err: err}
				}
				binary.LittleEndian.PutUint64(dst, v)
				return nil
			}
		case FieldFloat64:
			parsers[i] = func(raw string, dst []byte, _ memory.TupleBuffer, _ *memory.BufferManager) error {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return &SchemaParseError{Field: field.Name, Value: raw, Err: err}
				}
				binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
				return nil
			}
		case FieldBool:
			parsers[i] = func(raw string, dst []byte, _ memory.TupleBuffer, _ *memory.BufferManager) error {
				v, err := strconv.ParseBool(raw)
				if err != nil {
					return &SchemaParseError{Field: field.Name, Value: raw, Err: err}
				}
				var bits uint64
				if v {
					bits = 1
				}
				binary.LittleEndian.PutUint64(dst, bits)
				return nil
			}
		case FieldText:
			parsers[i] = func(raw string, dst []byte, out memory.TupleBuffer, bm *memory.BufferManager) error {
				if len(raw) > bm.BufferSize() {
					return &SchemaParseError{Field: field.Name, Value: raw, Err: fmt.Errorf("text of %d bytes exceeds buffer size", len(raw))}
				}
				child, err := bm.GetBufferBlocking()
				if err != nil {
					return err
				}
				copy(child.Buffer(), raw)
				child.SetNumberOfTuples(uint64(len(raw)))
				idx := out.AttachChild(child)
				child.Release()

				binary.LittleEndian.PutUint32(dst[0:], idx)
				binary.LittleEndian.PutUint32(dst[4:], uint32(len(raw)))
				return nil
			}
		default:
			return nil, fmt.Errorf("field %q has unsupported type %d", field.Name, field.Type)
		}
	}
	return parsers, nil
}

// ReadText resolves a formatted text field back into its bytes.
func ReadText(out memory.TupleBuffer, fieldData []byte) []byte {
	idx := binary.LittleEndian.Uint32(fieldData[0:])
	length := binary.LittleEndian.Uint32(fieldData[4:])
	child := out.LoadChild(idx)
	return child.Buffer()[:length]
}

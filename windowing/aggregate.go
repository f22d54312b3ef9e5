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

import "math"

// AggregateFunction describes one windowed aggregate over int64 values as a
// lift/combine/lower triple: Add folds one value into a partial aggregate,
// Combine merges two partials, Lower turns the combined partial into the
// final value (given the record count, so AVG can divide).
type AggregateFunction struct {
	Name    string
	Initial int64
	Add     func(partial, value int64) int64
	Combine func(a, b int64) int64
	Lower   func(combined int64, count uint64) int64
}

func identityLower(combined int64, _ uint64) int64 { return combined }

// SumAggregate sums values.
func SumAggregate() AggregateFunction {
	return AggregateFunction{
		Name:    "sum",
		Add:     func(partial, value int64) int64 { return partial + value },
		Combine: func(a, b int64) int64 { return a + b },
		Lower:   identityLower,
	}
}

// CountAggregate counts records; the value field is ignored.
func CountAggregate() AggregateFunction {
	return AggregateFunction{
		Name:    "count",
		Add:     func(partial, _ int64) int64 { return partial + 1 },
		Combine: func(a, b int64) int64 { return a + b },
		Lower:   identityLower,
	}
}

// MinAggregate keeps the smallest value.
func MinAggregate() AggregateFunction {
	return AggregateFunction{
		Name:    "min",
		Initial: math.MaxInt64,
		Add: func(partial, value int64) int64 {
			if value < partial {
				return value
			}
			return partial
		},
		Combine: func(a, b int64) int64 {
			if a < b {
				return a
			}
			return b
		},
		Lower: identityLower,
	}
}

// MaxAggregate keeps the largest value.
func MaxAggregate() AggregateFunction {
	return AggregateFunction{
		Name:    "max",
		Initial: math.MinInt64,
		Add: func(partial, value int64) int64 {
			if value > partial {
				return value
			}
			return partial
		},
		Combine: func(a, b int64) int64 {
			if a > b {
				return a
			}
			return b
		},
		Lower: identityLower,
	}
}

// AvgAggregate sums values and divides by the record count on lowering.
func AvgAggregate() AggregateFunction {
	return AggregateFunction{
		Name:    "avg",
		Add:     func(partial, value int64) int64 { return partial + value },
		Combine: func(a, b int64) int64 { return a + b },
		Lower: func(combined int64, count uint64) int64 {
			if count == 0 {
				return 0
			}
			return combined / int64(count)
		},
	}
}

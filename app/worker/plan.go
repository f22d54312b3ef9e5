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
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	nes "github.com/nebulastream/nebulastream-go"
	"github.com/nebulastream/nebulastream-go/engine"
	"github.com/nebulastream/nebulastream-go/formatter"
	"github.com/nebulastream/nebulastream-go/windowing"
)

// PlanSpec is the on-disk description of the demo query: a CSV file source,
// the synchronous input formatter, a windowed aggregation and a console
// sink. Query planning proper lives outside this worker; this loader only
// instantiates an already-decided physical plan.
type PlanSpec struct {
	Source struct {
		Path   string `yaml:"path"`
		Origin uint64 `yaml:"origin"`
	} `yaml:"source"`

	Schema []struct {
		Name string `yaml:"name"`
		Type string `yaml:"type"`
	} `yaml:"schema"`

	TupleDelimiter string `yaml:"tuple_delimiter"`
	FieldDelimiter string `yaml:"field_delimiter"`
	SkipMalformed  bool   `yaml:"skip_malformed"`

	Window struct {
		SizeMs  uint64 `yaml:"size_ms"`
		SlideMs uint64 `yaml:"slide_ms"`
	} `yaml:"window"`

	Aggregate struct {
		Function   string `yaml:"function"`
		TsField    int    `yaml:"ts_field"`
		KeyField   int    `yaml:"key_field"`
		ValueField int    `yaml:"value_field"`
	} `yaml:"aggregate"`
}

// LoadPlanSpec parses a plan file.
func LoadPlanSpec(path string) (*PlanSpec, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file %q: %w", path, err)
	}
	spec := &PlanSpec{}
	if err := yaml.Unmarshal(content, spec); err != nil {
		return nil, fmt.Errorf("parsing plan file %q: %w", path, err)
	}
	return spec, nil
}

func fieldTypeFromName(name string) (formatter.FieldType, error) {
	switch name {
	case "int64":
		return formatter.FieldInt64, nil
	case "uint64":
		return formatter.FieldUint64, nil
	case "float64":
		return formatter.FieldFloat64, nil
	case "bool":
		return formatter.FieldBool, nil
	case "text":
		return formatter.FieldText, nil
	}
	return 0, fmt.Errorf("unknown field type %q", name)
}

func aggregateFromName(name string) (windowing.AggregateFunction, error) {
	switch name {
	case "sum":
		return windowing.SumAggregate(), nil
	case "count":
		return windowing.CountAggregate(), nil
	case "min":
		return windowing.MinAggregate(), nil
	case "max":
		return windowing.MaxAggregate(), nil
	case "avg":
		return windowing.AvgAggregate(), nil
	}
	return windowing.AggregateFunction{}, fmt.Errorf("unknown aggregate function %q", name)
}

// BuiltPlan is an instantiated physical plan plus the handles the worker
// keeps for checkpointing.
type BuiltPlan struct {
	Plan        *engine.InstantiatedQueryPlan
	Aggregation *windowing.AggregationStage
}

// BuildPlan instantiates the physical plan described by spec against the
// given engine.
func BuildPlan(spec *PlanSpec, eng *engine.QueryEngine) (*BuiltPlan, error) {
	origin := nes.OriginId(spec.Source.Origin)
	if origin == nes.InvalidOriginId {
		return nil, fmt.Errorf("source origin must be non-zero")
	}

	schema := make(formatter.Schema, 0, len(spec.Schema))
	for _, field := range spec.Schema {
		fieldType, err := fieldTypeFromName(field.Type)
		if err != nil {
			return nil, err
		}
		schema = append(schema, formatter.Field{Name: field.Name, Type: fieldType})
	}

	policy := formatter.PolicyFail
	if spec.SkipMalformed {
		policy = formatter.PolicySkip
	}
	formatterStage, err := formatter.NewSyncFormatterStage(formatter.Config{
		Schema:         schema,
		TupleDelimiter: spec.TupleDelimiter,
		FieldDelimiter: spec.FieldDelimiter,
		Policy:         policy,
	})
	if err != nil {
		return nil, fmt.Errorf("building formatter: %w", err)
	}

	function, err := aggregateFromName(spec.Aggregate.Function)
	if err != nil {
		return nil, err
	}
	window := windowing.WindowDefinition{Size: spec.Window.SizeMs, Slide: spec.Window.SlideMs}
	if window.Slide == 0 {
		window.Slide = window.Size
	}
	aggregationStage, err := windowing.NewAggregationStage(windowing.AggregationConfig{
		Window:   window,
		Function: function,
		Origins:  []nes.OriginId{origin},
		Layout: windowing.RowLayout{
			FieldsPerTuple: len(schema),
			TimestampField: spec.Aggregate.TsField,
			KeyField:       spec.Aggregate.KeyField,
			ValueField:     spec.Aggregate.ValueField,
		},
		OutputOrigin: origin,
	})
	if err != nil {
		return nil, fmt.Errorf("building aggregation: %w", err)
	}

	sinkFields := 3 // startTs, endTs, value
	if spec.Aggregate.KeyField != -1 {
		sinkFields++
	}

	sink := &engine.PipelineDescriptor{Id: 3, Stage: newConsoleSink(sinkFields)}
	aggregation := &engine.PipelineDescriptor{Id: 2, Stage: aggregationStage, Successors: []*engine.PipelineDescriptor{sink}}
	formatting := &engine.PipelineDescriptor{Id: 1, Stage: formatterStage, Successors: []*engine.PipelineDescriptor{aggregation}}

	return &BuiltPlan{
		Plan: &engine.InstantiatedQueryPlan{
			Sources: []*engine.SourceDescriptor{{
				Origin:     origin,
				Source:     newFileSource(spec.Source.Path, origin, eng.BufferManager()),
				Successors: []*engine.PipelineDescriptor{formatting},
			}},
			Pipelines: []*engine.PipelineDescriptor{formatting, aggregation, sink},
		},
		Aggregation: aggregationStage,
	}, nil
}

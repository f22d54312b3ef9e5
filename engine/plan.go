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

package engine

import (
	"fmt"

	nes "github.com/nebulastream/nebulastream-go"
)

// PipelineDescriptor is one pipeline stage of an instantiated plan, with its
// ordered successors. Pipelines without successors are sinks.
type PipelineDescriptor struct {
	Id         nes.PipelineId
	Stage      PipelineStage
	Handlers   []OperatorHandler
	Successors []*PipelineDescriptor
}

// SourceDescriptor binds one source implementation to its origin and its
// immediate successor pipelines.
type SourceDescriptor struct {
	Origin     nes.OriginId
	Source     Source
	Successors []*PipelineDescriptor
}

// InstantiatedQueryPlan is a DAG of pipeline stages plus sources, ready to
// start.
type InstantiatedQueryPlan struct {
	Sources   []*SourceDescriptor
	Pipelines []*PipelineDescriptor
}

// validate rejects malformed plans before any resource is allocated. A cycle
// between pipelines is a planner bug and must be rejected at start time.
func (p *InstantiatedQueryPlan) validate() error {
	if len(p.Sources) == 0 {
		return fmt.Errorf("plan has no sources")
	}
	if len(p.Pipelines) == 0 {
		return fmt.Errorf("plan has no pipelines")
	}

	registered := make(map[*PipelineDescriptor]bool, len(p.Pipelines))
	for _, pd := range p.Pipelines {
		if pd.Stage == nil {
			return fmt.Errorf("pipeline %d has no stage", pd.Id)
		}
		registered[pd] = true
	}

	seenOrigins := make(map[nes.OriginId]bool, len(p.Sources))
	for _, sd := range p.Sources {
		if sd.Origin == nes.InvalidOriginId {
			return fmt.Errorf("source has invalid origin id")
		}
		if seenOrigins[sd.Origin] {
			return fmt.Errorf("duplicate origin id %d", sd.Origin)
		}
		seenOrigins[sd.Origin] = true
		if sd.Source == nil {
			return fmt.Errorf("source %d has no implementation", sd.Origin)
		}
		if len(sd.Successors) == 0 {
			return fmt.Errorf("source %d has no successors", sd.Origin)
		}
		for _, succ := range sd.Successors {
			if !registered[succ] {
				return fmt.Errorf("source %d references a pipeline not registered in the plan", sd.Origin)
			}
		}
	}

	// cycle detection, three-color DFS over the pipeline graph
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[*PipelineDescriptor]int, len(p.Pipelines))
	var visit func(pd *PipelineDescriptor) error
	visit = func(pd *PipelineDescriptor) error {
		switch colors[pd] {
		case gray:
			return fmt.Errorf("pipeline %d participates in a cycle", pd.Id)
		case black:
			return nil
		}
		colors[pd] = gray
		for _, succ := range pd.Successors {
			if !registered[succ] {
				return fmt.Errorf("pipeline %d references a pipeline not registered in the plan", pd.Id)
			}
			if err := visit(succ); err != nil {
				return err
			}
		}
		colors[pd] = black
		return nil
	}
	for _, pd := range p.Pipelines {
		if err := visit(pd); err != nil {
			return err
		}
	}
	return nil
}

/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bytes"
	"os"

	"github.com/pelletier/go-toml/v2"
	"goarrg.com/debug"
	"goarrg.com/rhi/rtx"
	"gopkg.in/yaml.v3"
)

type segmentDesc struct {
	Primitives  uint32 `toml:"primitives" yaml:"primitives"`
	Disabled    bool   `toml:"disabled" yaml:"disabled"`
	ForceOpaque bool   `toml:"force_opaque" yaml:"force_opaque"`
}

type geometryDesc struct {
	Name       string   `toml:"name" yaml:"name"`
	Procedural bool     `toml:"procedural" yaml:"procedural"`
	Indexed    bool     `toml:"indexed" yaml:"indexed"`
	Flags      []string `toml:"flags" yaml:"flags"`
	// Update rebuilds the geometry in place after the first build.
	Update   bool          `toml:"update" yaml:"update"`
	Segments []segmentDesc `toml:"segments" yaml:"segments"`
}

type instanceDesc struct {
	Geometry       string     `toml:"geometry" yaml:"geometry"`
	ID             uint32     `toml:"id" yaml:"id"`
	Mask           uint8      `toml:"mask" yaml:"mask"`
	HitGroupOffset uint32     `toml:"hit_group_offset" yaml:"hit_group_offset"`
	Translate      [3]float32 `toml:"translate" yaml:"translate"`
}

type hitGroupDesc struct {
	Name         string `toml:"name" yaml:"name"`
	AnyHit       bool   `toml:"any_hit" yaml:"any_hit"`
	Intersection bool   `toml:"intersection" yaml:"intersection"`
}

type pipelineDesc struct {
	Name              string         `toml:"name" yaml:"name"`
	RayGen            []string       `toml:"raygen" yaml:"raygen"`
	Miss              []string       `toml:"miss" yaml:"miss"`
	HitGroups         []hitGroupDesc `toml:"hit_groups" yaml:"hit_groups"`
	Callable          []string       `toml:"callable" yaml:"callable"`
	MaxRecursionDepth uint32         `toml:"max_recursion_depth" yaml:"max_recursion_depth"`
}

type shaderTableDesc struct {
	SlotsPerSegment uint32 `toml:"slots_per_segment" yaml:"slots_per_segment"`
	LocalDataSize   uint32 `toml:"local_data_size" yaml:"local_data_size"`
	InlineParams    bool   `toml:"inline_parameters" yaml:"inline_parameters"`
}

type dispatchDesc struct {
	RayGen   uint32 `toml:"raygen" yaml:"raygen"`
	Width    uint32 `toml:"width" yaml:"width"`
	Height   uint32 `toml:"height" yaml:"height"`
	Indirect bool   `toml:"indirect" yaml:"indirect"`
}

type sceneDesc struct {
	Name   string     `toml:"name" yaml:"name"`
	Config rtx.Config `toml:"config" yaml:"config"`
	// Ticks is the number of device ticks run between the first and second dispatch.
	Ticks      int             `toml:"ticks" yaml:"ticks"`
	Geometries []geometryDesc  `toml:"geometries" yaml:"geometries"`
	Instances  []instanceDesc  `toml:"instances" yaml:"instances"`
	Pipeline   pipelineDesc    `toml:"pipeline" yaml:"pipeline"`
	Table      shaderTableDesc `toml:"shader_table" yaml:"shader_table"`
	Dispatch   dispatchDesc    `toml:"dispatch" yaml:"dispatch"`
}

func defaultScene() sceneDesc {
	return sceneDesc{
		Name:   "scene",
		Config: rtx.DefaultConfig(),
		Ticks:  4,
		Table: shaderTableDesc{
			SlotsPerSegment: 1,
		},
		Dispatch: dispatchDesc{
			Width:  1,
			Height: 1,
		},
	}
}

func decodeScene(data []byte, format sceneFormat) (sceneDesc, error) {
	s := defaultScene()
	switch format {
	case formatTOML:
		d := toml.NewDecoder(bytes.NewReader(data))
		d.DisallowUnknownFields()
		if err := d.Decode(&s); err != nil {
			return s, debug.ErrorWrapf(err, "Failed to decode toml")
		}
	case formatYAML:
		d := yaml.NewDecoder(bytes.NewReader(data))
		d.KnownFields(true)
		if err := d.Decode(&s); err != nil {
			return s, debug.ErrorWrapf(err, "Failed to decode yaml")
		}
	default:
		return s, debug.Errorf("Invalid format: %d", format)
	}
	return s, s.validate()
}

func loadScene(name string, format sceneFormat) (sceneDesc, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return sceneDesc{}, debug.ErrorWrapf(err, "Failed to read %q", name)
	}
	s, err := decodeScene(data, format)
	if err != nil {
		return s, debug.ErrorWrapf(err, "Failed to load %q", name)
	}
	return s, nil
}

func (s *sceneDesc) validate() error {
	if len(s.Geometries) == 0 {
		return debug.Errorf("Scene %q has no geometries", s.Name)
	}
	names := map[string]struct{}{}
	for i, g := range s.Geometries {
		if g.Name == "" {
			return debug.Errorf("Geometry %d has no name", i)
		}
		if _, ok := names[g.Name]; ok {
			return debug.Errorf("Geometry %q is declared twice", g.Name)
		}
		names[g.Name] = struct{}{}
		if len(g.Segments) == 0 {
			return debug.Errorf("Geometry %q has no segments", g.Name)
		}
		total := uint32(0)
		for _, seg := range g.Segments {
			total += seg.Primitives
		}
		if total == 0 {
			return debug.Errorf("Geometry %q has no primitives", g.Name)
		}
		if g.Procedural && g.Indexed {
			return debug.Errorf("Geometry %q cannot be both procedural and indexed", g.Name)
		}
		if _, err := parseFlags(g.Flags); err != nil {
			return debug.ErrorWrapf(err, "Geometry %q", g.Name)
		}
	}
	for i, inst := range s.Instances {
		if _, ok := names[inst.Geometry]; !ok && inst.Geometry != "" {
			return debug.Errorf("Instance %d references unknown geometry %q", i, inst.Geometry)
		}
	}
	if len(s.Pipeline.RayGen) == 0 {
		return debug.Errorf("Pipeline %q has no raygen shader", s.Pipeline.Name)
	}
	if s.Dispatch.RayGen >= uint32(len(s.Pipeline.RayGen)) {
		return debug.Errorf("Dispatch raygen %d is out of range of %d raygen shaders", s.Dispatch.RayGen, len(s.Pipeline.RayGen))
	}
	if s.Ticks < 0 {
		return debug.Errorf("Ticks must be >= 0")
	}
	return nil
}

func parseFlags(names []string) (rtx.AccelerationStructureFlags, error) {
	flags := rtx.AccelerationStructureFlags(0)
	for _, n := range names {
		switch n {
		case "AllowUpdate":
			flags |= rtx.AccelerationStructureAllowUpdate
		case "AllowCompaction":
			flags |= rtx.AccelerationStructureAllowCompaction
		case "FastTrace":
			flags |= rtx.AccelerationStructureFastTrace
		case "FastBuild":
			flags |= rtx.AccelerationStructureFastBuild
		case "MinimizeMemory":
			flags |= rtx.AccelerationStructureMinimizeMemory
		default:
			return 0, debug.Errorf("Unknown acceleration structure flag %q", n)
		}
	}
	return flags, nil
}

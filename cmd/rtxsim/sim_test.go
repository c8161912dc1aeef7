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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goarrg.com/rhi/rtx"
)

func TestSceneFormat(t *testing.T) {
	tests := []struct {
		format sceneFormat
		name   string
		want   sceneFormat
		err    bool
	}{
		{formatAuto, "scene.toml", formatTOML, false},
		{formatAuto, "SCENE.YML", formatYAML, false},
		{formatAuto, "scene.yaml", formatYAML, false},
		{formatAuto, "scene.json", formatAuto, true},
		{formatTOML, "scene.json", formatTOML, false},
	}
	for _, test := range tests {
		got, err := test.format.resolve(test.name)
		if test.err {
			assert.Error(t, err, test.name)
			continue
		}
		require.NoError(t, err, test.name)
		assert.Equal(t, test.want, got, test.name)
	}

	var f sceneFormat
	require.NoError(t, f.UnmarshalText([]byte("yml")))
	assert.Equal(t, formatYAML, f)
	text, err := f.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "yaml", string(text))
	assert.Error(t, f.UnmarshalText([]byte("json")))
	_, err = sceneFormat(7).MarshalText()
	assert.Error(t, err)
}

func TestDecodeScene(t *testing.T) {
	s, err := loadScene("testdata/scene.toml", formatTOML)
	require.NoError(t, err)
	assert.Equal(t, "cornell", s.Name)
	assert.Equal(t, 2, s.Config.MaxBatchedCompaction)
	assert.Equal(t, 8, s.Config.PipelineCacheSize)
	assert.True(t, s.Config.ParallelPipelineCompile)
	require.Len(t, s.Geometries, 3)
	assert.Equal(t, []segmentDesc{{Primitives: 10}, {Primitives: 2, Disabled: true}}, s.Geometries[0].Segments)
	assert.True(t, s.Geometries[2].Procedural)
	assert.Equal(t, [3]float32{0.5, 0, 0.5}, s.Instances[1].Translate)
	assert.True(t, s.Pipeline.HitGroups[1].Intersection)
	assert.Equal(t, uint32(32), s.Table.LocalDataSize)
	assert.Equal(t, dispatchDesc{Width: 64, Height: 32}, s.Dispatch)

	s, err = loadScene("testdata/scene.yaml", formatYAML)
	require.NoError(t, err)
	assert.Equal(t, "shadows", s.Name)
	assert.False(t, s.Config.AllowCompaction)
	assert.Equal(t, uint32(rtx.DefaultStagingIdleTicks), s.Config.StagingIdleTicks)
	assert.True(t, s.Pipeline.HitGroups[0].AnyHit)
	assert.True(t, s.Table.InlineParams)
	assert.Equal(t, dispatchDesc{Width: 16, Height: 16, Indirect: true}, s.Dispatch)

	_, err = loadScene("testdata/missing.toml", formatTOML)
	assert.Error(t, err)
	_, err = decodeScene([]byte("name = \"x\"\nbogus = 1\n"), formatTOML)
	assert.Error(t, err)
	_, err = decodeScene([]byte("name: x\nbogus: 1\n"), formatYAML)
	assert.Error(t, err)
	_, err = decodeScene(nil, formatAuto)
	assert.Error(t, err)
}

func TestValidateScene(t *testing.T) {
	valid := func() sceneDesc {
		s := defaultScene()
		s.Geometries = []geometryDesc{{Name: "g", Segments: []segmentDesc{{Primitives: 1}}}}
		s.Instances = []instanceDesc{{Geometry: "g"}}
		s.Pipeline.RayGen = []string{"r"}
		return s
	}
	s := valid()
	require.NoError(t, s.validate())

	tests := map[string]func(*sceneDesc){
		"no geometries":  func(s *sceneDesc) { s.Geometries = nil },
		"no name":        func(s *sceneDesc) { s.Geometries[0].Name = "" },
		"duplicate":      func(s *sceneDesc) { s.Geometries = append(s.Geometries, s.Geometries[0]) },
		"no segments":    func(s *sceneDesc) { s.Geometries[0].Segments = nil },
		"no primitives":  func(s *sceneDesc) { s.Geometries[0].Segments[0].Primitives = 0 },
		"procedural+idx": func(s *sceneDesc) { s.Geometries[0].Procedural, s.Geometries[0].Indexed = true, true },
		"bad flag":       func(s *sceneDesc) { s.Geometries[0].Flags = []string{"Fast"} },
		"unknown geom":   func(s *sceneDesc) { s.Instances[0].Geometry = "h" },
		"no raygen":      func(s *sceneDesc) { s.Pipeline.RayGen = nil },
		"raygen range":   func(s *sceneDesc) { s.Dispatch.RayGen = 1 },
		"negative ticks": func(s *sceneDesc) { s.Ticks = -1 },
	}
	for name, modify := range tests {
		t.Run(name, func(t *testing.T) {
			s := valid()
			modify(&s)
			assert.Error(t, s.validate())
		})
	}

	flags, err := parseFlags([]string{"AllowUpdate", "FastBuild"})
	require.NoError(t, err)
	assert.Equal(t, rtx.AccelerationStructureAllowUpdate|rtx.AccelerationStructureFastBuild, flags)
}

func TestRunScenes(t *testing.T) {
	for _, opts := range []simOptions{{}, {immediate: true}, {noDeferredOps: true, unifiedMemory: true}} {
		s, err := loadScene("testdata/scene.toml", formatTOML)
		require.NoError(t, err)
		r := run(s, opts)
		assert.Empty(t, r.ValidationErrors)
		assert.Zero(t, r.LeakedBuffers)
		assert.Zero(t, r.LeakedStructures)
		require.Len(t, r.Dispatches, 2)
		assert.Equal(t, uint32(64), r.Dispatches[1].Width)
		assert.Equal(t, uint32(3), r.SceneInstances)
		assert.Equal(t, 1, r.SceneRebuilds)
		require.Len(t, r.Geometries, 3)
		assert.Equal(t, rtx.AccelerationStructureCompacted.String(), r.Geometries[0].State)
		assert.Equal(t, rtx.AccelerationStructureCompacted.String(), r.Geometries[1].State)
		assert.Equal(t, rtx.AccelerationStructureBuilt.String(), r.Geometries[2].State)

		_, err = json.Marshal(r)
		require.NoError(t, err)
	}

	s, err := loadScene("testdata/scene.yaml", formatYAML)
	require.NoError(t, err)
	r := run(s, simOptions{})
	assert.Empty(t, r.ValidationErrors)
	assert.Zero(t, r.LeakedBuffers)
	assert.Zero(t, r.SceneRebuilds)
	require.Len(t, r.Dispatches, 2)
	assert.Equal(t, [2]uint32{16, 16}, [2]uint32{r.Dispatches[0].Width, r.Dispatches[0].Height})
	assert.Equal(t, rtx.AccelerationStructureBuilt.String(), r.Geometries[0].State)
}

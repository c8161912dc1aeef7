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

package rtx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goarrg.com/rhi/rtx/driver/soft"
)

type namedResource string

func (n namedResource) Name() string {
	return string(n)
}

func newDispatchTable(t *testing.T, d *Device, p *RayTracingPipeline) *ShaderBindingTable {
	t.Helper()
	table := d.CreateShaderBindingTable(ShaderBindingTableInitializer{
		Name:                             "sbt",
		NumMissRecords:                   1,
		NumGeometrySegments:              1,
		NumShaderSlotsPerGeometrySegment: 1,
	})
	d.SetBindingsOnShaderBindingTable(table, p, []ShaderBinding{{}}, BindingTypeMiss)
	d.SetBindingsOnShaderBindingTable(table, p, []ShaderBinding{{}}, BindingTypeHitGroup)
	return table
}

func TestDispatchRays(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	p, err := d.CreateRayTracingPipeline(testPipelineInitializer("trace", 1, 1, 0))
	require.NoError(t, err)
	table := newDispatchTable(t, d, p)

	output := d.NewBuffer("output", 1024, BufferUsageStorageBuffer)
	d.DispatchRays(ctx, p, 0, table, []ResourceBinding{UAVBinding{Slot: 0, Buffer: output}}, 16, 8)
	assert.False(t, table.Dirty())
	ctx.SubmitAndWait()

	dispatches := drv.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, "trace", dispatches[0].Pipeline)
	assert.Equal(t, [3]uint32{16, 8, 1}, [3]uint32{dispatches[0].Width, dispatches[0].Height, dispatches[0].Depth})
	assert.Equal(t, uint64(32), dispatches[0].RayGen.Stride)
	assert.Equal(t, uint64(32), dispatches[0].RayGen.Size)
	assert.Zero(t, dispatches[0].HitGroup.Stride)
	assert.Zero(t, dispatches[0].Callable.Size)
	assert.Equal(t, p.Handles(ShaderTableStageRayGen), table.regions[ShaderTableStageRayGen].host[:32])

	require.Panics(t, func() { d.DispatchRays(ctx, p, 1, table, nil, 16, 8) })
	require.Panics(t, func() { d.DispatchRays(ctx, p, 0, table, nil, 1<<16, 1<<15) })

	d.DispatchRays(ctx, p, 0, table, nil, 0, 8)
	assert.False(t, ctx.HasPendingCommands())

	table.Destroy()
	output.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

func TestDispatchRaysIndirect(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	p, err := d.CreateRayTracingPipeline(testPipelineInitializer("indirect", 1, 1, 0))
	require.NoError(t, err)
	table := newDispatchTable(t, d, p)

	args := d.NewBuffer("args", 16, BufferUsageIndirectBuffer|BufferUsageDynamic)
	data := args.Lock(ctx, LockWriteOnly, 4, 12)
	binary.LittleEndian.PutUint32(data[0:], 4)
	binary.LittleEndian.PutUint32(data[4:], 2)
	binary.LittleEndian.PutUint32(data[8:], 1)
	args.Unlock(ctx)

	require.Panics(t, func() { d.DispatchRaysIndirect(ctx, p, 0, table, nil, args, 2) })
	require.Panics(t, func() { d.DispatchRaysIndirect(ctx, p, 0, table, nil, args, 8) })

	d.DispatchRaysIndirect(ctx, p, 0, table, nil, args, 4)
	ctx.SubmitAndWait()

	dispatches := drv.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, [3]uint32{4, 2, 1}, [3]uint32{dispatches[0].Width, dispatches[0].Height, dispatches[0].Depth})

	table.Destroy()
	args.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

func TestGlobalBarrier(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	_, skipped, ok := globalBarrier(nil)
	assert.Zero(t, skipped)
	assert.False(t, ok)

	buffer := d.NewBuffer("buffer", 256, BufferUsageStorageBuffer)
	barrier, skipped, ok := globalBarrier([]ResourceBinding{
		UAVBinding{Slot: 0, Buffer: buffer},
		SRVBinding{Slot: 0, Buffer: buffer},
		nil,
	})
	assert.Equal(t, 1, skipped)
	assert.True(t, ok)
	assert.Equal(t, PipelineStageRayTracingShader, barrier.Dst.Stage)
	assert.True(t, barrier.Dst.Access&AccessFlagShaderWrite != 0)

	_, skipped, ok = globalBarrier([]ResourceBinding{
		UAVBinding{Slot: 1},
		AccelerationStructureBinding{Slot: 2},
		TextureBinding{Slot: 3},
		SamplerBinding{Slot: 4},
		SamplerBinding{Slot: 5, Sampler: namedResource("linear")},
	})
	assert.Equal(t, 4, skipped)
	assert.False(t, ok)

	barrier, skipped, ok = globalBarrier([]ResourceBinding{
		TextureBinding{Slot: 0, Texture: namedResource("albedo")},
		BufferBinding{Slot: 1, Buffer: buffer},
	})
	assert.Zero(t, skipped)
	assert.True(t, ok)
	assert.True(t, barrier.Src.Access&AccessFlagHostWrite != 0)
	assert.True(t, barrier.Dst.Access&AccessFlagUniformRead != 0)

	scene := d.CreateScene(SceneInitializer{Name: "scene", MaxInstances: 1})
	buffer.Lock(ctx, LockWriteOnly, 0, 0)
	_, skipped, ok = globalBarrier([]ResourceBinding{
		AccelerationStructureBinding{Slot: 0, Scene: scene},
		SRVBinding{Slot: 1, Buffer: buffer},
	})
	assert.Equal(t, 2, skipped)
	assert.False(t, ok)
	buffer.Unlock(ctx)

	ctx.SubmitAndWait()
	scene.Destroy()
	buffer.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

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

package soft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goarrg.com/rhi/rtx/driver"
)

func hostBuffer(t *testing.T, d *Device, name string, size uint64) driver.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(driver.BufferDesc{
		Name:   name,
		Size:   size,
		Usage:  driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst,
		Memory: driver.MemoryHostVisible | driver.MemoryHostCoherent,
	})
	require.NoError(t, err)
	return b
}

func TestBufferAddresses(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, "soft", d.Properties().Name)

	a, err := d.CreateBuffer(driver.BufferDesc{Name: "a", Size: 100, Memory: driver.MemoryDeviceLocal})
	require.NoError(t, err)
	b, err := d.CreateBuffer(driver.BufferDesc{Name: "b", Size: 10, Alignment: 1024, Memory: driver.MemoryHostVisible})
	require.NoError(t, err)

	assert.Equal(t, uint64(baseAddress), a.DeviceAddress())
	assert.Equal(t, uint64(baseAddress+1024), b.DeviceAddress())
	assert.Nil(t, a.Mapped())
	assert.Len(t, b.Mapped(), 10)
	assert.Equal(t, uint64(110), d.AllocatedBytes())
	assert.Equal(t, 2, d.LiveBuffers())

	_, err = d.CreateBuffer(driver.BufferDesc{Name: "zero"})
	require.Error(t, err)
	_, err = d.CreateBuffer(driver.BufferDesc{Name: "odd", Size: 4, Alignment: 3})
	require.Error(t, err)

	buf, offset, ok := d.resolve(b.DeviceAddress()+4, 6)
	require.True(t, ok)
	assert.Equal(t, uint64(4), offset)
	assert.Same(t, b, driver.Buffer(buf))
	_, _, ok = d.resolve(b.DeviceAddress()+4, 7)
	assert.False(t, ok)

	a.Destroy()
	b.Destroy()
	assert.Zero(t, d.AllocatedBytes())
	assert.Empty(t, d.ValidationErrors())

	b.Destroy()
	require.Len(t, d.ValidationErrors(), 1)
	assert.Contains(t, d.ValidationErrors()[0], "Double destroy")
}

func TestMemoryBudget(t *testing.T) {
	d := New(Config{MemoryBudget: 1024})

	a, err := d.CreateBuffer(driver.BufferDesc{Name: "a", Size: 1000})
	require.NoError(t, err)
	_, err = d.CreateBuffer(driver.BufferDesc{Name: "b", Size: 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrorOutOfDeviceMemory{}))
	assert.False(t, errors.Is(err, driver.ErrorNotReady{}))

	a.Destroy()
	b, err := d.CreateBuffer(driver.BufferDesc{Name: "b", Size: 100})
	require.NoError(t, err)
	b.Destroy()
}

func TestQueueExecutesOnDemand(t *testing.T) {
	d := New(Config{})
	src := hostBuffer(t, d, "src", 16)
	dst := hostBuffer(t, d, "dst", 16)
	copy(src.Mapped(), "0123456789abcdef")

	cb := d.NewCommandBuffer("copy")
	cb.BeginLabel("upload")
	cb.CopyBuffer(src, dst, []driver.BufferCopy{{SrcOffset: 4, DstOffset: 0, Size: 4}})
	cb.EndLabel()
	q := d.Queue()
	v := q.Submit(cb)
	assert.Equal(t, uint64(1), v)
	assert.Zero(t, q.CompletedValue())
	assert.Equal(t, make([]byte, 16), d.BufferContents(dst))

	assert.True(t, d.Advance())
	assert.Equal(t, uint64(1), q.CompletedValue())
	assert.Equal(t, "4567", string(d.BufferContents(dst)[:4]))
	assert.False(t, d.Advance())
	assert.Equal(t, []string{"copy/upload: CopyBuffer \"src\" -> \"dst\""}, d.Commands())

	second := d.NewCommandBuffer("second")
	second.CopyBuffer(src, dst, []driver.BufferCopy{{SrcOffset: 8, DstOffset: 8, Size: 8}})
	third := d.NewCommandBuffer("third")
	third.CopyBuffer(src, dst, []driver.BufferCopy{{SrcOffset: 12, DstOffset: 0, Size: 8}})
	v2, v3 := q.Submit(second), q.Submit(third)
	q.Wait(v2)
	assert.Equal(t, v2, q.CompletedValue())
	d.Flush()
	assert.Equal(t, v3, q.CompletedValue())
	assert.Empty(t, d.Dispatches())

	// the out of range copy of third is reported, not executed
	require.Len(t, d.ValidationErrors(), 1)
	assert.Contains(t, d.ValidationErrors()[0], "out of range")

	q.Submit(third)
	third.CopyBuffer(src, dst, nil)
	open := d.NewCommandBuffer("open")
	open.BeginLabel("never closed")
	q.Submit(open)
	open.EndLabel()
	open.EndLabel()
	assert.Len(t, d.ValidationErrors(), 5)

	src.Destroy()
	dst.Destroy()
	d.ResetCommands()
	assert.Empty(t, d.Commands())
}

func TestImmediateQueue(t *testing.T) {
	d := New(Config{Immediate: true})
	src := hostBuffer(t, d, "src", 4)
	dst := hostBuffer(t, d, "dst", 4)
	copy(src.Mapped(), "rtx!")

	cb := d.NewCommandBuffer("copy")
	cb.CopyBuffer(src, dst, []driver.BufferCopy{{Size: 4}})
	v := d.Queue().Submit(cb)
	assert.Equal(t, v, d.Queue().CompletedValue())
	assert.Equal(t, "rtx!", string(dst.Mapped()))

	src.Destroy()
	late := d.NewCommandBuffer("late")
	late.CopyBuffer(src, dst, []driver.BufferCopy{{Size: 4}})
	d.Queue().Submit(late)
	require.Len(t, d.ValidationErrors(), 1)
	assert.Contains(t, d.ValidationErrors()[0], "destroyed buffer")
	dst.Destroy()
}

func TestBuildSizes(t *testing.T) {
	d := New(Config{})
	triangles := &driver.BuildGeometryInfo{
		Type:       driver.AccelerationStructureTypeBottomLevel,
		Geometries: []driver.Geometry{{Type: driver.GeometryTypeTriangles}, {Type: driver.GeometryTypeTriangles}},
	}
	assert.Equal(t, driver.BuildSizes{AccelerationStructureSize: 1152, BuildScratchSize: 544, UpdateScratchSize: 160},
		d.AccelerationStructureBuildSizes(triangles, []uint32{10, 2}))

	triangles.Flags = driver.BuildPreferFastBuild | driver.BuildLowMemory
	assert.Equal(t, driver.BuildSizes{AccelerationStructureSize: 1056, BuildScratchSize: 448, UpdateScratchSize: 160},
		d.AccelerationStructureBuildSizes(triangles, []uint32{10, 2}))

	aabbs := &driver.BuildGeometryInfo{
		Type:       driver.AccelerationStructureTypeBottomLevel,
		Geometries: []driver.Geometry{{Type: driver.GeometryTypeAABBs}},
	}
	assert.Equal(t, uint64(256+64+4*48), d.AccelerationStructureBuildSizes(aabbs, []uint32{4}).AccelerationStructureSize)

	instances := &driver.BuildGeometryInfo{
		Type:       driver.AccelerationStructureTypeTopLevel,
		Geometries: []driver.Geometry{{Type: driver.GeometryTypeInstances}},
	}
	assert.Equal(t, uint64(256+64+4*128), d.AccelerationStructureBuildSizes(instances, []uint32{4}).AccelerationStructureSize)
}

func TestCreateAccelerationStructure(t *testing.T) {
	d := New(Config{})
	storage, err := d.CreateBuffer(driver.BufferDesc{
		Name:   "storage",
		Size:   1024,
		Usage:  driver.BufferUsageAccelerationStructureStorage,
		Memory: driver.MemoryDeviceLocal,
	})
	require.NoError(t, err)
	plain := hostBuffer(t, d, "plain", 1024)

	for name, desc := range map[string]driver.AccelerationStructureDesc{
		"no buffer":  {Name: "a", Size: 256},
		"wrong use":  {Name: "a", Buffer: plain, Size: 256},
		"misaligned": {Name: "a", Buffer: storage, Offset: 128, Size: 256},
		"overflow":   {Name: "a", Buffer: storage, Offset: 768, Size: 512},
	} {
		_, err := d.CreateAccelerationStructure(desc)
		assert.Error(t, err, name)
	}

	as, err := d.CreateAccelerationStructure(driver.AccelerationStructureDesc{
		Name:   "blas",
		Type:   driver.AccelerationStructureTypeBottomLevel,
		Buffer: storage,
		Offset: 256,
		Size:   512,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceAddress()+256, as.DeviceAddress())
	assert.Equal(t, 1, d.LiveAccelerationStructures())

	pool, err := d.CreateQueryPool("sizes", 1)
	require.NoError(t, err)
	_, ok := pool.Results(0, 1)
	assert.False(t, ok)
	_, err = d.CreateQueryPool("empty", 0)
	require.Error(t, err)

	// querying an unbuilt structure is reported and reads back 0
	cb := d.NewCommandBuffer("query")
	cb.ResetQueryPool(pool, 0, 1)
	cb.WriteCompactedSizes([]driver.AccelerationStructure{as}, pool, 0)
	d.Queue().Wait(d.Queue().Submit(cb))
	sizes, ok := pool.Results(0, 1)
	require.True(t, ok)
	assert.Equal(t, []uint64{0}, sizes)
	require.Len(t, d.ValidationErrors(), 1)

	as.Destroy()
	as.Destroy()
	assert.Zero(t, d.LiveAccelerationStructures())
	assert.Len(t, d.ValidationErrors(), 2)
	storage.Destroy()
	plain.Destroy()
}

func testPipelineDesc(name string) driver.PipelineDesc {
	return driver.PipelineDesc{
		Name: name,
		Stages: []driver.ShaderModule{
			{Name: "rgen", Stage: driver.ShaderStageRayGen, EntryPoint: "main", Code: []byte{1}},
			{Name: "rmiss", Stage: driver.ShaderStageMiss, EntryPoint: "main", Code: []byte{2}},
		},
		Groups: []driver.ShaderGroup{
			{Type: driver.ShaderGroupGeneral, General: 0, ClosestHit: driver.ShaderUnused, AnyHit: driver.ShaderUnused, Intersection: driver.ShaderUnused},
			{Type: driver.ShaderGroupGeneral, General: 1, ClosestHit: driver.ShaderUnused, AnyHit: driver.ShaderUnused, Intersection: driver.ShaderUnused},
		},
		MaxRecursionDepth: 1,
	}
}

func TestPipelineHandles(t *testing.T) {
	d := New(Config{})

	p, err := d.CreateRayTracingPipeline(testPipelineDesc("serial"), nil)
	require.NoError(t, err)
	handles, err := d.ShaderGroupHandles(p, 0, 2)
	require.NoError(t, err)
	require.Len(t, handles, 64)
	assert.NotEqual(t, handles[:32], handles[32:])
	second, err := d.ShaderGroupHandles(p, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, handles[32:], second)
	_, err = d.ShaderGroupHandles(p, 1, 2)
	require.Error(t, err)

	op, err := d.CreateDeferredOperation()
	require.NoError(t, err)
	deferred, err := d.CreateRayTracingPipeline(testPipelineDesc("deferred"), op)
	require.NoError(t, err)
	_, err = d.ShaderGroupHandles(deferred, 0, 1)
	assert.True(t, errors.Is(err, driver.ErrorNotReady{}))
	assert.True(t, errors.Is(op.Result(), driver.ErrorNotReady{}))
	_, err = d.CreateRayTracingPipeline(testPipelineDesc("reused"), op)
	require.Error(t, err)

	assert.Equal(t, driver.DeferredDone, op.Join())
	assert.Equal(t, driver.DeferredDone, op.Join())
	require.NoError(t, op.Result())
	_, err = d.ShaderGroupHandles(deferred, 0, 2)
	require.NoError(t, err)

	bad := testPipelineDesc("bad")
	bad.Groups[1].General = 5
	_, err = d.CreateRayTracingPipeline(bad, nil)
	require.Error(t, err)

	deep := testPipelineDesc("deep")
	deep.MaxRecursionDepth = 32
	_, err = d.CreateRayTracingPipeline(deep, nil)
	require.Error(t, err)

	_, err = d.CreateRayTracingPipeline(driver.PipelineDesc{Name: "empty"}, nil)
	require.Error(t, err)

	_, err = New(Config{DisableDeferredOperations: true}).CreateDeferredOperation()
	require.Error(t, err)
}

func TestTraceRaysValidation(t *testing.T) {
	d := New(Config{})
	p, err := d.CreateRayTracingPipeline(testPipelineDesc("trace"), nil)
	require.NoError(t, err)
	table, err := d.CreateBuffer(driver.BufferDesc{
		Name:      "sbt",
		Size:      256,
		Alignment: 64,
		Usage:     driver.BufferUsageShaderBindingTable,
		Memory:    driver.MemoryDeviceLocal,
	})
	require.NoError(t, err)

	raygen := driver.StridedRegion{Address: table.DeviceAddress(), Stride: 32, Size: 32}
	miss := driver.StridedRegion{Address: table.DeviceAddress() + 64, Size: 32}

	unbound := d.NewCommandBuffer("unbound")
	unbound.TraceRays(raygen, miss, driver.StridedRegion{}, driver.StridedRegion{}, 1, 1, 1)
	d.Queue().Wait(d.Queue().Submit(unbound))
	require.Len(t, d.ValidationErrors(), 1)

	cb := d.NewCommandBuffer("trace")
	cb.BindRayTracingPipeline(p)
	cb.TraceRays(raygen, miss, driver.StridedRegion{}, driver.StridedRegion{}, 8, 4, 1)
	cb.TraceRays(driver.StridedRegion{}, miss, driver.StridedRegion{}, driver.StridedRegion{}, 1, 1, 1)
	cb.TraceRays(driver.StridedRegion{Address: raygen.Address, Stride: 32, Size: 64}, miss, driver.StridedRegion{}, driver.StridedRegion{}, 1, 1, 1)
	cb.TraceRays(raygen, driver.StridedRegion{Address: miss.Address, Stride: 48, Size: 96}, driver.StridedRegion{}, driver.StridedRegion{}, 1, 1, 1)
	cb.TraceRays(raygen, driver.StridedRegion{Address: miss.Address + 32, Size: 32}, driver.StridedRegion{}, driver.StridedRegion{}, 1, 1, 1)
	cb.TraceRays(raygen, driver.StridedRegion{Address: table.DeviceAddress() + 256, Size: 32}, driver.StridedRegion{}, driver.StridedRegion{}, 1, 1, 1)
	cb.TraceRays(raygen, miss, driver.StridedRegion{}, driver.StridedRegion{}, 1<<16, 1<<15, 1)
	d.Queue().Wait(d.Queue().Submit(cb))

	dispatches := d.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, Dispatch{Pipeline: "trace", Width: 8, Height: 4, Depth: 1, RayGen: raygen, Miss: miss}, dispatches[0])
	assert.Len(t, d.ValidationErrors(), 7)

	table.Destroy()
}

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

package managed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goarrg.com/rhi/rtx"
	"goarrg.com/rhi/rtx/driver/soft"
)

func newDevice(t *testing.T) (*soft.Device, *rtx.Device) {
	t.Helper()
	drv := soft.New(soft.Config{Immediate: true})
	return drv, rtx.NewDevice(drv, rtx.DefaultConfig())
}

func TestBindlessBufferArray(t *testing.T) {
	drv, d := newDevice(t)
	a := d.NewBuffer("a", 64, rtx.BufferUsageStorageBuffer)
	b := d.NewBuffer("b", 64, rtx.BufferUsageStorageBuffer)
	c := d.NewBuffer("c", 64, rtx.BufferUsageStorageBuffer)

	type bind struct {
		index  uint32
		buffer *rtx.Buffer
	}
	var binds []bind
	array := NewBindlessBufferArray("buffers", 2, func(index uint32, b *rtx.Buffer) {
		binds = append(binds, bind{index, b})
	})
	assert.Equal(t, 2, array.Available())
	assert.Equal(t, rtx.InvalidBindlessIndex, array.BindlessIndex(nil))

	assert.Equal(t, uint32(0), array.BindlessIndex(a))
	assert.Equal(t, uint32(1), array.BindlessIndex(b))
	assert.Equal(t, uint32(0), array.BindlessIndex(a))
	assert.Equal(t, []bind{{0, a}, {1, b}}, binds)
	assert.Equal(t, 2, array.Len())
	assert.Zero(t, array.Available())

	i, ok := array.Index(b)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), i)
	_, ok = array.Index(c)
	assert.False(t, ok)
	require.Panics(t, func() { array.BindlessIndex(c) })

	// the index stays bound until the command buffer has executed
	ctx := d.NewCommandContext("test")
	array.Pop(ctx.ActiveCommandBuffer(), a)
	array.Pop(ctx.ActiveCommandBuffer(), c)
	assert.Equal(t, 2, array.Len())
	ctx.Submit()
	d.Tick(nil)
	assert.Equal(t, 1, array.Len())
	assert.Equal(t, 1, array.Available())

	assert.Equal(t, uint32(0), array.BindlessIndex(c))
	assert.Equal(t, bind{0, c}, binds[len(binds)-1])

	array.Reset(ctx.ActiveCommandBuffer())
	assert.Equal(t, 2, array.Len())
	ctx.SubmitAndWait()
	d.Tick(nil)
	assert.Zero(t, array.Len())
	assert.Equal(t, 2, array.Available())
	assert.Equal(t, uint32(0), array.BindlessIndex(b))

	a.Destroy()
	b.Destroy()
	c.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

func TestBindlessBufferArrayPushAfterPop(t *testing.T) {
	drv, d := newDevice(t)
	ctx := d.NewCommandContext("test")
	a := d.NewBuffer("a", 64, rtx.BufferUsageStorageBuffer)
	b := d.NewBuffer("b", 64, rtx.BufferUsageStorageBuffer)

	array := NewBindlessBufferArray("buffers", 4, nil)
	assert.Equal(t, uint32(0), array.BindlessIndex(a))
	array.Pop(ctx.ActiveCommandBuffer(), a)
	assert.Equal(t, uint32(0), array.BindlessIndex(a))
	ctx.SubmitAndWait()
	d.Tick(nil)

	i, ok := array.Index(a)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), i)
	assert.Equal(t, uint32(1), array.BindlessIndex(b))

	a.Destroy()
	b.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

func TestBindlessBufferArrayPushAfterReset(t *testing.T) {
	drv, d := newDevice(t)
	ctx := d.NewCommandContext("test")
	a := d.NewBuffer("a", 64, rtx.BufferUsageStorageBuffer)
	b := d.NewBuffer("b", 64, rtx.BufferUsageStorageBuffer)
	c := d.NewBuffer("c", 64, rtx.BufferUsageStorageBuffer)

	array := NewBindlessBufferArray("buffers", 4, nil)
	assert.Equal(t, uint32(0), array.BindlessIndex(a))
	assert.Equal(t, uint32(1), array.BindlessIndex(b))
	array.Reset(ctx.ActiveCommandBuffer())
	assert.Equal(t, uint32(2), array.BindlessIndex(c))
	ctx.SubmitAndWait()
	d.Tick(nil)

	assert.Equal(t, 1, array.Len())
	i, ok := array.Index(c)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), i)
	_, ok = array.Index(a)
	assert.False(t, ok)

	// freed indices are reused without aliasing c
	assert.NotEqual(t, uint32(2), array.BindlessIndex(a))
	assert.NotEqual(t, uint32(2), array.BindlessIndex(b))
	assert.Equal(t, 1, array.Available())

	a.Destroy()
	b.Destroy()
	c.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

func TestBindlessBufferArrayCapacity(t *testing.T) {
	require.Panics(t, func() { NewBindlessBufferArray("empty", 0, nil) })
	require.Panics(t, func() { (&BindlessBufferArray{}).Len() })
}

func TestBindlessHitGroupParameters(t *testing.T) {
	drv, d := newDevice(t)
	ctx := d.NewCommandContext("test")

	array := NewBindlessBufferArray("buffers", 8, nil)
	d.SetBindlessAllocator(array)

	vertices := make([]byte, 9*4*2)
	vb := d.NewBufferWithData(ctx, "vertices", rtx.BufferUsageVertexBuffer|rtx.BufferUsageStorageBuffer, vertices)
	g := d.CreateGeometry(rtx.GeometryInitializer{
		Name: "mesh",
		BottomLevelDesc: rtx.BottomLevelDesc{
			Type: rtx.GeometryTypeTriangles,
			Segments: []rtx.GeometrySegment{
				{VertexBuffer: vb, VertexStride: 12, MaxVertices: 6, NumPrimitives: 1},
				{VertexBuffer: vb, VertexStride: 12, MaxVertices: 6, FirstPrimitive: 1, NumPrimitives: 1},
			},
		},
	})
	d.BuildAccelerationStructures(ctx, []rtx.GeometryBuildParams{{Geometry: g}}, rtx.BufferRange{})
	ctx.SubmitAndWait()

	params := g.HitGroupSystemParameters()
	require.Len(t, params, 2)
	i, ok := array.Index(vb)
	require.True(t, ok)
	for _, p := range params {
		assert.Equal(t, i, p.BindlessVertexBuffer)
		assert.Equal(t, rtx.InvalidBindlessIndex, p.BindlessIndexBuffer)
	}
	assert.Equal(t, uint32(1), params[1].FirstPrimitive)
	assert.Equal(t, 1, array.Len())

	g.Destroy()
	vb.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

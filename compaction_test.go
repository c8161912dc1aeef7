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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goarrg.com/rhi/rtx/driver/soft"
)

func TestCompactionImmediate(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{Immediate: true}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	g, vb := buildGeometry(d, ctx, "mesh", AccelerationStructureAllowCompaction, 12)
	require.Equal(t, AccelerationStructureCompactionPending, g.State())
	address := g.DeviceAddress()
	assert.Equal(t, uint64(1280), g.Sizes().ResultSize)

	d.Tick(nil)
	assert.Equal(t, CompactionStats{Active: 1}, d.CompactionStats())
	assert.Equal(t, AccelerationStructureCompactionPending, g.State())

	d.Tick(nil)
	assert.Equal(t, AccelerationStructureCompacted, g.State())
	assert.Equal(t, uint64(768), g.CompactedSize())
	assert.NotEqual(t, address, g.DeviceAddress())
	assert.Equal(t, CompactionStats{Compacted: 1, BytesSaved: 512}, d.CompactionStats())
	assert.NotNil(t, d.compaction.lastCompaction)

	d.Tick(nil)
	assert.Nil(t, d.compaction.lastCompaction)
	assert.JSONEq(t, `{"Pending": 0, "Active": 0, "Compacted": 1, "Skipped": 0, "BytesSaved": 512}`,
		prettyString(&CompactionStats{Compacted: 1, BytesSaved: 512}))

	require.Panics(t, func() {
		d.BuildAccelerationStructures(ctx, []GeometryBuildParams{{Geometry: g, Mode: BuildModeUpdate}}, BufferRange{})
	})

	g.Destroy()
	vb.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
	assert.Zero(t, drv.LiveAccelerationStructures())
}

func TestCompactionWaitsForResults(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	g, vb := buildGeometry(d, ctx, "mesh", AccelerationStructureAllowCompaction, 12)

	d.Tick(nil)
	w := d.compaction.activeWaiter
	require.NotNil(t, w)
	assert.True(t, d.IsCompactionUsing(w))
	assert.False(t, d.IsCompactionUsing(nil))

	d.Tick(nil)
	d.Tick(nil)
	assert.Equal(t, AccelerationStructureCompactionPending, g.State())
	assert.Equal(t, 1, d.CompactionStats().Active)

	drv.Flush()
	assert.False(t, d.IsCompactionUsing(w))

	d.Tick(nil)
	assert.Equal(t, AccelerationStructureCompacted, g.State())
	last := d.compaction.lastCompaction
	require.NotNil(t, last)
	assert.True(t, d.IsCompactionUsing(last))

	d.Tick(nil)
	assert.NotNil(t, d.compaction.lastCompaction)
	drv.Flush()
	d.Tick(nil)
	assert.Nil(t, d.compaction.lastCompaction)

	g.Destroy()
	vb.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
	assert.Zero(t, drv.LiveAccelerationStructures())
}

func TestCompactionBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchedCompaction = 1
	drv, d := newTestDevice(t, soft.Config{Immediate: true}, cfg)
	ctx := d.NewCommandContext("test")

	a, va := buildGeometry(d, ctx, "a", AccelerationStructureAllowCompaction, 12)
	b, vb := buildGeometry(d, ctx, "b", AccelerationStructureAllowCompaction, 12)
	assert.Equal(t, CompactionStats{Pending: 2}, d.CompactionStats())

	// requesting twice keeps a single entry
	d.RequestCompact(a)
	assert.Equal(t, 2, d.CompactionStats().Pending)

	d.Tick(nil)
	assert.Equal(t, CompactionStats{Pending: 1, Active: 1}, d.CompactionStats())
	d.Tick(nil)
	assert.Equal(t, AccelerationStructureCompacted, a.State())
	assert.Equal(t, AccelerationStructureCompactionPending, b.State())

	d.Tick(nil)
	assert.Equal(t, CompactionStats{Active: 1, Compacted: 1, BytesSaved: 512}, d.CompactionStats())
	d.Tick(nil)
	assert.Equal(t, AccelerationStructureCompacted, b.State())
	assert.Equal(t, CompactionStats{Compacted: 2, BytesSaved: 1024}, d.CompactionStats())

	a.Destroy()
	b.Destroy()
	va.Destroy()
	vb.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

func TestRequestCompactMisuse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowCompaction = false
	drv, disabled := newTestDevice(t, soft.Config{}, cfg)
	ctx := disabled.NewCommandContext("test")

	g, vb := buildGeometry(disabled, ctx, "mesh", AccelerationStructureAllowCompaction, 4)
	assert.Equal(t, AccelerationStructureBuilt, g.State())
	require.Panics(t, func() { disabled.RequestCompact(g) })

	g.Destroy()
	vb.Destroy()
	disabled.Destroy()
	assert.Empty(t, drv.ValidationErrors())

	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	ctx = d.NewCommandContext("test")

	updatable, vu := buildGeometry(d, ctx, "updatable", AccelerationStructureAllowUpdate|AccelerationStructureAllowCompaction, 4)
	assert.Equal(t, AccelerationStructureBuilt, updatable.State())
	require.Panics(t, func() { d.RequestCompact(updatable) })

	initializer, vn := triangleGeometry(d, ctx, "unbuilt", AccelerationStructureAllowCompaction, 4)
	unbuilt := d.CreateGeometry(initializer)
	require.Panics(t, func() { d.RequestCompact(unbuilt) })
	assert.Zero(t, d.CompactionStats().Pending)
	assert.False(t, d.ReleaseRequest(unbuilt))

	ctx.SubmitAndWait()
	updatable.Destroy()
	unbuilt.Destroy()
	vu.Destroy()
	vn.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
}

func TestReleaseActiveRequest(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{Immediate: true}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	g, vb := buildGeometry(d, ctx, "mesh", AccelerationStructureAllowCompaction, 12)
	d.Tick(nil)
	require.Equal(t, 1, d.CompactionStats().Active)

	assert.True(t, d.ReleaseRequest(g))
	assert.Equal(t, AccelerationStructureBuilt, g.State())
	assert.Zero(t, d.CompactionStats().Active)
	assert.False(t, d.ReleaseRequest(g))

	d.Tick(nil)
	d.Tick(nil)
	assert.Equal(t, AccelerationStructureBuilt, g.State())
	assert.Zero(t, g.CompactedSize())
	assert.Equal(t, CompactionStats{}, d.CompactionStats())

	g.Destroy()
	vb.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
}

func TestRebuildAfterCompaction(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{Immediate: true}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	g, vb := buildGeometry(d, ctx, "mesh", AccelerationStructureAllowCompaction, 12)
	d.Tick(nil)
	d.Tick(nil)
	require.Equal(t, AccelerationStructureCompacted, g.State())
	compacted := g.DeviceAddress()

	d.BuildAccelerationStructures(ctx, []GeometryBuildParams{{Geometry: g}}, BufferRange{})
	assert.Zero(t, g.CompactedSize())
	assert.NotEqual(t, compacted, g.DeviceAddress())
	assert.Equal(t, AccelerationStructureCompactionPending, g.State())
	assert.Equal(t, 1, d.CompactionStats().Pending)

	// a pending request is dropped by a rebuild and requested again once built
	d.BuildAccelerationStructures(ctx, []GeometryBuildParams{{Geometry: g}}, BufferRange{})
	assert.Equal(t, 1, d.CompactionStats().Pending)

	g.Destroy()
	assert.Zero(t, d.CompactionStats().Pending)
	vb.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
	assert.Zero(t, drv.LiveAccelerationStructures())
}

func TestDestroyDeviceDuringCompaction(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	ctx := d.NewCommandContext("test")

	a, va := buildGeometry(d, ctx, "a", AccelerationStructureAllowCompaction, 12)
	b, vb := buildGeometry(d, ctx, "b", AccelerationStructureAllowCompaction, 12)
	d.Tick(nil)
	require.Equal(t, 2, d.CompactionStats().Active)

	d.compaction.destroy()
	assert.Equal(t, AccelerationStructureBuilt, a.State())
	assert.Equal(t, AccelerationStructureBuilt, b.State())
	assert.Equal(t, CompactionStats{}, d.CompactionStats())

	a.Destroy()
	b.Destroy()
	va.Destroy()
	vb.Destroy()
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
	assert.Zero(t, drv.LiveBuffers())
	assert.Zero(t, drv.LiveAccelerationStructures())
}

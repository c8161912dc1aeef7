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
	"slices"

	"goarrg.com/rhi/rtx/driver"
)

// BufferRange is [Offset, Offset+Size) of Buffer, a Size of 0 extends to the end of Buffer.
type BufferRange struct {
	Buffer *Buffer
	Offset uint64
	Size   uint64
}

func (r BufferRange) resolve(what string) (uint64, uint64) {
	total := r.Buffer.Size()
	size := r.Size
	if size == 0 && r.Offset < total {
		size = total - r.Offset
	}
	if r.Offset+size > total || r.Offset+size < r.Offset {
		abort("%s range [%d, +%d) overflows buffer %q of size %d", what, r.Offset, size, r.Buffer.name, total)
	}
	return r.Buffer.DeviceAddress() + r.Offset, size
}

type GeometryBuildParams struct {
	Geometry *Geometry
	Mode     BuildMode
	// Segments replaces the segments of the geometry for this and later builds when not nil.
	Segments []GeometrySegment
}

type pendingBuild struct {
	geometry *Geometry
	desc     BottomLevelDesc
	plan     *BuildPlan
	scratch  uint64
}

// validateUpdate checks that segments can update g in place, current is what g was last built with.
func (d *Device) validateUpdate(g *Geometry, state AccelerationStructureState, current, segments []GeometrySegment) {
	switch {
	case !g.flags.HasBits(AccelerationStructureAllowUpdate):
		abort("Geometry %q requested an update but was not built with AllowUpdate", g.name)
	case state == AccelerationStructureCompacted:
		abort("Geometry %q can not be updated once compacted", g.name)
	case state != AccelerationStructureBuilt:
		abort("Geometry %q requested an update in state [%s]", g.name, state)
	case len(segments) != len(current):
		abort("Geometry %q update changes segment count from %d to %d", g.name, len(current), len(segments))
	}
	for i := range segments {
		if segments[i].MaxVertices > current[i].MaxVertices {
			abort("Geometry %q update grows segment %d MaxVertices from %d to %d", g.name, i,
				current[i].MaxVertices, segments[i].MaxVertices)
		}
		if segments[i].NumPrimitives != current[i].NumPrimitives {
			abort("Geometry %q update changes segment %d primitive count from %d to %d", g.name, i,
				current[i].NumPrimitives, segments[i].NumPrimitives)
		}
	}
}

/*
BuildAccelerationStructures builds or updates every geometry in params with one
batched command on ctx, sub allocating scratch from the scratch range. When
scratch.Buffer is nil a scratch buffer is created and retired after the build.
The call submits ctx and blocks until the builds have executed.
*/
func (d *Device) BuildAccelerationStructures(ctx *CommandContext, params []GeometryBuildParams, scratch BufferRange) {
	d.noCopy.Check()
	if len(params) == 0 {
		return
	}

	scratchAlignment := uint64(d.properties.AccelerationStructure.MinScratchOffsetAlignment)
	builds := make([]pendingBuild, 0, len(params))
	seen := map[*Geometry]struct{}{}
	var required uint64

	for _, p := range params {
		g := p.Geometry
		if g == nil {
			abort("BuildAccelerationStructures called with a nil geometry")
		}
		g.noCopy.Check()
		if _, ok := seen[g]; ok {
			abort("Geometry %q appears more than once in one batch", g.name)
		}
		seen[g] = struct{}{}

		g.mtx.Lock()
		desc, state := g.desc, g.state
		g.mtx.Unlock()
		current := desc.Segments
		if p.Segments != nil {
			desc.Segments = slices.Clone(p.Segments)
		}
		if p.Mode == BuildModeUpdate {
			d.validateUpdate(g, state, current, desc.Segments)
		}

		plan := d.PlanBottomLevel(desc, BuildUsageRendering, p.Mode)
		builds = append(builds, pendingBuild{geometry: g, desc: desc, plan: plan, scratch: required})
		required += align(plan.Sizes.scratchSize(p.Mode), scratchAlignment)
	}

	if scratch.Buffer == nil {
		scratch.Buffer = d.createBuffer("BuildAccelerationStructures(scratch)", required, scratchAlignment, BufferUsageScratch|BufferUsageStatic)
		scratch.Offset, scratch.Size = 0, 0
		ctx.ActiveCommandBuffer().QueueDestroy(destroyFunc{scratch.Buffer.destroyNow})
	}
	scratchAddress, scratchSize := scratch.resolve("Scratch")
	if scratchSize < required {
		abort("Scratch buffer %q is too small: required %d bytes, available %d bytes", scratch.Buffer.name, required, scratchSize)
	}

	infos := make([]driver.BuildGeometryInfo, len(builds))
	ranges := make([][]driver.BuildRangeInfo, len(builds))
	for i := range builds {
		b := &builds[i]
		g := b.geometry

		address := scratchAddress + b.scratch
		if !isAligned(address, scratchAlignment) {
			abort("Scratch address 0x%X for %q is not aligned to %d", address, g.name, scratchAlignment)
		}

		g.mtx.Lock()
		if b.plan.Mode == BuildModeBuild {
			if g.state == AccelerationStructureCompactionPending {
				g.mtx.Unlock()
				d.compaction.ReleaseRequest(g)
				g.mtx.Lock()
			}
			if g.state == AccelerationStructureCompacted || g.buffer.Size() < b.plan.Sizes.ResultSize {
				g.allocateStorage(ctx, driver.AccelerationStructureTypeBottomLevel, b.plan.Sizes.ResultSize)
				g.compactedSize = 0
			}
		} else {
			g.state = AccelerationStructureUpdateInProgress
		}
		b.plan.Info.Dst = g.handle
		if b.plan.Mode == BuildModeUpdate {
			b.plan.Info.Src = g.handle
		}
		g.mtx.Unlock()

		b.plan.Info.ScratchData = address
		infos[i] = b.plan.Info
		ranges[i] = b.plan.Ranges
	}

	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("BuildAccelerationStructures")
	cb.MemoryBarrier(barrierTransferToAll)
	cb.cmd.BuildAccelerationStructures(infos, ranges)
	cb.commands++
	cb.MemoryBarrier(barrierAccelerationStructureBuild)
	cb.EndNamedRegion()
	ctx.SubmitAndWait()

	for i := range builds {
		b := &builds[i]
		g := b.geometry
		params := d.hitGroupSystemParameters(&b.desc)

		g.mtx.Lock()
		g.desc = b.desc
		g.sizes = b.plan.Sizes
		g.hitGroupParams = params
		g.state = AccelerationStructureBuilt
		g.mtx.Unlock()

		if b.plan.Mode == BuildModeBuild && g.flags.compactable() && b.plan.Info.Flags.HasBits(driver.BuildAllowCompaction) {
			d.RequestCompact(g)
		}
	}
	instance.logger.VPrintf("Built %d bottom level acceleration structures using %d scratch bytes", len(builds), required)
}

func (d *Device) hitGroupSystemParameters(desc *BottomLevelDesc) []HitGroupSystemParameters {
	iStride := uint32(0)
	if desc.Type == GeometryTypeTriangles {
		iStride = indexStride(desc.Index, BuildUsageRendering)
	}
	indexBindless := InvalidBindlessIndex
	if iStride != 0 {
		indexBindless = d.bindlessIndex(desc.Index.Buffer)
	}

	params := make([]HitGroupSystemParameters, len(desc.Segments))
	for i, seg := range desc.Segments {
		params[i] = HitGroupSystemParameters{
			BindlessVertexBuffer: d.bindlessIndex(seg.VertexBuffer),
			BindlessIndexBuffer:  indexBindless,
			VertexStride:         offset32(i, "vertex stride", seg.VertexStride),
			IndexStride:          iStride,
			VertexByteOffset:     offset32(i, "vertex byte offset", seg.VertexOffset),
			FirstPrimitive:       seg.FirstPrimitive,
		}
		if iStride != 0 {
			params[i].IndexByteOffset = offset32(i, "index byte offset", desc.Index.Offset+uint64(seg.FirstPrimitive)*3*uint64(iStride))
		}
		if params[i].BindlessVertexBuffer == InvalidBindlessIndex {
			instance.logger.VPrintf("Segment %d has no bindless vertex buffer index", i)
		}
	}
	return params
}

type SceneBuildParams struct {
	Instances      *Buffer
	InstanceOffset uint64
	NumInstances   uint32
	Mode           BuildMode
	Scratch        BufferRange
}

/*
BuildTopLevel records a build or update of scene on ctx and submits it without
waiting. Bottom level builds are made visible before the build and the result is
made visible to ray tracing shaders after.
*/
func (d *Device) BuildTopLevel(ctx *CommandContext, scene *Scene, params SceneBuildParams) {
	d.noCopy.Check()
	scene.noCopy.Check()

	if params.NumInstances > scene.maxInstances {
		abort("Scene %q build with %d instances exceeds MaxInstances %d", scene.name, params.NumInstances, scene.maxInstances)
	}
	if params.Instances == nil {
		abort("Scene %q build has no instance buffer", scene.name)
	}
	if params.InstanceOffset%16 != 0 {
		abort("Scene %q instance offset [%d] must be a multiple of 16", scene.name, params.InstanceOffset)
	}
	instances, _ := BufferRange{
		Buffer: params.Instances,
		Offset: params.InstanceOffset,
		Size:   max(uint64(params.NumInstances)*driver.InstanceSize, 1),
	}.resolve("Instance")

	scene.mtx.Lock()
	defer scene.mtx.Unlock()

	if params.Mode == BuildModeUpdate {
		switch {
		case !scene.flags.HasBits(AccelerationStructureAllowUpdate):
			abort("Scene %q requested an update but was not built with AllowUpdate", scene.name)
		case scene.state != AccelerationStructureBuilt:
			abort("Scene %q requested an update in state [%s]", scene.name, scene.state)
		case params.NumInstances != scene.numInstances:
			abort("Scene %q update changes instance count from %d to %d", scene.name, scene.numInstances, params.NumInstances)
		}
	}

	plan := d.PlanTopLevel(scene.maxInstances, instances, scene.flags, params.Mode)
	plan.Ranges[0].PrimitiveCount = params.NumInstances

	scratchAlignment := uint64(d.properties.AccelerationStructure.MinScratchOffsetAlignment)
	required := plan.Sizes.scratchSize(params.Mode)
	if params.Scratch.Buffer == nil {
		params.Scratch = BufferRange{Buffer: d.createBuffer(scene.name+"(scratch)", required, scratchAlignment, BufferUsageScratch|BufferUsageStatic)}
		ctx.ActiveCommandBuffer().QueueDestroy(destroyFunc{params.Scratch.Buffer.destroyNow})
	}
	scratchAddress, scratchSize := params.Scratch.resolve("Scratch")
	if scratchSize < required {
		abort("Scratch buffer %q is too small: required %d bytes, available %d bytes", params.Scratch.Buffer.name, required, scratchSize)
	}
	if !isAligned(scratchAddress, scratchAlignment) {
		abort("Scratch address 0x%X for %q is not aligned to %d", scratchAddress, scene.name, scratchAlignment)
	}

	plan.Info.Dst = scene.handle
	if params.Mode == BuildModeUpdate {
		plan.Info.Src = scene.handle
	}
	plan.Info.ScratchData = scratchAddress

	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("BuildTopLevel(" + scene.name + ")")
	cb.MemoryBarrier(barrierTransferToAll, barrierAccelerationStructureBuild)
	cb.cmd.BuildAccelerationStructures([]driver.BuildGeometryInfo{plan.Info}, [][]driver.BuildRangeInfo{plan.Ranges})
	cb.commands++
	cb.MemoryBarrier(barrierAccelerationStructureBuild)
	cb.EndNamedRegion()
	ctx.Submit()

	scene.sizes = plan.Sizes
	scene.numInstances = params.NumInstances
	scene.state = AccelerationStructureBuilt
	instance.logger.VPrintf("Built scene %q with %d instances", scene.name, params.NumInstances)
}

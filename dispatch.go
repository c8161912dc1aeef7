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
	"goarrg.com/gmath"
	"goarrg.com/rhi/rtx/driver"
)

// indirectDispatchSize is three uint32 dimensions.
const indirectDispatchSize = 12

type shaderTableRegions struct {
	raygen, miss, hit, callable driver.StridedRegion
}

/*
prepareDispatch points the raygen record of table at rayGenIndex, commits the table
and records the barriers for globals. It returns the regions to trace with.
*/
func (d *Device) prepareDispatch(ctx *CommandContext, pipeline *RayTracingPipeline, rayGenIndex uint32,
	table *ShaderBindingTable, globals []ResourceBinding, extra ...MemoryBarrier,
) shaderTableRegions {
	d.noCopy.Check()
	pipeline.noCopy.Check()
	table.noCopy.Check()

	if n := pipeline.NumShaders(ShaderTableStageRayGen); rayGenIndex >= n {
		abort("Pipeline %q has %d raygen shaders, requested %d", pipeline.name, n, rayGenIndex)
	}
	// keep the pipeline hot in the cache while it is in use
	d.pipelines.cache.Get(pipeline.id)

	regions := func() shaderTableRegions {
		table.mtx.Lock()
		defer table.mtx.Unlock()
		table.setSlot(ShaderTableStageRayGen, 0, rayGenIndex, pipeline.Handles(ShaderTableStageRayGen))
		table.commit(ctx)
		return shaderTableRegions{
			raygen:   table.region(ShaderTableStageRayGen).toDriver(),
			miss:     table.region(ShaderTableStageMiss).toDriver(),
			hit:      table.region(ShaderTableStageHitGroup).toDriver(),
			callable: table.region(ShaderTableStageCallable).toDriver(),
		}
	}()

	barrier, skipped, ok := globalBarrier(globals)
	if skipped > 0 {
		instance.logger.WPrintf("Dispatch of %q skipped %d of %d global bindings", pipeline.name, skipped, len(globals))
	}

	cb := ctx.ActiveCommandBuffer()
	barriers := extra
	if ok {
		barriers = append(barriers, barrier)
	}
	cb.MemoryBarrier(barriers...)
	cb.cmd.BindRayTracingPipeline(pipeline.pipeline)
	return regions
}

// DispatchRays traces width*height rays starting at raygen shader rayGenIndex of pipeline.
func (d *Device) DispatchRays(ctx *CommandContext, pipeline *RayTracingPipeline, rayGenIndex uint32,
	table *ShaderBindingTable, globals []ResourceBinding, width, height uint32,
) {
	size := gmath.Extent3u32{X: width, Y: height, Z: 1}
	if uint64(size.X)*uint64(size.Y)*uint64(size.Z) > uint64(d.properties.RayTracing.MaxRayDispatchInvocationCount) {
		abort("DispatchRays(%q) of %dx%d exceeds MaxRayDispatchInvocationCount [%d]", pipeline.name, width, height,
			d.properties.RayTracing.MaxRayDispatchInvocationCount)
	}
	if size.X == 0 || size.Y == 0 {
		instance.logger.VPrintf("DispatchRays(%q) of %dx%d is empty", pipeline.name, width, height)
		return
	}

	r := d.prepareDispatch(ctx, pipeline, rayGenIndex, table, globals)
	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("DispatchRays(" + pipeline.name + ")")
	cb.cmd.TraceRays(r.raygen, r.miss, r.hit, r.callable, size.X, size.Y, size.Z)
	cb.commands++
	cb.EndNamedRegion()
}

// DispatchRaysIndirect reads the width, height and depth as uint32s from argBuffer at argOffset when executed.
func (d *Device) DispatchRaysIndirect(ctx *CommandContext, pipeline *RayTracingPipeline, rayGenIndex uint32,
	table *ShaderBindingTable, globals []ResourceBinding, argBuffer *Buffer, argOffset uint64,
) {
	if argOffset%4 != 0 {
		abort("DispatchRaysIndirect(%q) argument offset [%d] must be a multiple of 4", pipeline.name, argOffset)
	}
	if size := argBuffer.Size(); argOffset+indirectDispatchSize > size {
		abort("DispatchRaysIndirect(%q) arguments [%d, +%d) overflow buffer %q of size %d", pipeline.name,
			argOffset, indirectDispatchSize, argBuffer.name, size)
	}

	r := d.prepareDispatch(ctx, pipeline, rayGenIndex, table, globals, MemoryBarrier{
		Src: MemoryBarrierInfo{
			Stage:  PipelineStageTransfer | PipelineStageComputeShader | PipelineStageHost,
			Access: AccessFlagTransferWrite | AccessFlagShaderWrite | AccessFlagHostWrite,
		},
		Dst: MemoryBarrierInfo{Stage: PipelineStageIndirect, Access: AccessFlagIndirectRead},
	})
	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("DispatchRaysIndirect(" + pipeline.name + ")")
	cb.cmd.TraceRaysIndirect(r.raygen, r.miss, r.hit, r.callable, argBuffer.DeviceAddress()+argOffset)
	cb.commands++
	cb.EndNamedRegion()
}

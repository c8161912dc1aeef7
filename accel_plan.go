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
	"bytes"
	"fmt"
	"math"

	"goarrg.com/rhi/rtx/driver"
)

type BuildSizes struct {
	ResultSize        uint64
	BuildScratchSize  uint64
	UpdateScratchSize uint64
}

func (s BuildSizes) scratchSize(mode BuildMode) uint64 {
	if mode == BuildModeUpdate {
		return s.UpdateScratchSize
	}
	return s.BuildScratchSize
}

// BuildPlan is everything a build or update needs except the destination and scratch addresses.
type BuildPlan struct {
	Mode   BuildMode
	Info   driver.BuildGeometryInfo
	Ranges []driver.BuildRangeInfo
	Sizes  BuildSizes
}

func (p *BuildPlan) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Type\": %q,", p.Info.Type.String()))
	buff.WriteString(fmt.Sprintf("\"Mode\": %q,", p.Mode.String()))
	buff.WriteString(fmt.Sprintf("\"Geometries\": %d,", len(p.Info.Geometries)))
	buff.WriteString(fmt.Sprintf("\"ResultSize\": %d,", p.Sizes.ResultSize))
	buff.WriteString(fmt.Sprintf("\"BuildScratchSize\": %d,", p.Sizes.BuildScratchSize))
	buff.WriteString(fmt.Sprintf("\"UpdateScratchSize\": %d,", p.Sizes.UpdateScratchSize))

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (d *Device) buildFlags(flags AccelerationStructureFlags) driver.BuildFlags {
	flags = flags.normalize()
	var ret driver.BuildFlags
	if flags.HasBits(AccelerationStructureFastBuild) {
		ret |= driver.BuildPreferFastBuild
	} else {
		ret |= driver.BuildPreferFastTrace
	}
	if flags.HasBits(AccelerationStructureAllowUpdate) {
		ret |= driver.BuildAllowUpdate
	}
	if flags.HasBits(AccelerationStructureAllowCompaction) && !flags.HasBits(AccelerationStructureFastBuild) &&
		!flags.HasBits(AccelerationStructureAllowUpdate) && d.config.allowCompaction {
		ret |= driver.BuildAllowCompaction
	}
	if flags.HasBits(AccelerationStructureMinimizeMemory) {
		ret |= driver.BuildLowMemory
	}
	return ret
}

func (d *Device) alignSizes(sizes driver.BuildSizes) BuildSizes {
	scratch := uint64(d.properties.AccelerationStructure.MinScratchOffsetAlignment)
	return BuildSizes{
		ResultSize:        align(sizes.AccelerationStructureSize, d.properties.AccelerationStructure.Alignment),
		BuildScratchSize:  align(sizes.BuildScratchSize, scratch),
		UpdateScratchSize: align(sizes.UpdateScratchSize, scratch),
	}
}

/*
indexStride resolves the index format of a bottom level description. Size
estimation may run before the index buffer has any storage, in which case the
widest format is assumed so the estimate is never too small.
*/
func indexStride(index IndexInfo, usage BuildUsage) uint32 {
	if !index.indexed() {
		return 0
	}
	if usage == BuildUsageSizeEstimation {
		if index.Stride == 0 || index.Buffer == nil || index.Buffer.Size() == 0 {
			return 4
		}
	}
	if index.Stride != 2 && index.Stride != 4 {
		abort("Index stride must be 2 or 4, got [%d]", index.Stride)
	}
	return index.Stride
}

func indexType(stride uint32) driver.IndexType {
	switch stride {
	case 2:
		return driver.IndexTypeUint16
	case 4:
		return driver.IndexTypeUint32
	default:
		return driver.IndexTypeNone
	}
}

// offset32 narrows a byte offset of segment to the 32 bits the driver and shaders use.
func offset32(segment int, what string, v uint64) uint32 {
	if v > math.MaxUint32 {
		abort("Segment %d %s [%d] does not fit in 32 bits", segment, what, v)
	}
	return uint32(v)
}

/*
PlanBottomLevel describes a build or update of desc. Every segment gets a geometry
slot, disabled ones with a primitive count of 0, while sizing always uses the full
primitive count of every segment. With BuildUsageSizeEstimation no buffer needs
storage and every address is left at 0.
*/
func (d *Device) PlanBottomLevel(desc BottomLevelDesc, usage BuildUsage, mode BuildMode) *BuildPlan {
	d.noCopy.Check()
	if len(desc.Segments) == 0 {
		abort("PlanBottomLevel called with no segments")
	}
	if uint64(len(desc.Segments)) > d.properties.AccelerationStructure.MaxGeometryCount {
		abort("Bottom level has %d segments, device limit is %d", len(desc.Segments), d.properties.AccelerationStructure.MaxGeometryCount)
	}

	iStride := uint32(0)
	if desc.Type == GeometryTypeTriangles {
		iStride = indexStride(desc.Index, usage)
	}
	var indexAddress uint64
	if usage == BuildUsageRendering && iStride != 0 {
		if desc.Index.Buffer == nil {
			abort("Indexed bottom level has no index buffer")
		}
		indexAddress = desc.Index.Buffer.DeviceAddress() + desc.Index.Offset
	}

	plan := &BuildPlan{
		Mode: mode,
		Info: driver.BuildGeometryInfo{
			Type:       driver.AccelerationStructureTypeBottomLevel,
			Flags:      d.buildFlags(desc.Flags),
			Mode:       mode.driverMode(),
			Geometries: make([]driver.Geometry, len(desc.Segments)),
		},
		Ranges: make([]driver.BuildRangeInfo, len(desc.Segments)),
	}
	maxPrimitives := make([]uint32, len(desc.Segments))
	var totalPrimitives uint64

	for i, seg := range desc.Segments {
		geometry := &plan.Info.Geometries[i]
		r := &plan.Ranges[i]

		if seg.ForceOpaque {
			geometry.Flags |= driver.GeometryOpaque
		}
		if !seg.AllowDuplicateAnyHit {
			geometry.Flags |= driver.GeometryNoDuplicateAnyHitInvocation
		}

		var vertexAddress uint64
		if usage == BuildUsageRendering {
			if seg.VertexBuffer == nil {
				abort("Segment %d has no vertex buffer", i)
			}
			vertexAddress = seg.VertexBuffer.DeviceAddress() + seg.VertexOffset
		}

		switch desc.Type {
		case GeometryTypeTriangles:
			if seg.VertexStride < 12 {
				abort("Segment %d vertex stride [%d] is smaller than a R32G32B32Float position", i, seg.VertexStride)
			}
			geometry.Type = driver.GeometryTypeTriangles
			geometry.VertexFormat = driver.FormatR32G32B32Float
			geometry.VertexData = vertexAddress
			geometry.VertexStride = seg.VertexStride
			geometry.MaxVertex = seg.MaxVertices
			geometry.IndexType = indexType(iStride)
			geometry.IndexData = indexAddress

			if iStride != 0 {
				r.PrimitiveOffset = offset32(i, "primitive offset", uint64(seg.FirstPrimitive)*3*uint64(iStride))
			} else {
				r.PrimitiveOffset = offset32(i, "primitive offset", uint64(seg.FirstPrimitive)*3*seg.VertexStride)
			}

		case GeometryTypeProcedural:
			if seg.VertexStride < 24 || seg.VertexStride%8 != 0 {
				abort("Segment %d AABB stride [%d] must be >= 24 and a multiple of 8", i, seg.VertexStride)
			}
			geometry.Type = driver.GeometryTypeAABBs
			geometry.AABBData = vertexAddress
			geometry.AABBStride = seg.VertexStride
			r.PrimitiveOffset = offset32(i, "primitive offset", uint64(seg.FirstPrimitive)*seg.VertexStride)

		default:
			abort("Unknown geometry type [%d]", desc.Type)
		}

		if !seg.Disabled {
			r.PrimitiveCount = seg.NumPrimitives
		}
		maxPrimitives[i] = seg.NumPrimitives
		totalPrimitives += uint64(seg.NumPrimitives)
	}

	if totalPrimitives > d.properties.AccelerationStructure.MaxPrimitiveCount {
		abort("Bottom level has %d primitives, device limit is %d", totalPrimitives, d.properties.AccelerationStructure.MaxPrimitiveCount)
	}

	plan.Sizes = d.alignSizes(d.drv.AccelerationStructureBuildSizes(&plan.Info, maxPrimitives))
	return plan
}

// PlanTopLevel describes a build or update over maxInstances instance descriptors at instanceBufferAddress.
func (d *Device) PlanTopLevel(maxInstances uint32, instanceBufferAddress uint64, flags AccelerationStructureFlags, mode BuildMode) *BuildPlan {
	d.noCopy.Check()
	if uint64(maxInstances) > d.properties.AccelerationStructure.MaxInstanceCount {
		abort("Top level has %d instances, device limit is %d", maxInstances, d.properties.AccelerationStructure.MaxInstanceCount)
	}

	plan := &BuildPlan{
		Mode: mode,
		Info: driver.BuildGeometryInfo{
			Type:  driver.AccelerationStructureTypeTopLevel,
			Flags: d.buildFlags(flags &^ AccelerationStructureAllowCompaction),
			Mode:  mode.driverMode(),
			Geometries: []driver.Geometry{{
				Type:         driver.GeometryTypeInstances,
				InstanceData: instanceBufferAddress,
			}},
		},
		Ranges: []driver.BuildRangeInfo{{PrimitiveCount: maxInstances}},
	}
	plan.Sizes = d.alignSizes(d.drv.AccelerationStructureBuildSizes(&plan.Info, []uint32{maxInstances}))
	return plan
}

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

package driver

import "strings"

type Stage uint64

const (
	StageNone                       Stage = 0
	StageTopOfPipe                  Stage = 1 << 0
	StageIndirect                   Stage = 1 << 1
	StageTransfer                   Stage = 1 << 2
	StageHost                       Stage = 1 << 3
	StageAccelerationStructureBuild Stage = 1 << 4
	StageAccelerationStructureCopy  Stage = 1 << 5
	StageRayTracingShader           Stage = 1 << 6
	StageComputeShader              Stage = 1 << 7
	StageAllCommands                Stage = 1 << 8
)

func (s Stage) HasBits(want Stage) bool {
	return (s & want) == want
}

func (s Stage) String() string {
	if s == StageNone {
		return "None"
	}
	str := ""
	for _, n := range []struct {
		bit  Stage
		name string
	}{
		{StageTopOfPipe, "TopOfPipe"},
		{StageIndirect, "Indirect"},
		{StageTransfer, "Transfer"},
		{StageHost, "Host"},
		{StageAccelerationStructureBuild, "AccelerationStructureBuild"},
		{StageAccelerationStructureCopy, "AccelerationStructureCopy"},
		{StageRayTracingShader, "RayTracingShader"},
		{StageComputeShader, "ComputeShader"},
		{StageAllCommands, "AllCommands"},
	} {
		if s.HasBits(n.bit) {
			str += n.name + "|"
		}
	}
	return strings.TrimSuffix(str, "|")
}

type Access uint64

const (
	AccessNone                       Access = 0
	AccessIndirectRead               Access = 1 << 0
	AccessUniformRead                Access = 1 << 1
	AccessShaderRead                 Access = 1 << 2
	AccessShaderWrite                Access = 1 << 3
	AccessTransferRead               Access = 1 << 4
	AccessTransferWrite              Access = 1 << 5
	AccessHostRead                   Access = 1 << 6
	AccessHostWrite                  Access = 1 << 7
	AccessMemoryRead                 Access = 1 << 8
	AccessMemoryWrite                Access = 1 << 9
	AccessAccelerationStructureRead  Access = 1 << 10
	AccessAccelerationStructureWrite Access = 1 << 11
	AccessShaderBindingTableRead     Access = 1 << 12
)

func (a Access) HasBits(want Access) bool {
	return (a & want) == want
}

func (a Access) String() string {
	if a == AccessNone {
		return "None"
	}
	str := ""
	for _, n := range []struct {
		bit  Access
		name string
	}{
		{AccessIndirectRead, "IndirectRead"},
		{AccessUniformRead, "UniformRead"},
		{AccessShaderRead, "ShaderRead"},
		{AccessShaderWrite, "ShaderWrite"},
		{AccessTransferRead, "TransferRead"},
		{AccessTransferWrite, "TransferWrite"},
		{AccessHostRead, "HostRead"},
		{AccessHostWrite, "HostWrite"},
		{AccessMemoryRead, "MemoryRead"},
		{AccessMemoryWrite, "MemoryWrite"},
		{AccessAccelerationStructureRead, "AccelerationStructureRead"},
		{AccessAccelerationStructureWrite, "AccelerationStructureWrite"},
		{AccessShaderBindingTableRead, "ShaderBindingTableRead"},
	} {
		if a.HasBits(n.bit) {
			str += n.name + "|"
		}
	}
	return strings.TrimSuffix(str, "|")
}

type MemoryBarrier struct {
	SrcStage  Stage
	SrcAccess Access
	DstStage  Stage
	DstAccess Access
}

func (b MemoryBarrier) String() string {
	return "[" + b.SrcStage.String() + ":" + b.SrcAccess.String() + "] -> [" + b.DstStage.String() + ":" + b.DstAccess.String() + "]"
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type StridedRegion struct {
	Address uint64
	Stride  uint64
	Size    uint64
}

type CopyMode uint8

const (
	CopyModeClone CopyMode = iota
	CopyModeCompact
)

/*
CommandBuffer records work, nothing executes until it is handed to Queue.Submit.
Buffers and acceleration structures referenced by a command buffer must stay alive
until the fence value returned by Submit completes.
*/
type CommandBuffer interface {
	BeginLabel(name string)
	EndLabel()

	PipelineBarrier(barriers []MemoryBarrier)
	CopyBuffer(src, dst Buffer, regions []BufferCopy)

	BuildAccelerationStructures(infos []BuildGeometryInfo, ranges [][]BuildRangeInfo)
	CopyAccelerationStructure(src, dst AccelerationStructure, mode CopyMode)
	ResetQueryPool(pool QueryPool, first, count uint32)
	WriteCompactedSizes(structures []AccelerationStructure, pool QueryPool, first uint32)

	BindRayTracingPipeline(p Pipeline)
	TraceRays(raygen, miss, hit, callable StridedRegion, width, height, depth uint32)
	// TraceRaysIndirect reads three uint32 dimensions from indirectAddress.
	TraceRaysIndirect(raygen, miss, hit, callable StridedRegion, indirectAddress uint64)
}

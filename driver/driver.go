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

/*
Package driver is the contract between rtx and a ray tracing capable device.
Everything here is a thin protocol over the native objects, rtx owns all the
policy (staging, barriers, deferred deletion, compaction).
*/
package driver

import (
	"strings"
)

type MemoryFlags uint32

const (
	MemoryDeviceLocal MemoryFlags = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
)

func (m MemoryFlags) HasBits(want MemoryFlags) bool {
	return (m & want) == want
}

func (m MemoryFlags) String() string {
	str := ""
	if m.HasBits(MemoryDeviceLocal) {
		str += "DeviceLocal|"
	}
	if m.HasBits(MemoryHostVisible) {
		str += "HostVisible|"
	}
	if m.HasBits(MemoryHostCoherent) {
		str += "HostCoherent|"
	}
	if m.HasBits(MemoryHostCached) {
		str += "HostCached|"
	}
	return strings.TrimSuffix(str, "|")
}

type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageIndirect
	BufferUsageShaderDeviceAddress
	BufferUsageAccelerationStructureStorage
	BufferUsageAccelerationStructureBuildInput
	BufferUsageShaderBindingTable
)

func (u BufferUsage) HasBits(want BufferUsage) bool {
	return (u & want) == want
}

type BufferDesc struct {
	Name      string
	Size      uint64
	Alignment uint64
	Usage     BufferUsage
	Memory    MemoryFlags
}

type Buffer interface {
	Size() uint64
	DeviceAddress() uint64
	// Mapped returns nil unless the memory is host visible.
	Mapped() []byte
	Destroy()
}

type ErrorOutOfDeviceMemory struct{}

func (ErrorOutOfDeviceMemory) Is(target error) bool {
	_, ok := target.(ErrorOutOfDeviceMemory)
	return ok
}

func (ErrorOutOfDeviceMemory) Error() string {
	return "Out Of Device Memory"
}

type ErrorNotReady struct{}

func (ErrorNotReady) Is(target error) bool {
	_, ok := target.(ErrorNotReady)
	return ok
}

func (ErrorNotReady) Error() string {
	return "Not Ready"
}

type Properties struct {
	Name          string
	UnifiedMemory bool

	ShaderGroupHandleSize         uint32
	ShaderGroupHandleAlignment    uint32
	ShaderGroupBaseAlignment      uint32
	MaxShaderGroupStride          uint32
	MaxRayRecursionDepth          uint32
	MaxRayDispatchInvocationCount uint32

	AccelerationStructureAlignment uint64
	MinScratchOffsetAlignment      uint32
	MaxGeometryCount               uint64
	MaxInstanceCount               uint64
	MaxPrimitiveCount              uint64

	DeferredHostOperations bool
}

type Device interface {
	Properties() Properties

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateAccelerationStructure(desc AccelerationStructureDesc) (AccelerationStructure, error)
	// AccelerationStructureBuildSizes must only depend on the geometry layout,
	// primitive counts and flags of info, never on the addresses.
	AccelerationStructureBuildSizes(info *BuildGeometryInfo, maxPrimitiveCounts []uint32) BuildSizes
	CreateQueryPool(name string, count uint32) (QueryPool, error)

	CreateDeferredOperation() (DeferredOperation, error)
	// CreateRayTracingPipeline compiles desc. If op is not nil the compile is only
	// recorded into op and the returned pipeline is usable once op has completed.
	CreateRayTracingPipeline(desc PipelineDesc, op DeferredOperation) (Pipeline, error)
	ShaderGroupHandles(p Pipeline, firstGroup, groupCount uint32) ([]byte, error)

	NewCommandBuffer(name string) CommandBuffer
	Queue() Queue
	WaitIdle()
}

type Queue interface {
	// Submit returns the strictly increasing fence value signaled once cb has executed.
	Submit(cb CommandBuffer) uint64
	CompletedValue() uint64
	Wait(value uint64)
}

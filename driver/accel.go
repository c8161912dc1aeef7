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

type AccelerationStructureType uint8

const (
	AccelerationStructureTypeBottomLevel AccelerationStructureType = iota
	AccelerationStructureTypeTopLevel
)

func (t AccelerationStructureType) String() string {
	switch t {
	case AccelerationStructureTypeBottomLevel:
		return "BottomLevel"
	case AccelerationStructureTypeTopLevel:
		return "TopLevel"
	default:
		return "Unknown"
	}
}

type AccelerationStructureDesc struct {
	Name   string
	Type   AccelerationStructureType
	Buffer Buffer
	Offset uint64
	Size   uint64
}

type AccelerationStructure interface {
	DeviceAddress() uint64
	Destroy()
}

type GeometryType uint8

const (
	GeometryTypeTriangles GeometryType = iota
	GeometryTypeAABBs
	GeometryTypeInstances
)

type GeometryFlags uint32

const (
	GeometryOpaque GeometryFlags = 1 << iota
	GeometryNoDuplicateAnyHitInvocation
)

type Format uint32

const (
	FormatUndefined Format = iota
	FormatR32G32B32Float
)

type IndexType uint8

const (
	IndexTypeNone IndexType = iota
	IndexTypeUint16
	IndexTypeUint32
)

// InstanceSize is the byte size of one packed instance record read by top level builds.
const InstanceSize = 64

type Geometry struct {
	Type  GeometryType
	Flags GeometryFlags

	VertexFormat Format
	VertexData   uint64
	VertexStride uint64
	MaxVertex    uint32
	IndexType    IndexType
	IndexData    uint64

	AABBData   uint64
	AABBStride uint64

	InstanceData uint64
}

type BuildFlags uint32

const (
	BuildAllowUpdate BuildFlags = 1 << iota
	BuildAllowCompaction
	BuildPreferFastTrace
	BuildPreferFastBuild
	BuildLowMemory
)

func (f BuildFlags) HasBits(want BuildFlags) bool {
	return (f & want) == want
}

type BuildMode uint8

const (
	BuildModeBuild BuildMode = iota
	BuildModeUpdate
)

type BuildGeometryInfo struct {
	Type        AccelerationStructureType
	Flags       BuildFlags
	Mode        BuildMode
	Src         AccelerationStructure
	Dst         AccelerationStructure
	Geometries  []Geometry
	ScratchData uint64
}

type BuildRangeInfo struct {
	PrimitiveCount  uint32
	PrimitiveOffset uint32
	FirstVertex     uint32
	TransformOffset uint32
}

type BuildSizes struct {
	AccelerationStructureSize uint64
	UpdateScratchSize         uint64
	BuildScratchSize          uint64
}

type QueryPool interface {
	// Results returns false until every query in [first, first+count) has been written.
	Results(first, count uint32) ([]uint64, bool)
	Destroy()
}

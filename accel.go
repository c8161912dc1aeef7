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
	"math"
	"slices"
	"strings"
	"sync"

	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/internal/util"
)

type AccelerationStructureFlags uint32

const (
	AccelerationStructureAllowUpdate AccelerationStructureFlags = 1 << iota
	AccelerationStructureAllowCompaction
	AccelerationStructureFastTrace
	AccelerationStructureFastBuild
	AccelerationStructureMinimizeMemory
)

func (f AccelerationStructureFlags) HasBits(want AccelerationStructureFlags) bool {
	return hasBits(f, want)
}

func (f AccelerationStructureFlags) String() string {
	str := ""
	if f.HasBits(AccelerationStructureAllowUpdate) {
		str += "AllowUpdate|"
	}
	if f.HasBits(AccelerationStructureAllowCompaction) {
		str += "AllowCompaction|"
	}
	if f.HasBits(AccelerationStructureFastTrace) {
		str += "FastTrace|"
	}
	if f.HasBits(AccelerationStructureFastBuild) {
		str += "FastBuild|"
	}
	if f.HasBits(AccelerationStructureMinimizeMemory) {
		str += "MinimizeMemory|"
	}
	return strings.TrimSuffix(str, "|")
}

// normalize resolves the trace/build preference, FastBuild wins and FastTrace is the default.
func (f AccelerationStructureFlags) normalize() AccelerationStructureFlags {
	if f.HasBits(AccelerationStructureFastBuild) {
		return f &^ AccelerationStructureFastTrace
	}
	return f | AccelerationStructureFastTrace
}

func (f AccelerationStructureFlags) compactable() bool {
	return f.HasBits(AccelerationStructureAllowCompaction|AccelerationStructureFastTrace) &&
		!f.HasBits(AccelerationStructureAllowUpdate)
}

type AccelerationStructureState uint8

const (
	AccelerationStructureUninitialized AccelerationStructureState = iota
	AccelerationStructureBuilt
	AccelerationStructureUpdateInProgress
	AccelerationStructureCompactionPending
	AccelerationStructureCompacted
)

func (s AccelerationStructureState) String() string {
	switch s {
	case AccelerationStructureUninitialized:
		return "Uninitialized"
	case AccelerationStructureBuilt:
		return "Built"
	case AccelerationStructureUpdateInProgress:
		return "UpdateInProgress"
	case AccelerationStructureCompactionPending:
		return "CompactionPending"
	case AccelerationStructureCompacted:
		return "Compacted"
	default:
		return "Unknown"
	}
}

type BuildUsage uint8

const (
	BuildUsageRendering BuildUsage = iota
	// BuildUsageSizeEstimation plans without any device address.
	BuildUsageSizeEstimation
)

type BuildMode uint8

const (
	BuildModeBuild BuildMode = iota
	BuildModeUpdate
)

func (m BuildMode) String() string {
	if m == BuildModeUpdate {
		return "Update"
	}
	return "Build"
}

func (m BuildMode) driverMode() driver.BuildMode {
	if m == BuildModeUpdate {
		return driver.BuildModeUpdate
	}
	return driver.BuildModeBuild
}

type GeometryType uint8

const (
	GeometryTypeTriangles GeometryType = iota
	// GeometryTypeProcedural segments read axis aligned boxes from their vertex buffer.
	GeometryTypeProcedural
)

/*
GeometrySegment is a range of primitives sharing one vertex buffer. Disabled
segments still occupy a geometry slot so hit group record indices stay stable.
*/
type GeometrySegment struct {
	VertexBuffer *Buffer
	VertexOffset uint64
	VertexStride uint64
	MaxVertices  uint32

	FirstPrimitive uint32
	NumPrimitives  uint32

	Disabled             bool
	ForceOpaque          bool
	AllowDuplicateAnyHit bool
}

type IndexInfo struct {
	Buffer *Buffer
	Offset uint64
	// Stride is 2 or 4, 0 with a nil Buffer means the geometry is not indexed.
	Stride uint32
}

func (i IndexInfo) indexed() bool {
	return i.Buffer != nil || i.Stride != 0
}

type BottomLevelDesc struct {
	Type     GeometryType
	Segments []GeometrySegment
	Index    IndexInfo
	Flags    AccelerationStructureFlags
}

type GeometryInitializer struct {
	Name string
	BottomLevelDesc
}

/*
HitGroupSystemParameters is what a hit shader needs to fetch the attributes of the
primitive it hit, one per geometry segment.
*/
type HitGroupSystemParameters struct {
	BindlessVertexBuffer uint32
	BindlessIndexBuffer  uint32
	VertexStride         uint32
	IndexStride          uint32
	VertexByteOffset     uint32
	IndexByteOffset      uint32
	FirstPrimitive       uint32
	Reserved             uint32
}

const hitGroupSystemParametersSize = 32

type accelerationStructure struct {
	noCopy util.NoCopy
	device *Device
	name   string
	flags  AccelerationStructureFlags

	mtx    sync.Mutex
	state  AccelerationStructureState
	sizes  BuildSizes
	buffer *Buffer
	handle driver.AccelerationStructure
}

func (as *accelerationStructure) DeviceAddress() uint64 {
	as.noCopy.Check()
	as.mtx.Lock()
	defer as.mtx.Unlock()
	return as.handle.DeviceAddress()
}

func (as *accelerationStructure) State() AccelerationStructureState {
	as.noCopy.Check()
	as.mtx.Lock()
	defer as.mtx.Unlock()
	return as.state
}

func (as *accelerationStructure) Flags() AccelerationStructureFlags {
	as.noCopy.Check()
	return as.flags
}

func (as *accelerationStructure) Sizes() BuildSizes {
	as.noCopy.Check()
	as.mtx.Lock()
	defer as.mtx.Unlock()
	return as.sizes
}

func (as *accelerationStructure) Name() string {
	as.noCopy.Check()
	return as.name
}

// allocateStorage replaces the result storage, the previous storage is destroyed through ctx.
func (as *accelerationStructure) allocateStorage(ctx *CommandContext, typ driver.AccelerationStructureType, size uint64) {
	d := as.device
	alignment := d.properties.AccelerationStructure.Alignment
	buffer := d.createBuffer(as.name, align(size, alignment), alignment, BufferUsageAccelerationStructure|BufferUsageStatic)
	handle, err := d.drv.CreateAccelerationStructure(driver.AccelerationStructureDesc{
		Name:   as.name,
		Type:   typ,
		Buffer: buffer.driverBuffer(),
		Size:   size,
	})
	if err != nil {
		abort("Failed to create acceleration structure %q: %s", as.name, err)
	}

	if as.handle != nil {
		var cb *CommandBuffer
		if ctx != nil {
			cb = ctx.ActiveCommandBuffer()
		} else {
			cb = d.immediate.ActiveCommandBuffer()
		}
		cb.QueueDestroy(as.handle, destroyFunc{as.buffer.destroyNow})
	}
	as.buffer = buffer
	as.handle = handle
}

func (as *accelerationStructure) destroy() {
	as.mtx.Lock()
	handle, buffer := as.handle, as.buffer
	as.handle, as.buffer = nil, nil
	as.mtx.Unlock()

	if handle != nil {
		as.device.QueueDestroy(handle, destroyFunc{buffer.destroyNow})
	}
	as.noCopy.Close()
}

// Geometry is a bottom level acceleration structure.
type Geometry struct {
	accelerationStructure
	desc           BottomLevelDesc
	compactedSize  uint64
	hitGroupParams []HitGroupSystemParameters
}

var _ Destroyer = (*Geometry)(nil)

func (d *Device) CreateGeometry(initializer GeometryInitializer) *Geometry {
	d.noCopy.Check()
	if len(initializer.Segments) == 0 {
		abort("Geometry %q has no segments", initializer.Name)
	}

	g := &Geometry{
		accelerationStructure: accelerationStructure{
			device: d,
			name:   initializer.Name,
			flags:  initializer.Flags.normalize(),
		},
		desc: initializer.BottomLevelDesc,
	}
	g.noCopy.Init()
	g.desc.Flags = g.flags
	g.desc.Segments = slices.Clone(initializer.Segments)

	plan := d.PlanBottomLevel(g.desc, BuildUsageSizeEstimation, BuildModeBuild)
	g.sizes = plan.Sizes
	g.allocateStorage(nil, driver.AccelerationStructureTypeBottomLevel, plan.Sizes.ResultSize)

	instance.logger.VPrintf("Created geometry %q [%s] with %d segments: %+v", g.name, g.flags, len(g.desc.Segments), g.sizes)
	return g
}

func (g *Geometry) NumSegments() int {
	g.noCopy.Check()
	return len(g.desc.Segments)
}

// CompactedSize returns 0 until the geometry has been compacted.
func (g *Geometry) CompactedSize() uint64 {
	g.noCopy.Check()
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.compactedSize
}

func (g *Geometry) HitGroupSystemParameters() []HitGroupSystemParameters {
	g.noCopy.Check()
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return slices.Clone(g.hitGroupParams)
}

func (g *Geometry) Destroy() {
	g.noCopy.Check()
	g.device.compaction.ReleaseRequest(g)
	g.destroy()
}

type SceneInitializer struct {
	Name         string
	MaxInstances uint32
	Flags        AccelerationStructureFlags
}

// Scene is a top level acceleration structure over instances of geometries.
type Scene struct {
	accelerationStructure
	maxInstances uint32
	numInstances uint32
}

var _ Destroyer = (*Scene)(nil)

func (d *Device) CreateScene(initializer SceneInitializer) *Scene {
	d.noCopy.Check()
	if initializer.MaxInstances == 0 {
		abort("Scene %q has MaxInstances 0", initializer.Name)
	}
	if uint64(initializer.MaxInstances) > d.properties.AccelerationStructure.MaxInstanceCount {
		abort("Scene %q MaxInstances [%d] exceeds the device limit [%d]", initializer.Name,
			initializer.MaxInstances, d.properties.AccelerationStructure.MaxInstanceCount)
	}

	s := &Scene{
		accelerationStructure: accelerationStructure{
			device: d,
			name:   initializer.Name,
			flags:  initializer.Flags.normalize() &^ AccelerationStructureAllowCompaction,
		},
		maxInstances: initializer.MaxInstances,
	}
	s.noCopy.Init()

	plan := d.PlanTopLevel(s.maxInstances, 0, s.flags, BuildModeBuild)
	s.sizes = plan.Sizes
	s.allocateStorage(nil, driver.AccelerationStructureTypeTopLevel, plan.Sizes.ResultSize)

	instance.logger.VPrintf("Created scene %q [%s] for %d instances: %+v", s.name, s.flags, s.maxInstances, s.sizes)
	return s
}

func (s *Scene) MaxInstances() uint32 {
	s.noCopy.Check()
	return s.maxInstances
}

func (s *Scene) NumInstances() uint32 {
	s.noCopy.Check()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.numInstances
}

func (s *Scene) Destroy() {
	s.noCopy.Check()
	s.destroy()
}

// CreateAccelerationStructure creates a *Geometry or a *Scene depending on the initializer type.
func (d *Device) CreateAccelerationStructure(initializer any) Destroyer {
	switch i := initializer.(type) {
	case GeometryInitializer:
		return d.CreateGeometry(i)
	case SceneInitializer:
		return d.CreateScene(i)
	default:
		abort("Unknown acceleration structure initializer: %T", initializer)
		return nil
	}
}

type InstanceFlags uint8

const (
	InstanceTriangleFacingCullDisable InstanceFlags = 1 << iota
	InstanceTriangleFlipFacing
	InstanceForceOpaque
	InstanceForceNoOpaque
)

// Instance places a geometry in a scene, Transform is a row major 3x4 matrix.
type Instance struct {
	Transform      [12]float32
	InstanceID     uint32
	Mask           uint8
	HitGroupOffset uint32
	Flags          InstanceFlags
	Geometry       *Geometry
}

func IdentityTransform() [12]float32 {
	return [12]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// instanceDescriptor matches the 64 byte layout consumed by top level builds.
type instanceDescriptor struct {
	transform          [12]float32
	idAndMask          uint32
	hitGroupAndFlags   uint32
	accelerationStruct uint64
}

func (i *Instance) descriptor() instanceDescriptor {
	for _, v := range i.Transform {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			abort("Instance %d has a non finite transform", i.InstanceID)
		}
	}
	if i.InstanceID >= 1<<24 || i.HitGroupOffset >= 1<<24 {
		abort("Instance id [%d] and hit group offset [%d] must fit in 24 bits", i.InstanceID, i.HitGroupOffset)
	}

	desc := instanceDescriptor{
		transform:        i.Transform,
		idAndMask:        i.InstanceID | uint32(i.Mask)<<24,
		hitGroupAndFlags: i.HitGroupOffset | uint32(i.Flags)<<24,
	}
	if i.Geometry != nil {
		desc.accelerationStruct = i.Geometry.DeviceAddress()
	} else {
		desc.idAndMask &^= 0xFF << 24
	}
	return desc
}

/*
WriteInstances packs instances into buffer starting at offset through a write lock
on ctx. Instances without a geometry are written with a zero mask so they are never
hit.
*/
func (d *Device) WriteInstances(ctx *CommandContext, buffer *Buffer, offset uint64, instances []Instance) {
	d.noCopy.Check()
	if len(instances) == 0 {
		return
	}
	descs := make([]instanceDescriptor, len(instances))
	for i, inst := range instances {
		if g := inst.Geometry; g != nil {
			if s := g.State(); s == AccelerationStructureUninitialized || s == AccelerationStructureUpdateInProgress {
				instance.logger.WPrintf("Instance %d references geometry %q in state [%s], masking it out", i, g.name, s)
				inst.Geometry = nil
			}
		}
		descs[i] = inst.descriptor()
	}

	size := uint64(len(instances)) * driver.InstanceSize
	w := bufferWriter{data: buffer.Lock(ctx, LockWriteOnly, offset, size)}
	util.HostWriteSlice(w, 0, descs)
	buffer.Unlock(ctx)
}

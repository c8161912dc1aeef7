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
	"sync"

	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/internal/util"
)

type ShaderTableStage uint8

const (
	ShaderTableStageRayGen ShaderTableStage = iota
	ShaderTableStageMiss
	ShaderTableStageHitGroup
	ShaderTableStageCallable
	shaderTableStageCount
)

func (s ShaderTableStage) String() string {
	switch s {
	case ShaderTableStageRayGen:
		return "RayGen"
	case ShaderTableStageMiss:
		return "Miss"
	case ShaderTableStageHitGroup:
		return "HitGroup"
	case ShaderTableStageCallable:
		return "Callable"
	default:
		return "Unknown"
	}
}

type ShaderBindingTableInitializer struct {
	Name               string
	NumMissRecords     uint32
	NumCallableRecords uint32

	NumGeometrySegments              uint32
	NumShaderSlotsPerGeometrySegment uint32
	// HitGroupIndexing sizes one hit group record per segment and slot, without it
	// every geometry shares a single record.
	HitGroupIndexing bool

	// LocalBindingDataSize is the number of bytes after the shader handle of every record.
	LocalBindingDataSize uint32
	// InlineGeometryParameters keeps a buffer of HitGroupSystemParameters per segment for inline ray queries.
	InlineGeometryParameters bool
}

// ShaderTableRegion is where the records of one stage live once committed.
type ShaderTableRegion struct {
	Address uint64
	Stride  uint64
	Size    uint64
}

func (r ShaderTableRegion) toDriver() driver.StridedRegion {
	return driver.StridedRegion{Address: r.Address, Stride: r.Stride, Size: r.Size}
}

type shaderTableAllocation struct {
	stage      ShaderTableStage
	records    uint32
	recordSize uint64
	stride     uint64
	host       []byte
	buffer     *Buffer
	region     ShaderTableRegion
	dirty      bool
}

func (a *shaderTableAllocation) record(index uint32) []byte {
	if index > 0 && a.stride == 0 {
		abort("%s record %d requested but the region only holds a single record", a.stage, index)
	}
	if index >= a.records {
		abort("%s record %d is out of range [0, %d)", a.stage, index, a.records)
	}
	start := uint64(index) * a.recordSize
	return a.host[start : start+a.recordSize]
}

/*
ShaderBindingTable mirrors the records of every stage on the host. Writes only mark
a region dirty, Commit uploads every dirty region into a new buffer and retires the
previous one once the GPU is done with it.
*/
type ShaderBindingTable struct {
	noCopy util.NoCopy
	device *Device
	name   string

	mtx               sync.Mutex
	handleSize        uint32
	handleSizeAligned uint32
	localDataSize     uint32
	numSegments       uint32
	slotsPerSegment   uint32
	hitGroupIndexing  bool
	regions           [shaderTableStageCount]shaderTableAllocation

	inlineParams  []HitGroupSystemParameters
	inlineBuffer  *Buffer
	inlineDirty   bool
	inlineEnabled bool
}

var _ Destroyer = (*ShaderBindingTable)(nil)

func (d *Device) CreateShaderBindingTable(initializer ShaderBindingTableInitializer) *ShaderBindingTable {
	d.noCopy.Check()
	rt := d.properties.RayTracing

	t := &ShaderBindingTable{
		device:            d,
		name:              initializer.Name,
		handleSize:        rt.ShaderGroupHandleSize,
		handleSizeAligned: align(rt.ShaderGroupHandleSize, rt.ShaderGroupHandleAlignment),
		localDataSize:     initializer.LocalBindingDataSize,
		numSegments:       initializer.NumGeometrySegments,
		slotsPerSegment:   initializer.NumShaderSlotsPerGeometrySegment,
		hitGroupIndexing:  initializer.HitGroupIndexing,
		inlineEnabled:     initializer.InlineGeometryParameters,
	}
	t.noCopy.Init()

	recordSize := align(t.handleSizeAligned+t.localDataSize, rt.ShaderGroupHandleAlignment)
	if recordSize > d.config.maxShaderRecordStride {
		instance.logger.WPrintf("Shader binding table %q record size %d exceeds the maximum stride %d, local data is truncated to %d bytes",
			t.name, recordSize, d.config.maxShaderRecordStride, d.config.maxShaderRecordStride-t.handleSize)
		recordSize = d.config.maxShaderRecordStride
	}
	if recordSize < t.handleSizeAligned {
		abort("Shader binding table %q record size %d is smaller than a shader handle %d", t.name, recordSize, t.handleSizeAligned)
	}

	hitRecords := uint32(1)
	if t.hitGroupIndexing {
		hitRecords = t.numSegments * t.slotsPerSegment
	}

	for stage, records := range [shaderTableStageCount]uint32{
		ShaderTableStageRayGen:   1,
		ShaderTableStageMiss:     initializer.NumMissRecords,
		ShaderTableStageHitGroup: hitRecords,
		ShaderTableStageCallable: initializer.NumCallableRecords,
	} {
		a := &t.regions[stage]
		a.stage = ShaderTableStage(stage)
		a.records = records
		a.recordSize = uint64(recordSize)
		if records == 0 {
			continue
		}
		switch {
		case a.stage == ShaderTableStageRayGen:
			// raygen records carry no local data
			a.recordSize = uint64(t.handleSizeAligned)
			a.stride = a.recordSize
		case records > 1:
			a.stride = a.recordSize
		}
		a.host = make([]byte, uint64(records)*a.recordSize)
		a.dirty = true
	}

	if t.inlineEnabled {
		if t.numSegments == 0 {
			abort("Shader binding table %q wants inline geometry parameters without any geometry segment", t.name)
		}
		t.inlineParams = make([]HitGroupSystemParameters, t.numSegments)
		for i := range t.inlineParams {
			t.inlineParams[i].BindlessVertexBuffer = InvalidBindlessIndex
			t.inlineParams[i].BindlessIndexBuffer = InvalidBindlessIndex
		}
		t.inlineDirty = true
	}

	instance.logger.VPrintf("Created shader binding table: %s", prettyString(t))
	return t
}

func (t *ShaderBindingTable) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("%q: %q,", "Name", t.name))
	buff.WriteString(fmt.Sprintf("%q: %d,", "HandleSize", t.handleSize))
	buff.WriteString(fmt.Sprintf("%q: %d,", "HandleSizeAligned", t.handleSizeAligned))
	buff.WriteString(fmt.Sprintf("%q: %v,", "HitGroupIndexing", t.hitGroupIndexing))
	buff.WriteString(fmt.Sprintf("%q: %d,", "InlineGeometrySegments", len(t.inlineParams)))
	for i := range t.regions {
		a := &t.regions[i]
		buff.WriteString(fmt.Sprintf("%q: {\"Records\": %d, \"RecordSize\": %d, \"Stride\": %d},",
			a.stage.String(), a.records, a.recordSize, a.stride))
	}

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (t *ShaderBindingTable) Name() string {
	t.noCopy.Check()
	return t.name
}

func (t *ShaderBindingTable) NumRecords(stage ShaderTableStage) uint32 {
	t.noCopy.Check()
	return t.allocation(stage).records
}

func (t *ShaderBindingTable) allocation(stage ShaderTableStage) *shaderTableAllocation {
	if stage >= shaderTableStageCount {
		abort("Unknown shader table stage [%d]", stage)
	}
	return &t.regions[stage]
}

// SetSlot copies handle number shaderIndex out of handles, packed HandleSize apart, into record.
func (t *ShaderBindingTable) SetSlot(stage ShaderTableStage, record, shaderIndex uint32, handles []byte) {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.setSlot(stage, record, shaderIndex, handles)
}

func (t *ShaderBindingTable) setSlot(stage ShaderTableStage, record, shaderIndex uint32, handles []byte) {
	a := t.allocation(stage)
	start := uint64(shaderIndex) * uint64(t.handleSize)
	end := start + uint64(t.handleSize)
	if end > uint64(len(handles)) {
		abort("%s shader index %d is out of range of %d handles", stage, shaderIndex, uint64(len(handles))/uint64(t.handleSize))
	}
	dst := a.record(record)[:t.handleSize]
	if bytes.Equal(dst, handles[start:end]) {
		return
	}
	copy(dst, handles[start:end])
	a.dirty = true
}

/*
SetLocalShaderParameters writes data after the shader handle of record, offset and
len(data) must be multiples of 4.
*/
func (t *ShaderBindingTable) SetLocalShaderParameters(stage ShaderTableStage, record, offset uint32, data []byte) {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.setLocalShaderParameters(stage, record, offset, data)
}

func (t *ShaderBindingTable) setLocalShaderParameters(stage ShaderTableStage, record, offset uint32, data []byte) {
	if stage == ShaderTableStageRayGen {
		abort("RayGen records have no local parameters")
	}
	if offset%4 != 0 || len(data)%4 != 0 {
		abort("%s local parameters offset [%d] and size [%d] must be multiples of 4", stage, offset, len(data))
	}
	a := t.allocation(stage)
	r := a.record(record)
	start := uint64(t.handleSize) + uint64(offset)
	if start+uint64(len(data)) > uint64(len(r)) {
		abort("%s local parameters [%d, +%d) overflow the record size %d", stage, start, len(data), len(r))
	}
	copy(r[start:], data)
	a.dirty = true
}

// SetInlineGeometryParameters overwrites the inline parameters starting at segment firstSegment.
func (t *ShaderBindingTable) SetInlineGeometryParameters(firstSegment uint32, params []HitGroupSystemParameters) {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.setInlineGeometryParameters(firstSegment, params)
}

func (t *ShaderBindingTable) setInlineGeometryParameters(firstSegment uint32, params []HitGroupSystemParameters) {
	if !t.inlineEnabled {
		return
	}
	if uint64(firstSegment)+uint64(len(params)) > uint64(len(t.inlineParams)) {
		abort("Inline geometry parameters [%d, +%d) out of range of %d segments", firstSegment, len(params), len(t.inlineParams))
	}
	copy(t.inlineParams[firstSegment:], params)
	t.inlineDirty = true
}

func (t *ShaderBindingTable) Dirty() bool {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.dirty()
}

func (t *ShaderBindingTable) dirty() bool {
	for i := range t.regions {
		if t.regions[i].dirty {
			return true
		}
	}
	return t.inlineDirty
}

// Commit uploads every dirty region on ctx, the new regions are usable by any dispatch recorded after it on ctx.
func (t *ShaderBindingTable) Commit(ctx *CommandContext) {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.commit(ctx)
}

func (t *ShaderBindingTable) commit(ctx *CommandContext) {
	if !t.dirty() {
		return
	}
	d := t.device
	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("Commit(" + t.name + ")")
	cb.MemoryBarrier(MemoryBarrier{
		Src: MemoryBarrierInfo{Stage: PipelineStageRayTracingShader, Access: AccessFlagShaderBindingTableRead | AccessFlagShaderRead},
		Dst: MemoryBarrierInfo{Stage: PipelineStageTransfer, Access: AccessFlagTransferWrite},
	})

	for i := range t.regions {
		a := &t.regions[i]
		if !a.dirty {
			continue
		}
		a.dirty = false
		if a.buffer != nil {
			cb.QueueDestroy(destroyFunc{a.buffer.destroyNow})
			a.buffer = nil
		}
		if len(a.host) == 0 {
			a.region = ShaderTableRegion{}
			continue
		}

		a.buffer = d.createBuffer(fmt.Sprintf("%s(%s)", t.name, a.stage), uint64(len(a.host)),
			uint64(d.properties.RayTracing.ShaderGroupBaseAlignment), BufferUsageShaderBindingTable|BufferUsageStatic)
		copy(a.buffer.Lock(ctx, LockWriteOnly, 0, 0), a.host)
		a.buffer.Unlock(ctx)

		a.region = ShaderTableRegion{
			Address: a.buffer.DeviceAddress(),
			Stride:  a.stride,
			Size:    uint64(len(a.host)),
		}
	}

	if t.inlineDirty {
		t.inlineDirty = false
		if t.inlineBuffer != nil {
			cb.QueueDestroy(destroyFunc{t.inlineBuffer.destroyNow})
		}
		size := uint64(len(t.inlineParams)) * hitGroupSystemParametersSize
		t.inlineBuffer = d.createBuffer(t.name+"(InlineGeometryParameters)", size, 16, BufferUsageStorageBuffer|BufferUsageStatic)
		w := bufferWriter{data: t.inlineBuffer.Lock(ctx, LockWriteOnly, 0, size)}
		util.HostWriteSlice(w, 0, t.inlineParams)
		t.inlineBuffer.Unlock(ctx)
	}

	cb.MemoryBarrier(MemoryBarrier{
		Src: MemoryBarrierInfo{Stage: PipelineStageTransfer, Access: AccessFlagTransferWrite},
		Dst: MemoryBarrierInfo{Stage: PipelineStageRayTracingShader, Access: AccessFlagShaderBindingTableRead | AccessFlagShaderRead},
	})
	cb.EndNamedRegion()
}

// Region returns the committed region of stage, it is a fatal error to ask for a region with uncommitted writes.
func (t *ShaderBindingTable) Region(stage ShaderTableStage) ShaderTableRegion {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.region(stage)
}

func (t *ShaderBindingTable) region(stage ShaderTableStage) ShaderTableRegion {
	a := t.allocation(stage)
	if a.dirty {
		abort("Shader binding table %q region %s has uncommitted writes", t.name, stage)
	}
	return a.region
}

// InlineGeometryParameters returns the committed parameter buffer, nil if disabled.
func (t *ShaderBindingTable) InlineGeometryParameters() *Buffer {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.inlineDirty {
		abort("Shader binding table %q inline geometry parameters have uncommitted writes", t.name)
	}
	return t.inlineBuffer
}

func (t *ShaderBindingTable) Destroy() {
	t.noCopy.Check()
	t.mtx.Lock()
	defer t.mtx.Unlock()

	retire := make([]Destroyer, 0, len(t.regions)+1)
	for i := range t.regions {
		if b := t.regions[i].buffer; b != nil {
			retire = append(retire, destroyFunc{b.destroyNow})
			t.regions[i].buffer = nil
		}
	}
	if t.inlineBuffer != nil {
		retire = append(retire, destroyFunc{t.inlineBuffer.destroyNow})
		t.inlineBuffer = nil
	}
	if len(retire) > 0 {
		t.device.QueueDestroy(retire...)
	}
	t.noCopy.Close()
}

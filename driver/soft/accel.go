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

package soft

import (
	"encoding/binary"
	"sync"

	"goarrg.com/debug"
	"goarrg.com/rhi/rtx/driver"
)

type accelerationStructure struct {
	device  *Device
	name    string
	typ     driver.AccelerationStructureType
	buffer  *buffer
	offset  uint64
	size    uint64
	address uint64

	built          bool
	flags          driver.BuildFlags
	geometryCount  uint64
	primitiveCount uint64
	instances      []uint64
}

var _ driver.AccelerationStructure = (*accelerationStructure)(nil)

func (d *Device) CreateAccelerationStructure(desc driver.AccelerationStructureDesc) (driver.AccelerationStructure, error) {
	b, ok := desc.Buffer.(*buffer)
	if !ok || b == nil {
		return nil, debug.Errorf("Acceleration structure %q has no backing buffer", desc.Name)
	}
	if !b.desc.Usage.HasBits(driver.BufferUsageAccelerationStructureStorage) {
		return nil, debug.Errorf("Buffer %q was not created with acceleration structure storage usage", b.desc.Name)
	}
	if desc.Offset%d.props.AccelerationStructureAlignment != 0 {
		return nil, debug.Errorf("Acceleration structure %q offset %d is not aligned to %d", desc.Name, desc.Offset, d.props.AccelerationStructureAlignment)
	}
	if desc.Offset+desc.Size > b.desc.Size {
		return nil, debug.Errorf("Acceleration structure %q range [%d, %d) overflows buffer of size %d", desc.Name, desc.Offset, desc.Offset+desc.Size, b.desc.Size)
	}

	as := &accelerationStructure{
		device:  d,
		name:    desc.Name,
		typ:     desc.Type,
		buffer:  b,
		offset:  desc.Offset,
		size:    desc.Size,
		address: b.address + desc.Offset,
	}

	d.mtx.Lock()
	d.structures[as.address] = as
	d.mtx.Unlock()
	return as, nil
}

func (as *accelerationStructure) DeviceAddress() uint64 {
	return as.address
}

func (as *accelerationStructure) Destroy() {
	d := as.device
	d.mtx.Lock()
	live, ok := d.structures[as.address]
	ok = ok && live == as
	if ok {
		delete(d.structures, as.address)
	}
	d.mtx.Unlock()

	if !ok {
		d.validationError("Double destroy of acceleration structure %q", as.name)
	}
}

func (d *Device) lookupStructure(address uint64) (*accelerationStructure, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	as, ok := d.structures[address]
	return as, ok
}

func bytesPerPrimitive(info *driver.BuildGeometryInfo) uint64 {
	if info.Type == driver.AccelerationStructureTypeTopLevel {
		return 128
	}
	if len(info.Geometries) > 0 && info.Geometries[0].Type == driver.GeometryTypeAABBs {
		return 48
	}
	return 64
}

func (d *Device) AccelerationStructureBuildSizes(info *driver.BuildGeometryInfo, maxPrimitiveCounts []uint32) driver.BuildSizes {
	var primitives uint64
	for _, c := range maxPrimitiveCounts {
		primitives += uint64(c)
	}
	geometries := uint64(len(info.Geometries))

	result := 256 + geometries*64 + primitives*bytesPerPrimitive(info)
	if info.Flags.HasBits(driver.BuildLowMemory) {
		result -= (primitives * bytesPerPrimitive(info)) / 8
	}
	buildScratch := 128 + geometries*16 + primitives*32
	if info.Flags.HasBits(driver.BuildPreferFastBuild) {
		buildScratch -= primitives * 8
	}

	return driver.BuildSizes{
		AccelerationStructureSize: result,
		BuildScratchSize:          buildScratch,
		UpdateScratchSize:         64 + primitives*8,
	}
}

func (as *accelerationStructure) compactedSize() uint64 {
	return alignUp(256+as.geometryCount*32+as.primitiveCount*40, 256)
}

type queryPool struct {
	mtx       sync.Mutex
	name      string
	values    []uint64
	available []bool
}

var _ driver.QueryPool = (*queryPool)(nil)

func (d *Device) CreateQueryPool(name string, count uint32) (driver.QueryPool, error) {
	if count == 0 {
		return nil, debug.Errorf("Query pool %q has zero queries", name)
	}
	return &queryPool{
		name:      name,
		values:    make([]uint64, count),
		available: make([]bool, count),
	}, nil
}

func (q *queryPool) Results(first, count uint32) ([]uint64, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if uint64(first)+uint64(count) > uint64(len(q.values)) {
		return nil, false
	}
	for _, a := range q.available[first : first+count] {
		if !a {
			return nil, false
		}
	}
	return append([]uint64(nil), q.values[first:first+count]...), true
}

func (q *queryPool) Destroy() {}

func (q *queryPool) reset(first, count uint32) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	end := min(uint64(first)+uint64(count), uint64(len(q.available)))
	for i := uint64(first); i < end; i++ {
		q.available[i] = false
		q.values[i] = 0
	}
}

func (q *queryPool) write(i uint32, v uint64) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if int(i) >= len(q.values) {
		return false
	}
	q.values[i] = v
	q.available[i] = true
	return true
}

func (d *Device) executeBuild(info driver.BuildGeometryInfo, ranges []driver.BuildRangeInfo) {
	dst, ok := info.Dst.(*accelerationStructure)
	if !ok || dst == nil {
		d.validationError("Build has no destination")
		return
	}
	if !d.isLive(dst.buffer) {
		d.validationError("Build of %q into a destroyed buffer", dst.name)
		return
	}
	if dst.typ != info.Type {
		d.validationError("Build of %q type %s into structure of type %s", dst.name, info.Type, dst.typ)
		return
	}
	if len(ranges) != len(info.Geometries) {
		d.validationError("Build of %q has %d geometries but %d ranges", dst.name, len(info.Geometries), len(ranges))
		return
	}

	counts := make([]uint32, len(ranges))
	var primitives uint64
	for i, r := range ranges {
		counts[i] = r.PrimitiveCount
		primitives += uint64(r.PrimitiveCount)
	}
	sizes := d.AccelerationStructureBuildSizes(&info, counts)
	if sizes.AccelerationStructureSize > dst.size {
		d.validationError("Build of %q needs %d bytes, structure has %d", dst.name, sizes.AccelerationStructureSize, dst.size)
		return
	}

	scratchSize := sizes.BuildScratchSize
	if info.Mode == driver.BuildModeUpdate {
		scratchSize = sizes.UpdateScratchSize
		src, ok := info.Src.(*accelerationStructure)
		switch {
		case !ok || src == nil || !src.built:
			d.validationError("Update of %q from an unbuilt source", dst.name)
			return
		case !src.flags.HasBits(driver.BuildAllowUpdate):
			d.validationError("Update of %q from a source built without AllowUpdate", dst.name)
			return
		case src.geometryCount != uint64(len(info.Geometries)):
			d.validationError("Update of %q changes geometry count from %d to %d", dst.name, src.geometryCount, len(info.Geometries))
			return
		}
	}
	if info.ScratchData%uint64(d.props.MinScratchOffsetAlignment) != 0 {
		d.validationError("Build of %q scratch address 0x%X is not aligned to %d", dst.name, info.ScratchData, d.props.MinScratchOffsetAlignment)
		return
	}
	if _, _, ok := d.resolve(info.ScratchData, scratchSize); !ok {
		d.validationError("Build of %q scratch [0x%X, +%d) is not backed by a live buffer", dst.name, info.ScratchData, scratchSize)
		return
	}

	var instances []uint64
	for i, g := range info.Geometries {
		if ranges[i].PrimitiveCount == 0 {
			continue
		}
		switch g.Type {
		case driver.GeometryTypeTriangles:
			if _, _, ok := d.resolve(g.VertexData, 1); !ok {
				d.validationError("Build of %q geometry %d vertex address 0x%X is not backed by a live buffer", dst.name, i, g.VertexData)
				return
			}
			if g.IndexType != driver.IndexTypeNone {
				if _, _, ok := d.resolve(g.IndexData+uint64(ranges[i].PrimitiveOffset), 1); !ok {
					d.validationError("Build of %q geometry %d index address 0x%X is not backed by a live buffer", dst.name, i, g.IndexData)
					return
				}
			}
		case driver.GeometryTypeAABBs:
			if g.AABBStride < 24 || g.AABBStride%8 != 0 {
				d.validationError("Build of %q geometry %d AABB stride %d is invalid", dst.name, i, g.AABBStride)
				return
			}
			if _, _, ok := d.resolve(g.AABBData, 24); !ok {
				d.validationError("Build of %q geometry %d AABB address 0x%X is not backed by a live buffer", dst.name, i, g.AABBData)
				return
			}
		case driver.GeometryTypeInstances:
			size := uint64(ranges[i].PrimitiveCount) * driver.InstanceSize
			b, offset, ok := d.resolve(g.InstanceData, size)
			if !ok {
				d.validationError("Build of %q instance data [0x%X, +%d) is not backed by a live buffer", dst.name, g.InstanceData, size)
				return
			}
			for j := uint64(0); j < uint64(ranges[i].PrimitiveCount); j++ {
				record := b.data[offset+j*driver.InstanceSize : offset+(j+1)*driver.InstanceSize]
				ref := binary.LittleEndian.Uint64(record[56:])
				mask := record[51]
				if ref == 0 || mask == 0 {
					continue
				}
				blas, ok := d.lookupStructure(ref)
				if !ok || !blas.built || blas.typ != driver.AccelerationStructureTypeBottomLevel {
					d.validationError("Build of %q instance %d references 0x%X which is not a built bottom level structure", dst.name, j, ref)
					return
				}
				instances = append(instances, ref)
			}
		}
	}

	dst.built = true
	dst.flags = info.Flags
	dst.geometryCount = uint64(len(info.Geometries))
	dst.primitiveCount = primitives
	dst.instances = instances
}

func (d *Device) executeCopy(src, dst driver.AccelerationStructure, mode driver.CopyMode) {
	s, sok := src.(*accelerationStructure)
	t, tok := dst.(*accelerationStructure)
	if !sok || !tok || s == nil || t == nil {
		d.validationError("Acceleration structure copy with a nil structure")
		return
	}
	if !s.built {
		d.validationError("Copy from unbuilt structure %q", s.name)
		return
	}
	need := s.size
	if mode == driver.CopyModeCompact {
		if !s.flags.HasBits(driver.BuildAllowCompaction) {
			d.validationError("Compacting copy from %q which was built without AllowCompaction", s.name)
			return
		}
		need = s.compactedSize()
	}
	if t.size < need {
		d.validationError("Copy of %q into %q needs %d bytes, destination has %d", s.name, t.name, need, t.size)
		return
	}
	t.built = true
	t.flags = s.flags
	t.geometryCount = s.geometryCount
	t.primitiveCount = s.primitiveCount
	t.instances = append([]uint64(nil), s.instances...)
}

func (d *Device) executeWriteCompactedSizes(structures []driver.AccelerationStructure, pool *queryPool, first uint32) {
	for i, s := range structures {
		as, ok := s.(*accelerationStructure)
		v := uint64(0)
		switch {
		case !ok || as == nil:
			d.validationError("Compacted size query %d on a nil structure", i)
		case !as.built:
			d.validationError("Compacted size query on unbuilt structure %q", as.name)
		case !as.flags.HasBits(driver.BuildAllowCompaction):
			d.validationError("Compacted size query on %q which was built without AllowCompaction", as.name)
		default:
			v = as.compactedSize()
		}
		if !pool.write(first+uint32(i), v) {
			d.validationError("Compacted size query %d is out of range of pool %q", first+uint32(i), pool.name)
		}
	}
}

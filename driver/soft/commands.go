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
	"strings"
	"sync"

	"goarrg.com/rhi/rtx/driver"
)

type commandBuffer struct {
	device    *Device
	name      string
	labels    []string
	pipeline  *pipeline
	ops       []func()
	submitted bool
}

var _ driver.CommandBuffer = (*commandBuffer)(nil)

func (cb *commandBuffer) record(op func()) {
	if cb.submitted {
		cb.device.validationError("Recording into submitted command buffer %q", cb.name)
		return
	}
	cb.ops = append(cb.ops, op)
}

func (cb *commandBuffer) BeginLabel(name string) {
	cb.labels = append(cb.labels, name)
}

func (cb *commandBuffer) EndLabel() {
	if len(cb.labels) == 0 {
		cb.device.validationError("EndLabel without BeginLabel in %q", cb.name)
		return
	}
	cb.labels = cb.labels[:len(cb.labels)-1]
}

func (cb *commandBuffer) scope() string {
	if len(cb.labels) == 0 {
		return cb.name
	}
	return cb.name + "/" + strings.Join(cb.labels, "/")
}

func (cb *commandBuffer) PipelineBarrier(barriers []driver.MemoryBarrier) {
	d, scope := cb.device, cb.scope()
	barriers = append([]driver.MemoryBarrier(nil), barriers...)
	cb.record(func() {
		for _, b := range barriers {
			d.logCommand("%s: Barrier %s", scope, b.String())
		}
	})
}

func (cb *commandBuffer) CopyBuffer(src, dst driver.Buffer, regions []driver.BufferCopy) {
	d, scope := cb.device, cb.scope()
	s, _ := src.(*buffer)
	t, _ := dst.(*buffer)
	regions = append([]driver.BufferCopy(nil), regions...)
	cb.record(func() {
		if s == nil || t == nil || !d.isLive(s) || !d.isLive(t) {
			d.validationError("%s: CopyBuffer with a destroyed buffer", scope)
			return
		}
		for _, r := range regions {
			if r.SrcOffset+r.Size > s.desc.Size || r.DstOffset+r.Size > t.desc.Size {
				d.validationError("%s: CopyBuffer %q -> %q region %+v is out of range", scope, s.desc.Name, t.desc.Name, r)
				continue
			}
			copy(t.data[r.DstOffset:r.DstOffset+r.Size], s.data[r.SrcOffset:r.SrcOffset+r.Size])
		}
		d.logCommand("%s: CopyBuffer %q -> %q", scope, s.desc.Name, t.desc.Name)
	})
}

func (cb *commandBuffer) BuildAccelerationStructures(infos []driver.BuildGeometryInfo, ranges [][]driver.BuildRangeInfo) {
	d, scope := cb.device, cb.scope()
	if len(infos) != len(ranges) {
		d.validationError("%s: BuildAccelerationStructures with %d infos and %d range lists", scope, len(infos), len(ranges))
		return
	}
	infos = append([]driver.BuildGeometryInfo(nil), infos...)
	copied := make([][]driver.BuildRangeInfo, len(ranges))
	for i := range ranges {
		infos[i].Geometries = append([]driver.Geometry(nil), infos[i].Geometries...)
		copied[i] = append([]driver.BuildRangeInfo(nil), ranges[i]...)
	}
	cb.record(func() {
		for i := range infos {
			d.executeBuild(infos[i], copied[i])
		}
		d.logCommand("%s: BuildAccelerationStructures %d", scope, len(infos))
	})
}

func (cb *commandBuffer) CopyAccelerationStructure(src, dst driver.AccelerationStructure, mode driver.CopyMode) {
	d, scope := cb.device, cb.scope()
	cb.record(func() {
		d.executeCopy(src, dst, mode)
		if mode == driver.CopyModeCompact {
			d.logCommand("%s: CopyAccelerationStructure compact", scope)
		} else {
			d.logCommand("%s: CopyAccelerationStructure clone", scope)
		}
	})
}

func (cb *commandBuffer) ResetQueryPool(pool driver.QueryPool, first, count uint32) {
	d, scope := cb.device, cb.scope()
	q, ok := pool.(*queryPool)
	if !ok {
		d.validationError("%s: ResetQueryPool with a foreign pool", scope)
		return
	}
	cb.record(func() {
		q.reset(first, count)
		d.logCommand("%s: ResetQueryPool %q [%d, %d)", scope, q.name, first, first+count)
	})
}

func (cb *commandBuffer) WriteCompactedSizes(structures []driver.AccelerationStructure, pool driver.QueryPool, first uint32) {
	d, scope := cb.device, cb.scope()
	q, ok := pool.(*queryPool)
	if !ok {
		d.validationError("%s: WriteCompactedSizes with a foreign pool", scope)
		return
	}
	structures = append([]driver.AccelerationStructure(nil), structures...)
	cb.record(func() {
		d.executeWriteCompactedSizes(structures, q, first)
		d.logCommand("%s: WriteCompactedSizes %d", scope, len(structures))
	})
}

func (cb *commandBuffer) BindRayTracingPipeline(p driver.Pipeline) {
	sp, ok := p.(*pipeline)
	if !ok || sp == nil {
		cb.device.validationError("%s: BindRayTracingPipeline with a foreign pipeline", cb.scope())
		return
	}
	cb.pipeline = sp
}

func (cb *commandBuffer) TraceRays(raygen, miss, hit, callable driver.StridedRegion, width, height, depth uint32) {
	d, scope, p := cb.device, cb.scope(), cb.pipeline
	cb.record(func() {
		d.executeTrace(scope, p, raygen, miss, hit, callable, width, height, depth)
	})
}

func (cb *commandBuffer) TraceRaysIndirect(raygen, miss, hit, callable driver.StridedRegion, indirectAddress uint64) {
	d, scope, p := cb.device, cb.scope(), cb.pipeline
	cb.record(func() {
		b, offset, ok := d.resolve(indirectAddress, 12)
		if !ok {
			d.validationError("%s: TraceRaysIndirect address 0x%X is not backed by a live buffer", scope, indirectAddress)
			return
		}
		args := b.data[offset : offset+12]
		d.executeTrace(scope, p, raygen, miss, hit, callable,
			binary.LittleEndian.Uint32(args[0:]), binary.LittleEndian.Uint32(args[4:]), binary.LittleEndian.Uint32(args[8:]))
	})
}

func (d *Device) validateRegion(scope, name string, r driver.StridedRegion, raygen bool) bool {
	if r.Size == 0 {
		if raygen {
			d.validationError("%s: TraceRays without a ray generation region", scope)
			return false
		}
		return true
	}
	if r.Address%uint64(d.props.ShaderGroupBaseAlignment) != 0 {
		d.validationError("%s: %s region address 0x%X is not aligned to %d", scope, name, r.Address, d.props.ShaderGroupBaseAlignment)
		return false
	}
	if raygen && r.Size != r.Stride {
		d.validationError("%s: ray generation region size %d must equal its stride %d", scope, r.Size, r.Stride)
		return false
	}
	if r.Stride%uint64(d.props.ShaderGroupHandleAlignment) != 0 || r.Stride > uint64(d.props.MaxShaderGroupStride) {
		d.validationError("%s: %s region stride %d is invalid", scope, name, r.Stride)
		return false
	}
	if _, _, ok := d.resolve(r.Address, r.Size); !ok {
		d.validationError("%s: %s region [0x%X, +%d) is not backed by a live buffer", scope, name, r.Address, r.Size)
		return false
	}
	return true
}

func (d *Device) executeTrace(scope string, p *pipeline, raygen, miss, hit, callable driver.StridedRegion, width, height, depth uint32) {
	if p == nil || !p.isReady() {
		d.validationError("%s: TraceRays without a usable ray tracing pipeline", scope)
		return
	}
	if uint64(width)*uint64(height)*uint64(depth) > uint64(d.props.MaxRayDispatchInvocationCount) {
		d.validationError("%s: TraceRays %dx%dx%d exceeds the invocation limit", scope, width, height, depth)
		return
	}
	if !d.validateRegion(scope, "RayGen", raygen, true) ||
		!d.validateRegion(scope, "Miss", miss, false) ||
		!d.validateRegion(scope, "HitGroup", hit, false) ||
		!d.validateRegion(scope, "Callable", callable, false) {
		return
	}
	d.mtx.Lock()
	d.dispatches = append(d.dispatches, Dispatch{
		Pipeline: p.name,
		Width:    width, Height: height, Depth: depth,
		RayGen: raygen, Miss: miss, HitGroup: hit, Callable: callable,
	})
	d.mtx.Unlock()
	d.logCommand("%s: TraceRays %dx%dx%d", scope, width, height, depth)
}

type submission struct {
	value uint64
	ops   []func()
}

type queue struct {
	device    *Device
	mtx       sync.Mutex
	submitted uint64
	completed uint64
	pending   []submission
}

var _ driver.Queue = (*queue)(nil)

func (q *queue) Submit(cb driver.CommandBuffer) uint64 {
	c, ok := cb.(*commandBuffer)
	if !ok || c == nil {
		q.device.validationError("Submit of a foreign command buffer")
		return q.submitted
	}
	if c.submitted {
		q.device.validationError("Command buffer %q submitted twice", c.name)
	}
	if len(c.labels) > 0 {
		q.device.validationError("Command buffer %q submitted with open labels %v", c.name, c.labels)
	}
	c.submitted = true

	q.mtx.Lock()
	q.submitted++
	v := q.submitted
	q.pending = append(q.pending, submission{value: v, ops: c.ops})
	q.mtx.Unlock()

	if q.device.config.Immediate {
		q.Wait(v)
	}
	return v
}

func (q *queue) CompletedValue() uint64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.completed
}

func (q *queue) Wait(value uint64) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for q.completed < value && len(q.pending) > 0 {
		q.executeOldest()
	}
}

func (q *queue) executeOldest() {
	s := q.pending[0]
	q.pending = q.pending[1:]
	for _, op := range s.ops {
		op()
	}
	q.completed = s.value
}

func (q *queue) waitAll() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for len(q.pending) > 0 {
		q.executeOldest()
	}
}

func (q *queue) advance() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.pending) == 0 {
		return false
	}
	q.executeOldest()
	return true
}

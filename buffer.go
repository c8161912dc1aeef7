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
	"strings"
	"sync"
	"unsafe"

	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/internal/util"
)

type BufferUsageFlags uint32

const (
	// BufferUsageStatic buffers live in device local memory and are written through staging.
	BufferUsageStatic BufferUsageFlags = 1 << iota
	// BufferUsageDynamic buffers live in host visible memory and are reallocated when rewritten.
	BufferUsageDynamic
	BufferUsageVertexBuffer
	BufferUsageIndexBuffer
	BufferUsageStorageBuffer
	BufferUsageUniformBuffer
	BufferUsageIndirectBuffer
	BufferUsageAccelerationStructure
	BufferUsageBuildInput
	BufferUsageShaderBindingTable
	BufferUsageScratch
)

func (u BufferUsageFlags) HasBits(want BufferUsageFlags) bool {
	return hasBits(u, want)
}

func (u BufferUsageFlags) String() string {
	str := ""
	if u.HasBits(BufferUsageStatic) {
		str += "Static|"
	}
	if u.HasBits(BufferUsageDynamic) {
		str += "Dynamic|"
	}
	if u.HasBits(BufferUsageVertexBuffer) {
		str += "VertexBuffer|"
	}
	if u.HasBits(BufferUsageIndexBuffer) {
		str += "IndexBuffer|"
	}
	if u.HasBits(BufferUsageStorageBuffer) {
		str += "StorageBuffer|"
	}
	if u.HasBits(BufferUsageUniformBuffer) {
		str += "UniformBuffer|"
	}
	if u.HasBits(BufferUsageIndirectBuffer) {
		str += "IndirectBuffer|"
	}
	if u.HasBits(BufferUsageAccelerationStructure) {
		str += "AccelerationStructure|"
	}
	if u.HasBits(BufferUsageBuildInput) {
		str += "BuildInput|"
	}
	if u.HasBits(BufferUsageShaderBindingTable) {
		str += "ShaderBindingTable|"
	}
	if u.HasBits(BufferUsageScratch) {
		str += "Scratch|"
	}
	return strings.TrimSuffix(str, "|")
}

func (u BufferUsageFlags) driverUsage() driver.BufferUsage {
	usage := driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst | driver.BufferUsageShaderDeviceAddress
	if u.HasBits(BufferUsageVertexBuffer) {
		usage |= driver.BufferUsageVertex | driver.BufferUsageAccelerationStructureBuildInput
	}
	if u.HasBits(BufferUsageIndexBuffer) {
		usage |= driver.BufferUsageIndex | driver.BufferUsageAccelerationStructureBuildInput
	}
	if u.HasBits(BufferUsageStorageBuffer) || u.HasBits(BufferUsageScratch) {
		usage |= driver.BufferUsageStorage
	}
	if u.HasBits(BufferUsageUniformBuffer) {
		usage |= driver.BufferUsageUniform
	}
	if u.HasBits(BufferUsageIndirectBuffer) {
		usage |= driver.BufferUsageIndirect
	}
	if u.HasBits(BufferUsageAccelerationStructure) {
		usage |= driver.BufferUsageAccelerationStructureStorage
	}
	if u.HasBits(BufferUsageBuildInput) {
		usage |= driver.BufferUsageAccelerationStructureBuildInput
	}
	if u.HasBits(BufferUsageShaderBindingTable) {
		usage |= driver.BufferUsageShaderBindingTable
	}
	return usage
}

type LockMode uint8

const (
	LockReadOnly LockMode = iota
	LockWriteOnly
	LockReadWrite
)

func (m LockMode) String() string {
	switch m {
	case LockReadOnly:
		return "ReadOnly"
	case LockWriteOnly:
		return "WriteOnly"
	case LockReadWrite:
		return "ReadWrite"
	default:
		return "Unknown"
	}
}

type LockStatus uint8

const (
	LockStatusUnlocked LockStatus = iota
	LockStatusLocked
	LockStatusPersistentMapping
)

func (s LockStatus) String() string {
	switch s {
	case LockStatusUnlocked:
		return "Unlocked"
	case LockStatusLocked:
		return "Locked"
	case LockStatusPersistentMapping:
		return "PersistentMapping"
	default:
		return "Unknown"
	}
}

type bufferLock struct {
	mode    LockMode
	offset  uint64
	size    uint64
	staging *stagingBuffer
}

/*
Buffer is a linear GPU allocation that can be locked for host access. Only one lock
may be outstanding, and while locked the allocation can not change owner.
*/
type Buffer struct {
	noCopy util.NoCopy
	device *Device
	name   string
	usage  BufferUsageFlags

	mtx        sync.Mutex
	allocation driver.Buffer
	memory     driver.MemoryFlags
	alignment  uint64
	status     LockStatus
	lock       bufferLock
	written    bool
}

var _ Destroyer = (*Buffer)(nil)

func (d *Device) bufferMemory(usage BufferUsageFlags) driver.MemoryFlags {
	switch {
	case d.properties.UnifiedMemory:
		return driver.MemoryDeviceLocal | driver.MemoryHostVisible | driver.MemoryHostCoherent
	case usage.HasBits(BufferUsageDynamic):
		return driver.MemoryHostVisible | driver.MemoryHostCoherent
	default:
		return driver.MemoryDeviceLocal
	}
}

func (d *Device) createBuffer(name string, size, alignment uint64, usage BufferUsageFlags) *Buffer {
	d.noCopy.Check()
	if size == 0 {
		abort("Trying to create buffer %q with size 0", name)
	}
	if usage.HasBits(BufferUsageStatic) && usage.HasBits(BufferUsageDynamic) {
		abort("Buffer %q can not be both static and dynamic", name)
	}
	if !usage.HasBits(BufferUsageDynamic) {
		usage |= BufferUsageStatic
	}

	b := Buffer{
		device:    d,
		name:      name,
		usage:     usage,
		memory:    d.bufferMemory(usage),
		alignment: alignment,
	}
	b.noCopy.Init()
	b.allocation = d.allocate(driver.BufferDesc{
		Name:      name,
		Size:      size,
		Alignment: alignment,
		Usage:     usage.driverUsage(),
		Memory:    b.memory,
	})
	return &b
}

func (d *Device) NewBuffer(name string, size uint64, usage BufferUsageFlags) *Buffer {
	return d.createBuffer(name, size, 0, usage)
}

// NewBufferWithData creates a buffer and uploads data through ctx, the copy is visible once ctx is submitted.
func (d *Device) NewBufferWithData(ctx *CommandContext, name string, usage BufferUsageFlags, data []byte) *Buffer {
	b := d.NewBuffer(name, uint64(len(data)), usage)
	copy(b.Lock(ctx, LockWriteOnly, 0, uint64(len(data))), data)
	b.Unlock(ctx)
	return b
}

func (b *Buffer) Name() string {
	b.noCopy.Check()
	return b.name
}

func (b *Buffer) Usage() BufferUsageFlags {
	b.noCopy.Check()
	return b.usage
}

func (b *Buffer) Size() uint64 {
	b.noCopy.Check()
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.allocation == nil {
		return 0
	}
	return b.allocation.Size()
}

func (b *Buffer) DeviceAddress() uint64 {
	b.noCopy.Check()
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.allocation == nil {
		return 0
	}
	return b.allocation.DeviceAddress()
}

func (b *Buffer) LockStatus() LockStatus {
	b.noCopy.Check()
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.status
}

func (b *Buffer) driverBuffer() driver.Buffer {
	b.noCopy.Check()
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.allocation == nil {
		abort("Buffer %q has no allocation", b.name)
	}
	return b.allocation
}

/*
Lock returns host memory for [offset, offset+size) of the buffer, size 0 locks to
the end of the buffer. Reads block until the GPU copy into staging has completed on
ctx. Writes through staging are only copied into the buffer by Unlock.
*/
func (b *Buffer) Lock(ctx *CommandContext, mode LockMode, offset, size uint64) []byte {
	b.noCopy.Check()
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.status != LockStatusUnlocked {
		abort("Buffer %q is already locked [%s]", b.name, b.status)
	}
	if b.allocation == nil {
		abort("Trying to lock buffer %q which has no allocation", b.name)
	}
	total := b.allocation.Size()
	if size == 0 {
		if offset >= total {
			abort("Lock(%d, 0) is outside of buffer %q of size %d", offset, b.name, total)
		}
		size = total - offset
	}
	if offset+size > total || offset+size < offset {
		abort("Lock(%d, %d) will overflow buffer %q of size %d", offset, size, b.name, total)
	}

	mapped := b.allocation.Mapped()
	forceStaging := b.device.config.forceStagingOnLock && !b.device.properties.UnifiedMemory

	switch mode {
	case LockReadOnly:
		if mapped != nil {
			b.status = LockStatusPersistentMapping
			return mapped[offset : offset+size]
		}
		return b.lockReadback(ctx, mode, offset, size)

	case LockReadWrite:
		if mapped != nil && !forceStaging {
			b.written = true
			b.status = LockStatusPersistentMapping
			return mapped[offset : offset+size]
		}
		return b.lockReadback(ctx, mode, offset, size)

	case LockWriteOnly:
		if mapped != nil && !forceStaging {
			if b.device.properties.UnifiedMemory || !b.written {
				b.written = true
				b.status = LockStatusPersistentMapping
				return mapped[offset : offset+size]
			}
			if b.usage.HasBits(BufferUsageDynamic) {
				b.reallocate(ctx, offset, size)
				b.status = LockStatusPersistentMapping
				return b.allocation.Mapped()[offset : offset+size]
			}
		}
		b.written = true
		b.lock = bufferLock{mode: mode, offset: offset, size: size, staging: b.device.acquireStaging(size, false)}
		b.status = LockStatusLocked
		return b.lock.staging.bytes(size)

	default:
		abort("Unknown lock mode [%d]", mode)
		return nil
	}
}

func (b *Buffer) lockReadback(ctx *CommandContext, mode LockMode, offset, size uint64) []byte {
	staging := b.device.acquireStaging(size, true)

	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("Lock(" + b.name + ")")
	cb.MemoryBarrier(barrierAllToTransfer)
	cb.copyBuffer(b.allocation, staging.buffer, []BufferCopyRegion{{SrcBufferOffset: offset, Size: size}})
	cb.MemoryBarrier(barrierTransferToHost)
	cb.EndNamedRegion()
	ctx.SubmitAndWait()

	if mode == LockReadWrite {
		b.written = true
	}
	b.lock = bufferLock{mode: mode, offset: offset, size: size, staging: staging}
	b.status = LockStatusLocked
	return staging.bytes(size)
}

/*
reallocate swaps in a fresh allocation so the host can write without waiting on
work that still reads the old one. Bytes outside of the locked range are carried
over from the old allocation.
*/
func (b *Buffer) reallocate(ctx *CommandContext, offset, size uint64) {
	old := b.allocation
	fresh := b.device.allocate(driver.BufferDesc{
		Name:      b.name,
		Size:      old.Size(),
		Alignment: b.alignment,
		Usage:     b.usage.driverUsage(),
		Memory:    b.memory,
	})
	src, dst := old.Mapped(), fresh.Mapped()
	copy(dst[:offset], src[:offset])
	copy(dst[offset+size:], src[offset+size:])

	b.allocation = fresh
	ctx.ActiveCommandBuffer().QueueDestroy(old)
	instance.logger.VPrintf("Buffer %q reallocated for write lock", b.name)
}

// Unlock ends the outstanding lock, staged writes are copied into the buffer on the active command buffer of ctx.
func (b *Buffer) Unlock(ctx *CommandContext) {
	b.noCopy.Check()
	b.mtx.Lock()
	defer b.mtx.Unlock()

	switch b.status {
	case LockStatusUnlocked:
		abort("Buffer %q is not locked", b.name)
	case LockStatusPersistentMapping:
		b.status = LockStatusUnlocked
		return
	}

	lock := b.lock
	b.lock = bufferLock{}
	b.status = LockStatusUnlocked

	if lock.mode == LockReadOnly {
		b.device.releaseStaging(lock.staging, 0)
		return
	}

	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("Unlock(" + b.name + ")")
	cb.MemoryBarrier(barrierAllToTransfer)
	cb.copyBuffer(lock.staging.buffer, b.allocation, []BufferCopyRegion{{DstBufferOffset: lock.offset, Size: lock.size}})
	cb.MemoryBarrier(barrierTransferToAll)
	cb.EndNamedRegion()

	device := b.device
	cb.whenSubmitted(func(fence uint64) {
		device.releaseStaging(lock.staging, fence)
	})
}

/*
TakeOwnership moves the allocation of other into b, the previous allocation of b is
destroyed once the immediate context has executed. other is left without an
allocation.
*/
func (b *Buffer) TakeOwnership(other *Buffer) {
	b.noCopy.Check()
	other.noCopy.Check()
	if b == other {
		abort("Buffer %q can not take ownership of itself", b.name)
	}
	if b.device != other.device {
		abort("Buffer %q can not take ownership of %q from a different device", b.name, other.name)
	}

	// lock by address so swaps in opposite directions agree on the order
	first, second := b, other
	if uintptr(unsafe.Pointer(second)) < uintptr(unsafe.Pointer(first)) {
		first, second = second, first
	}
	first.mtx.Lock()
	defer first.mtx.Unlock()
	second.mtx.Lock()
	defer second.mtx.Unlock()

	if b.status != LockStatusUnlocked || other.status != LockStatusUnlocked {
		abort("TakeOwnership(%q <- %q) while locked [%s, %s]", b.name, other.name, b.status, other.status)
	}

	if b.allocation != nil {
		b.device.QueueDestroy(b.allocation)
	}
	b.allocation, other.allocation = other.allocation, nil
	b.memory = other.memory
	b.alignment = other.alignment
	b.usage = other.usage
	b.written = other.written
	other.written = false
}

// ReleaseOwnership queues the allocation for destruction and leaves b empty.
func (b *Buffer) ReleaseOwnership() {
	b.noCopy.Check()
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.status != LockStatusUnlocked {
		abort("ReleaseOwnership(%q) while locked [%s]", b.name, b.status)
	}
	if b.allocation != nil {
		b.device.QueueDestroy(b.allocation)
		b.allocation = nil
	}
	b.written = false
}

// Destroy releases the allocation through deferred deletion and invalidates b.
func (b *Buffer) Destroy() {
	b.ReleaseOwnership()
	b.noCopy.Close()
}

// destroyNow releases the allocation immediately, for buffers already retired through deferred deletion.
func (b *Buffer) destroyNow() {
	b.mtx.Lock()
	if b.allocation != nil {
		b.allocation.Destroy()
		b.allocation = nil
	}
	b.mtx.Unlock()
	b.noCopy.Close()
}

// bufferWriter adapts a locked range to util.HostWriter.
type bufferWriter struct {
	data []byte
}

func (w bufferWriter) HostWrite(offset uintptr, data []byte) {
	if uint64(offset)+uint64(len(data)) > uint64(len(w.data)) {
		abort("HostWrite(%d, len(data): %d) will overflow locked range of size %d", offset, len(data), len(w.data))
	}
	copy(w.data[offset:], data)
}

var _ util.HostWriter = bufferWriter{}

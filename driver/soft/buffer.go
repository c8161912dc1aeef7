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
	"goarrg.com/debug"
	"goarrg.com/rhi/rtx/driver"
)

const addressGranularity = 256

type buffer struct {
	device  *Device
	desc    driver.BufferDesc
	address uint64
	data    []byte
}

var _ driver.Buffer = (*buffer)(nil)

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

func (d *Device) CreateBuffer(desc driver.BufferDesc) (driver.Buffer, error) {
	if desc.Size == 0 {
		return nil, debug.Errorf("Buffer %q has zero size", desc.Name)
	}
	if desc.Alignment != 0 && (desc.Alignment&(desc.Alignment-1)) != 0 {
		return nil, debug.Errorf("Buffer %q alignment %d is not a power of two", desc.Name, desc.Alignment)
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.config.MemoryBudget > 0 && d.allocated+desc.Size > d.config.MemoryBudget {
		return nil, debug.ErrorWrapf(driver.ErrorOutOfDeviceMemory{}, "Failed to allocate %d bytes for %q, %d of %d in use",
			desc.Size, desc.Name, d.allocated, d.config.MemoryBudget)
	}

	b := &buffer{
		device:  d,
		desc:    desc,
		address: alignUp(d.nextAddress, max(desc.Alignment, addressGranularity)),
		data:    make([]byte, desc.Size),
	}
	// leave a gap so an overrun never lands inside the next buffer
	d.nextAddress = alignUp(b.address+desc.Size, addressGranularity) + addressGranularity
	d.allocated += desc.Size
	d.buffers[b.address] = b
	return b, nil
}

func (b *buffer) Size() uint64 {
	return b.desc.Size
}

func (b *buffer) DeviceAddress() uint64 {
	return b.address
}

func (b *buffer) Mapped() []byte {
	if b.desc.Memory.HasBits(driver.MemoryHostVisible) {
		return b.data
	}
	return nil
}

func (b *buffer) Destroy() {
	d := b.device
	d.mtx.Lock()
	live, ok := d.buffers[b.address]
	ok = ok && live == b
	if ok {
		delete(d.buffers, b.address)
		d.allocated -= b.desc.Size
	}
	d.mtx.Unlock()

	if !ok {
		d.validationError("Double destroy of buffer %q", b.desc.Name)
	}
}

// resolve finds the live buffer containing [address, address+size).
func (d *Device) resolve(address, size uint64) (*buffer, uint64, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for base, b := range d.buffers {
		if address >= base && address+size <= base+b.desc.Size {
			return b, address - base, true
		}
	}
	return nil, 0, false
}

func (d *Device) isLive(b *buffer) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	live, ok := d.buffers[b.address]
	return ok && live == b
}

// BufferContents returns a copy of b regardless of its memory type.
func (d *Device) BufferContents(b driver.Buffer) []byte {
	sb, ok := b.(*buffer)
	if !ok {
		return nil
	}
	return append([]byte(nil), sb.data...)
}

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
	"fmt"
	"sync"

	"goarrg.com/rhi/rtx/driver"
)

const minStagingSize = 4096

type stagingBuffer struct {
	buffer   driver.Buffer
	readback bool
	fence    uint64
	lastUsed uint64
}

func (s *stagingBuffer) bytes(size uint64) []byte {
	return s.buffer.Mapped()[:size]
}

type stagingPool struct {
	mtx     sync.Mutex
	created uint64
	free    []*stagingBuffer
}

func stagingSize(size uint64) uint64 {
	s := uint64(minStagingSize)
	for s < size {
		s <<= 1
	}
	return s
}

/*
acquireStaging returns a host visible buffer of at least size bytes. A pooled buffer is
only reused once the fence it was released with has completed.
*/
func (d *Device) acquireStaging(size uint64, readback bool) *stagingBuffer {
	completed := d.semaphore.Value()
	p := &d.staging

	p.mtx.Lock()
	best := -1
	for i, s := range p.free {
		if s.readback != readback || s.fence > completed || s.buffer.Size() < size {
			continue
		}
		if best < 0 || s.buffer.Size() < p.free[best].buffer.Size() {
			best = i
		}
	}
	if best >= 0 {
		s := p.free[best]
		p.free = append(p.free[:best], p.free[best+1:]...)
		p.mtx.Unlock()
		return s
	}
	p.created++
	id := p.created
	p.mtx.Unlock()

	memory := driver.MemoryHostVisible | driver.MemoryHostCoherent
	if readback {
		memory |= driver.MemoryHostCached
	}
	b := d.allocate(driver.BufferDesc{
		Name:   fmt.Sprintf("staging[%d]", id),
		Size:   stagingSize(size),
		Usage:  driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst,
		Memory: memory,
	})
	instance.logger.VPrintf("Created staging buffer %d of %d bytes, readback: %t", id, b.Size(), readback)
	return &stagingBuffer{buffer: b, readback: readback}
}

func (d *Device) releaseStaging(s *stagingBuffer, fence uint64) {
	p := &d.staging
	p.mtx.Lock()
	defer p.mtx.Unlock()
	s.fence = fence
	s.lastUsed = d.tick.Load()
	p.free = append(p.free, s)
}

// trim destroys buffers that are idle for longer than idleTicks, or every idle buffer when force is set.
func (p *stagingPool) trim(tick, completed, idleTicks uint64, force bool) int {
	p.mtx.Lock()
	var trimmed []*stagingBuffer
	keep := p.free[:0]
	for _, s := range p.free {
		if s.fence <= completed && (force || tick-s.lastUsed > idleTicks) {
			trimmed = append(trimmed, s)
		} else {
			keep = append(keep, s)
		}
	}
	clear(p.free[len(keep):])
	p.free = keep
	p.mtx.Unlock()

	for _, s := range trimmed {
		s.buffer.Destroy()
	}
	return len(trimmed)
}

func (p *stagingPool) len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.free)
}

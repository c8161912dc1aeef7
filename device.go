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
	"errors"
	"sync/atomic"

	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/internal/util"
)

// InvalidBindlessIndex is used for resources that have no bindless slot.
const InvalidBindlessIndex = ^uint32(0)

// BindlessAllocator hands out shader visible indices for buffers referenced by hit shaders.
type BindlessAllocator interface {
	BindlessIndex(b *Buffer) uint32
}

/*
Device is the ray tracing service for one driver.Device. Everything that would be
process wide state (staging pool, deferred deletion, compaction queue, pipeline
cache) is owned by it and torn down with it.
*/
type Device struct {
	noCopy     util.NoCopy
	drv        driver.Device
	properties Properties
	config     config
	semaphore  *TimelineSemaphore
	tick       atomic.Uint64

	deletion   deletionQueue
	staging    stagingPool
	compaction compactionHandler
	pipelines  *pipelineCache
	bindless   BindlessAllocator

	immediate *CommandContext
}

func NewDevice(drv driver.Device, cfg Config) *Device {
	cfg.validate()
	instance.logger.IPrintf("User requested config: %s", prettyString(&cfg))

	d := &Device{
		drv:        drv,
		properties: newProperties(drv.Properties()),
	}
	d.noCopy.Init()
	instance.logger.IPrintf("%s", prettyString(&d.properties))

	d.config.use(cfg, &d.properties)
	d.semaphore = newTimelineSemaphore(drv.Queue())
	d.compaction.init(d)
	d.pipelines = newPipelineCache(d, d.config.pipelineCacheSize)
	d.immediate = d.NewCommandContext("immediate")

	instance.logger.IPrintf("Initialization Completed")
	return d
}

func (d *Device) Properties() Properties {
	d.noCopy.Check()
	return d.properties
}

func (d *Device) Driver() driver.Device {
	d.noCopy.Check()
	return d.drv
}

// ImmediateContext is the context used by operations that are not handed one explicitly.
func (d *Device) ImmediateContext() *CommandContext {
	d.noCopy.Check()
	return d.immediate
}

func (d *Device) SetBindlessAllocator(a BindlessAllocator) {
	d.noCopy.Check()
	d.bindless = a
}

func (d *Device) bindlessIndex(b *Buffer) uint32 {
	if b == nil {
		return InvalidBindlessIndex
	}
	if d.bindless == nil {
		return InvalidBindlessIndex
	}
	return d.bindless.BindlessIndex(b)
}

/*
QueueDestroy destroys the objects once every command buffer submitted so far, and
the one being recorded on the immediate context, has executed.
*/
func (d *Device) QueueDestroy(j ...Destroyer) {
	d.noCopy.Check()
	d.immediate.ActiveCommandBuffer().QueueDestroy(j...)
}

func (d *Device) PendingDestroys() int {
	d.noCopy.Check()
	return d.deletion.len()
}

func (d *Device) IdleStagingBuffers() int {
	d.noCopy.Check()
	return d.staging.len()
}

/*
allocate creates a driver buffer. When the device is out of memory, every pending
deletion and idle staging buffer is released after waiting for the queue, and the
allocation is tried once more before giving up.
*/
func (d *Device) allocate(desc driver.BufferDesc) driver.Buffer {
	b, err := d.drv.CreateBuffer(desc)
	if err == nil {
		return b
	}
	if !errors.Is(err, driver.ErrorOutOfDeviceMemory{}) {
		abort("Failed to create buffer %q of size [%d]: %s", desc.Name, desc.Size, err)
	}

	instance.logger.WPrintf("Out of device memory creating %q, forcing eviction: %s", desc.Name, err)
	d.drv.WaitIdle()
	completed := d.semaphore.Value()
	freed := d.deletion.collect(completed)
	trimmed := d.staging.trim(d.tick.Load(), completed, 0, true)
	instance.logger.WPrintf("Evicted %d deferred objects and %d staging buffers", freed, trimmed)

	b, err = d.drv.CreateBuffer(desc)
	if err != nil {
		abort("Failed to create buffer %q of size [%d] after eviction: %s", desc.Name, desc.Size, err)
	}
	return b
}

/*
Tick advances the device by one frame. It runs one compaction step, retires evicted
pipelines and submits ctx when it has pending work. Deferred objects whose fence has
completed are then released and idle staging buffers trimmed.
*/
func (d *Device) Tick(ctx *CommandContext) {
	d.noCopy.Check()
	if ctx == nil {
		ctx = d.immediate
	}
	tick := d.tick.Add(1)

	d.compaction.Update(ctx)
	if n := d.pipelines.retire(); n > 0 {
		instance.logger.VPrintf("Tick %d: retired %d evicted pipelines", tick, n)
	}
	if ctx.HasPendingCommands() {
		ctx.Submit()
	}
	if ctx != d.immediate && d.immediate.HasPendingCommands() {
		d.immediate.Submit()
	}

	completed := d.semaphore.Value()
	if n := d.deletion.collect(completed); n > 0 {
		instance.logger.VPrintf("Tick %d: destroyed %d deferred objects", tick, n)
	}
	if n := d.staging.trim(tick, completed, d.config.stagingIdleTicks, false); n > 0 {
		instance.logger.VPrintf("Tick %d: trimmed %d staging buffers", tick, n)
	}
}

func (d *Device) Ticks() uint64 {
	return d.tick.Load()
}

// WaitIdle submits pending immediate work, waits for the queue and runs every deferred deletion.
func (d *Device) WaitIdle() {
	d.noCopy.Check()
	if d.immediate.HasPendingCommands() {
		d.immediate.Submit()
	}
	d.drv.WaitIdle()
	d.semaphore.Wait()
	d.deletion.collect(d.semaphore.Value())
}

func (d *Device) Destroy() {
	d.noCopy.Check()
	d.WaitIdle()

	d.compaction.destroy()
	instance.logger.VPrintf("pipelineCache: %s", prettyString(d.pipelines))
	d.pipelines.purge()

	if d.immediate.HasPendingCommands() {
		d.immediate.Submit()
	}
	d.drv.WaitIdle()
	d.deletion.flush()
	d.staging.trim(d.tick.Load(), ^uint64(0), 0, true)

	d.immediate.noCopy.Close()
	d.semaphore.noCopy.Close()
	d.noCopy.Close()
	instance.logger.IPrintf("Device destroyed")
}

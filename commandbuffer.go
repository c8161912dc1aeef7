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

	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/internal/util"
)

type PipelineStage driver.Stage

const (
	PipelineStageNone                       = PipelineStage(driver.StageNone)
	PipelineStageTopOfPipe                  = PipelineStage(driver.StageTopOfPipe)
	PipelineStageIndirect                   = PipelineStage(driver.StageIndirect)
	PipelineStageTransfer                   = PipelineStage(driver.StageTransfer)
	PipelineStageHost                       = PipelineStage(driver.StageHost)
	PipelineStageAccelerationStructureBuild = PipelineStage(driver.StageAccelerationStructureBuild)
	PipelineStageAccelerationStructureCopy  = PipelineStage(driver.StageAccelerationStructureCopy)
	PipelineStageRayTracingShader           = PipelineStage(driver.StageRayTracingShader)
	PipelineStageComputeShader              = PipelineStage(driver.StageComputeShader)
	PipelineStageAll                        = PipelineStage(driver.StageAllCommands)
)

func (s PipelineStage) String() string {
	return driver.Stage(s).String()
}

type AccessFlags driver.Access

const (
	AccessFlagNone                       = AccessFlags(driver.AccessNone)
	AccessFlagIndirectRead               = AccessFlags(driver.AccessIndirectRead)
	AccessFlagUniformRead                = AccessFlags(driver.AccessUniformRead)
	AccessFlagShaderRead                 = AccessFlags(driver.AccessShaderRead)
	AccessFlagShaderWrite                = AccessFlags(driver.AccessShaderWrite)
	AccessFlagTransferRead               = AccessFlags(driver.AccessTransferRead)
	AccessFlagTransferWrite              = AccessFlags(driver.AccessTransferWrite)
	AccessFlagHostRead                   = AccessFlags(driver.AccessHostRead)
	AccessFlagHostWrite                  = AccessFlags(driver.AccessHostWrite)
	AccessFlagMemoryRead                 = AccessFlags(driver.AccessMemoryRead)
	AccessFlagMemoryWrite                = AccessFlags(driver.AccessMemoryWrite)
	AccessFlagAccelerationStructureRead  = AccessFlags(driver.AccessAccelerationStructureRead)
	AccessFlagAccelerationStructureWrite = AccessFlags(driver.AccessAccelerationStructureWrite)
	AccessFlagShaderBindingTableRead     = AccessFlags(driver.AccessShaderBindingTableRead)
)

func (a AccessFlags) String() string {
	return driver.Access(a).String()
}

type MemoryBarrierInfo struct {
	Stage  PipelineStage
	Access AccessFlags
}

type MemoryBarrier struct {
	Src MemoryBarrierInfo
	Dst MemoryBarrierInfo
}

func (b MemoryBarrier) toDriver() driver.MemoryBarrier {
	return driver.MemoryBarrier{
		SrcStage:  driver.Stage(b.Src.Stage),
		SrcAccess: driver.Access(b.Src.Access),
		DstStage:  driver.Stage(b.Dst.Stage),
		DstAccess: driver.Access(b.Dst.Access),
	}
}

var (
	barrierAccelerationStructureBuild = MemoryBarrier{
		Src: MemoryBarrierInfo{
			Stage:  PipelineStageAccelerationStructureBuild,
			Access: AccessFlagAccelerationStructureRead | AccessFlagAccelerationStructureWrite,
		},
		Dst: MemoryBarrierInfo{
			Stage:  PipelineStageAccelerationStructureBuild | PipelineStageRayTracingShader | PipelineStageComputeShader,
			Access: AccessFlagAccelerationStructureRead | AccessFlagAccelerationStructureWrite,
		},
	}
	barrierTransferToAll = MemoryBarrier{
		Src: MemoryBarrierInfo{Stage: PipelineStageTransfer, Access: AccessFlagTransferWrite},
		Dst: MemoryBarrierInfo{Stage: PipelineStageAll, Access: AccessFlagMemoryRead | AccessFlagMemoryWrite},
	}
	barrierAllToTransfer = MemoryBarrier{
		Src: MemoryBarrierInfo{Stage: PipelineStageAll, Access: AccessFlagMemoryWrite},
		Dst: MemoryBarrierInfo{Stage: PipelineStageTransfer, Access: AccessFlagTransferRead | AccessFlagTransferWrite},
	}
	barrierTransferToHost = MemoryBarrier{
		Src: MemoryBarrierInfo{Stage: PipelineStageTransfer, Access: AccessFlagTransferWrite},
		Dst: MemoryBarrierInfo{Stage: PipelineStageHost, Access: AccessFlagHostRead},
	}
)

type BufferCopyRegion struct {
	SrcBufferOffset uint64
	DstBufferOffset uint64
	Size            uint64
}

/*
CommandBuffer records into the active driver command buffer of a CommandContext.
Objects queued for destruction on it are released once the fence of its submission
has been reached.
*/
type CommandBuffer struct {
	noCopy   util.NoCopy
	context  *CommandContext
	cmd      driver.CommandBuffer
	commands int
	onSubmit []func(fence uint64)
}

func (cb *CommandBuffer) BeginNamedRegion(name string) {
	cb.noCopy.Check()
	cb.cmd.BeginLabel(name)
}

func (cb *CommandBuffer) EndNamedRegion() {
	cb.noCopy.Check()
	cb.cmd.EndLabel()
}

func (cb *CommandBuffer) MemoryBarrier(barriers ...MemoryBarrier) {
	cb.noCopy.Check()
	if len(barriers) == 0 {
		return
	}
	infos := make([]driver.MemoryBarrier, 0, len(barriers))
	for _, b := range barriers {
		infos = append(infos, b.toDriver())
	}
	cb.cmd.PipelineBarrier(infos)
	cb.commands++
}

func (cb *CommandBuffer) ExecutionBarrier(src, dst PipelineStage) {
	cb.MemoryBarrier(MemoryBarrier{Src: MemoryBarrierInfo{Stage: src}, Dst: MemoryBarrierInfo{Stage: dst}})
}

func (cb *CommandBuffer) CopyBuffer(bIn, bOut *Buffer, regions []BufferCopyRegion) {
	cb.noCopy.Check()
	for _, r := range regions {
		if r.SrcBufferOffset+r.Size > bIn.Size() || r.DstBufferOffset+r.Size > bOut.Size() {
			abort("CopyBuffer(%q, %q) region %+v is out of range", bIn.name, bOut.name, r)
		}
	}
	cb.copyBuffer(bIn.driverBuffer(), bOut.driverBuffer(), regions)
}

func (cb *CommandBuffer) copyBuffer(bIn, bOut driver.Buffer, regions []BufferCopyRegion) {
	copies := make([]driver.BufferCopy, len(regions))
	for i, r := range regions {
		copies[i] = driver.BufferCopy{SrcOffset: r.SrcBufferOffset, DstOffset: r.DstBufferOffset, Size: r.Size}
	}
	cb.cmd.CopyBuffer(bIn, bOut, copies)
	cb.commands++
}

// QueueDestroy destroys d once this command buffer has finished executing.
func (cb *CommandBuffer) QueueDestroy(d ...Destroyer) {
	cb.noCopy.Check()
	deletion := &cb.context.device.deletion
	cb.onSubmit = append(cb.onSubmit, func(fence uint64) {
		deletion.push(fence, d...)
	})
}

func (cb *CommandBuffer) whenSubmitted(f func(fence uint64)) {
	cb.onSubmit = append(cb.onSubmit, f)
}

/*
CommandContext owns at most one command buffer being recorded at a time. It is not
safe for concurrent use, each submitting goroutine needs its own context.
*/
type CommandContext struct {
	noCopy  util.NoCopy
	device  *Device
	name    string
	count   uint64
	active  *CommandBuffer
	lastRun *TimelineSemaphoreWaiter
}

func (d *Device) NewCommandContext(name string) *CommandContext {
	d.noCopy.Check()
	c := CommandContext{device: d, name: name}
	c.noCopy.Init()
	return &c
}

// ActiveCommandBuffer returns the command buffer being recorded, starting one if needed.
func (c *CommandContext) ActiveCommandBuffer() *CommandBuffer {
	c.noCopy.Check()
	if c.active == nil {
		c.count++
		cb := CommandBuffer{
			context: c,
			cmd:     c.device.drv.NewCommandBuffer(fmt.Sprintf("%s[%d]", c.name, c.count)),
		}
		cb.noCopy.Init()
		c.active = &cb
	}
	return c.active
}

/*
Submit hands the active command buffer to the queue and returns a waiter for its
fence. Submitting with nothing recorded still signals a new fence so callers can
always wait on the result.
*/
func (c *CommandContext) Submit() *TimelineSemaphoreWaiter {
	c.noCopy.Check()
	cb := c.ActiveCommandBuffer()
	c.active = nil

	fence := c.device.drv.Queue().Submit(cb.cmd)
	c.device.semaphore.signal(fence)
	for _, f := range cb.onSubmit {
		f(fence)
	}
	cb.noCopy.Close()

	c.lastRun = c.device.semaphore.waiterFor(fence)
	return c.lastRun
}

// SubmitAndWait submits the active command buffer and blocks until it has executed.
func (c *CommandContext) SubmitAndWait() {
	w := c.Submit()
	c.WaitForFence(w)
}

func (c *CommandContext) WaitForFence(w *TimelineSemaphoreWaiter) {
	c.noCopy.Check()
	if w == nil {
		return
	}
	w.Wait()
}

// LastSubmission returns the waiter of the most recent Submit, or nil.
func (c *CommandContext) LastSubmission() *TimelineSemaphoreWaiter {
	c.noCopy.Check()
	return c.lastRun
}

// HasPendingCommands reports whether the active command buffer has recorded work.
func (c *CommandContext) HasPendingCommands() bool {
	c.noCopy.Check()
	return c.active != nil && (c.active.commands > 0 || len(c.active.onSubmit) > 0)
}

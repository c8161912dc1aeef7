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

/*
Package soft is a host memory implementation of driver.Device. Submitted work is
queued and only executes when a fence is waited on, Flush or Advance is called, or
when Config.Immediate is set. Misuse that a native validation layer would report is
recorded and returned by ValidationErrors instead of crashing.
*/
package soft

import (
	"fmt"
	"sync"

	"goarrg.com/debug"
	"goarrg.com/rhi/rtx/driver"
)

type Config struct {
	Name          string
	UnifiedMemory bool
	// Immediate executes every submission inside Queue.Submit.
	Immediate bool
	// MemoryBudget limits the total bytes of live buffers, 0 is unlimited.
	MemoryBudget uint64
	// MaxConcurrency is reported by deferred operations, 0 is unbounded.
	MaxConcurrency uint32
	// DisableDeferredOperations hides deferred host operation support.
	DisableDeferredOperations bool
}

type Dispatch struct {
	Pipeline string
	Width    uint32
	Height   uint32
	Depth    uint32
	RayGen   driver.StridedRegion
	Miss     driver.StridedRegion
	HitGroup driver.StridedRegion
	Callable driver.StridedRegion
}

type Device struct {
	config Config
	props  driver.Properties
	logger *debug.Logger

	mtx         sync.Mutex
	nextAddress uint64
	allocated   uint64
	buffers     map[uint64]*buffer
	structures  map[uint64]*accelerationStructure
	validation  []string
	commands    []string
	dispatches  []Dispatch

	queue queue
}

var _ driver.Device = (*Device)(nil)

const baseAddress = 0x10000000

func New(config Config) *Device {
	if config.Name == "" {
		config.Name = "soft"
	}
	d := &Device{
		config: config,
		props: driver.Properties{
			Name:          config.Name,
			UnifiedMemory: config.UnifiedMemory,

			ShaderGroupHandleSize:         32,
			ShaderGroupHandleAlignment:    32,
			ShaderGroupBaseAlignment:      64,
			MaxShaderGroupStride:          4096,
			MaxRayRecursionDepth:          31,
			MaxRayDispatchInvocationCount: 1 << 30,

			AccelerationStructureAlignment: 256,
			MinScratchOffsetAlignment:      128,
			MaxGeometryCount:               1 << 24,
			MaxInstanceCount:               1 << 24,
			MaxPrimitiveCount:              1 << 29,

			DeferredHostOperations: !config.DisableDeferredOperations,
		},
		logger:      debug.NewLogger("rtx", "soft"),
		nextAddress: baseAddress,
		buffers:     map[uint64]*buffer{},
		structures:  map[uint64]*accelerationStructure{},
	}
	d.queue.device = d
	return d
}

func (d *Device) Properties() driver.Properties {
	return d.props
}

func (d *Device) NewCommandBuffer(name string) driver.CommandBuffer {
	return &commandBuffer{device: d, name: name}
}

func (d *Device) Queue() driver.Queue {
	return &d.queue
}

func (d *Device) WaitIdle() {
	d.Flush()
}

// Flush executes every submitted command buffer.
func (d *Device) Flush() {
	d.queue.waitAll()
}

// Advance executes the oldest pending submission, it returns false if there was none.
func (d *Device) Advance() bool {
	return d.queue.advance()
}

func (d *Device) validationError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.logger.WPrintf("[validation] %s", msg)
	d.mtx.Lock()
	d.validation = append(d.validation, msg)
	d.mtx.Unlock()
}

func (d *Device) logCommand(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.logger.VPrintf("%s", msg)
	d.mtx.Lock()
	d.commands = append(d.commands, msg)
	d.mtx.Unlock()
}

func (d *Device) ValidationErrors() []string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]string(nil), d.validation...)
}

// Commands returns a description of every executed command in execution order.
func (d *Device) Commands() []string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *Device) ResetCommands() {
	d.mtx.Lock()
	d.commands = nil
	d.mtx.Unlock()
}

func (d *Device) Dispatches() []Dispatch {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]Dispatch(nil), d.dispatches...)
}

func (d *Device) LiveBuffers() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.buffers)
}

func (d *Device) LiveAccelerationStructures() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.structures)
}

func (d *Device) AllocatedBytes() uint64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.allocated
}

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

// Texture is an image owned outside of rtx that ray tracing shaders sample or write.
type Texture interface {
	Name() string
}

// Sampler is a sampler object owned outside of rtx.
type Sampler interface {
	Name() string
}

/*
ResourceBinding is one global resource made visible to a dispatch. The set of kinds
is closed: TextureBinding, UAVBinding, SRVBinding, BufferBinding,
AccelerationStructureBinding and SamplerBinding.
*/
type ResourceBinding interface {
	isResourceBinding()
	accept(v resourceVisitor)
}

type TextureBinding struct {
	Slot    uint32
	Texture Texture
}

// UAVBinding is a buffer shaders read and write.
type UAVBinding struct {
	Slot   uint32
	Buffer *Buffer
}

// SRVBinding is a buffer shaders only read.
type SRVBinding struct {
	Slot   uint32
	Buffer *Buffer
}

// BufferBinding is a uniform buffer.
type BufferBinding struct {
	Slot   uint32
	Buffer *Buffer
}

type AccelerationStructureBinding struct {
	Slot  uint32
	Scene *Scene
}

type SamplerBinding struct {
	Slot    uint32
	Sampler Sampler
}

func (TextureBinding) isResourceBinding()               {}
func (UAVBinding) isResourceBinding()                   {}
func (SRVBinding) isResourceBinding()                   {}
func (BufferBinding) isResourceBinding()                {}
func (AccelerationStructureBinding) isResourceBinding() {}
func (SamplerBinding) isResourceBinding()               {}

func (b TextureBinding) accept(v resourceVisitor)               { v.visitTexture(b) }
func (b UAVBinding) accept(v resourceVisitor)                   { v.visitUAV(b) }
func (b SRVBinding) accept(v resourceVisitor)                   { v.visitSRV(b) }
func (b BufferBinding) accept(v resourceVisitor)                { v.visitBuffer(b) }
func (b AccelerationStructureBinding) accept(v resourceVisitor) { v.visitAccelerationStructure(b) }
func (b SamplerBinding) accept(v resourceVisitor)               { v.visitSampler(b) }

type resourceVisitor interface {
	visitTexture(TextureBinding)
	visitUAV(UAVBinding)
	visitSRV(SRVBinding)
	visitBuffer(BufferBinding)
	visitAccelerationStructure(AccelerationStructureBinding)
	visitSampler(SamplerBinding)
}

/*
barrierVisitor folds the global bindings of a dispatch into one memory barrier that
makes prior writes visible to ray tracing shaders. Bindings that can not be used
this frame are dropped with a warning and counted in skipped.
*/
type barrierVisitor struct {
	barrier MemoryBarrier
	skipped int
	slots   map[uint32]string
}

var _ resourceVisitor = (*barrierVisitor)(nil)

func newBarrierVisitor() *barrierVisitor {
	return &barrierVisitor{
		barrier: MemoryBarrier{
			Dst: MemoryBarrierInfo{Stage: PipelineStageRayTracingShader},
		},
		slots: map[uint32]string{},
	}
}

func (v *barrierVisitor) claim(slot uint32, kind string) bool {
	if prev, ok := v.slots[slot]; ok {
		instance.logger.WPrintf("Global binding slot %d is bound to both %s and %s, keeping %s", slot, prev, kind, prev)
		v.skipped++
		return false
	}
	v.slots[slot] = kind
	return true
}

func (v *barrierVisitor) read(src PipelineStage, srcAccess, dstAccess AccessFlags) {
	v.barrier.Src.Stage |= src
	v.barrier.Src.Access |= srcAccess
	v.barrier.Dst.Access |= dstAccess
}

func (v *barrierVisitor) usableBuffer(slot uint32, kind string, b *Buffer) bool {
	if b == nil {
		instance.logger.WPrintf("%s binding at slot %d has no buffer, skipping", kind, slot)
		v.skipped++
		return false
	}
	if s := b.LockStatus(); s == LockStatusLocked {
		instance.logger.WPrintf("%s binding at slot %d references %q which is locked, skipping", kind, slot, b.Name())
		v.skipped++
		return false
	}
	return v.claim(slot, kind)
}

func (v *barrierVisitor) visitTexture(b TextureBinding) {
	if b.Texture == nil {
		instance.logger.WPrintf("Texture binding at slot %d has no texture, skipping", b.Slot)
		v.skipped++
		return
	}
	if v.claim(b.Slot, "Texture("+b.Texture.Name()+")") {
		v.read(PipelineStageTransfer|PipelineStageComputeShader, AccessFlagTransferWrite|AccessFlagShaderWrite, AccessFlagShaderRead)
	}
}

func (v *barrierVisitor) visitUAV(b UAVBinding) {
	if v.usableBuffer(b.Slot, "UAV", b.Buffer) {
		v.read(PipelineStageTransfer|PipelineStageComputeShader|PipelineStageRayTracingShader,
			AccessFlagTransferWrite|AccessFlagShaderWrite, AccessFlagShaderRead|AccessFlagShaderWrite)
	}
}

func (v *barrierVisitor) visitSRV(b SRVBinding) {
	if v.usableBuffer(b.Slot, "SRV", b.Buffer) {
		v.read(PipelineStageTransfer|PipelineStageComputeShader, AccessFlagTransferWrite|AccessFlagShaderWrite, AccessFlagShaderRead)
	}
}

func (v *barrierVisitor) visitBuffer(b BufferBinding) {
	if v.usableBuffer(b.Slot, "Buffer", b.Buffer) {
		v.read(PipelineStageTransfer|PipelineStageHost, AccessFlagTransferWrite|AccessFlagHostWrite, AccessFlagUniformRead)
	}
}

func (v *barrierVisitor) visitAccelerationStructure(b AccelerationStructureBinding) {
	if b.Scene == nil {
		instance.logger.WPrintf("Acceleration structure binding at slot %d has no scene, skipping", b.Slot)
		v.skipped++
		return
	}
	if s := b.Scene.State(); s != AccelerationStructureBuilt {
		instance.logger.WPrintf("Scene %q at slot %d is in state [%s], skipping", b.Scene.Name(), b.Slot, s)
		v.skipped++
		return
	}
	if v.claim(b.Slot, "AccelerationStructure("+b.Scene.Name()+")") {
		v.read(PipelineStageAccelerationStructureBuild|PipelineStageAccelerationStructureCopy,
			AccessFlagAccelerationStructureWrite, AccessFlagAccelerationStructureRead)
	}
}

func (v *barrierVisitor) visitSampler(b SamplerBinding) {
	if b.Sampler == nil {
		instance.logger.WPrintf("Sampler binding at slot %d has no sampler, skipping", b.Slot)
		v.skipped++
		return
	}
	v.claim(b.Slot, "Sampler("+b.Sampler.Name()+")")
}

// globalBarrier returns the barrier needed before a dispatch using bindings, ok is false when none is needed.
func globalBarrier(bindings []ResourceBinding) (MemoryBarrier, int, bool) {
	v := newBarrierVisitor()
	for _, b := range bindings {
		if b == nil {
			continue
		}
		b.accept(v)
	}
	return v.barrier, v.skipped, v.barrier.Src.Stage != PipelineStageNone
}

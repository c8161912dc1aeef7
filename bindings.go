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
	"sync/atomic"

	"goarrg.com/rhi/rtx/internal/util"
	"golang.org/x/sync/errgroup"
)

type BindingType uint8

const (
	BindingTypeHitGroup BindingType = iota
	BindingTypeMiss
	BindingTypeCallable
)

func (t BindingType) String() string {
	switch t {
	case BindingTypeHitGroup:
		return "HitGroup"
	case BindingTypeMiss:
		return "Miss"
	case BindingTypeCallable:
		return "Callable"
	default:
		return "Unknown"
	}
}

func (t BindingType) stage() ShaderTableStage {
	switch t {
	case BindingTypeHitGroup:
		return ShaderTableStageHitGroup
	case BindingTypeMiss:
		return ShaderTableStageMiss
	case BindingTypeCallable:
		return ShaderTableStageCallable
	default:
		abort("Unknown BindingType [%d]", t)
		return 0
	}
}

/*
ShaderBinding points one shader table record at a shader of the pipeline.

For hit groups the record is HitGroupBase + SegmentIndex*NumShaderSlotsPerGeometrySegment
+ ShaderSlot, or 0 when the table has no hit group indexing. For miss and callable
bindings the record is ShaderSlot.

LocalData is written after the shader handle. A hit group binding with a Geometry
and no LocalData writes the HitGroupSystemParameters of its segment instead.
*/
type ShaderBinding struct {
	Geometry     *Geometry
	HitGroupBase uint32
	SegmentIndex uint32
	ShaderSlot   uint32
	ShaderIndex  uint32
	LocalData    []byte
}

const bindingChunkSize = 1024

type bindingTarget struct {
	table      *ShaderBindingTable
	allocation *shaderTableAllocation
	handles    []byte
	numShaders uint32
	bindType   BindingType
	inline     bool
}

// record resolves the record index of b, ok is false when b does not fit the table.
func (t *bindingTarget) record(b *ShaderBinding) (uint32, bool) {
	if t.bindType != BindingTypeHitGroup {
		return b.ShaderSlot, b.ShaderSlot < t.allocation.records
	}
	if !t.table.hitGroupIndexing {
		return 0, true
	}
	if b.ShaderSlot >= t.table.slotsPerSegment {
		return 0, false
	}
	record := uint64(b.HitGroupBase) + uint64(b.SegmentIndex)*uint64(t.table.slotsPerSegment) + uint64(b.ShaderSlot)
	return uint32(record), record < uint64(t.allocation.records)
}

// segment returns the hit group parameters of the segment b binds, ok is false when the segment does not exist.
func (t *bindingTarget) segment(b *ShaderBinding) (params HitGroupSystemParameters, hasParams, ok bool) {
	if t.bindType != BindingTypeHitGroup || b.Geometry == nil {
		return params, false, true
	}
	g := b.Geometry
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if b.SegmentIndex >= uint32(len(g.desc.Segments)) {
		return params, false, false
	}
	if int(b.SegmentIndex) < len(g.hitGroupParams) {
		return g.hitGroupParams[b.SegmentIndex], true, true
	}
	return params, false, true
}

func (t *bindingTarget) write(b *ShaderBinding) bool {
	params, hasParams, ok := t.segment(b)
	if !ok {
		return false
	}
	record, ok := t.record(b)
	if !ok || b.ShaderIndex >= t.numShaders {
		return false
	}
	a := t.allocation
	handleSize := uint64(t.table.handleSize)
	start := uint64(record) * a.recordSize
	dst := a.host[start : start+a.recordSize]

	local := b.LocalData
	if local == nil && hasParams && handleSize+hitGroupSystemParametersSize <= a.recordSize {
		w := bufferWriter{data: dst[handleSize:]}
		util.HostWrite(w, 0, params)
	} else if len(local) > 0 {
		if len(local)%4 != 0 || handleSize+uint64(len(local)) > a.recordSize {
			return false
		}
		copy(dst[handleSize:], local)
	}
	copy(dst[:handleSize], t.handles[uint64(b.ShaderIndex)*handleSize:][:handleSize])
	return true
}

// writeInline copies the segment parameters of b into the inline geometry parameters.
func (t *bindingTarget) writeInline(b *ShaderBinding) {
	params, hasParams, ok := t.segment(b)
	if !ok || !hasParams {
		return
	}
	record, ok := t.record(b)
	if !ok || b.ShaderIndex >= t.numShaders {
		return
	}
	index := b.SegmentIndex
	if t.table.hitGroupIndexing && t.table.slotsPerSegment > 0 {
		index = record / t.table.slotsPerSegment
	}
	if int(index) < len(t.table.inlineParams) {
		t.table.inlineParams[index] = params
	}
}

// writeChunk writes bindings in order and returns how many were skipped.
func (t *bindingTarget) writeChunk(bindings []ShaderBinding) int64 {
	skipped := int64(0)
	for i := range bindings {
		if !t.write(&bindings[i]) {
			skipped++
		}
	}
	return skipped
}

/*
SetBindingsOnShaderBindingTable writes bindings into table from a pool of at most
Config.MaxBindingWorkers goroutines, each binding must target a distinct record.
Hit group bindings on a table without hit group indexing all share record 0 and are
written in order on the calling goroutine so the last one wins. Bindings that do not
fit the table or pipeline are skipped and reported in a single warning.
*/
func (d *Device) SetBindingsOnShaderBindingTable(table *ShaderBindingTable, pipeline *RayTracingPipeline, bindings []ShaderBinding, bindingType BindingType) {
	d.noCopy.Check()
	table.noCopy.Check()
	pipeline.noCopy.Check()
	if len(bindings) == 0 {
		return
	}

	stage := bindingType.stage()
	table.mtx.Lock()
	defer table.mtx.Unlock()

	target := bindingTarget{
		table:      table,
		allocation: table.allocation(stage),
		handles:    pipeline.Handles(stage),
		numShaders: pipeline.NumShaders(stage),
		bindType:   bindingType,
		inline:     table.inlineEnabled && bindingType == BindingTypeHitGroup,
	}
	if target.allocation.records == 0 {
		instance.logger.WPrintf("Shader binding table %q has no %s records, ignoring %d bindings", table.name, bindingType, len(bindings))
		return
	}

	var skipped atomic.Int64
	if bindingType == BindingTypeHitGroup && !table.hitGroupIndexing {
		skipped.Store(target.writeChunk(bindings))
	} else {
		g := errgroup.Group{}
		g.SetLimit(d.config.maxBindingWorkers)
		for start := 0; start < len(bindings); start += bindingChunkSize {
			chunk := bindings[start:min(start+bindingChunkSize, len(bindings))]
			g.Go(func() error {
				skipped.Add(target.writeChunk(chunk))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			abort("Failed to set %s bindings on shader binding table %q: %s", bindingType, table.name, err)
		}
	}

	// slots of one segment share its inline parameters, so they are written in binding order
	if target.inline {
		for i := range bindings {
			target.writeInline(&bindings[i])
		}
	}

	n := skipped.Load()
	if n < int64(len(bindings)) {
		target.allocation.dirty = true
		if target.inline {
			table.inlineDirty = true
		}
	}
	if n > 0 {
		instance.logger.WPrintf("Shader binding table %q: %d of %d %s bindings are out of range of the table or pipeline %q and were skipped",
			table.name, n, len(bindings), bindingType, pipeline.name)
	}
}

// CommitShaderBindingTable commits table on ctx, see ShaderBindingTable.Commit.
func (d *Device) CommitShaderBindingTable(ctx *CommandContext, table *ShaderBindingTable) {
	d.noCopy.Check()
	table.Commit(ctx)
}

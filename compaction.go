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
	"bytes"
	"fmt"
	"slices"
	"sync"

	"goarrg.com/debug"
	"goarrg.com/rhi/rtx/driver"
)

/*
compactionHandler shrinks built geometries once the driver has reported their
compacted size. Requests wait in pending until a batch of at most maxBatch is
measured with one query, only one batch is ever measured at a time and the next
one waits for the previous compaction copies to finish.
*/
type compactionHandler struct {
	device   *Device
	maxBatch int

	mtx            sync.Mutex
	pending        []*Geometry
	active         []*Geometry
	activeWaiter   *TimelineSemaphoreWaiter
	lastCompaction *TimelineSemaphoreWaiter
	queryPool      driver.QueryPool

	compacted  uint64
	bytesSaved uint64
	skipped    uint64
}

type CompactionStats struct {
	Pending    int
	Active     int
	Compacted  uint64
	Skipped    uint64
	BytesSaved uint64
}

func (s *CompactionStats) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Pending\": %d,", s.Pending))
	buff.WriteString(fmt.Sprintf("\"Active\": %d,", s.Active))
	buff.WriteString(fmt.Sprintf("\"Compacted\": %d,", s.Compacted))
	buff.WriteString(fmt.Sprintf("\"Skipped\": %d,", s.Skipped))
	buff.WriteString(fmt.Sprintf("\"BytesSaved\": %d,", s.BytesSaved))

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (h *compactionHandler) init(d *Device) {
	h.device = d
	h.maxBatch = d.config.maxBatchedCompaction
}

/*
RequestCompact queues g to be compacted by a later Tick. g must be built and its
flags must allow compaction, requesting an already queued geometry does nothing.
*/
func (d *Device) RequestCompact(g *Geometry) {
	d.noCopy.Check()
	g.noCopy.Check()

	if !d.config.allowCompaction {
		abort("RequestCompact(%q) called with compaction disabled in Config", g.name)
	}
	if !g.flags.compactable() {
		abort("RequestCompact(%q) called on a geometry with flags [%s], compaction requires AllowCompaction|FastTrace without AllowUpdate",
			g.name, g.flags)
	}

	h := &d.compaction
	h.mtx.Lock()
	defer h.mtx.Unlock()

	g.mtx.Lock()
	defer g.mtx.Unlock()

	switch g.state {
	case AccelerationStructureBuilt:
	case AccelerationStructureCompactionPending:
		return
	default:
		abort("RequestCompact(%q) called in state [%s]", g.name, g.state)
	}
	g.state = AccelerationStructureCompactionPending
	h.pending = append(h.pending, g)
	instance.logger.VPrintf("Compaction requested for %q, %d pending", g.name, len(h.pending))
}

/*
ReleaseRequest removes g from the compaction queue. If g is part of the batch being
measured its slot is cleared so the result is dropped. It returns whether a request
was found.
*/
func (h *compactionHandler) ReleaseRequest(g *Geometry) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	found := false
	if i := slices.Index(h.pending, g); i >= 0 {
		h.pending = slices.Delete(h.pending, i, i+1)
		found = true
	} else if i := slices.Index(h.active, g); i >= 0 {
		h.active[i] = nil
		found = true
	}

	if found {
		g.mtx.Lock()
		if g.state == AccelerationStructureCompactionPending {
			g.state = AccelerationStructureBuilt
		}
		g.mtx.Unlock()
	}
	return found
}

// ReleaseRequest removes a compaction request for g, see RequestCompact.
func (d *Device) ReleaseRequest(g *Geometry) bool {
	d.noCopy.Check()
	return d.compaction.ReleaseRequest(g)
}

/*
Update runs one step of compaction on ctx:
  - a measured batch with results available is compacted and submitted
  - nothing happens while a batch waits for its results or the previous compaction
    has not executed
  - otherwise up to maxBatch pending geometries are measured and submitted
*/
func (h *compactionHandler) Update(ctx *CommandContext) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if len(h.active) > 0 {
		if !h.activeWaiter.Poll() {
			return
		}
		sizes, ok := h.queryPool.Results(0, uint32(len(h.active)))
		if !ok {
			return
		}
		h.compact(ctx, sizes)
		return
	}
	if h.lastCompaction != nil {
		if !h.lastCompaction.Poll() {
			return
		}
		h.lastCompaction = nil
	}
	if len(h.pending) == 0 {
		return
	}
	h.measure(ctx)
}

func (h *compactionHandler) measure(ctx *CommandContext) {
	d := h.device
	if h.queryPool == nil {
		pool, err := d.drv.CreateQueryPool("compaction", uint32(h.maxBatch))
		if err != nil {
			abort("%s", debug.ErrorWrapf(err, "Failed to create compaction query pool"))
		}
		h.queryPool = pool
	}

	n := min(len(h.pending), h.maxBatch)
	h.active = slices.Clone(h.pending[:n])
	h.pending = slices.Delete(h.pending, 0, n)

	structures := make([]driver.AccelerationStructure, n)
	for i, g := range h.active {
		g.mtx.Lock()
		structures[i] = g.handle
		g.mtx.Unlock()
	}

	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("CompactionQuery")
	cb.cmd.ResetQueryPool(h.queryPool, 0, uint32(n))
	cb.MemoryBarrier(barrierAccelerationStructureBuild)
	cb.cmd.WriteCompactedSizes(structures, h.queryPool, 0)
	cb.commands++
	cb.EndNamedRegion()
	h.activeWaiter = ctx.Submit()

	instance.logger.VPrintf("Measuring %d geometries for compaction, %d still pending", n, len(h.pending))
}

func (h *compactionHandler) compact(ctx *CommandContext, sizes []uint64) {
	d := h.device
	alignment := d.properties.AccelerationStructure.Alignment

	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("Compaction")
	cb.MemoryBarrier(barrierAccelerationStructureBuild)

	for i, g := range h.active {
		if g == nil {
			continue
		}
		g.mtx.Lock()
		size := sizes[i]
		if size == 0 {
			instance.logger.WPrintf("Compacted size of %q was reported as 0, skipping", g.name)
			g.state = AccelerationStructureBuilt
			g.mtx.Unlock()
			h.skipped++
			continue
		}

		buffer := d.createBuffer(g.name+"(compacted)", align(size, alignment), alignment, BufferUsageAccelerationStructure|BufferUsageStatic)
		handle, err := d.drv.CreateAccelerationStructure(driver.AccelerationStructureDesc{
			Name:   g.name,
			Type:   driver.AccelerationStructureTypeBottomLevel,
			Buffer: buffer.driverBuffer(),
			Size:   size,
		})
		if err != nil {
			abort("%s", debug.ErrorWrapf(err, "Failed to create compacted acceleration structure %q", g.name))
		}

		cb.cmd.CopyAccelerationStructure(g.handle, handle, driver.CopyModeCompact)
		cb.commands++
		cb.QueueDestroy(g.handle, destroyFunc{g.buffer.destroyNow})

		if old := g.buffer.Size(); old > buffer.Size() {
			h.bytesSaved += old - buffer.Size()
		}
		g.handle = handle
		g.buffer = buffer
		g.compactedSize = size
		g.state = AccelerationStructureCompacted
		g.mtx.Unlock()
		h.compacted++
	}

	cb.MemoryBarrier(barrierAccelerationStructureBuild)
	cb.cmd.ResetQueryPool(h.queryPool, 0, uint32(len(h.active)))
	cb.EndNamedRegion()

	clear(h.active)
	h.active = h.active[:0]
	h.activeWaiter = nil
	h.lastCompaction = ctx.Submit()
}

// isUsing reports whether the compaction queue still waits on the submission of w.
func (h *compactionHandler) isUsing(w *TimelineSemaphoreWaiter) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, mine := range []*TimelineSemaphoreWaiter{h.activeWaiter, h.lastCompaction} {
		if mine != nil && mine.Value() == w.Value() && !mine.Poll() {
			return true
		}
	}
	return false
}

// IsCompactionUsing reports whether compaction still depends on the submission w.
func (d *Device) IsCompactionUsing(w *TimelineSemaphoreWaiter) bool {
	d.noCopy.Check()
	if w == nil {
		return false
	}
	return d.compaction.isUsing(w)
}

func (d *Device) CompactionStats() CompactionStats {
	d.noCopy.Check()
	h := &d.compaction
	h.mtx.Lock()
	defer h.mtx.Unlock()

	active := 0
	for _, g := range h.active {
		if g != nil {
			active++
		}
	}
	return CompactionStats{
		Pending:    len(h.pending),
		Active:     active,
		Compacted:  h.compacted,
		Skipped:    h.skipped,
		BytesSaved: h.bytesSaved,
	}
}

func (h *compactionHandler) destroy() {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	for _, g := range slices.Concat(h.pending, h.active) {
		if g == nil {
			continue
		}
		g.mtx.Lock()
		if g.state == AccelerationStructureCompactionPending {
			g.state = AccelerationStructureBuilt
		}
		g.mtx.Unlock()
	}
	h.pending = nil
	h.active = nil
	h.activeWaiter = nil
	h.lastCompaction = nil

	if h.queryPool != nil {
		h.device.QueueDestroy(h.queryPool)
		h.queryPool = nil
	}
}

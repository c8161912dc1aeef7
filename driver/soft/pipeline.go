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
	"hash/fnv"
	"sync"

	"goarrg.com/debug"
	"goarrg.com/rhi/rtx/driver"
)

type pipeline struct {
	device  *Device
	name    string
	desc    driver.PipelineDesc
	mtx     sync.Mutex
	ready   bool
	handles []byte
}

var _ driver.Pipeline = (*pipeline)(nil)

func (p *pipeline) isReady() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.ready
}

func (p *pipeline) Destroy() {}

func validateStage(s driver.ShaderModule) error {
	if len(s.Code) == 0 {
		return debug.Errorf("Shader %q stage %s has no code", s.Name, s.Stage)
	}
	if s.EntryPoint == "" {
		return debug.Errorf("Shader %q stage %s has no entry point", s.Name, s.Stage)
	}
	return nil
}

func (p *pipeline) stageIs(i uint32, want ...driver.ShaderStage) bool {
	if i == driver.ShaderUnused {
		return false
	}
	if int(i) >= len(p.desc.Stages) {
		return false
	}
	for _, w := range want {
		if p.desc.Stages[i].Stage == w {
			return true
		}
	}
	return false
}

func (p *pipeline) link() error {
	if p.desc.MaxRecursionDepth > p.device.props.MaxRayRecursionDepth {
		return debug.Errorf("Pipeline %q recursion depth %d exceeds %d", p.name, p.desc.MaxRecursionDepth, p.device.props.MaxRayRecursionDepth)
	}
	for i, g := range p.desc.Groups {
		switch g.Type {
		case driver.ShaderGroupGeneral:
			if !p.stageIs(g.General, driver.ShaderStageRayGen, driver.ShaderStageMiss, driver.ShaderStageCallable) {
				return debug.Errorf("Pipeline %q group %d general shader %d is invalid", p.name, i, g.General)
			}
		case driver.ShaderGroupTrianglesHit, driver.ShaderGroupProceduralHit:
			if g.ClosestHit != driver.ShaderUnused && !p.stageIs(g.ClosestHit, driver.ShaderStageClosestHit) {
				return debug.Errorf("Pipeline %q group %d closest hit shader %d is invalid", p.name, i, g.ClosestHit)
			}
			if g.AnyHit != driver.ShaderUnused && !p.stageIs(g.AnyHit, driver.ShaderStageAnyHit) {
				return debug.Errorf("Pipeline %q group %d any hit shader %d is invalid", p.name, i, g.AnyHit)
			}
			if (g.Type == driver.ShaderGroupProceduralHit) != p.stageIs(g.Intersection, driver.ShaderStageIntersection) {
				return debug.Errorf("Pipeline %q group %d intersection shader %d does not match group type", p.name, i, g.Intersection)
			}
		}
	}

	handleSize := int(p.device.props.ShaderGroupHandleSize)
	handles := make([]byte, len(p.desc.Groups)*handleSize)
	for i := range p.desc.Groups {
		h := fnv.New64a()
		h.Write([]byte(p.name))
		h.Write(binary.LittleEndian.AppendUint32(nil, uint32(i)))
		seed := h.Sum64()
		record := handles[i*handleSize : (i+1)*handleSize]
		for j := 0; j+8 <= len(record); j += 8 {
			binary.LittleEndian.PutUint64(record[j:], seed+uint64(j))
		}
	}

	p.mtx.Lock()
	p.handles = handles
	p.ready = true
	p.mtx.Unlock()
	return nil
}

func (d *Device) CreateRayTracingPipeline(desc driver.PipelineDesc, op driver.DeferredOperation) (driver.Pipeline, error) {
	if len(desc.Stages) == 0 || len(desc.Groups) == 0 {
		return nil, debug.Errorf("Pipeline %q has no stages or groups", desc.Name)
	}
	p := &pipeline{device: d, name: desc.Name, desc: desc}

	tasks := make([]func() error, len(desc.Stages))
	for i, s := range desc.Stages {
		tasks[i] = func() error { return validateStage(s) }
	}

	if op == nil {
		for _, t := range tasks {
			if err := t(); err != nil {
				return nil, err
			}
		}
		if err := p.link(); err != nil {
			return nil, err
		}
		return p, nil
	}

	o, ok := op.(*deferredOperation)
	if !ok {
		return nil, debug.Errorf("Pipeline %q deferred with a foreign operation", desc.Name)
	}
	if !o.arm(tasks, p.link) {
		return nil, debug.Errorf("Pipeline %q deferred with an operation already in use", desc.Name)
	}
	return p, nil
}

func (d *Device) ShaderGroupHandles(p driver.Pipeline, firstGroup, groupCount uint32) ([]byte, error) {
	sp, ok := p.(*pipeline)
	if !ok || sp == nil {
		return nil, debug.Errorf("ShaderGroupHandles on a foreign pipeline")
	}
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	if !sp.ready {
		return nil, debug.ErrorWrapf(driver.ErrorNotReady{}, "Pipeline %q is not compiled", sp.name)
	}
	if uint64(firstGroup)+uint64(groupCount) > uint64(len(sp.desc.Groups)) {
		return nil, debug.Errorf("Pipeline %q has %d groups, requested [%d, %d)", sp.name, len(sp.desc.Groups), firstGroup, firstGroup+groupCount)
	}
	size := d.props.ShaderGroupHandleSize
	return append([]byte(nil), sp.handles[firstGroup*size:(firstGroup+groupCount)*size]...), nil
}

type deferredOperation struct {
	maxConcurrency uint32

	mtx      sync.Mutex
	tasks    []func() error
	finalize func() error
	armed    bool
	next     int
	finished int
	complete bool
	err      error
}

var _ driver.DeferredOperation = (*deferredOperation)(nil)

func (d *Device) CreateDeferredOperation() (driver.DeferredOperation, error) {
	if !d.props.DeferredHostOperations {
		return nil, debug.Errorf("Deferred host operations are not supported by %q", d.props.Name)
	}
	return &deferredOperation{maxConcurrency: d.config.MaxConcurrency}, nil
}

func (o *deferredOperation) arm(tasks []func() error, finalize func() error) bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.armed {
		return false
	}
	o.armed = true
	o.tasks = tasks
	o.finalize = finalize
	return true
}

func (o *deferredOperation) MaxConcurrency() uint32 {
	return o.maxConcurrency
}

func (o *deferredOperation) Join() driver.DeferredResult {
	for {
		o.mtx.Lock()
		if o.next >= len(o.tasks) {
			complete := o.complete
			o.mtx.Unlock()
			if complete {
				return driver.DeferredDone
			}
			return driver.DeferredThreadDone
		}
		task := o.tasks[o.next]
		o.next++
		o.mtx.Unlock()

		err := task()

		o.mtx.Lock()
		if err != nil && o.err == nil {
			o.err = err
		}
		o.finished++
		last := o.finished == len(o.tasks)
		failed := o.err != nil
		o.mtx.Unlock()

		if last {
			var err error
			if !failed && o.finalize != nil {
				err = o.finalize()
			}
			o.mtx.Lock()
			if o.err == nil {
				o.err = err
			}
			o.complete = true
			o.mtx.Unlock()
			return driver.DeferredDone
		}
	}
}

func (o *deferredOperation) Result() error {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if !o.complete {
		return driver.ErrorNotReady{}
	}
	return o.err
}

func (o *deferredOperation) Destroy() {}

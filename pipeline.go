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
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"

	"goarrg.com/debug"
	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/internal/util"
	"golang.org/x/sync/errgroup"
)

type Shader struct {
	Name       string
	EntryPoint string
	Code       []byte
}

func (s *Shader) id() string {
	h := fnv.New64a()
	h.Write(s.Code)
	return genID(s.Name, s.EntryPoint, h.Sum64())
}

// HitGroup is a closest hit shader with an optional any hit shader, an intersection shader makes it procedural.
type HitGroup struct {
	Name         string
	ClosestHit   *Shader
	AnyHit       *Shader
	Intersection *Shader
}

type RayTracingPipelineInitializer struct {
	Name      string
	RayGen    []*Shader
	Miss      []*Shader
	HitGroups []HitGroup
	Callable  []*Shader

	MaxRecursionDepth uint32
	MaxPayloadSize    uint32
	MaxAttributeSize  uint32
}

func (i *RayTracingPipelineInitializer) id() string {
	items := []any{i.Name, i.MaxRecursionDepth, i.MaxPayloadSize, i.MaxAttributeSize}
	optional := func(s *Shader) string {
		if s == nil {
			return "[]"
		}
		return s.id()
	}
	for _, s := range i.RayGen {
		items = append(items, "RayGen", optional(s))
	}
	for _, s := range i.Miss {
		items = append(items, "Miss", optional(s))
	}
	for _, g := range i.HitGroups {
		items = append(items, "HitGroup", optional(g.ClosestHit), optional(g.AnyHit), optional(g.Intersection))
	}
	for _, s := range i.Callable {
		items = append(items, "Callable", optional(s))
	}
	return genID(items...)
}

/*
RayTracingPipeline is a compiled pipeline with the shader group handles of every
stage, in the order raygen, miss, hit group, callable. Pipelines are owned by the
device pipeline cache.
*/
type RayTracingPipeline struct {
	noCopy   util.NoCopy
	device   *Device
	id       string
	name     string
	pipeline driver.Pipeline

	firstGroup       [shaderTableStageCount]uint32
	numGroups        [shaderTableStageCount]uint32
	handles          [shaderTableStageCount][]byte
	hitGroupIndexing bool
}

func (p *RayTracingPipeline) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"name\": %q,", p.name))
	buff.WriteString(fmt.Sprintf("\"hitGroupIndexing\": %v,", p.hitGroupIndexing))
	for s := ShaderTableStageRayGen; s < shaderTableStageCount; s++ {
		buff.WriteString(fmt.Sprintf("%q: [%d, %d],", s.String(), p.firstGroup[s], p.numGroups[s]))
	}

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (p *RayTracingPipeline) Name() string {
	p.noCopy.Check()
	return p.name
}

func (p *RayTracingPipeline) ID() string {
	p.noCopy.Check()
	return p.id
}

// Handles returns the packed shader group handles of stage, HandleSize bytes each.
func (p *RayTracingPipeline) Handles(stage ShaderTableStage) []byte {
	p.noCopy.Check()
	if stage >= shaderTableStageCount {
		abort("Unknown shader table stage [%d]", stage)
	}
	return p.handles[stage]
}

func (p *RayTracingPipeline) NumShaders(stage ShaderTableStage) uint32 {
	p.noCopy.Check()
	if stage >= shaderTableStageCount {
		abort("Unknown shader table stage [%d]", stage)
	}
	return p.numGroups[stage]
}

// HitGroupIndexing is false for pipelines without hit groups.
func (p *RayTracingPipeline) HitGroupIndexing() bool {
	p.noCopy.Check()
	return p.hitGroupIndexing
}

func (p *RayTracingPipeline) destroy() {
	p.noCopy.Check()
	p.pipeline.Destroy()
	p.noCopy.Close()
}

/*
pipelineWorkerCount is how many goroutines join a deferred compile. driverMax of 0
means the driver has no preference and limit of 0 means no configured cap. Without
a configured cap more than three workers are reduced by two to leave room for everything else.
*/
func pipelineWorkerCount(driverMax uint32, available, limit int) int {
	if available <= 0 {
		available = runtime.GOMAXPROCS(0)
	}
	n := available
	if driverMax != 0 {
		n = min(n, int(driverMax))
	}
	if limit > 0 {
		n = min(n, limit)
	} else if n > 3 {
		n -= 2
	}
	return max(n, 1)
}

// joinDeferred joins op from workers goroutines and fails on a join result it does not know.
func joinDeferred(op driver.DeferredOperation, workers int) error {
	g := errgroup.Group{}
	for range workers {
		g.Go(func() error {
			switch r := op.Join(); r {
			case driver.DeferredDone, driver.DeferredThreadDone:
				return nil
			default:
				return debug.Errorf("Unknown deferred operation result [%d]", r)
			}
		})
	}
	return g.Wait()
}

func (d *Device) pipelineDesc(initializer *RayTracingPipelineInitializer) (driver.PipelineDesc, [shaderTableStageCount]uint32) {
	if len(initializer.RayGen) == 0 {
		abort("Pipeline %q has no raygen shader", initializer.Name)
	}
	if initializer.MaxRecursionDepth > d.properties.RayTracing.MaxRayRecursionDepth {
		abort("Pipeline %q MaxRecursionDepth [%d] exceeds the device limit [%d]", initializer.Name,
			initializer.MaxRecursionDepth, d.properties.RayTracing.MaxRayRecursionDepth)
	}

	desc := driver.PipelineDesc{
		Name:              initializer.Name,
		MaxRecursionDepth: initializer.MaxRecursionDepth,
		MaxPayloadSize:    initializer.MaxPayloadSize,
		MaxAttributeSize:  initializer.MaxAttributeSize,
	}
	var counts [shaderTableStageCount]uint32

	addStage := func(s *Shader, stage driver.ShaderStage) uint32 {
		if s == nil {
			return driver.ShaderUnused
		}
		desc.Stages = append(desc.Stages, driver.ShaderModule{Name: s.Name, Stage: stage, EntryPoint: s.EntryPoint, Code: s.Code})
		return uint32(len(desc.Stages) - 1)
	}
	general := func(shaders []*Shader, stage driver.ShaderStage, tableStage ShaderTableStage) {
		for i, s := range shaders {
			if s == nil {
				abort("Pipeline %q %s shader %d is nil", initializer.Name, tableStage, i)
			}
			desc.Groups = append(desc.Groups, driver.ShaderGroup{
				Type:         driver.ShaderGroupGeneral,
				General:      addStage(s, stage),
				ClosestHit:   driver.ShaderUnused,
				AnyHit:       driver.ShaderUnused,
				Intersection: driver.ShaderUnused,
			})
		}
		counts[tableStage] = uint32(len(shaders))
	}

	general(initializer.RayGen, driver.ShaderStageRayGen, ShaderTableStageRayGen)
	general(initializer.Miss, driver.ShaderStageMiss, ShaderTableStageMiss)
	for i, g := range initializer.HitGroups {
		if g.ClosestHit == nil {
			abort("Pipeline %q hit group %d %q has no closest hit shader", initializer.Name, i, g.Name)
		}
		group := driver.ShaderGroup{
			Type:         driver.ShaderGroupTrianglesHit,
			General:      driver.ShaderUnused,
			ClosestHit:   addStage(g.ClosestHit, driver.ShaderStageClosestHit),
			AnyHit:       addStage(g.AnyHit, driver.ShaderStageAnyHit),
			Intersection: addStage(g.Intersection, driver.ShaderStageIntersection),
		}
		if g.Intersection != nil {
			group.Type = driver.ShaderGroupProceduralHit
		}
		desc.Groups = append(desc.Groups, group)
	}
	counts[ShaderTableStageHitGroup] = uint32(len(initializer.HitGroups))
	general(initializer.Callable, driver.ShaderStageCallable, ShaderTableStageCallable)

	return desc, counts
}

// compile blocks until the pipeline is compiled, joining a deferred operation from a pool of workers when enabled.
func (d *Device) compile(initializer *RayTracingPipelineInitializer, id string) (*RayTracingPipeline, error) {
	desc, counts := d.pipelineDesc(initializer)

	var native driver.Pipeline
	var op driver.DeferredOperation
	if d.config.parallelCompile {
		var err error
		op, err = d.drv.CreateDeferredOperation()
		if err != nil {
			instance.logger.WPrintf("Compiling %q without deferred operation: %s", initializer.Name, err)
			op = nil
		}
	}

	if op != nil {
		defer op.Destroy()
		p, err := d.drv.CreateRayTracingPipeline(desc, op)
		if err != nil {
			return nil, debug.ErrorWrapf(err, "Failed to create pipeline %q", initializer.Name)
		}

		workers := pipelineWorkerCount(op.MaxConcurrency(), d.config.pipelineWorkers, d.config.pipelineWorkerCap)
		if err := joinDeferred(op, workers); err != nil {
			p.Destroy()
			return nil, debug.ErrorWrapf(err, "Failed to join compile of pipeline %q", initializer.Name)
		}

		result := op.Result()
		if errors.Is(result, driver.ErrorNotReady{}) {
			abort("Pipeline %q deferred compile did not complete after %d workers joined", initializer.Name, workers)
		}
		if result != nil {
			p.Destroy()
			return nil, debug.ErrorWrapf(result, "Failed to compile pipeline %q", initializer.Name)
		}
		instance.logger.VPrintf("Compiled %q with %d workers", initializer.Name, workers)
		native = p
	} else {
		p, err := d.drv.CreateRayTracingPipeline(desc, nil)
		if err != nil {
			return nil, debug.ErrorWrapf(err, "Failed to compile pipeline %q", initializer.Name)
		}
		native = p
	}

	pipeline := &RayTracingPipeline{
		device:           d,
		id:               id,
		name:             initializer.Name,
		pipeline:         native,
		numGroups:        counts,
		hitGroupIndexing: counts[ShaderTableStageHitGroup] > 0,
	}
	pipeline.noCopy.Init()

	first := uint32(0)
	for s := ShaderTableStageRayGen; s < shaderTableStageCount; s++ {
		pipeline.firstGroup[s] = first
		if counts[s] > 0 {
			handles, err := d.drv.ShaderGroupHandles(native, first, counts[s])
			if err != nil {
				native.Destroy()
				return nil, debug.ErrorWrapf(err, "Failed to get %s shader handles of %q", s, initializer.Name)
			}
			pipeline.handles[s] = handles
		}
		first += counts[s]
	}
	return pipeline, nil
}

/*
CreateRayTracingPipeline returns the cached pipeline for initializer, compiling it
if needed. Concurrent calls for the same initializer share one compile.
*/
func (d *Device) CreateRayTracingPipeline(initializer RayTracingPipelineInitializer) (*RayTracingPipeline, error) {
	d.noCopy.Check()
	return d.pipelines.getOrCompile(&initializer)
}

// PipelineFuture is the result of CompileRayTracingPipelineAsync.
type PipelineFuture struct {
	done     chan struct{}
	pipeline *RayTracingPipeline
	err      error
}

func (f *PipelineFuture) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the compile has finished.
func (f *PipelineFuture) Wait() (*RayTracingPipeline, error) {
	<-f.done
	return f.pipeline, f.err
}

func (d *Device) CompileRayTracingPipelineAsync(initializer RayTracingPipelineInitializer) *PipelineFuture {
	d.noCopy.Check()
	f := &PipelineFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.pipeline, f.err = d.pipelines.getOrCompile(&initializer)
	}()
	return f
}

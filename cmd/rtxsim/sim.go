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

package main

import (
	"encoding/json"
	"slices"

	"goarrg.com/debug"
	"goarrg.com/rhi/rtx"
	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/driver/soft"
	"goarrg.com/rhi/rtx/internal/util"
	"goarrg.com/rhi/rtx/managed"
)

type simOptions struct {
	unifiedMemory bool
	immediate     bool
	noDeferredOps bool
	memoryBudget  uint64
}

type geometryReport struct {
	Name          string
	State         string
	Flags         string
	Segments      int
	Sizes         rtx.BuildSizes
	CompactedSize uint64
	Address       uint64
}

type report struct {
	Scene  string
	Device string
	Config json.RawMessage

	Geometries      []geometryReport
	SceneInstances  uint32
	SceneRebuilds   int
	Compaction      json.RawMessage
	BindlessBuffers int
	BindlessFree    int

	Pipeline    json.RawMessage
	ShaderTable json.RawMessage
	Dispatches  []soft.Dispatch

	Ticks            uint64
	LeakedBuffers    int
	LeakedStructures int
	ValidationErrors []string
}

type simulation struct {
	desc     sceneDesc
	drv      *soft.Device
	device   *rtx.Device
	ctx      *rtx.CommandContext
	bindless *managed.BindlessBufferArray

	geometries map[string]*rtx.Geometry
	order      []*rtx.Geometry
	buffers    []*rtx.Buffer

	scene     *rtx.Scene
	instances *rtx.Buffer
	addresses map[*rtx.Geometry]uint64

	pipeline *rtx.RayTracingPipeline
	table    *rtx.ShaderBindingTable
	args     *rtx.Buffer
}

func (s *simulation) newBuffer(name string, usage rtx.BufferUsageFlags, data []byte) *rtx.Buffer {
	b := s.device.NewBufferWithData(s.ctx, name, usage, data)
	s.buffers = append(s.buffers, b)
	return b
}

func (s *simulation) createGeometry(g geometryDesc) *rtx.Geometry {
	flags, _ := parseFlags(g.Flags)
	total := uint32(0)
	for _, seg := range g.Segments {
		total += seg.Primitives
	}

	initializer := rtx.GeometryInitializer{
		Name: g.Name,
		BottomLevelDesc: rtx.BottomLevelDesc{
			Type:  rtx.GeometryTypeTriangles,
			Flags: flags,
		},
	}
	usage := rtx.BufferUsageStatic | rtx.BufferUsageVertexBuffer | rtx.BufferUsageStorageBuffer

	var vertices []float32
	var stride uint64
	var maxVertices uint32
	switch {
	case g.Procedural:
		initializer.Type = rtx.GeometryTypeProcedural
		stride = 24
		for k := range total {
			x := float32(k)
			vertices = append(vertices, x, 0, 0, x+1, 1, 1)
		}
		maxVertices = total

	case g.Indexed:
		stride = 12
		maxVertices = total + 2
		for k := range maxVertices {
			vertices = append(vertices, float32(k), float32(k%2), 0)
		}
		indices := make([]uint32, 0, total*3)
		for k := range total {
			indices = append(indices, k, k+1, k+2)
		}
		initializer.Index = rtx.IndexInfo{
			Buffer: s.newBuffer(g.Name+"(index)", rtx.BufferUsageStatic|rtx.BufferUsageIndexBuffer|rtx.BufferUsageStorageBuffer,
				slices.Clone(util.SliceAsBytes(indices))),
			Stride: 4,
		}
		s.bindless.BindlessIndex(initializer.Index.Buffer)

	default:
		stride = 12
		maxVertices = total * 3
		for k := range total {
			x := float32(k)
			vertices = append(vertices, x, 0, 0, x+1, 0, 0, x, 1, 0)
		}
	}

	vb := s.newBuffer(g.Name+"(vertex)", usage, slices.Clone(util.SliceAsBytes(vertices)))
	first := uint32(0)
	for _, seg := range g.Segments {
		initializer.Segments = append(initializer.Segments, rtx.GeometrySegment{
			VertexBuffer:   vb,
			VertexStride:   stride,
			MaxVertices:    maxVertices,
			FirstPrimitive: first,
			NumPrimitives:  seg.Primitives,
			Disabled:       seg.Disabled,
			ForceOpaque:    seg.ForceOpaque,
		})
		first += seg.Primitives
	}

	geometry := s.device.CreateGeometry(initializer)
	s.geometries[g.Name] = geometry
	s.order = append(s.order, geometry)
	return geometry
}

// writeScene writes every instance and builds the scene over them, remembering the geometry addresses it used.
func (s *simulation) writeScene() {
	instances := make([]rtx.Instance, len(s.desc.Instances))
	for i, inst := range s.desc.Instances {
		t := rtx.IdentityTransform()
		t[3], t[7], t[11] = inst.Translate[0], inst.Translate[1], inst.Translate[2]
		mask := inst.Mask
		if mask == 0 {
			mask = 0xFF
		}
		instances[i] = rtx.Instance{
			Transform:      t,
			InstanceID:     inst.ID,
			Mask:           mask,
			HitGroupOffset: inst.HitGroupOffset,
			Geometry:       s.geometries[inst.Geometry],
		}
	}
	s.device.WriteInstances(s.ctx, s.instances, 0, instances)
	s.device.BuildTopLevel(s.ctx, s.scene, rtx.SceneBuildParams{
		Instances:    s.instances,
		NumInstances: uint32(len(instances)),
	})

	s.addresses = map[*rtx.Geometry]uint64{}
	for _, g := range s.order {
		s.addresses[g] = g.DeviceAddress()
	}
}

// stale reports whether a geometry moved since the scene was last built.
func (s *simulation) stale() bool {
	for g, address := range s.addresses {
		if g.DeviceAddress() != address {
			return true
		}
	}
	return false
}

func (s *simulation) createPipeline() {
	p := s.desc.Pipeline
	shader := func(name string) *rtx.Shader {
		return &rtx.Shader{Name: name, EntryPoint: "main", Code: []byte(name)}
	}
	shaders := func(names []string) []*rtx.Shader {
		ret := make([]*rtx.Shader, len(names))
		for i, n := range names {
			ret[i] = shader(n)
		}
		return ret
	}

	initializer := rtx.RayTracingPipelineInitializer{
		Name:              p.Name,
		RayGen:            shaders(p.RayGen),
		Miss:              shaders(p.Miss),
		Callable:          shaders(p.Callable),
		MaxRecursionDepth: p.MaxRecursionDepth,
	}
	for _, h := range p.HitGroups {
		group := rtx.HitGroup{Name: h.Name, ClosestHit: shader(h.Name + ".rchit")}
		if h.AnyHit {
			group.AnyHit = shader(h.Name + ".rahit")
		}
		if h.Intersection {
			group.Intersection = shader(h.Name + ".rint")
		}
		initializer.HitGroups = append(initializer.HitGroups, group)
	}

	future := s.device.CompileRayTracingPipelineAsync(initializer)
	pipeline, err := future.Wait()
	if err != nil {
		panic(debug.ErrorWrapf(err, "Failed to compile pipeline %q", p.Name))
	}
	s.pipeline = pipeline
}

func (s *simulation) createShaderTable() {
	segments := uint32(0)
	for _, g := range s.order {
		segments += uint32(g.NumSegments())
	}
	slots := max(s.desc.Table.SlotsPerSegment, 1)

	s.table = s.device.CreateShaderBindingTable(rtx.ShaderBindingTableInitializer{
		Name:                             s.desc.Name,
		NumMissRecords:                   uint32(len(s.desc.Pipeline.Miss)),
		NumCallableRecords:               uint32(len(s.desc.Pipeline.Callable)),
		NumGeometrySegments:              segments,
		NumShaderSlotsPerGeometrySegment: slots,
		HitGroupIndexing:                 s.pipeline.HitGroupIndexing(),
		LocalBindingDataSize:             s.desc.Table.LocalDataSize,
		InlineGeometryParameters:         s.desc.Table.InlineParams,
	})
}

func (s *simulation) bind() {
	numHitGroups := s.pipeline.NumShaders(rtx.ShaderTableStageHitGroup)
	if numHitGroups > 0 {
		slots := max(s.desc.Table.SlotsPerSegment, 1)
		bindings := []rtx.ShaderBinding{}
		base := uint32(0)
		for _, g := range s.order {
			for seg := range uint32(g.NumSegments()) {
				for slot := range slots {
					bindings = append(bindings, rtx.ShaderBinding{
						Geometry:     g,
						HitGroupBase: base,
						SegmentIndex: seg,
						ShaderSlot:   slot,
						ShaderIndex:  slot % numHitGroups,
					})
				}
			}
			base += uint32(g.NumSegments()) * slots
		}
		s.device.SetBindingsOnShaderBindingTable(s.table, s.pipeline, bindings, rtx.BindingTypeHitGroup)
	}

	general := func(count uint32, bindingType rtx.BindingType) {
		bindings := make([]rtx.ShaderBinding, count)
		for i := range count {
			bindings[i] = rtx.ShaderBinding{ShaderSlot: i, ShaderIndex: i}
		}
		s.device.SetBindingsOnShaderBindingTable(s.table, s.pipeline, bindings, bindingType)
	}
	general(s.pipeline.NumShaders(rtx.ShaderTableStageMiss), rtx.BindingTypeMiss)
	general(s.pipeline.NumShaders(rtx.ShaderTableStageCallable), rtx.BindingTypeCallable)
	s.device.CommitShaderBindingTable(s.ctx, s.table)
}

func (s *simulation) dispatch() {
	d := s.desc.Dispatch
	globals := []rtx.ResourceBinding{rtx.AccelerationStructureBinding{Slot: 0, Scene: s.scene}}
	if d.Indirect {
		if s.args == nil {
			args := [3]uint32{d.Width, d.Height, 1}
			s.args = s.newBuffer(s.desc.Name+"(indirect)", rtx.BufferUsageStatic|rtx.BufferUsageIndirectBuffer, slices.Clone(util.AsBytes(&args)))
		}
		s.device.DispatchRaysIndirect(s.ctx, s.pipeline, d.RayGen, s.table, globals, s.args, 0)
	} else {
		s.device.DispatchRays(s.ctx, s.pipeline, d.RayGen, s.table, globals, d.Width, d.Height)
	}
	s.ctx.Submit()
}

func (s *simulation) update() {
	params := []rtx.GeometryBuildParams{}
	for _, g := range s.desc.Geometries {
		if !g.Update {
			continue
		}
		geometry := s.geometries[g.Name]
		if !geometry.Flags().HasBits(rtx.AccelerationStructureAllowUpdate) {
			debug.WPrintf("Geometry %q asks for an update but was not created with AllowUpdate, skipping", g.Name)
			continue
		}
		params = append(params, rtx.GeometryBuildParams{Geometry: geometry, Mode: rtx.BuildModeUpdate})
	}
	if len(params) > 0 {
		debug.IPrintf("Updating %d geometries", len(params))
		s.device.BuildAccelerationStructures(s.ctx, params, rtx.BufferRange{})
	}
}

func (s *simulation) destroy() {
	s.device.WaitIdle()
	s.bindless.Reset(s.device.ImmediateContext().ActiveCommandBuffer())
	s.table.Destroy()
	s.scene.Destroy()
	for _, g := range s.order {
		g.Destroy()
	}
	for _, b := range s.buffers {
		b.Destroy()
	}
	s.instances.Destroy()
	s.device.Destroy()
}

func marshal(v json.Marshaler) json.RawMessage {
	j, err := v.MarshalJSON()
	if err != nil {
		panic(err)
	}
	return j
}

/*
run builds every geometry and the scene, dispatches once, ticks the device so
compaction can progress, then rebuilds the scene if any geometry moved and
dispatches again.
*/
func run(desc sceneDesc, opts simOptions) *report {
	s := simulation{
		desc: desc,
		drv: soft.New(soft.Config{
			Name:                      "rtxsim",
			UnifiedMemory:             opts.unifiedMemory,
			Immediate:                 opts.immediate,
			MemoryBudget:              opts.memoryBudget,
			DisableDeferredOperations: opts.noDeferredOps,
		}),
		geometries: map[string]*rtx.Geometry{},
	}
	s.device = rtx.NewDevice(s.drv, desc.Config)
	s.ctx = s.device.NewCommandContext(desc.Name)
	s.bindless = managed.NewBindlessBufferArray(desc.Name, 1<<16, nil)
	s.device.SetBindlessAllocator(s.bindless)

	r := &report{
		Scene:  desc.Name,
		Device: s.device.Properties().Name,
		Config: marshal(&desc.Config),
	}

	params := make([]rtx.GeometryBuildParams, 0, len(desc.Geometries))
	for _, g := range desc.Geometries {
		params = append(params, rtx.GeometryBuildParams{Geometry: s.createGeometry(g)})
	}
	debug.IPrintf("Building %d geometries", len(params))
	s.device.BuildAccelerationStructures(s.ctx, params, rtx.BufferRange{})

	s.scene = s.device.CreateScene(rtx.SceneInitializer{
		Name:         desc.Name,
		MaxInstances: max(uint32(len(desc.Instances)), 1),
		Flags:        rtx.AccelerationStructureAllowUpdate,
	})
	s.instances = s.device.NewBuffer(desc.Name+"(instances)", uint64(max(len(desc.Instances), 1))*driver.InstanceSize,
		rtx.BufferUsageDynamic|rtx.BufferUsageBuildInput)
	s.writeScene()

	s.createPipeline()
	s.createShaderTable()
	s.bind()
	s.dispatch()

	for i := range desc.Ticks {
		s.device.Tick(s.ctx)
		s.drv.Flush()
		debug.VPrintf("Tick %d: %s", i, marshal(ptr(s.device.CompactionStats())))
	}

	s.update()
	if s.stale() {
		debug.IPrintf("Geometries moved, rebuilding scene %q", desc.Name)
		s.writeScene()
		r.SceneRebuilds++
	}
	s.dispatch()
	s.device.WaitIdle()

	for _, g := range s.order {
		r.Geometries = append(r.Geometries, geometryReport{
			Name:          g.Name(),
			State:         g.State().String(),
			Flags:         g.Flags().String(),
			Segments:      g.NumSegments(),
			Sizes:         g.Sizes(),
			CompactedSize: g.CompactedSize(),
			Address:       g.DeviceAddress(),
		})
	}
	r.SceneInstances = s.scene.NumInstances()
	r.Compaction = marshal(ptr(s.device.CompactionStats()))
	r.BindlessBuffers = s.bindless.Len()
	r.BindlessFree = s.bindless.Available()
	r.Pipeline = marshal(s.pipeline)
	r.ShaderTable = marshal(s.table)
	r.Dispatches = s.drv.Dispatches()
	r.Ticks = s.device.Ticks()

	s.destroy()
	r.LeakedBuffers = s.drv.LiveBuffers()
	r.LeakedStructures = s.drv.LiveAccelerationStructures()
	r.ValidationErrors = s.drv.ValidationErrors()
	return r
}

func ptr[T any](v T) *T {
	return &v
}

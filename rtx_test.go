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
	"slices"
	"testing"

	"goarrg.com/rhi/rtx/driver/soft"
	"goarrg.com/rhi/rtx/internal/util"
)

func newTestDevice(t *testing.T, sc soft.Config, cfg Config) (*soft.Device, *Device) {
	t.Helper()
	drv := soft.New(sc)
	return drv, NewDevice(drv, cfg)
}

// triangleVertices returns three vertices per primitive laid out as R32G32B32Float.
func triangleVertices(primitives uint32) []byte {
	vertices := make([]float32, 0, primitives*9)
	for k := range primitives {
		x := float32(k)
		vertices = append(vertices, x, 0, 0, x+1, 0, 0, x, 1, 0)
	}
	return slices.Clone(util.SliceAsBytes(vertices))
}

/*
triangleGeometry uploads one vertex buffer through ctx and describes one segment
per entry of primitives over it.
*/
func triangleGeometry(d *Device, ctx *CommandContext, name string, flags AccelerationStructureFlags, primitives ...uint32) (GeometryInitializer, *Buffer) {
	total := uint32(0)
	for _, p := range primitives {
		total += p
	}
	vb := d.NewBufferWithData(ctx, name+"(vertex)", BufferUsageVertexBuffer|BufferUsageStorageBuffer, triangleVertices(total))

	initializer := GeometryInitializer{
		Name: name,
		BottomLevelDesc: BottomLevelDesc{
			Type:  GeometryTypeTriangles,
			Flags: flags,
		},
	}
	first := uint32(0)
	for _, p := range primitives {
		initializer.Segments = append(initializer.Segments, GeometrySegment{
			VertexBuffer:   vb,
			VertexStride:   12,
			MaxVertices:    total * 3,
			FirstPrimitive: first,
			NumPrimitives:  p,
		})
		first += p
	}
	return initializer, vb
}

func buildGeometry(d *Device, ctx *CommandContext, name string, flags AccelerationStructureFlags, primitives ...uint32) (*Geometry, *Buffer) {
	initializer, vb := triangleGeometry(d, ctx, name, flags, primitives...)
	g := d.CreateGeometry(initializer)
	d.BuildAccelerationStructures(ctx, []GeometryBuildParams{{Geometry: g}}, BufferRange{})
	return g, vb
}

func testShader(name string) *Shader {
	return &Shader{Name: name, EntryPoint: "main", Code: []byte(name)}
}

func testPipelineInitializer(name string, miss, hitGroups, callable int) RayTracingPipelineInitializer {
	initializer := RayTracingPipelineInitializer{
		Name:              name,
		RayGen:            []*Shader{testShader(name + ".rgen")},
		MaxRecursionDepth: 1,
	}
	for range miss {
		initializer.Miss = append(initializer.Miss, testShader(name+".rmiss"))
	}
	for i := range hitGroups {
		initializer.HitGroups = append(initializer.HitGroups, HitGroup{
			Name:       name,
			ClosestHit: testShader(name + ".rchit" + string(rune('a'+i))),
		})
	}
	for range callable {
		initializer.Callable = append(initializer.Callable, testShader(name+".rcall"))
	}
	return initializer
}

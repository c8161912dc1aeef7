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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/driver/soft"
)

func TestPipelineWorkerCount(t *testing.T) {
	tests := []struct {
		driverMax uint32
		available int
		limit     int
		want      int
	}{
		{0, 8, 0, 6},
		{4, 8, 0, 2},
		{8, 16, 4, 4},
		{0, 8, 3, 3},
		{0, 3, 0, 3},
		{16, 8, 0, 6},
		{2, 8, 1, 1},
		{0, 1, 0, 1},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d/%d/%d", test.driverMax, test.available, test.limit), func(t *testing.T) {
			assert.Equal(t, test.want, pipelineWorkerCount(test.driverMax, test.available, test.limit))
		})
	}
	assert.GreaterOrEqual(t, pipelineWorkerCount(0, 0, 0), 1)
}

type joinResultOperation struct {
	driver.DeferredOperation
	result driver.DeferredResult
}

func (o joinResultOperation) Join() driver.DeferredResult {
	return o.result
}

func TestJoinDeferred(t *testing.T) {
	assert.NoError(t, joinDeferred(joinResultOperation{result: driver.DeferredDone}, 4))
	assert.NoError(t, joinDeferred(joinResultOperation{result: driver.DeferredThreadDone}, 2))
	assert.Error(t, joinDeferred(joinResultOperation{result: driver.DeferredResult(9)}, 3))
}

func TestPipelineLayout(t *testing.T) {
	_, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	defer d.Destroy()

	initializer := testPipelineInitializer("layout", 2, 3, 1)
	initializer.RayGen = append(initializer.RayGen, testShader("layout.rgen2"))
	initializer.HitGroups[2].Intersection = testShader("layout.rint")
	initializer.HitGroups[2].AnyHit = testShader("layout.rahit")

	p, err := d.CreateRayTracingPipeline(initializer)
	require.NoError(t, err)
	assert.Equal(t, "layout", p.Name())
	assert.Equal(t, initializer.id(), p.ID())
	assert.True(t, p.HitGroupIndexing())

	for stage, want := range map[ShaderTableStage]uint32{
		ShaderTableStageRayGen:   2,
		ShaderTableStageMiss:     2,
		ShaderTableStageHitGroup: 3,
		ShaderTableStageCallable: 1,
	} {
		assert.Equal(t, want, p.NumShaders(stage), stage.String())
		assert.Len(t, p.Handles(stage), int(want)*32, stage.String())
	}
	assert.NotEqual(t, p.Handles(ShaderTableStageRayGen)[:32], p.Handles(ShaderTableStageRayGen)[32:])
	assert.JSONEq(t, `{"name": "layout", "hitGroupIndexing": true, "RayGen": [0, 2], "Miss": [2, 2], "HitGroup": [4, 3], "Callable": [7, 1]}`,
		prettyString(p))
	require.Panics(t, func() { p.Handles(shaderTableStageCount) })

	noHits, err := d.CreateRayTracingPipeline(testPipelineInitializer("nohits", 1, 0, 0))
	require.NoError(t, err)
	assert.False(t, noHits.HitGroupIndexing())
	assert.Empty(t, noHits.Handles(ShaderTableStageHitGroup))
}

func TestPipelineInitializerID(t *testing.T) {
	a := testPipelineInitializer("id", 1, 1, 0)
	b := testPipelineInitializer("id", 1, 1, 0)
	assert.Equal(t, a.id(), b.id())

	b.HitGroups[0].ClosestHit = &Shader{Name: b.HitGroups[0].ClosestHit.Name, EntryPoint: "main", Code: []byte("other")}
	assert.NotEqual(t, a.id(), b.id())

	c := testPipelineInitializer("id", 1, 1, 0)
	c.MaxRecursionDepth = 2
	assert.NotEqual(t, a.id(), c.id())
}

func TestPipelineCache(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())

	a, err := d.CreateRayTracingPipeline(testPipelineInitializer("cached", 1, 1, 0))
	require.NoError(t, err)
	again, err := d.CreateRayTracingPipeline(testPipelineInitializer("cached", 1, 1, 0))
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, uint64(1), d.pipelines.hits.Load())
	assert.Equal(t, uint64(1), d.pipelines.misses.Load())
	assert.Equal(t, 1, d.pipelines.len())

	other, err := d.CreateRayTracingPipeline(testPipelineInitializer("other", 1, 1, 0))
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, d.pipelines.len())
	assert.Contains(t, prettyString(d.pipelines), `"misses": 2`)

	d.Destroy()
	require.Panics(t, func() { a.Name() })
	assert.Empty(t, drv.ValidationErrors())
}

func TestPipelineAsyncSharesCompile(t *testing.T) {
	_, d := newTestDevice(t, soft.Config{MaxConcurrency: 2}, DefaultConfig())
	defer d.Destroy()

	futures := make([]*PipelineFuture, 4)
	for i := range futures {
		futures[i] = d.CompileRayTracingPipelineAsync(testPipelineInitializer("async", 2, 2, 2))
	}
	first, err := futures[0].Wait()
	require.NoError(t, err)
	assert.True(t, futures[0].Ready())
	for _, f := range futures[1:] {
		p, err := f.Wait()
		require.NoError(t, err)
		assert.Same(t, first, p)
	}
	assert.Equal(t, uint64(1), d.pipelines.misses.Load())
	assert.Equal(t, 1, d.pipelines.len())
}

func TestPipelineCompileErrors(t *testing.T) {
	for _, sc := range []soft.Config{{}, {DisableDeferredOperations: true}} {
		t.Run(fmt.Sprintf("deferred=%t", !sc.DisableDeferredOperations), func(t *testing.T) {
			_, d := newTestDevice(t, sc, DefaultConfig())
			defer d.Destroy()

			initializer := testPipelineInitializer("broken", 1, 1, 0)
			initializer.Miss[0] = &Shader{Name: "broken.rmiss", EntryPoint: "main"}
			p, err := d.CreateRayTracingPipeline(initializer)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.Zero(t, d.pipelines.len())

			f := d.CompileRayTracingPipelineAsync(initializer)
			_, err = f.Wait()
			require.Error(t, err)

			noEntry := testPipelineInitializer("noentry", 1, 0, 0)
			noEntry.RayGen[0].EntryPoint = ""
			_, err = d.CreateRayTracingPipeline(noEntry)
			require.Error(t, err)

			require.Panics(t, func() { _, _ = d.CreateRayTracingPipeline(RayTracingPipelineInitializer{Name: "empty"}) })
			require.Panics(t, func() {
				i := testPipelineInitializer("deep", 1, 0, 0)
				i.MaxRecursionDepth = 32
				_, _ = d.CreateRayTracingPipeline(i)
			})
			require.Panics(t, func() {
				i := testPipelineInitializer("nohit", 1, 1, 0)
				i.HitGroups[0].ClosestHit = nil
				_, _ = d.CreateRayTracingPipeline(i)
			})
			require.Panics(t, func() {
				i := testPipelineInitializer("nilmiss", 1, 0, 0)
				i.Miss[0] = nil
				_, _ = d.CreateRayTracingPipeline(i)
			})

			p, err = d.CreateRayTracingPipeline(testPipelineInitializer("fine", 1, 1, 1))
			require.NoError(t, err)
			assert.Equal(t, uint32(1), p.NumShaders(ShaderTableStageCallable))
		})
	}
}

func TestPipelineEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PipelineCacheSize = 1
	drv, d := newTestDevice(t, soft.Config{Immediate: true}, cfg)

	a, err := d.CreateRayTracingPipeline(testPipelineInitializer("a", 1, 1, 0))
	require.NoError(t, err)
	b, err := d.CreateRayTracingPipeline(testPipelineInitializer("b", 1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, d.pipelines.len())

	// evicted pipelines stay usable until a tick retires them
	assert.Equal(t, "a", a.Name())
	d.Tick(nil)
	assert.Zero(t, d.PendingDestroys())
	require.Panics(t, func() { a.Name() })
	assert.Equal(t, "b", b.Name())

	again, err := d.CreateRayTracingPipeline(testPipelineInitializer("a", 1, 1, 0))
	require.NoError(t, err)
	assert.NotSame(t, a, again)
	assert.Equal(t, uint64(3), d.pipelines.misses.Load())

	d.Tick(nil)
	require.Panics(t, func() { b.Name() })

	d.Destroy()
	require.Panics(t, func() { again.Name() })
	assert.Empty(t, drv.ValidationErrors())
}

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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goarrg.com/rhi/rtx/driver/soft"
)

func TestTimelineSemaphore(t *testing.T) {
	drv, d := newTestDevice(t, soft.Config{}, DefaultConfig())
	ctx := d.NewCommandContext("test")
	s := d.semaphore

	assert.Zero(t, s.Value())
	assert.True(t, s.WaiterForCurrentValue().Poll())

	cb := ctx.ActiveCommandBuffer()
	cb.BeginNamedRegion("sync")
	cb.ExecutionBarrier(PipelineStageTransfer, PipelineStageRayTracingShader)
	cb.EndNamedRegion()
	require.True(t, ctx.HasPendingCommands())
	first := ctx.Submit()
	assert.Same(t, first, ctx.LastSubmission())
	assert.False(t, ctx.HasPendingCommands())

	second := ctx.Submit()
	pending := s.WaiterForPendingValue()
	assert.Equal(t, uint64(2), pending.Value())
	assert.Equal(t, uint64(2), s.PendingValue())
	assert.False(t, first.Poll())
	assert.False(t, pending.Poll())

	ctx.WaitForFence(first)
	assert.True(t, first.Poll())
	assert.False(t, second.Poll())
	assert.Equal(t, uint64(1), s.Value())

	drv.Flush()
	assert.True(t, pending.Poll())
	ctx.WaitForFence(nil)

	commands := drv.Commands()
	require.Len(t, commands, 1)
	assert.True(t, strings.HasPrefix(commands[0], "test[1]/sync: Barrier"), commands[0])

	require.Panics(t, func() { s.signal(2) })
	d.Destroy()
	assert.Empty(t, drv.ValidationErrors())
}

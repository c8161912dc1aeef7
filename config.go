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
	"runtime"

	"goarrg.com/gmath"
)

const (
	DefaultMaxBatchedCompaction = 64
	DefaultPipelineCacheSize    = 64
	DefaultStagingIdleTicks     = 120
	MaxBatchedCompactionLimit   = 4096
)

type Config struct {
	// AllowCompaction enables compaction of geometries built with AllowCompaction|FastTrace.
	AllowCompaction bool `toml:"allow_compaction" yaml:"allow_compaction"`
	// MaxBatchedCompaction is the most geometries measured by a single compaction query.
	MaxBatchedCompaction int `toml:"max_batched_compaction" yaml:"max_batched_compaction"`

	// ForceStagingOnLock makes every non persistent write lock go through a staging buffer.
	ForceStagingOnLock bool `toml:"force_staging_on_lock" yaml:"force_staging_on_lock"`
	// StagingIdleTicks is how many ticks an unused staging buffer survives in the pool.
	StagingIdleTicks uint32 `toml:"staging_idle_ticks" yaml:"staging_idle_ticks"`

	ParallelPipelineCompile bool `toml:"parallel_pipeline_compile" yaml:"parallel_pipeline_compile"`
	// PipelineWorkers is the number of workers available to join a pipeline compile, 0 is GOMAXPROCS.
	PipelineWorkers int `toml:"pipeline_workers" yaml:"pipeline_workers"`
	// PipelineWorkerCap limits PipelineWorkers further, 0 is no cap.
	PipelineWorkerCap int `toml:"pipeline_worker_cap" yaml:"pipeline_worker_cap"`
	PipelineCacheSize int `toml:"pipeline_cache_size" yaml:"pipeline_cache_size"`

	// MaxBindingWorkers limits the workers writing shader binding table records, 0 is GOMAXPROCS.
	MaxBindingWorkers int `toml:"max_binding_workers" yaml:"max_binding_workers"`
	// MaxShaderRecordStride caps the record stride of a shader binding table, 0 is the device limit.
	MaxShaderRecordStride uint32 `toml:"max_shader_record_stride" yaml:"max_shader_record_stride"`
}

func DefaultConfig() Config {
	return Config{
		AllowCompaction:         true,
		MaxBatchedCompaction:    DefaultMaxBatchedCompaction,
		StagingIdleTicks:        DefaultStagingIdleTicks,
		ParallelPipelineCompile: true,
		PipelineCacheSize:       DefaultPipelineCacheSize,
	}
}

func (c *Config) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"AllowCompaction\": %t,", c.AllowCompaction))
	buff.WriteString(fmt.Sprintf("\"MaxBatchedCompaction\": %d,", c.MaxBatchedCompaction))
	buff.WriteString(fmt.Sprintf("\"ForceStagingOnLock\": %t,", c.ForceStagingOnLock))
	buff.WriteString(fmt.Sprintf("\"StagingIdleTicks\": %d,", c.StagingIdleTicks))
	buff.WriteString(fmt.Sprintf("\"ParallelPipelineCompile\": %t,", c.ParallelPipelineCompile))
	buff.WriteString(fmt.Sprintf("\"PipelineWorkers\": %d,", c.PipelineWorkers))
	buff.WriteString(fmt.Sprintf("\"PipelineWorkerCap\": %d,", c.PipelineWorkerCap))
	buff.WriteString(fmt.Sprintf("\"PipelineCacheSize\": %d,", c.PipelineCacheSize))
	buff.WriteString(fmt.Sprintf("\"MaxBindingWorkers\": %d,", c.MaxBindingWorkers))
	buff.WriteString(fmt.Sprintf("\"MaxShaderRecordStride\": %d,", c.MaxShaderRecordStride))

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (c *Config) validate() {
	if !gmath.InRange(c.MaxBatchedCompaction, 1, MaxBatchedCompactionLimit) {
		abort("Config.MaxBatchedCompaction must be in range [1, %d]", MaxBatchedCompactionLimit)
	}
	if c.PipelineWorkers < 0 {
		abort("Config.PipelineWorkers must be >= 0")
	}
	if c.PipelineWorkerCap < 0 {
		abort("Config.PipelineWorkerCap must be >= 0")
	}
	if c.MaxBindingWorkers < 0 {
		abort("Config.MaxBindingWorkers must be >= 0")
	}
	if c.PipelineCacheSize <= 0 {
		abort("Config.PipelineCacheSize must be >= 1")
	}
	if c.MaxShaderRecordStride%4 != 0 {
		abort("Config.MaxShaderRecordStride must be a multiple of 4")
	}
}

type config struct {
	allowCompaction       bool
	maxBatchedCompaction  int
	forceStagingOnLock    bool
	stagingIdleTicks      uint64
	parallelCompile       bool
	pipelineWorkers       int
	pipelineWorkerCap     int
	pipelineCacheSize     int
	maxBindingWorkers     int
	maxShaderRecordStride uint32
}

func (c *config) use(user Config, properties *Properties) {
	c.allowCompaction = user.AllowCompaction
	c.maxBatchedCompaction = user.MaxBatchedCompaction
	c.forceStagingOnLock = user.ForceStagingOnLock
	c.stagingIdleTicks = uint64(user.StagingIdleTicks)
	c.parallelCompile = user.ParallelPipelineCompile && properties.DeferredHostOperations
	c.pipelineWorkers = user.PipelineWorkers
	if c.pipelineWorkers == 0 {
		c.pipelineWorkers = runtime.GOMAXPROCS(0)
	}
	c.pipelineWorkerCap = user.PipelineWorkerCap
	c.pipelineCacheSize = user.PipelineCacheSize
	c.maxBindingWorkers = user.MaxBindingWorkers
	if c.maxBindingWorkers == 0 {
		c.maxBindingWorkers = runtime.GOMAXPROCS(0)
	}

	c.maxShaderRecordStride = properties.RayTracing.MaxShaderGroupStride
	if user.MaxShaderRecordStride != 0 {
		if user.MaxShaderRecordStride > properties.RayTracing.MaxShaderGroupStride {
			instance.logger.WPrintf("Config.MaxShaderRecordStride [%d] exceeds the device limit [%d], clamping",
				user.MaxShaderRecordStride, properties.RayTracing.MaxShaderGroupStride)
		} else {
			c.maxShaderRecordStride = user.MaxShaderRecordStride
		}
	}
}

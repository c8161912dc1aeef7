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

package driver

type ShaderStage uint8

const (
	ShaderStageRayGen ShaderStage = iota
	ShaderStageMiss
	ShaderStageClosestHit
	ShaderStageAnyHit
	ShaderStageIntersection
	ShaderStageCallable
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderStageRayGen:
		return "RayGen"
	case ShaderStageMiss:
		return "Miss"
	case ShaderStageClosestHit:
		return "ClosestHit"
	case ShaderStageAnyHit:
		return "AnyHit"
	case ShaderStageIntersection:
		return "Intersection"
	case ShaderStageCallable:
		return "Callable"
	default:
		return "Unknown"
	}
}

type ShaderModule struct {
	Name       string
	Stage      ShaderStage
	EntryPoint string
	Code       []byte
}

type ShaderGroupType uint8

const (
	ShaderGroupGeneral ShaderGroupType = iota
	ShaderGroupTrianglesHit
	ShaderGroupProceduralHit
)

// ShaderUnused marks an unused stage index in a ShaderGroup.
const ShaderUnused = ^uint32(0)

type ShaderGroup struct {
	Type         ShaderGroupType
	General      uint32
	ClosestHit   uint32
	AnyHit       uint32
	Intersection uint32
}

type PipelineDesc struct {
	Name              string
	Stages            []ShaderModule
	Groups            []ShaderGroup
	MaxRecursionDepth uint32
	MaxPayloadSize    uint32
	MaxAttributeSize  uint32
}

type Pipeline interface {
	Destroy()
}

type DeferredResult uint8

const (
	// DeferredDone means the operation has completed.
	DeferredDone DeferredResult = iota
	// DeferredThreadDone means there is no more work for the joining thread but
	// the operation has not yet completed on other threads.
	DeferredThreadDone
)

type DeferredOperation interface {
	// MaxConcurrency is the number of threads that can usefully join, 0 means unbounded.
	MaxConcurrency() uint32
	Join() DeferredResult
	// Result returns ErrorNotReady until the operation has completed.
	Result() error
	Destroy()
}

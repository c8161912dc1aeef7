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

	"goarrg.com/rhi/rtx/driver"
)

type (
	RayTracingLimits struct {
		ShaderGroupHandleSize         uint32
		ShaderGroupHandleAlignment    uint32
		ShaderGroupBaseAlignment      uint32
		MaxShaderGroupStride          uint32
		MaxRayRecursionDepth          uint32
		MaxRayDispatchInvocationCount uint32
	}
	AccelerationStructureLimits struct {
		Alignment                 uint64
		MinScratchOffsetAlignment uint32
		MaxGeometryCount          uint64
		MaxInstanceCount          uint64
		MaxPrimitiveCount         uint64
	}
	Properties struct {
		Name                   string
		UnifiedMemory          bool
		DeferredHostOperations bool
		RayTracing             RayTracingLimits
		AccelerationStructure  AccelerationStructureLimits
	}
)

func newProperties(p driver.Properties) Properties {
	props := Properties{
		Name:                   p.Name,
		UnifiedMemory:          p.UnifiedMemory,
		DeferredHostOperations: p.DeferredHostOperations,
		RayTracing: RayTracingLimits{
			ShaderGroupHandleSize:         p.ShaderGroupHandleSize,
			ShaderGroupHandleAlignment:    p.ShaderGroupHandleAlignment,
			ShaderGroupBaseAlignment:      p.ShaderGroupBaseAlignment,
			MaxShaderGroupStride:          p.MaxShaderGroupStride,
			MaxRayRecursionDepth:          p.MaxRayRecursionDepth,
			MaxRayDispatchInvocationCount: p.MaxRayDispatchInvocationCount,
		},
		AccelerationStructure: AccelerationStructureLimits{
			Alignment:                 p.AccelerationStructureAlignment,
			MinScratchOffsetAlignment: p.MinScratchOffsetAlignment,
			MaxGeometryCount:          p.MaxGeometryCount,
			MaxInstanceCount:          p.MaxInstanceCount,
			MaxPrimitiveCount:         p.MaxPrimitiveCount,
		},
	}

	if props.RayTracing.ShaderGroupHandleSize == 0 || props.RayTracing.ShaderGroupHandleSize%4 != 0 {
		abort("Device %q reported invalid ShaderGroupHandleSize [%d]", p.Name, props.RayTracing.ShaderGroupHandleSize)
	}
	if props.RayTracing.ShaderGroupHandleAlignment == 0 || props.RayTracing.ShaderGroupBaseAlignment == 0 {
		abort("Device %q reported zero shader group alignment", p.Name)
	}
	if props.AccelerationStructure.Alignment == 0 {
		props.AccelerationStructure.Alignment = 256
	}
	if props.AccelerationStructure.MinScratchOffsetAlignment == 0 {
		props.AccelerationStructure.MinScratchOffsetAlignment = 1
	}
	return props
}

func (p *Properties) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Name\": %q,", p.Name))
	buff.WriteString(fmt.Sprintf("\"UnifiedMemory\": %t,", p.UnifiedMemory))
	buff.WriteString(fmt.Sprintf("\"DeferredHostOperations\": %t,", p.DeferredHostOperations))
	buff.WriteString(fmt.Sprintf("\"RayTracing\": %s,", jsonString(p.RayTracing)))
	buff.WriteString(fmt.Sprintf("\"AccelerationStructure\": %s,", jsonString(p.AccelerationStructure)))

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

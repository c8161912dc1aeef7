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
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

/*
pipelineCache keeps the most recently used pipelines by initializer id. Evicted
pipelines may still be bound in recorded work, they are only handed to deferred
deletion by the submitting goroutine through retire.
*/
type pipelineCache struct {
	device *Device
	cache  *lru.Cache[string, *RayTracingPipeline]
	group  singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	mtx     sync.Mutex
	evicted []*RayTracingPipeline
}

func newPipelineCache(d *Device, size int) *pipelineCache {
	c := &pipelineCache{device: d}
	cache, err := lru.NewWithEvict(size, c.onEvict)
	if err != nil {
		abort("Failed to create pipeline cache of size %d: %s", size, err)
	}
	c.cache = cache
	return c
}

func (c *pipelineCache) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"hits\": %d,", c.hits.Load()))
	buff.WriteString(fmt.Sprintf("\"misses\": %d,", c.misses.Load()))
	{
		buff.WriteString("\"cache\": {")
		names := map[string]string{}
		for _, k := range c.cache.Keys() {
			if p, ok := c.cache.Peek(k); ok {
				names[k] = p.name
			}
		}
		if len(names) > 0 {
			_ = mapRunFuncSorted(names, func(id, name string) error {
				buff.WriteString(fmt.Sprintf("%q: %q,", id, name))
				return nil
			})
			buff.Truncate(buff.Len() - 1)
		}
		buff.WriteString("}")
	}

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (c *pipelineCache) onEvict(id string, p *RayTracingPipeline) {
	instance.logger.VPrintf("Evicting pipeline %q %s", p.name, id)
	c.mtx.Lock()
	c.evicted = append(c.evicted, p)
	c.mtx.Unlock()
}

func (c *pipelineCache) getOrCompile(initializer *RayTracingPipelineInitializer) (*RayTracingPipeline, error) {
	id := initializer.id()
	if p, ok := c.cache.Get(id); ok {
		c.hits.Add(1)
		return p, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		if p, ok := c.cache.Get(id); ok {
			c.hits.Add(1)
			return p, nil
		}
		c.misses.Add(1)
		p, err := c.device.compile(initializer, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RayTracingPipeline), nil
}

// retire queues every evicted pipeline for deferred deletion on the immediate context.
func (c *pipelineCache) retire() int {
	c.mtx.Lock()
	evicted := c.evicted
	c.evicted = nil
	c.mtx.Unlock()

	for _, p := range evicted {
		c.device.QueueDestroy(destroyFunc{p.destroy})
	}
	return len(evicted)
}

func (c *pipelineCache) len() int {
	return c.cache.Len()
}

func (c *pipelineCache) purge() {
	c.cache.Purge()
	c.retire()
}

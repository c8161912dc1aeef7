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
	"sync"
)

type Destroyer interface {
	Destroy()
}

type destroyFunc struct {
	f func()
}

func (d destroyFunc) Destroy() {
	d.f()
}

type pendingDestroy struct {
	fence     uint64
	destroyer Destroyer
}

// deletionQueue holds objects that may still be referenced by submitted work.
type deletionQueue struct {
	mtx     sync.Mutex
	pending []pendingDestroy
}

func (q *deletionQueue) push(fence uint64, d ...Destroyer) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, j := range d {
		if j == nil {
			continue
		}
		q.pending = append(q.pending, pendingDestroy{fence: fence, destroyer: j})
	}
}

// collect destroys every object whose fence is at or below completed and returns how many were destroyed.
func (q *deletionQueue) collect(completed uint64) int {
	q.mtx.Lock()
	ready := make([]Destroyer, 0, len(q.pending))
	keep := q.pending[:0]
	for _, p := range q.pending {
		if p.fence <= completed {
			ready = append(ready, p.destroyer)
		} else {
			keep = append(keep, p)
		}
	}
	clear(q.pending[len(keep):])
	q.pending = keep
	q.mtx.Unlock()

	for _, d := range ready {
		d.Destroy()
	}
	return len(ready)
}

func (q *deletionQueue) flush() int {
	return q.collect(^uint64(0))
}

func (q *deletionQueue) len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.pending)
}

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

package managed

import (
	"sync"

	"goarrg.com/rhi/rtx"
	"goarrg.com/rhi/rtx/internal/container"
	"goarrg.com/rhi/rtx/internal/util"
)

// bindlessSlot is the index of a key and the bind generation that last requested it.
type bindlessSlot struct {
	index uint32
	bind  uint64
}

type bindlessArray[K comparable] struct {
	noCopy    util.NoCopy
	name      string
	capacity  uint32
	mtx       sync.Mutex
	next      uint32
	binds     uint64
	freeStack container.Stack[uint32]
	indices   map[K]bindlessSlot
	onBind    func(index uint32, key K)
}

func (a *bindlessArray[K]) push(key K) uint32 {
	a.noCopy.Check()
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.binds++
	if slot, found := a.indices[key]; found {
		// a pending Pop or Reset leaves keys requested after it alone
		slot.bind = a.binds
		a.indices[key] = slot
		return slot.index
	}
	var i uint32
	if a.freeStack.Empty() {
		if a.next >= a.capacity {
			abort("Trying to push into full bindless array %q of capacity %d", a.name, a.capacity)
		}
		i = a.next
		a.next++
	} else {
		i = a.freeStack.Pop()
	}
	a.indices[key] = bindlessSlot{index: i, bind: a.binds}
	if a.onBind != nil {
		a.onBind(i, key)
	}
	return i
}

func (a *bindlessArray[K]) lookup(key K) (uint32, bool) {
	a.noCopy.Check()
	a.mtx.Lock()
	defer a.mtx.Unlock()
	slot, found := a.indices[key]
	return slot.index, found
}

/*
Pop marks the index holding target as unused, it becomes available for reuse once
cb has executed. Pushing target again before then keeps its index.
*/
func (a *bindlessArray[K]) Pop(cb *rtx.CommandBuffer, target K) {
	a.noCopy.Check()
	a.mtx.Lock()
	popped, found := a.indices[target]
	a.mtx.Unlock()
	if !found {
		return
	}
	cb.QueueDestroy(destroyFunc{
		func() {
			a.mtx.Lock()
			defer a.mtx.Unlock()
			if slot, found := a.indices[target]; found && slot == popped {
				delete(a.indices, target)
				a.freeStack.Push(slot.index)
			}
		},
	})
}

func (a *bindlessArray[K]) Len() int {
	a.noCopy.Check()
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.indices)
}

// Available is the number of indices that can be handed out before the array is full.
func (a *bindlessArray[K]) Available() int {
	a.noCopy.Check()
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return int(a.capacity-a.next) + a.freeStack.Len()
}

// Reset frees every index once cb has executed, keys pushed after Reset keep theirs.
func (a *bindlessArray[K]) Reset(cb *rtx.CommandBuffer) {
	a.noCopy.Check()
	a.mtx.Lock()
	binds := a.binds
	a.mtx.Unlock()
	cb.QueueDestroy(destroyFunc{
		func() {
			a.mtx.Lock()
			defer a.mtx.Unlock()
			var freed []uint32
			for key, slot := range a.indices {
				if slot.bind <= binds {
					delete(a.indices, key)
					freed = append(freed, slot.index)
				}
			}
			if len(a.indices) == 0 {
				a.freeStack.Clear()
				a.next = 0
				return
			}
			for _, i := range freed {
				a.freeStack.Push(i)
			}
		},
	})
}

/*
BindlessBufferArray hands out stable shader visible indices for buffers, it
implements rtx.BindlessAllocator so hit group parameters reference its indices.
Writing the descriptor behind an index is left to the OnBind callback.
*/
type BindlessBufferArray struct {
	bindlessArray[*rtx.Buffer]
}

var _ rtx.BindlessAllocator = (*BindlessBufferArray)(nil)

func NewBindlessBufferArray(name string, capacity uint32, onBind func(index uint32, b *rtx.Buffer)) *BindlessBufferArray {
	if capacity == 0 {
		abort("Bindless array %q has capacity 0", name)
	}
	ret := BindlessBufferArray{
		bindlessArray: bindlessArray[*rtx.Buffer]{
			name:     name,
			capacity: capacity,
			indices:  map[*rtx.Buffer]bindlessSlot{},
			onBind:   onBind,
		},
	}
	ret.noCopy.Init()
	instance.logger.VPrintf("Created bindless buffer array %q with capacity %d", name, capacity)
	return &ret
}

// BindlessIndex returns the index of b, assigning one on first use.
func (a *BindlessBufferArray) BindlessIndex(b *rtx.Buffer) uint32 {
	if b == nil {
		return rtx.InvalidBindlessIndex
	}
	return a.push(b)
}

// Index returns the index of b without assigning one.
func (a *BindlessBufferArray) Index(b *rtx.Buffer) (uint32, bool) {
	return a.lookup(b)
}

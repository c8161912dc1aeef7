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

	"goarrg.com/rhi/rtx/driver"
	"goarrg.com/rhi/rtx/internal/util"
)

/*
TimelineSemaphore mirrors the monotonically increasing submission counter of a
driver.Queue. Every Submit signals the next value and completion is read back from
the queue.
*/
type TimelineSemaphore struct {
	noCopy        util.NoCopy
	queue         driver.Queue
	mtx           sync.Mutex
	pendingSignal uint64
	value         uint64
}

func newTimelineSemaphore(queue driver.Queue) *TimelineSemaphore {
	s := TimelineSemaphore{queue: queue}
	s.noCopy.Init()
	s.value = queue.CompletedValue()
	s.pendingSignal = s.value
	return &s
}

func (s *TimelineSemaphore) Value() uint64 {
	s.noCopy.Check()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.value = max(s.value, s.queue.CompletedValue())
	return s.value
}

func (s *TimelineSemaphore) PendingValue() uint64 {
	s.noCopy.Check()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.pendingSignal
}

func (s *TimelineSemaphore) signal(value uint64) {
	s.noCopy.Check()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if value <= s.pendingSignal {
		abort("Queue signaled %d which is not after the pending value %d", value, s.pendingSignal)
	}
	s.pendingSignal = value
}

func (s *TimelineSemaphore) waitForSignal(signal uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.value >= signal {
		return
	}
	s.queue.Wait(signal)
	s.value = max(s.value, s.queue.CompletedValue())
	if s.value < signal {
		abort("Waited for %d but the queue only reached %d", signal, s.value)
	}
}

func (s *TimelineSemaphore) Wait() {
	s.noCopy.Check()
	s.waitForSignal(s.PendingValue())
}

type TimelineSemaphoreWaiter struct {
	noCopy    util.NoCopy
	semaphore *TimelineSemaphore
	value     uint64
}

func (s *TimelineSemaphore) waiterFor(value uint64) *TimelineSemaphoreWaiter {
	w := TimelineSemaphoreWaiter{semaphore: s, value: value}
	w.noCopy.Init()
	return &w
}

func (s *TimelineSemaphore) WaiterForPendingValue() *TimelineSemaphoreWaiter {
	return s.waiterFor(s.PendingValue())
}

func (s *TimelineSemaphore) WaiterForCurrentValue() *TimelineSemaphoreWaiter {
	return s.waiterFor(s.Value())
}

func (w *TimelineSemaphoreWaiter) Poll() bool {
	w.noCopy.Check()
	return w.semaphore.Value() >= w.value
}

func (w *TimelineSemaphoreWaiter) Wait() {
	w.noCopy.Check()
	w.semaphore.waitForSignal(w.value)
}

func (w *TimelineSemaphoreWaiter) Value() uint64 {
	w.noCopy.Check()
	return w.value
}

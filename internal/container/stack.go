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

package container

// Stack is a LIFO of E, the zero value is empty and ready to use.
type Stack[E any] struct {
	data []E
}

func (s *Stack[E]) Len() int {
	return len(s.data)
}

func (s *Stack[E]) Empty() bool {
	return len(s.data) == 0
}

func (s *Stack[E]) Push(e ...E) {
	s.data = append(s.data, e...)
}

func (s *Stack[E]) Pop() E {
	e := s.data[len(s.data)-1]
	clear(s.data[len(s.data)-1:])
	s.data = s.data[:len(s.data)-1]
	return e
}

// Clear drops every element while keeping the backing array.
func (s *Stack[E]) Clear() {
	clear(s.data)
	s.data = s.data[:0]
}

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

package util

import (
	"unsafe"

	"goarrg.com"
	"goarrg.com/debug"
)

type platform struct{}

func (platform) Abort()                           { panic("Fatal Error") }
func (platform) AbortPopup(f string, args ...any) { panic("Fatal Error") }

var instance = struct {
	platform goarrg.PlatformInterface
	logger   *debug.Logger
}{
	platform: platform{},
	logger:   debug.NewLogger("rtx", "internal", "util"),
}

func abort(fmt string, args ...any) {
	instance.logger.EPrintf(fmt, args...)
	instance.platform.Abort()
}

func Init(platform goarrg.PlatformInterface) {
	instance.platform = platform
}

// HostWriter is a host visible range that values can be copied into.
type HostWriter interface {
	HostWrite(offset uintptr, data []byte)
}

// AsBytes views data as its in memory bytes, T must not hold pointers.
func AsBytes[T comparable](data *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), unsafe.Sizeof(*data))
}

// SliceAsBytes views the elements of data as their in memory bytes, T must not hold pointers.
func SliceAsBytes[T comparable](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(data[0]))
}

// HostWrite copies data to offset and returns the number of bytes written.
func HostWrite[T comparable](target HostWriter, offset uintptr, data T) uintptr {
	b := AsBytes(&data)
	target.HostWrite(offset, b)
	return uintptr(len(b))
}

func HostWriteSlice[T comparable](target HostWriter, offset uintptr, data []T) uintptr {
	b := SliceAsBytes(data)
	if len(b) == 0 {
		return 0
	}
	target.HostWrite(offset, b)
	return uintptr(len(b))
}

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
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"goarrg.com/debug"
	"golang.org/x/exp/constraints"
)

func toHex(v any) string {
	switch t := v.(type) {
	case uint8, uint16, uint32:
		return fmt.Sprintf("0x%02X", t)
	case uint64, uintptr:
		return fmt.Sprintf("0x%016X", t)
	}
	abort("Unknown/Unhandled type: %T", v)
	return ""
}

// genID joins items into a stable id, strings are quoted so they cannot forge a separator.
func genID(items ...any) string {
	sb := strings.Builder{}
	for _, i := range items {
		switch t := i.(type) {
		case string:
			sb.WriteString(strconv.Quote(t))
		case fmt.Stringer:
			sb.WriteString(t.String())
		case bool:
			if t {
				sb.WriteString("true")
			} else {
				sb.WriteString("false")
			}
		default:
			sb.WriteString(toHex(i))
		}
		sb.WriteRune(',')
	}
	if sb.Len() == 0 {
		return "[]"
	}
	return "[" + sb.String()[:sb.Len()-1] + "]"
}

func jsonString(target any) string {
	bytes, err := json.Marshal(target)
	if err != nil {
		abort("%s", err)
	}
	return strings.TrimSpace(string(bytes))
}

func prettyString(target json.Marshaler) string {
	bytes, err := json.MarshalIndent(target, "", "    ")
	if err != nil {
		abort("%s", err)
	}
	return strings.TrimSpace(string(bytes))
}

func hasBits[N constraints.Unsigned](t, want N) bool {
	return (t & want) == want
}

// align rounds v up to a multiple of a, a of 0 leaves v unchanged.
func align[N constraints.Unsigned](v, a N) N {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

func isAligned[N constraints.Unsigned](v, a N) bool {
	return a == 0 || v%a == 0
}

// mapRunFuncSorted calls f for every entry of m in key order, stopping at the first error.
func mapRunFuncSorted[M ~map[K]V, K cmp.Ordered, V any](m M, f func(K, V) error) error {
	if len(m) == 0 {
		return debug.Errorf("Empty map")
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if err := f(k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package uname provides unique names.
package uname

import "fmt"

// Unique generates unique names.
type Unique struct {
	names  map[string]int
	counts map[string]int
}

// New name generator.
func New() *Unique {
	return &Unique{
		names:  make(map[string]int),
		counts: make(map[string]int),
	}
}

// Name returns a unique name given a desired base name.
// If the base name is available, it is returned directly. Else, a unique suffix is appended.
func (n *Unique) Name(root string) string {
	nextIndex, ok := n.names[root]
	if !ok {
		n.names[root] = 1
		return root
	}
	name := fmt.Sprintf("%s%d", root, nextIndex)
	n.names[root] = nextIndex + 1
	return name
}

// Next returns the next name in the numbered sequence for a prefix:
// prefix0, prefix1, prefix2, ...
func (n *Unique) Next(prefix string) string {
	i := n.counts[prefix]
	n.counts[prefix] = i + 1
	return fmt.Sprintf("%s%d", prefix, i)
}

// Count returns how many names have been generated for a prefix with Next.
func (n *Unique) Count(prefix string) int {
	return n.counts[prefix]
}

// Clone returns a copy of the generator with the same state.
func (n *Unique) Clone() *Unique {
	r := New()
	for k, v := range n.names {
		r.names[k] = v
	}
	for k, v := range n.counts {
		r.counts[k] = v
	}
	return r
}

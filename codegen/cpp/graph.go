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

package cpp

import (
	"github.com/pkg/errors"
	"github.com/tensorloom/loom/base/ordered"
	"github.com/tensorloom/loom/build/cexpr"
	"github.com/tensorloom/loom/build/kind"
)

// fallbackSizeHint stands in for a dynamic size with no recorded hint
// when a heuristic needs a concrete number.
const fallbackSizeHint = 8192

// Graph records what the code generator knows about the surrounding
// computation: the element kind of every buffer and concrete hints for
// the dynamic size symbols.
type Graph struct {
	buffers *ordered.Map[string, kind.Kind]
	hints   map[string]int64
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		buffers: ordered.NewMap[string, kind.Kind](),
		hints:   make(map[string]int64),
	}
}

// AddBuffer registers a buffer and its element kind.
func (g *Graph) AddBuffer(name string, k kind.Kind) {
	g.buffers.Store(name, k)
}

// BufferKind returns the element kind of a buffer.
func (g *Graph) BufferKind(name string) (kind.Kind, error) {
	k, ok := g.buffers.Load(name)
	if !ok {
		return kind.Invalid, errors.Errorf("unknown buffer %s", name)
	}
	return k, nil
}

// SetSizeHint records the runtime value a dynamic size symbol is
// expected to take. Hints steer heuristics; they do not constrain the
// generated code.
func (g *Graph) SetSizeHint(sym string, v int64) {
	g.hints[sym] = v
}

// SizeHint evaluates a size expression using the recorded hints.
// Symbols without a hint take a large default so that heuristics treat
// unknown extents as worth parallelizing and vectorizing.
func (g *Graph) SizeHint(e cexpr.Expr) int64 {
	env := make(map[string]int64)
	for _, s := range cexpr.FreeVars(e) {
		if v, ok := g.hints[s]; ok {
			env[s] = v
		} else {
			env[s] = fallbackSizeHint
		}
	}
	v, err := cexpr.Eval(e, env)
	if err != nil {
		return fallbackSizeHint
	}
	return v
}

// Wrapper receives the generated kernels and the calls gluing them into
// the surrounding program.
type Wrapper interface {
	// DefineKernel registers the source of a kernel function.
	DefineKernel(name, code string)
	// CallKernel registers a call of a previously defined kernel with
	// the given argument expressions.
	CallKernel(name string, args []string)
}

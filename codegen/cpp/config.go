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

// Package cpp generates OpenMP-annotated C++ kernels from tensor
// compute definitions. Kernels are emitted in three flavors, from a
// scalar loop nest to explicitly vectorized loops over one or two
// tiled dimensions, with a legality checker deciding which flavor each
// kernel can use.
package cpp

import (
	"github.com/tensorloom/loom/base/uname"
)

// FaultMode injects deliberate faults into generated kernels. It is
// used to exercise the surrounding compilation pipeline's error
// recovery and accuracy checking.
type FaultMode int

// Fault injection modes.
const (
	FaultNone FaultMode = iota
	// FaultCompileError makes generated kernels fail to compile.
	FaultCompileError
	// FaultRuntimeError makes generated kernels abort at runtime.
	FaultRuntimeError
	// FaultAccuracy makes generated kernels return wrong results.
	FaultAccuracy
)

// Config carries the user-facing code generation settings.
type Config struct {
	// Threads is the number of OpenMP threads loops may be
	// parallelized over. A value of 1 disables work sharing.
	Threads int
	// DynamicThreads emits omp_get_max_threads() instead of a
	// compile-time thread count when deciding parallel chunking.
	DynamicThreads bool
	// MinChunkSize is the minimal number of iterations handed to one
	// thread; loops with fewer iterations per thread stay sequential.
	MinChunkSize int64
	// NoRedundantLoops elides loop levels that run exactly once.
	NoRedundantLoops bool
	// SimdLen forces the vector width in elements of float32, or 0 to
	// use the instruction set default.
	SimdLen int64
	// Profile emits a profiling guard at the top of every kernel so an
	// external profiler can attribute time to kernel names.
	Profile bool
	// Fault optionally injects faults into the generated code.
	Fault FaultMode
}

// DefaultConfig returns the settings used when the caller has no
// opinion: single thread, AVX2-sized vectors.
func DefaultConfig() Config {
	return Config{
		Threads:          1,
		MinChunkSize:     4096,
		NoRedundantLoops: true,
	}
}

// Context carries the per-compilation mutable state shared by the
// kernels of one graph: the kernel name generator and the target
// instruction set. It replaces ambient globals so that a speculative
// pass, such as the vectorization checker, can run against a clone and
// leave the real compilation untouched.
type Context struct {
	Config Config
	ISA    ISA
	Graph  *Graph

	unames *uname.Unique
}

// NewContext returns a context for one compilation.
func NewContext(cfg Config, isa ISA, graph *Graph) *Context {
	return &Context{
		Config: cfg,
		ISA:    isa,
		Graph:  graph,
		unames: uname.New(),
	}
}

// Clone returns a context with copied mutable state. Names generated
// through the clone do not consume names from the original.
func (ctx *Context) Clone() *Context {
	return &Context{
		Config: ctx.Config,
		ISA:    ctx.ISA,
		Graph:  ctx.Graph,
		unames: ctx.unames.Clone(),
	}
}

// KernelName returns the next name for a fused kernel.
func (ctx *Context) KernelName(tag string) string {
	if tag == "" {
		tag = "cpp_kernel"
	}
	return ctx.unames.Next(tag + "_")
}

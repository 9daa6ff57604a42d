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
	"strings"

	"github.com/tensorloom/loom/base/buffer"
)

// WorkSharing keeps one OpenMP parallel section open across the fused
// kernels of a group, so consecutive loop nests share a thread team
// instead of paying a fork per nest.
type WorkSharing struct {
	cfg        Config
	code       *buffer.Indented
	inParallel bool
	threads    int
}

// NewWorkSharing returns work sharing emitting into code.
func NewWorkSharing(cfg Config, code *buffer.Indented) *WorkSharing {
	return &WorkSharing{cfg: cfg, code: code}
}

// Parallel opens a parallel section over the given thread count,
// closing a section over a different count first.
func (ws *WorkSharing) Parallel(threads int) {
	if ws.inParallel && ws.threads != threads {
		ws.Close()
	}
	if ws.inParallel {
		return
	}
	ws.threads = threads
	ws.inParallel = true
	if ws.cfg.DynamicThreads {
		ws.code.WriteLine("#pragma omp parallel")
	} else {
		ws.code.WriteLinef("#pragma omp parallel num_threads(%d)", threads)
	}
	ws.code.Enter()
}

// Single marks the next block for one thread of an open parallel
// section, and reports whether a section is open.
func (ws *WorkSharing) Single() bool {
	if ws.inParallel {
		ws.code.WriteLine("#pragma omp single")
	}
	return ws.inParallel
}

// Close ends the open parallel section, if any.
func (ws *WorkSharing) Close() {
	if !ws.inParallel {
		return
	}
	ws.code.Exit()
	ws.inParallel = false
}

// InParallel reports whether a parallel section is open.
func (ws *WorkSharing) InParallel() bool {
	return ws.inParallel
}

// KernelGroup collects the fused kernels scheduled back to back into
// one C function, sharing its arguments and one work sharing section.
type KernelGroup struct {
	ctx   *Context
	args  *Args
	loops *buffer.Indented
	ws    *WorkSharing
	count int
}

// NewKernelGroup returns an empty kernel group.
func NewKernelGroup(ctx *Context) *KernelGroup {
	loops := buffer.New()
	return &KernelGroup{
		ctx:   ctx,
		args:  NewArgs(),
		loops: loops,
		ws:    NewWorkSharing(ctx.Config, loops),
	}
}

// Args returns the argument set shared by the group's kernels.
func (g *KernelGroup) Args() *Args {
	return g.args
}

// Finalize emits one fused kernel's loop nest into the group.
func (g *KernelGroup) Finalize(k emitter, nest *LoopNest) error {
	g.count++
	return codegenLoops(g.ctx, k, nest, g.loops, g.ws)
}

// Define closes the group, hands the kernel function to the wrapper and
// emits the call. A group no kernel was finalized into defines nothing.
func (g *KernelGroup) Define(w Wrapper, tag string) error {
	g.ws.Close()
	if g.count == 0 {
		return nil
	}
	name := g.ctx.KernelName(tag)
	defs, err := g.args.CDefs(g.ctx.Graph)
	if err != nil {
		return err
	}
	code := buffer.New()
	code.WriteLine(`#include "loom/cpp_prefix.h"`)
	code.WriteLinef(`extern "C" void %s(%s)`, name, strings.Join(defs, ", "))
	code.Braces(func() {
		if g.ctx.Config.Profile {
			code.WriteLinef("LOOM_RECORD_KERNEL(%q);", name)
		}
		code.Splice(g.loops)
	})
	w.DefineKernel(name, code.String())
	w.CallKernel(name, g.args.CallArgs())
	return nil
}

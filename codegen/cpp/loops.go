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
	"fmt"

	"github.com/pkg/errors"
	"github.com/tensorloom/loom/base/buffer"
	"github.com/tensorloom/loom/build/cexpr"
)

// emitter is a kernel the loop builder can place at the innermost level
// of a loop nest.
type emitter interface {
	base() *Kernel
	emitLeaf(code *buffer.Indented)
}

// redClause names one accumulator in an OpenMP reduction clause.
type redClause struct {
	acc string
	red Reduction
}

// LoopLevel is one level of the loop nest a kernel group emits. A level
// holds its inner levels, or the kernel emitted at the innermost one.
type LoopLevel struct {
	Var    string
	Size   cexpr.Expr
	Offset cexpr.Expr
	Steps  cexpr.Expr

	// Parallel is the number of loop levels one work sharing pragma
	// covers, counted from this level; zero leaves the level sequential.
	Parallel  int
	Collapsed bool
	SimdOMP   bool
	SimdVec   bool
	SimdLanes int64

	// IsReduction marks levels iterating a reduced extent. Reductions
	// lists the accumulators a reduction clause names, merged from the
	// kernels below this level.
	IsReduction bool
	Reductions  []redClause

	Parent *LoopLevel
	Inner  []*LoopLevel
	Kern   emitter
}

func newLoopLevel(v string, size cexpr.Expr, parent *LoopLevel) *LoopLevel {
	return &LoopLevel{
		Var:    v,
		Size:   size,
		Offset: cexpr.Zero(),
		Steps:  cexpr.One(),
		Parent: parent,
	}
}

// kernels returns the kernels placed at or below this level.
func (l *LoopLevel) kernels() []emitter {
	if l.Kern != nil {
		return []emitter{l.Kern}
	}
	var out []emitter
	for _, inner := range l.Inner {
		out = append(out, inner.kernels()...)
	}
	return out
}

// setKernel places a kernel at the innermost level below this one and
// propagates its reduction accumulators up the reduced levels.
func (l *LoopLevel) setKernel(k emitter) {
	if len(l.Inner) > 0 {
		l.Inner[0].setKernel(k)
		return
	}
	l.Kern = k
	if !l.IsReduction {
		return
	}
	clauses := k.base().reductionClauses()
	l.Reductions = clauses
	for p := l.Parent; p != nil && p.IsReduction; p = p.Parent {
		p.mergeReductions(clauses)
	}
}

func (l *LoopLevel) mergeReductions(clauses []redClause) {
	have := make(map[string]bool, len(l.Reductions))
	for _, c := range l.Reductions {
		have[c.acc] = true
	}
	for _, c := range clauses {
		if !have[c.acc] {
			l.Reductions = append(l.Reductions, c)
		}
	}
}

// clone returns a deep copy of the level and everything below it. The
// kernel placed at a leaf is shared, not copied.
func (l *LoopLevel) clone() *LoopLevel {
	c := *l
	c.Reductions = append([]redClause(nil), l.Reductions...)
	c.Inner = make([]*LoopLevel, len(l.Inner))
	for i, inner := range l.Inner {
		c.Inner[i] = inner.clone()
		c.Inner[i].Parent = &c
	}
	return &c
}

// splitWithTiling splits the level depth levels below this one into a
// main loop advancing by factor elements and a tail loop covering the
// remainder. Both take the place of the split level in the nest.
func (l *LoopLevel) splitWithTiling(depth int, factor int64) (main, tail *LoopLevel) {
	if depth > 0 {
		return l.Inner[0].splitWithTiling(depth-1, factor)
	}
	offset := cexpr.Simplify(cexpr.MulInt(cexpr.NewFloorDiv(l.Size, cexpr.NewInt(factor)), factor))

	main = newLoopLevel(l.Var, offset, l.Parent)
	main.Steps = cexpr.NewInt(factor)
	main.Parallel = l.Parallel
	main.IsReduction = l.IsReduction
	main.Reductions = append([]redClause(nil), l.Reductions...)

	tail = newLoopLevel(l.Var, l.Size, l.Parent)
	tail.Offset = offset
	tail.Parallel = l.Parallel
	tail.IsReduction = l.IsReduction
	tail.Reductions = append([]redClause(nil), l.Reductions...)

	for _, loop := range []*LoopLevel{main, tail} {
		loop.Inner = make([]*LoopLevel, len(l.Inner))
		for i, inner := range l.Inner {
			loop.Inner[i] = inner.clone()
			loop.Inner[i].Parent = loop
		}
	}
	if l.Parent != nil {
		l.Parent.Inner = []*LoopLevel{main, tail}
	}
	return main, tail
}

// lines renders the pragmas and the for statement opening the level,
// or nil when the level covers no iterations and is elided.
func (l *LoopLevel) lines(cfg Config) ([]string, error) {
	p := &Printer{}
	offset, err := p.PrintIndex(l.Offset)
	if err != nil {
		return nil, err
	}
	size, err := p.PrintIndex(l.Size)
	if err != nil {
		return nil, err
	}
	if cfg.NoRedundantLoops && offset == size {
		return nil, nil
	}
	steps, err := p.PrintIndex(l.Steps)
	if err != nil {
		return nil, err
	}

	reduction := ""
	for _, c := range l.Reductions {
		reduction += fmt.Sprintf(" reduction(%s:%s)", c.red.ompOp(), c.acc)
	}
	simd := ""
	if l.SimdOMP && l.SimdLanes > 1 {
		simd = fmt.Sprintf("simd simdlen(%d)", l.SimdLanes)
	}

	var pragma string
	switch {
	case l.Parallel > 0:
		pragma = "#pragma omp for"
		if simd != "" {
			pragma += " " + simd
		}
		pragma += reduction
		if l.Parallel > 1 {
			pragma += fmt.Sprintf(" collapse(%d)", l.Parallel)
		}
	case l.SimdVec:
	case l.SimdOMP:
		pragma = "#pragma omp " + simd + reduction
	case !l.IsReduction:
		pragma = "#pragma GCC ivdep"
	}

	loop := fmt.Sprintf("for(%s %s=%s; %s<%s; %s+=%s)",
		indexType, l.Var, offset, l.Var, size, l.Var, steps)
	if l.Collapsed || pragma == "" {
		return []string{loop}, nil
	}
	return []string{pragma, loop}, nil
}

// LoopNest is the loop structure of one fused kernel: a chain of loop
// levels that tiling splits into siblings, or no loops at all for a
// zero-dimensional kernel.
type LoopNest struct {
	Root []*LoopLevel
	Kern emitter
}

// BuildLoopNest builds the initial nest around a kernel: one loop per
// iteration variable, reduced extents innermost.
func BuildLoopNest(k emitter) *LoopNest {
	kb := k.base()
	nest := &LoopNest{}
	levels := &nest.Root
	var loop *LoopLevel
	for i, v := range kb.itervars {
		l := newLoopLevel(v, kb.ranges[i], loop)
		if i >= kb.reductionDepth {
			l.IsReduction = true
			l.Reductions = kb.reductionClauses()
		}
		*levels = append(*levels, l)
		levels = &l.Inner
		loop = l
	}
	if loop != nil {
		loop.Kern = k
	} else {
		nest.Kern = k
	}
	return nest
}

// loopsAt returns the sibling loops at the given depth, following the
// first sibling at every level above.
func (n *LoopNest) loopsAt(depth int) []*LoopLevel {
	loops := n.Root
	for i := 0; i < depth; i++ {
		loops = loops[0].Inner
	}
	return loops
}

// maxParallelDepth returns how many outer loop levels one work sharing
// pragma may cover: the run of levels agreeing with the outermost one
// on being reduced or not. A split nest parallelizes only its root.
func (n *LoopNest) maxParallelDepth() int {
	if len(n.Root) == 0 {
		return 0
	}
	if len(n.Root) > 1 {
		return 1
	}
	depth := 0
	isRed := n.Root[0].IsReduction
	for loops := n.Root; len(loops) == 1 && loops[0].IsReduction == isRed; loops = loops[0].Inner {
		depth++
	}
	return depth
}

// isReductionOnly reports whether every loop of the nest is a reduction
// loop.
func (n *LoopNest) isReductionOnly() bool {
	return len(n.Root) > 0 && n.Root[0].IsReduction
}

// markParallel puts the outer parDepth levels under one work sharing
// pragma: the root loops carry it, the levels below collapse into it.
func (n *LoopNest) markParallel(parDepth int) {
	for _, l := range n.Root {
		l.Parallel = parDepth
	}
	loops := n.Root
	for i := 1; i < parDepth; i++ {
		loops = loops[0].Inner
		loops[0].Collapsed = true
	}
}

// splitWithTiling splits the single loop at the given depth into a main
// and a tail loop.
func (n *LoopNest) splitWithTiling(depth int, factor int64) (main, tail *LoopLevel, err error) {
	loops := n.loopsAt(depth)
	if len(loops) != 1 {
		return nil, nil, errors.Errorf("tiling a nest with %d loops at depth %d", len(loops), depth)
	}
	main, tail = loops[0].splitWithTiling(0, factor)
	if depth == 0 {
		n.Root = []*LoopLevel{main, tail}
	}
	return main, tail, nil
}

// reductionBuffer returns the reduction prologue or epilogue of the
// first kernel under the given loops. Sibling kernels split from one
// body share accumulator names, so one copy serves the whole level.
func reductionBuffer(loops []*LoopLevel, suffix bool) *buffer.Indented {
	for _, l := range loops {
		for _, k := range l.kernels() {
			if suffix {
				return k.base().reductionSuffix
			}
			return k.base().reductionPrefix
		}
	}
	return nil
}

// codegenLoops emits the loop nest of one fused kernel into the kernel
// group's code, deciding how many loop levels the OpenMP work sharing
// covers. Reduction-only nests open their own parallel section inside
// the accumulator declarations; anything else shares the group's.
func codegenLoops(ctx *Context, k emitter, nest *LoopNest, code *buffer.Indented, ws *WorkSharing) error {
	threads := ctx.Config.Threads
	parDepth := k.base().decideParallelDepth(nest.maxParallelDepth(), threads)

	closeSingle := false
	if parDepth > 0 {
		if nest.isReductionOnly() {
			// The accumulators must be declared outside the parallel
			// section for its reduction clause to see them.
			ws.Close()
		} else {
			ws.Parallel(threads)
		}
		nest.markParallel(parDepth)
	} else if threads > 1 {
		if ws.Single() {
			code.Enter()
			closeSingle = true
		}
	}

	var genLoops func(loops []*LoopLevel, inReduction bool) error
	var genLoop func(l *LoopLevel, inReduction bool) error

	genLoops = func(loops []*LoopLevel, inReduction bool) error {
		if len(loops) == 0 {
			return nil
		}
		first := loops[0]
		enteredPrefix := false
		if first.IsReduction && !inReduction {
			prefix := reductionBuffer(loops, false)
			if prefix != nil && prefix.Len() > 0 {
				code.Enter()
				enteredPrefix = true
				code.Splice(prefix)
			}
		}
		if nest.isReductionOnly() && first.Parallel > 0 {
			ws.Parallel(threads)
		}
		for _, l := range loops {
			if err := genLoop(l, inReduction); err != nil {
				return err
			}
		}
		if nest.isReductionOnly() && first.Parallel > 0 {
			ws.Close()
		}
		if first.IsReduction && !inReduction {
			if suffix := reductionBuffer(loops, true); suffix != nil {
				code.Splice(suffix)
			}
		}
		if enteredPrefix {
			code.Exit()
		}
		return nil
	}

	genLoop = func(l *LoopLevel, inReduction bool) error {
		lines, err := l.lines(ctx.Config)
		if err != nil {
			return err
		}
		if lines == nil {
			return nil
		}
		code.WriteLines(lines)
		code.Enter()
		if len(l.Inner) > 0 {
			if err := genLoops(l.Inner, l.IsReduction); err != nil {
				return err
			}
		} else {
			l.Kern.emitLeaf(code)
		}
		code.Exit()
		return nil
	}

	code.Enter()
	var err error
	if len(nest.Root) > 0 {
		err = genLoops(nest.Root, false)
	} else {
		nest.Kern.emitLeaf(code)
	}
	code.Exit()
	if closeSingle {
		code.Exit()
	}
	return err
}

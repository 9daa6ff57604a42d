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
	"github.com/tensorloom/loom/build/cexpr"
)

// SchedNode is one computation scheduled into a fused kernel: a body
// over an iteration space, with the reduced extents listed separately.
// The body indexes through placeholder variables that scheduling
// substitutes with the kernel's loop variables.
type SchedNode struct {
	Name string
	Body *Block

	Vars   []string
	Ranges []cexpr.Expr

	ReduceVars   []string
	ReduceRanges []cexpr.Expr
}

// NewSchedNode returns a node computing body over the given extents.
func NewSchedNode(name string, body *Block, vars []string, ranges []cexpr.Expr, reduceVars []string, reduceRanges []cexpr.Expr) *SchedNode {
	return &SchedNode{
		Name:         name,
		Body:         body,
		Vars:         vars,
		Ranges:       ranges,
		ReduceVars:   reduceVars,
		ReduceRanges: reduceRanges,
	}
}

// IsReduction reports whether the node reduces over some extents.
func (n *SchedNode) IsReduction() bool {
	return len(n.ReduceRanges) > 0
}

// Run interprets the body against a handler, substituting the node's
// placeholder variables with the kernel's loop variables.
func (n *SchedNode) Run(h Handler, vars, redVars []cexpr.Expr) error {
	if len(vars) != len(n.Vars) || len(redVars) != len(n.ReduceVars) {
		return errors.Errorf("node %s runs over %d+%d variables, got %d+%d",
			n.Name, len(n.Vars), len(n.ReduceVars), len(vars), len(redVars))
	}
	subs := make(map[string]cexpr.Expr, len(vars)+len(redVars))
	for i, v := range n.Vars {
		subs[v] = vars[i]
	}
	for i, v := range n.ReduceVars {
		subs[v] = redVars[i]
	}
	return n.Body.Run(h, subs)
}

func rangesEqual(a, b []cexpr.Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !cexpr.Equal(cexpr.Simplify(a[i]), cexpr.Simplify(b[i])) {
			return false
		}
	}
	return true
}

func rangesProduct(rs []cexpr.Expr) cexpr.Expr {
	p := cexpr.Expr(cexpr.One())
	for _, r := range rs {
		p = cexpr.NewProd(p, r)
	}
	return cexpr.Simplify(p)
}

// FuseReason says why two nodes may share a kernel.
type FuseReason int

// Fusion reasons.
const (
	// FuseNone: the nodes cannot share a kernel.
	FuseNone FuseReason = iota
	// FuseSameVarsReduce: identical iteration and reduction spaces.
	FuseSameVarsReduce
	// FuseCompatibleReduction: an elementwise node iterating the full
	// space of a reduction node, scheduled inside its reduction loops.
	FuseCompatibleReduction
	// FuseCompatibleRanges: two elementwise nodes covering the same
	// number of elements, one of them flat; the flat one is recomputed
	// over the other's loops.
	FuseCompatibleRanges
)

// WhyFuse decides whether two nodes may be emitted into one kernel.
func WhyFuse(n1, n2 *SchedNode) FuseReason {
	if rangesEqual(n1.Ranges, n2.Ranges) && rangesEqual(n1.ReduceRanges, n2.ReduceRanges) {
		return FuseSameVarsReduce
	}
	if !n1.IsReduction() && rangesEqual(n1.Ranges, append(append([]cexpr.Expr{}, n2.Ranges...), n2.ReduceRanges...)) {
		return FuseCompatibleReduction
	}
	if compatibleRanges(n1, n2) {
		return FuseCompatibleRanges
	}
	return FuseNone
}

func compatibleRanges(n1, n2 *SchedNode) bool {
	if n1.IsReduction() || n2.IsReduction() {
		return false
	}
	if len(n1.Vars) != 1 && len(n2.Vars) != 1 {
		return false
	}
	return cexpr.Equal(rangesProduct(n1.Ranges), rangesProduct(n2.Ranges))
}

// CanFuseHorizontal reports whether two independent nodes may share a
// kernel.
func CanFuseHorizontal(n1, n2 *SchedNode) bool {
	return WhyFuse(n1, n2) != FuseNone
}

// CanFuseVertical reports whether a node may consume another's output
// within one kernel. Reduced values only become readable after the
// reduction loops, so a reduction cannot feed a fused consumer's loop
// body.
func CanFuseVertical(n1, n2 *SchedNode) bool {
	return WhyFuse(n1, n2) != FuseNone && !n1.IsReduction()
}

// PrepareFusion rewrites nodes fused for compatible ranges: the flat
// node is recomputed over the other's loops, its single variable
// replaced by the linearized position.
func PrepareFusion(n1, n2 *SchedNode) {
	if WhyFuse(n1, n2) != FuseCompatibleRanges {
		return
	}
	flat, ref := n1, n2
	if len(ref.Vars) == 1 && len(flat.Vars) > 1 {
		flat, ref = ref, flat
	}
	if len(flat.Vars) != 1 || rangesEqual(flat.Ranges, ref.Ranges) {
		return
	}
	flat.linearize(ref)
}

// linearize recomputes the node over the loops of ref: the flat
// position becomes the row-major combination of ref's variables.
func (n *SchedNode) linearize(ref *SchedNode) {
	pos := cexpr.Expr(cexpr.NewSym(ref.Vars[0]))
	for i := 1; i < len(ref.Vars); i++ {
		pos = cexpr.NewSum(cexpr.NewProd(pos, ref.Ranges[i]), cexpr.NewSym(ref.Vars[i]))
	}
	n.substituteBody(n.Vars[0], pos)
	n.Vars = append([]string{}, ref.Vars...)
	n.Ranges = append([]cexpr.Expr{}, ref.Ranges...)
}

func (n *SchedNode) substituteBody(v string, e cexpr.Expr) {
	var walk func(b *Block)
	walk = func(b *Block) {
		for _, ins := range b.Instrs {
			if ins.Index != nil {
				ins.Index = cexpr.SubsVar(ins.Index, v, e)
			}
			if ins.Size != nil {
				ins.Size = cexpr.SubsVar(ins.Size, v, e)
			}
			if ins.Body != nil {
				walk(ins.Body)
			}
		}
	}
	walk(n.Body)
}

// bodyKernel is a handler scheduling can run node bodies against: the
// kernel emitters and the vectorization checker.
type bodyKernel interface {
	Handler
	SetRanges(lengths, reductionLengths []cexpr.Expr) ([]cexpr.Expr, []cexpr.Expr, error)
	base() *Kernel
}

// Scheduling turns fused groups of nodes into C++ kernels, batching
// consecutive kernels into kernel groups sharing one function.
type Scheduling struct {
	ctx     *Context
	wrapper Wrapper
	group   *KernelGroup
	tag     string
}

// NewScheduling returns a scheduler emitting kernels through the
// wrapper.
func NewScheduling(ctx *Context, w Wrapper) *Scheduling {
	return &Scheduling{
		ctx:     ctx,
		wrapper: w,
		group:   NewKernelGroup(ctx),
	}
}

// CodegenNodes emits one fused kernel computing the given nodes. The
// nodes must be fusable pairwise; the widest iteration space among them
// becomes the kernel's loop nest.
func (s *Scheduling) CodegenNodes(nodes []*SchedNode) error {
	if len(nodes) == 0 {
		return nil
	}
	if err := s.flushIfCrowded(nodes); err != nil {
		return err
	}
	for _, n := range nodes {
		legal, err := legalizeLowP(n.Body, s.ctx.Graph)
		if err != nil {
			return err
		}
		n.Body = legal
		if err := n.Body.PropagateKinds(s.ctx.Graph); err != nil {
			return err
		}
	}

	lead := nodes[0]
	for _, n := range nodes {
		if n.IsReduction() {
			lead = n
			break
		}
	}
	group, redGroup := lead.Ranges, lead.ReduceRanges

	run := func(k bodyKernel) error {
		vars, redVars, err := k.SetRanges(group, redGroup)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			switch {
			case rangesEqual(n.Ranges, group) && rangesEqual(n.ReduceRanges, redGroup):
				err = n.Run(k, vars, redVars)
			case len(n.ReduceRanges) == 0 && rangesEqual(n.Ranges, append(append([]cexpr.Expr{}, group...), redGroup...)):
				err = n.Run(k, append(append([]cexpr.Expr{}, vars...), redVars...), nil)
			case len(n.ReduceRanges) == 0 && rangesEqual(n.Ranges, group):
				// The node consumes a reduced value: it runs after the
				// reduction loops close.
				err = k.base().WriteToSuffix(func() error {
					return n.Run(k, vars, nil)
				})
			default:
				err = errors.Errorf("node %s does not fit the fused iteration space", n.Name)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}

	scalar := NewKernel(s.ctx, s.group.Args())
	if err := run(scalar); err != nil {
		return err
	}
	nest := BuildLoopNest(scalar)

	factor := TilingFactor(s.ctx.ISA, s.ctx.Config)
	indices := s.selectTiling(nodes, scalar, run, factor)
	if err := s.applyTiling(nest, scalar, run, factor, indices); err != nil {
		return err
	}

	if s.tag == "" {
		s.tag = nodes[0].Body.OpTag()
	}
	return s.group.Finalize(scalar, nest)
}

// applyTiling emits the vector variants over the chosen loops and
// splits the scalar nest to host them. Emitters may still reject
// vectorization mid-build with ErrVecUnsupported, in which case the
// variant is discarded and the scalar nest emitted as-is; any other
// error aborts the kernel.
func (s *Scheduling) applyTiling(nest *LoopNest, scalar *Kernel, run func(bodyKernel) error, factor int64, indices []int) error {
	switch len(indices) {
	case 1:
		vec := NewVecKernel(s.ctx, s.group.Args(), factor, indices[0])
		if err := run(vec); err != nil {
			if errors.Is(err, ErrVecUnsupported) {
				return nil
			}
			return err
		}
		main, tail, err := nest.splitWithTiling(indices[0], factor)
		if err != nil {
			return err
		}
		main.setKernel(vec)
		tail.setKernel(scalar)
		main.SimdVec = true
		tail.SimdOMP = true
		tail.SimdLanes = factor / 2
	case 2:
		tile2d := NewTile2DKernel(s.ctx, s.group.Args(), factor, [2]int{indices[0], indices[1]})
		if err := run(tile2d); err != nil {
			if errors.Is(err, ErrVecUnsupported) {
				return nil
			}
			return err
		}
		vec := NewVecKernel(s.ctx, s.group.Args(), factor, indices[0])
		if err := run(vec); err != nil {
			if errors.Is(err, ErrVecUnsupported) {
				return nil
			}
			return err
		}
		outerMain, outerTail, err := nest.splitWithTiling(indices[0], factor)
		if err != nil {
			return err
		}
		outerTail.setKernel(scalar)
		innerMain, innerTail := outerMain.splitWithTiling(indices[1]-indices[0], factor)
		innerMain.setKernel(tile2d)
		innerTail.setKernel(vec)
	}
	return nil
}

// flushIfCrowded closes the current kernel group when adding the nodes
// would push its parameter count past what one function takes.
func (s *Scheduling) flushIfCrowded(nodes []*SchedNode) error {
	added := 0
	for _, n := range nodes {
		added += len(n.Body.ReadBuffers()) + len(n.Body.WriteBuffers())
	}
	if s.group.Args().Count()+added <= maxKernelArgs {
		return nil
	}
	return s.Flush()
}

// Flush defines the pending kernel group and starts a new one.
func (s *Scheduling) Flush() error {
	err := s.group.Define(s.wrapper, s.tag)
	s.group = NewKernelGroup(s.ctx)
	s.tag = ""
	return err
}

// selectTiling picks the loops to vectorize: none when the legality
// check rejects vectorization, one for a straight vector kernel, two
// for a transposing tile.
func (s *Scheduling) selectTiling(nodes []*SchedNode, scalar *Kernel, run func(bodyKernel) error, factor int64) []int {
	indices := selectTilingIndices(nodes, scalar, factor)
	for _, idx := range indices {
		vc := NewVecChecker(s.ctx.Clone(), factor, idx)
		if err := run(vc); err != nil {
			return nil
		}
		if vc.Err() != nil {
			return nil
		}
	}
	return indices
}

// selectTilingIndices classifies every loop variable by the strides the
// fused loads and stores take along it, and picks the loops worth
// tiling: the innermost loop contiguous everywhere, or an outer
// contiguous loop paired with the innermost one when accesses disagree,
// which calls for a transposing tile.
func selectTilingIndices(nodes []*SchedNode, scalar *Kernel, factor int64) []int {
	itervars := scalar.itervars
	if len(itervars) == 0 {
		return nil
	}
	indices := collectIndexExprs(nodes, scalar)

	contig := make(map[int]bool)
	var contigList []int
	nonContigConst := make(map[int]bool)
	nonContigOther := make(map[int]bool)
	for _, index := range indices {
		for i, v := range itervars {
			if !cexpr.HasVar(index, v) {
				continue
			}
			stride := cexpr.StrideAtVecRange(index, v, factor)
			switch {
			case cexpr.IsZero(stride):
			case cexpr.IsOne(stride):
				contig[i] = true
				contigList = append(contigList, i)
			case sizeSymbolsOnly(stride):
				nonContigConst[i] = true
			default:
				nonContigOther[i] = true
			}
		}
	}

	if len(contig) == 0 {
		return []int{len(itervars) - 1}
	}
	contigOnly := -1
	for i := range contig {
		if !nonContigConst[i] && !nonContigOther[i] && i > contigOnly {
			contigOnly = i
		}
	}
	if contigOnly >= 0 {
		return []int{contigOnly}
	}
	var sorted []int
	for i := 0; i < len(itervars); i++ {
		if contig[i] {
			sorted = append(sorted, i)
		}
	}
	last := sorted[len(sorted)-1]
	if len(sorted) == 2 && last == len(itervars)-1 &&
		nonContigConst[last] && !nonContigOther[last] {
		return sorted
	}
	best, bestCount := sorted[0], 0
	for _, i := range sorted {
		count := 0
		for _, c := range contigList {
			if c == i {
				count++
			}
		}
		if count >= bestCount {
			best, bestCount = i, count
		}
	}
	return []int{best}
}

// sizeSymbolsOnly reports whether an expression only involves dynamic
// size symbols, making it a compile-time constant stride.
func sizeSymbolsOnly(e cexpr.Expr) bool {
	for _, s := range cexpr.FreeVars(e) {
		if len(s) == 0 || s[0] != 's' {
			return false
		}
	}
	return true
}

// collectIndexExprs gathers every load and store index of the fused
// nodes, rewritten onto the kernel's loop variables.
func collectIndexExprs(nodes []*SchedNode, scalar *Kernel) []cexpr.Expr {
	var out []cexpr.Expr
	for _, n := range nodes {
		subs := make(map[string]cexpr.Expr)
		vars := n.Vars
		all := append(append([]string{}, n.Vars...), n.ReduceVars...)
		if len(all) == len(scalar.itervars) {
			vars = all
		}
		for i, v := range vars {
			if i < len(scalar.itervars) {
				subs[v] = cexpr.NewSym(scalar.itervars[i])
			}
		}
		var walk func(b *Block)
		walk = func(b *Block) {
			for _, ins := range b.Instrs {
				switch ins.Op {
				case OpLoad, OpStore, OpStoreReduction:
					out = append(out, cexpr.Simplify(cexpr.Subs(ins.Index, subs)))
				}
				if ins.Body != nil {
					walk(ins.Body)
				}
			}
		}
		walk(n.Body)
	}
	return out
}

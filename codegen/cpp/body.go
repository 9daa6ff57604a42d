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
	"sort"

	"github.com/pkg/errors"
	"github.com/tensorloom/loom/build/cexpr"
	"github.com/tensorloom/loom/build/kind"
)

// ValueRef references the result of a previous instruction in the same
// block.
type ValueRef int

// StoreMode selects how a store writes its value.
type StoreMode int

// Store modes.
const (
	StoreDefault StoreMode = iota
	// StoreAtomicAdd accumulates into the destination atomically
	// instead of overwriting it.
	StoreAtomicAdd
)

func (m StoreMode) String() string {
	switch m {
	case StoreDefault:
		return "default"
	case StoreAtomicAdd:
		return "atomic_add"
	}
	return fmt.Sprintf("StoreMode(%d)", int(m))
}

// ConstVal is an immediate constant; the kind of the instruction
// decides which field carries the value.
type ConstVal struct {
	F float64
	I int64
	B bool
}

// opSelect extracts one result of a multi-result instruction. It is
// resolved by the interpreter and never reaches a Handler.
const opSelect = opMax

// Instr is one operation of a kernel body. Args reference earlier
// instructions; the remaining fields carry the immediates of the
// operation.
type Instr struct {
	Op   OpKind
	Args []ValueRef

	Buf     string
	Index   cexpr.Expr
	Kind    kind.Kind
	SrcKind kind.Kind
	Red     Reduction
	Val     ConstVal
	Other   float64
	Mode    StoreMode
	Body    *Block
	Size    cexpr.Expr
	Lo, Hi  int64
	Sel     int

	// OutKinds is filled by PropagateKinds: the kind of each result.
	OutKinds []kind.Kind
	// VecKinds optionally narrows OutKinds for the vector emitters,
	// set by the legality checker when it proves a narrower kind safe.
	VecKinds []kind.Kind
}

// ResultKind returns the kind of result i, preferring the checker's
// narrowed kind.
func (ins *Instr) ResultKind(i int) kind.Kind {
	if i < len(ins.VecKinds) && ins.VecKinds[i] != kind.Invalid {
		return ins.VecKinds[i]
	}
	if i < len(ins.OutKinds) {
		return ins.OutKinds[i]
	}
	return kind.Invalid
}

// Block is a kernel body: a list of instructions in SSA form.
type Block struct {
	Instrs []*Instr
}

// NewBlock returns an empty body.
func NewBlock() *Block {
	return &Block{}
}

func (b *Block) push(ins *Instr) ValueRef {
	b.Instrs = append(b.Instrs, ins)
	return ValueRef(len(b.Instrs) - 1)
}

// Load reads a buffer at an index expression.
func (b *Block) Load(buf string, index cexpr.Expr) ValueRef {
	return b.push(&Instr{Op: OpLoad, Buf: buf, Index: index})
}

// Store writes a value to a buffer at an index expression.
func (b *Block) Store(buf string, index cexpr.Expr, v ValueRef, mode StoreMode) {
	b.push(&Instr{Op: OpStore, Buf: buf, Index: index, Args: []ValueRef{v}, Mode: mode})
}

// Reduction accumulates values across the reduction loops. dst is the
// kind of the reduced result, src the kind of the accumulated values.
func (b *Block) Reduction(dst, src kind.Kind, red Reduction, vals ...ValueRef) ValueRef {
	return b.push(&Instr{Op: OpReduction, Kind: dst, SrcKind: src, Red: red, Args: vals})
}

// StoreReduction writes a reduced value to a buffer once the reduction
// loops are done.
func (b *Block) StoreReduction(buf string, index cexpr.Expr, v ValueRef) {
	b.push(&Instr{Op: OpStoreReduction, Buf: buf, Index: index, Args: []ValueRef{v}})
}

// Select extracts result i of a multi-result instruction.
func (b *Block) Select(v ValueRef, i int) ValueRef {
	return b.push(&Instr{Op: opSelect, Args: []ValueRef{v}, Sel: i})
}

// ConstantF is a floating point constant.
func (b *Block) ConstantF(v float64, k kind.Kind) ValueRef {
	return b.push(&Instr{Op: OpConstant, Kind: k, Val: ConstVal{F: v}})
}

// ConstantI is an integer constant.
func (b *Block) ConstantI(v int64, k kind.Kind) ValueRef {
	return b.push(&Instr{Op: OpConstant, Kind: k, Val: ConstVal{I: v, F: float64(v)}})
}

// ConstantB is a boolean constant.
func (b *Block) ConstantB(v bool) ValueRef {
	return b.push(&Instr{Op: OpConstant, Kind: kind.Bool, Val: ConstVal{B: v}})
}

// IndexValue materializes an index expression as a value of a kind.
func (b *Block) IndexValue(index cexpr.Expr, k kind.Kind) ValueRef {
	return b.push(&Instr{Op: OpIndexExpr, Index: index, Kind: k})
}

// ToKind converts a value to another kind.
func (b *Block) ToKind(v ValueRef, to kind.Kind) ValueRef {
	return b.push(&Instr{Op: OpToKind, Args: []ValueRef{v}, Kind: to})
}

// Masked evaluates body only where mask holds and yields other
// elsewhere. The result of body is its last instruction.
func (b *Block) Masked(mask ValueRef, body *Block, other float64) ValueRef {
	return b.push(&Instr{Op: OpMasked, Args: []ValueRef{mask}, Body: body, Other: other})
}

// IndirectIndexing turns a computed value into an index expression
// bounded by size. Use IndexOf to reference the result inside later
// index expressions.
func (b *Block) IndirectIndexing(v ValueRef, size cexpr.Expr) ValueRef {
	return b.push(&Instr{Op: OpIndirectIndexing, Args: []ValueRef{v}, Size: size})
}

// IndexOf returns the placeholder symbol standing for the result of an
// IndirectIndexing instruction inside an index expression.
func (b *Block) IndexOf(v ValueRef) cexpr.Expr {
	return cexpr.NewSym(indexPlaceholder(v))
}

func indexPlaceholder(v ValueRef) string {
	return fmt.Sprintf("loomidx%d", v)
}

// Unary appends a unary elementwise operation.
func (b *Block) Unary(op OpKind, v ValueRef) ValueRef {
	return b.push(&Instr{Op: op, Args: []ValueRef{v}})
}

// Binary appends a binary elementwise operation.
func (b *Block) Binary(op OpKind, x, y ValueRef) ValueRef {
	return b.push(&Instr{Op: op, Args: []ValueRef{x, y}})
}

// Where selects x where cond holds and y elsewhere.
func (b *Block) Where(cond, x, y ValueRef) ValueRef {
	return b.push(&Instr{Op: OpWhere, Args: []ValueRef{cond, x, y}})
}

// Rand draws a uniform float in [0, 1) from a counter-based generator.
func (b *Block) Rand(seed, offset ValueRef) ValueRef {
	return b.push(&Instr{Op: OpRand, Args: []ValueRef{seed, offset}, Kind: kind.Float32})
}

// Randn draws a standard normal float.
func (b *Block) Randn(seed, offset ValueRef) ValueRef {
	return b.push(&Instr{Op: OpRandn, Args: []ValueRef{seed, offset}, Kind: kind.Float32})
}

// Randint64 draws a uniform integer in [lo, hi).
func (b *Block) Randint64(seed, offset ValueRef, lo, hi int64) ValueRef {
	return b.push(&Instr{Op: OpRandint64, Args: []ValueRef{seed, offset}, Lo: lo, Hi: hi, Kind: kind.Int64})
}

// Frexp decomposes a float into mantissa and exponent; use Select to
// consume the two results.
func (b *Block) Frexp(v ValueRef) ValueRef {
	return b.push(&Instr{Op: OpFrexp, Args: []ValueRef{v}})
}

// Handler consumes the operations of a body in order. Kernel emitters
// and the vectorization checker implement it.
type Handler interface {
	Load(buf string, index cexpr.Expr) (*Variable, error)
	Store(buf string, index cexpr.Expr, value *Variable, mode StoreMode) error
	Reduction(dst, src kind.Kind, red Reduction, values []*Variable) ([]*Variable, error)
	StoreReduction(buf string, index cexpr.Expr, value *Variable) error
	Constant(val ConstVal, k kind.Kind) (*Variable, error)
	IndexValue(index cexpr.Expr, k kind.Kind) (*Variable, error)
	Masked(mask *Variable, body func() (*Variable, error), other float64) (*Variable, error)
	IndirectIndexing(value *Variable, size cexpr.Expr) (cexpr.Expr, error)
	ToKind(value *Variable, to, src kind.Kind) (*Variable, error)
	Op(instr *Instr, args []*Variable) ([]*Variable, error)
}

// instrObserver is implemented by handlers that want to know which
// instruction of which block is about to run.
type instrObserver interface {
	beginInstr(b *Block, i int)
}

// Run interprets the body against a handler. subs substitutes the
// body's placeholder loop variables with the kernel's loop variables.
func (b *Block) Run(h Handler, subs map[string]cexpr.Expr) error {
	_, err := b.run(h, subs)
	return err
}

func (b *Block) run(h Handler, subs map[string]cexpr.Expr) ([]*Variable, error) {
	vals := make([][]*Variable, len(b.Instrs))
	idxSubs := make(map[string]cexpr.Expr)
	resolve := func(e cexpr.Expr) cexpr.Expr {
		e = cexpr.Subs(e, subs)
		if len(idxSubs) > 0 {
			e = cexpr.Subs(e, idxSubs)
		}
		return cexpr.Simplify(e)
	}
	argVals := func(ins *Instr) ([]*Variable, error) {
		args := make([]*Variable, len(ins.Args))
		for i, r := range ins.Args {
			vs := vals[r]
			if len(vs) != 1 {
				return nil, errors.Errorf("instruction %s uses all %d results of its operand; select one", ins.Op, len(vs))
			}
			args[i] = vs[0]
		}
		return args, nil
	}
	var last []*Variable
	for i, ins := range b.Instrs {
		if obs, ok := h.(instrObserver); ok {
			obs.beginInstr(b, i)
		}
		var err error
		var out []*Variable
		switch ins.Op {
		case OpLoad:
			var v *Variable
			v, err = h.Load(ins.Buf, resolve(ins.Index))
			out = []*Variable{v}
		case OpStore:
			var args []*Variable
			if args, err = argVals(ins); err == nil {
				err = h.Store(ins.Buf, resolve(ins.Index), args[0], ins.Mode)
			}
		case OpReduction:
			var args []*Variable
			if args, err = argVals(ins); err == nil {
				out, err = h.Reduction(ins.Kind, ins.SrcKind, ins.Red, args)
			}
		case OpStoreReduction:
			var args []*Variable
			if args, err = argVals(ins); err == nil {
				err = h.StoreReduction(ins.Buf, resolve(ins.Index), args[0])
			}
		case OpConstant:
			var v *Variable
			v, err = h.Constant(ins.Val, ins.Kind)
			out = []*Variable{v}
		case OpIndexExpr:
			var v *Variable
			v, err = h.IndexValue(resolve(ins.Index), ins.Kind)
			out = []*Variable{v}
		case OpMasked:
			var args []*Variable
			if args, err = argVals(ins); err == nil {
				var v *Variable
				v, err = h.Masked(args[0], func() (*Variable, error) {
					sub, err := ins.Body.run(h, subs)
					if err != nil {
						return nil, err
					}
					if len(sub) != 1 {
						return nil, errors.Errorf("masked body yields %d results, want 1", len(sub))
					}
					return sub[0], nil
				}, ins.Other)
				out = []*Variable{v}
			}
		case OpIndirectIndexing:
			var args []*Variable
			if args, err = argVals(ins); err == nil {
				var e cexpr.Expr
				e, err = h.IndirectIndexing(args[0], resolve(ins.Size))
				idxSubs[indexPlaceholder(ValueRef(i))] = e
			}
		case OpToKind:
			var args []*Variable
			if args, err = argVals(ins); err == nil {
				src := ins.SrcKind
				if src == kind.Invalid {
					src = args[0].Kind
				}
				var v *Variable
				v, err = h.ToKind(args[0], ins.Kind, src)
				out = []*Variable{v}
			}
		case opSelect:
			vs := vals[ins.Args[0]]
			if ins.Sel >= len(vs) {
				err = errors.Errorf("selecting result %d of an instruction with %d results", ins.Sel, len(vs))
			} else {
				out = []*Variable{vs[ins.Sel]}
			}
		default:
			var args []*Variable
			if args, err = argVals(ins); err == nil {
				out, err = h.Op(ins, args)
			}
		}
		if err != nil {
			return nil, err
		}
		vals[i] = out
		if len(out) > 0 {
			last = out
		}
	}
	return last, nil
}

// Users returns the instructions of this block consuming the result of
// an instruction.
func (b *Block) Users(v ValueRef) []*Instr {
	var users []*Instr
	for _, ins := range b.Instrs {
		for _, a := range ins.Args {
			if a == v {
				users = append(users, ins)
				break
			}
		}
	}
	return users
}

// PropagateKinds computes the result kind of every instruction from
// the buffer kinds of the graph and the promotion rules.
func (b *Block) PropagateKinds(g *Graph) error {
	for _, ins := range b.Instrs {
		argKind := func(i int) kind.Kind {
			return b.Instrs[ins.Args[i]].ResultKind(0)
		}
		switch ins.Op {
		case OpLoad:
			k, err := g.BufferKind(ins.Buf)
			if err != nil {
				return err
			}
			ins.OutKinds = []kind.Kind{k}
		case OpStore, OpStoreReduction:
			ins.OutKinds = nil
		case OpReduction:
			if ins.Red.isWelford() {
				ins.OutKinds = []kind.Kind{ins.Kind, ins.Kind, ins.Kind}
			} else {
				ins.OutKinds = []kind.Kind{ins.Kind}
			}
		case OpConstant, OpIndexExpr, OpToKind:
			ins.OutKinds = []kind.Kind{ins.Kind}
			if ins.Op == OpToKind && ins.SrcKind == kind.Invalid {
				ins.SrcKind = argKind(0)
			}
		case OpMasked:
			if err := ins.Body.PropagateKinds(g); err != nil {
				return err
			}
			if n := len(ins.Body.Instrs); n > 0 {
				ins.OutKinds = []kind.Kind{ins.Body.Instrs[n-1].ResultKind(0)}
			}
		case OpIndirectIndexing:
			ins.OutKinds = []kind.Kind{kind.Int64}
		case opSelect:
			parent := b.Instrs[ins.Args[0]]
			ins.OutKinds = []kind.Kind{parent.ResultKind(ins.Sel)}
		case OpFrexp:
			ins.OutKinds = []kind.Kind{argKind(0).Computation(), kind.Int32}
		case OpRand, OpRandn, OpRandint64:
			ins.OutKinds = []kind.Kind{ins.Kind}
		case OpWhere:
			ins.OutKinds = []kind.Kind{kind.Promote(argKind(1), argKind(2))}
		default:
			if ins.Op.IsBoolean() {
				ins.OutKinds = []kind.Kind{kind.Bool}
				continue
			}
			kinds := make([]kind.Kind, len(ins.Args))
			for i := range ins.Args {
				kinds[i] = argKind(i)
			}
			ins.OutKinds = []kind.Kind{kind.PromoteAll(kinds...)}
		}
	}
	return nil
}

// ReadBuffers returns the buffers the body loads from, sorted.
func (b *Block) ReadBuffers() []string {
	return b.bufs(OpLoad)
}

// WriteBuffers returns the buffers the body stores to, sorted.
func (b *Block) WriteBuffers() []string {
	w := b.bufs(OpStore)
	w = append(w, b.bufs(OpStoreReduction)...)
	sort.Strings(w)
	return dedupe(w)
}

func (b *Block) bufs(op OpKind) []string {
	var out []string
	for _, ins := range b.Instrs {
		if ins.Op == op {
			out = append(out, ins.Buf)
		}
		if ins.Body != nil {
			out = append(out, ins.Body.bufs(op)...)
		}
	}
	sort.Strings(out)
	return dedupe(out)
}

func dedupe(ss []string) []string {
	var out []string
	for i, s := range ss {
		if i == 0 || s != ss[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// HasReduction returns true if the body accumulates a reduction.
func (b *Block) HasReduction() bool {
	for _, ins := range b.Instrs {
		if ins.Op == OpReduction {
			return true
		}
	}
	return false
}

// OpTag returns a short tag naming the elementwise operations of the
// body, used in generated kernel names.
func (b *Block) OpTag() string {
	seen := make(map[string]bool)
	var names []string
	for _, ins := range b.Instrs {
		switch ins.Op {
		case OpLoad, OpStore, OpStoreReduction, OpConstant, OpIndexExpr,
			OpToKind, opSelect, OpIndirectIndexing:
			continue
		case OpReduction:
			if !seen[ins.Red.String()] {
				seen[ins.Red.String()] = true
				names = append(names, ins.Red.String())
			}
			continue
		}
		if !seen[ins.Op.String()] {
			seen[ins.Op.String()] = true
			names = append(names, ins.Op.String())
		}
	}
	sort.Strings(names)
	if len(names) > 4 {
		names = names[:4]
	}
	if len(names) == 0 {
		return "cpp_fused"
	}
	tag := "cpp_fused"
	for _, n := range names {
		tag += "_" + n
	}
	return tag
}

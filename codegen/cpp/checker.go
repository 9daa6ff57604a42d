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
	"math"

	"github.com/pkg/errors"
	"github.com/tensorloom/loom/build/cexpr"
	"github.com/tensorloom/loom/build/kind"
	"go.uber.org/multierr"
)

// VecChecker decides whether a kernel body can be vectorized along the
// loop at tilingIdx. It interprets the body like a kernel but emits
// nothing; every construct the vector emitters cannot handle is
// recorded, and Err reports them all at once. Run it against a cloned
// context so a rejected trial leaves the real compilation untouched.
type VecChecker struct {
	Kernel
	tilingFactor int64
	tilingIdx    int

	curBlock *Block
	curInstr int

	reasons []error
}

var _ Handler = (*VecChecker)(nil)
var _ instrObserver = (*VecChecker)(nil)

// NewVecChecker returns a checker for the loop at tilingIdx tiled by
// factor elements.
func NewVecChecker(ctx *Context, factor int64, tilingIdx int) *VecChecker {
	return &VecChecker{
		Kernel:       *NewKernel(ctx, NewArgs()),
		tilingFactor: factor,
		tilingIdx:    tilingIdx,
	}
}

// ErrVecUnsupported reports that a kernel body cannot be vectorized.
// Callers test for it with errors.Is and fall back to the scalar
// kernel.
var ErrVecUnsupported = errors.New("vectorization unsupported")

// Err returns nil when the body checked out, or ErrVecUnsupported
// combined with every reason vectorization is unsafe.
func (vc *VecChecker) Err() error {
	if len(vc.reasons) == 0 {
		return nil
	}
	return multierr.Append(ErrVecUnsupported, multierr.Combine(vc.reasons...))
}

func (vc *VecChecker) beginInstr(b *Block, i int) {
	vc.curBlock = b
	vc.curInstr = i
}

func (vc *VecChecker) disable(format string, args ...any) {
	vc.reasons = append(vc.reasons, errors.Errorf(format, args...))
}

func (vc *VecChecker) tilingVar() string {
	return vc.itervars[vc.tilingIdx]
}

// narrow records that the vector emitters may hold the current result
// in a narrower kind than the propagated one.
func (vc *VecChecker) narrow(k kind.Kind) {
	if vc.curBlock == nil {
		return
	}
	ins := vc.curBlock.Instrs[vc.curInstr]
	ins.VecKinds = []kind.Kind{k}
}

// usersAllComparisons reports whether the current result only feeds
// comparisons, where a narrowed integer kind cannot change the outcome.
func (vc *VecChecker) usersAllComparisons() bool {
	if vc.curBlock == nil {
		return false
	}
	users := vc.curBlock.Users(ValueRef(vc.curInstr))
	if len(users) == 0 {
		return false
	}
	for _, u := range users {
		if !u.Op.IsComparison() {
			return false
		}
	}
	return true
}

func (vc *VecChecker) val(k kind.Kind, index cexpr.Expr) *Variable {
	v := vc.cse.NewVar(k, false)
	if index != nil {
		vc.markDeps(v, index)
	}
	return v
}

// Load checks that the element kind has a vector load, and that bool
// and byte loads only feed positions with a vector rendition.
func (vc *VecChecker) Load(buf string, index cexpr.Expr) (*Variable, error) {
	bk, err := vc.ctx.Graph.BufferKind(buf)
	if err != nil {
		return nil, err
	}
	switch bk {
	case kind.Float32, kind.Bfloat16, kind.Float16, kind.Int32, kind.Int64:
	case kind.Bool:
		if !isMaskLoad(vc.curBlock, vc.curInstr, bk) {
			vc.disable("a bool load of %s feeds more than mask positions", buf)
		}
	case kind.Uint8, kind.Int8:
		if !isMaskLoad(vc.curBlock, vc.curInstr, bk) && !isByteLoadAsFloat(vc.curBlock, vc.curInstr, bk) {
			vc.disable("a %s load of %s is neither a mask nor widened to float", bk, buf)
		}
	default:
		if cexpr.HasVar(index, vc.tilingVar()) || vc.indexThroughIndirect(index) {
			vc.disable("cannot vectorize %s loads", bk)
		}
	}
	return vc.val(bk, index), nil
}

// indexThroughIndirect reports whether the index goes through a
// computed value; the checker cannot bound those, so non-vectorizable
// kinds behind them are rejected.
func (vc *VecChecker) indexThroughIndirect(index cexpr.Expr) bool {
	for _, s := range cexpr.FreeVars(index) {
		if !vc.isItervar(s) && len(s) > 0 && s[0] != 'k' && s[0] != 's' {
			return true
		}
	}
	return false
}

func (vc *VecChecker) isItervar(s string) bool {
	for _, v := range vc.itervars {
		if v == s {
			return true
		}
	}
	return false
}

// Store checks the element kind, the store mode and the index shape.
func (vc *VecChecker) Store(buf string, index cexpr.Expr, value *Variable, mode StoreMode) error {
	bk, err := vc.ctx.Graph.BufferKind(buf)
	if err != nil {
		return err
	}
	switch bk {
	case kind.Float32, kind.Bfloat16, kind.Float16, kind.Int32, kind.Int64:
	case kind.Uint8, kind.Int8:
		if !vc.storeValueConverted(bk) {
			vc.disable("a %s store to %s takes a value not converted to %s", bk, buf, bk)
		}
	default:
		vc.disable("cannot vectorize %s stores", bk)
	}
	if mode != StoreDefault {
		vc.disable("cannot vectorize %s stores", mode)
	}
	if len(cexpr.FreeVars(index)) == 0 {
		vc.disable("every lane of a vector store to %s would write the same element", buf)
	}
	return nil
}

// storeValueConverted reports whether the stored value comes out of a
// conversion to the byte kind, the only form the byte store emits.
func (vc *VecChecker) storeValueConverted(bk kind.Kind) bool {
	if vc.curBlock == nil {
		return false
	}
	ins := vc.curBlock.Instrs[vc.curInstr]
	if len(ins.Args) == 0 {
		return false
	}
	src := vc.curBlock.Instrs[ins.Args[0]]
	return src.Op == OpToKind && src.Kind == bk
}

// Reduction accepts float over float and int64 over int64 for the
// reduction types with a vector accumulator.
func (vc *VecChecker) Reduction(dst, src kind.Kind, red Reduction, values []*Variable) ([]*Variable, error) {
	ok := (dst.IsFloat() && src.IsFloat()) || (dst == kind.Int64 && src == kind.Int64)
	if !ok || !red.Vectorizable() {
		vc.disable("cannot vectorize a %s reduction of %s into %s", red, src, dst)
	}
	out := make([]*Variable, red.NumOutputs())
	for i := range out {
		out[i] = vc.val(red.accKind(dst, src), nil)
	}
	return out, nil
}

// StoreReduction is always fine: it runs after the vectorized loops.
func (vc *VecChecker) StoreReduction(buf string, index cexpr.Expr, value *Variable) error {
	return nil
}

// Constant checks the kind of an immediate. Wide constants pass when
// they can be narrowed without changing any consumer.
func (vc *VecChecker) Constant(val ConstVal, k kind.Kind) (*Variable, error) {
	switch k {
	case kind.Float32, kind.Int32, kind.Bfloat16, kind.Float16, kind.Bool:
	case kind.Float64:
		if math.Abs(val.F) <= math.MaxFloat32 || math.IsInf(val.F, 0) {
			vc.narrow(kind.Float32)
		} else {
			vc.disable("a double constant %v does not fit float32", val.F)
		}
	case kind.Int64:
		// An int64 constant fitting int32 computes in the int32 lanes,
		// which is only sound when every consumer is a comparison.
		if val.I >= math.MinInt32 && val.I <= math.MaxInt32 {
			if vc.usersAllComparisons() {
				vc.narrow(kind.Int32)
			} else {
				vc.disable("an int64 constant %d feeds more than comparisons", val.I)
			}
		}
	default:
		vc.disable("cannot vectorize %s constants", k)
	}
	return vc.val(k, nil), nil
}

// IndexValue checks that lanes can count the index up from its scalar
// base: the stride along the tiled loop must be constant, and an int64
// index must provably fit the int32 lanes.
func (vc *VecChecker) IndexValue(index cexpr.Expr, k kind.Kind) (*Variable, error) {
	tv := vc.tilingVar()
	if cexpr.HasVar(index, tv) {
		stride := cexpr.StrideAtVecRange(index, tv, vc.tilingFactor)
		if _, ok := cexpr.AsInt(stride); !ok {
			vc.disable("an index value steps by the non-constant stride %s", stride)
		}
	}
	if k == kind.Int64 && !vc.int32Bounded(index) && !vc.usersAllComparisons() {
		vc.disable("an int64 index value may overflow the int32 lanes")
	}
	return vc.val(k, index), nil
}

// int32Bounded proves every value the index takes over the iteration
// space fits int32, lane arithmetic included.
func (vc *VecChecker) int32Bounded(index cexpr.Expr) bool {
	env := make(map[string]cexpr.Range, len(vc.itervars))
	for i, v := range vc.itervars {
		hint := vc.ctx.Graph.SizeHint(vc.callRanges[i])
		if _, ok := cexpr.AsInt(vc.callRanges[i]); !ok {
			return false
		}
		env[v] = cexpr.NewRange(0, hint-1)
	}
	b := cexpr.Bounds(index, env)
	return b.Known && b.Lo >= math.MinInt32 && b.Hi+1 <= math.MaxInt32
}

// Masked only needs its body checked.
func (vc *VecChecker) Masked(mask *Variable, body func() (*Variable, error), other float64) (*Variable, error) {
	outer, outerInstr := vc.curBlock, vc.curInstr
	r, err := body()
	vc.curBlock, vc.curInstr = outer, outerInstr
	if err != nil {
		return nil, err
	}
	return vc.val(r.Kind, nil), nil
}

// IndirectIndexing passes the value through as a symbol, like the
// emitters do.
func (vc *VecChecker) IndirectIndexing(value *Variable, size cexpr.Expr) (cexpr.Expr, error) {
	return cexpr.NewSym(value.Name), nil
}

// ToKind checks the conversion target against what the vector
// conversions support.
func (vc *VecChecker) ToKind(value *Variable, to, src kind.Kind) (*Variable, error) {
	switch {
	case to == kind.Bool || to == kind.Float32 || to == kind.Float64:
	case to == kind.Int32 || to == kind.Int64:
	case to.IsLowPrecisionFloat():
		if !vc.usersAll(func(u *Instr) bool { return u.Op == OpStore }) {
			vc.disable("a conversion to %s feeds more than stores", to)
		}
	case to == kind.Uint8 || to == kind.Int8:
		stores := vc.usersAll(func(u *Instr) bool { return u.Op == OpStore })
		widens := vc.usersAll(func(u *Instr) bool { return u.Op == OpToKind && u.Kind == kind.Float32 })
		if !stores && !widens {
			vc.disable("a conversion to %s feeds more than stores or float widening", to)
		}
	default:
		vc.disable("cannot vectorize conversions to %s", to)
	}
	return vc.val(to, nil), nil
}

func (vc *VecChecker) usersAll(pred func(*Instr) bool) bool {
	if vc.curBlock == nil {
		return false
	}
	users := vc.curBlock.Users(ValueRef(vc.curInstr))
	if len(users) == 0 {
		return false
	}
	for _, u := range users {
		if !pred(u) {
			return false
		}
	}
	return true
}

// Op checks the operation against the vector op table.
func (vc *VecChecker) Op(ins *Instr, args []*Variable) ([]*Variable, error) {
	if !vectorizableOp(ins.Op) {
		vc.disable("no vector code for operation %s", ins.Op)
	}
	if ins.Op.IsComparison() && len(args) == 2 &&
		args[0].Kind != kind.Invalid && args[1].Kind != kind.Invalid &&
		args[0].Kind.Computation() != args[1].Kind.Computation() {
		vc.disable("cannot vectorize a %s comparison of %s against %s", ins.Op, args[0].Kind, args[1].Kind)
	}
	n := len(ins.OutKinds)
	if n == 0 {
		n = 1
	}
	out := make([]*Variable, n)
	for i := range out {
		out[i] = vc.val(ins.ResultKind(i), nil)
	}
	for _, o := range out {
		o.InheritDeps(args)
	}
	return out, nil
}

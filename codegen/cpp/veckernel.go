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
	"github.com/tensorloom/loom/build/kind"
)

// VecKernel emits the vectorized form of a kernel body: the loop at
// tilingIdx advances by the tiling factor and values live in vector
// registers. Values invariant along the tiled loop stay scalar and are
// broadcast on first vector use.
type VecKernel struct {
	Kernel
	tilingFactor int64
	tilingIdx    int

	indirect map[string]*Variable

	curBlock *Block
	curInstr int
}

var _ Handler = (*VecKernel)(nil)
var _ instrObserver = (*VecKernel)(nil)

// NewVecKernel returns a vector kernel tiling the loop at tilingIdx by
// factor elements.
func NewVecKernel(ctx *Context, args *Args, factor int64, tilingIdx int) *VecKernel {
	vk := &VecKernel{
		Kernel:       *NewKernel(ctx, args),
		tilingFactor: factor,
		tilingIdx:    tilingIdx,
		indirect:     make(map[string]*Variable),
	}
	return vk
}

func (vk *VecKernel) beginInstr(b *Block, i int) {
	vk.curBlock = b
	vk.curInstr = i
}

func (vk *VecKernel) tilingVar() string {
	return vk.itervars[vk.tilingIdx]
}

// vecT names the register type holding one tile of kind k: a plain
// Vectorized register when the lanes fit, a VectorizedN compound when
// the tiling factor spans several registers.
func (vk *VecKernel) vecT(k kind.Kind) string {
	return vecTypeN(k, NumVectors(vk.ctx.ISA, k, vk.tilingFactor))
}

// indirectDependsOnTiling reports whether an index expression reaches
// the tiled loop through an indirect index value.
func (vk *VecKernel) indirectDependsOnTiling(index cexpr.Expr) bool {
	tv := vk.tilingVar()
	for _, s := range cexpr.FreeVars(index) {
		if v, ok := vk.indirect[s]; ok && v.DependsOn(tv) {
			return true
		}
	}
	return false
}

// IndirectIndexing records the indexing value so later loads can tell
// whether their index varies along the tiled loop.
func (vk *VecKernel) IndirectIndexing(value *Variable, size cexpr.Expr) (cexpr.Expr, error) {
	e, err := vk.Kernel.IndirectIndexing(value, size)
	if err != nil {
		return nil, err
	}
	vk.indirect[value.Name] = value
	return e, nil
}

func (vk *VecKernel) maskLoadUsers(bk kind.Kind) bool {
	return isMaskLoad(vk.curBlock, vk.curInstr, bk)
}

func (vk *VecKernel) int8AsFloatLoad(bk kind.Kind) bool {
	return isByteLoadAsFloat(vk.curBlock, vk.curInstr, bk)
}

// isMaskLoad reports whether every consumer of the load at instruction
// i feeds a mask position: a where condition or a masked body guard,
// possibly through a conversion to bool.
func isMaskLoad(b *Block, i int, bk kind.Kind) bool {
	if b == nil {
		return false
	}
	users := b.Users(ValueRef(i))
	if len(users) == 0 {
		return false
	}
	switch bk {
	case kind.Bool:
		for _, u := range users {
			if u.Op != OpWhere && u.Op != OpMasked {
				return false
			}
		}
		return true
	case kind.Uint8, kind.Int8:
		for _, u := range users {
			if u.Op != OpToKind || u.Kind != kind.Bool {
				return false
			}
		}
		return true
	}
	return false
}

// isByteLoadAsFloat reports whether an 8-bit integer load is
// immediately widened to float and nothing else.
func isByteLoadAsFloat(b *Block, i int, bk kind.Kind) bool {
	if bk != kind.Uint8 && bk != kind.Int8 {
		return false
	}
	if b == nil {
		return false
	}
	users := b.Users(ValueRef(i))
	if len(users) != 1 {
		return false
	}
	u := users[0]
	return u.Op == OpToKind && u.Kind == kind.Float32
}

// vecLoadLine renders a vector load from a contiguous address.
func (vk *VecKernel) vecLoadLine(loadbuf string, bk kind.Kind, asMask, asFloat bool) string {
	switch {
	case asMask:
		return fmt.Sprintf("loom::vec::flag_to_float_vec(%s)", loadbuf)
	case bk.IsLowPrecisionFloat():
		return fmt.Sprintf("%s::loadu(%s, %d)", vk.vecT(bk), loadbuf, vk.tilingFactor)
	case asFloat:
		return fmt.Sprintf("%s::loadu_one_fourth(%s)", vk.vecT(kind.Float32), loadbuf)
	default:
		return fmt.Sprintf("%s::loadu(%s)", vk.vecT(bk), loadbuf)
	}
}

// Load emits a vector read. A load invariant along the tiled loop stays
// scalar; a non-contiguous one gathers through a stack buffer.
func (vk *VecKernel) Load(buf string, index cexpr.Expr) (*Variable, error) {
	if v, ok := vk.cse.LoadStored(buf); ok {
		return v, nil
	}
	bk, err := vk.ctx.Graph.BufferKind(buf)
	if err != nil {
		return nil, err
	}
	tv := vk.tilingVar()
	stride := cexpr.StrideAtVecRange(index, tv, vk.tilingFactor)
	if cexpr.IsZero(stride) && !vk.indirectDependsOnTiling(index) {
		return vk.Kernel.Load(buf, index)
	}
	asMask := vk.maskLoadUsers(bk)
	asFloat := !asMask && vk.int8AsFloatLoad(bk)
	var v *Variable
	if !cexpr.IsOne(stride) || vk.indirectDependsOnTiling(index) {
		v, err = vk.loadNonContiguous(buf, index, bk, asMask)
		if err != nil {
			return nil, err
		}
	} else {
		ptr := vk.args.Input(buf)
		idx, err := vk.index(index)
		if err != nil {
			return nil, err
		}
		line := vk.vecLoadLine(fmt.Sprintf("%s + %s", ptr, idx), bk, asMask, asFloat)
		v = vk.cse.Generate(vk.loads, line, line, bk, true)
	}
	v.IsVec = true
	vk.markDeps(v, index)
	v.AddDep(tv)
	return v, nil
}

// loadNonContiguous gathers one vector element at a time into an
// aligned stack buffer, then loads the buffer as a vector.
func (vk *VecKernel) loadNonContiguous(buf string, index cexpr.Expr, bk kind.Kind, asMask bool) (*Variable, error) {
	tv := vk.tilingVar()
	inner := tv + "_inner"
	ptr := vk.args.Input(buf)

	elemType := cType(bk)
	loadType := bk
	if asMask || bk.IsLowPrecisionFloat() {
		elemType = cType(kind.Float32)
		loadType = kind.Float32
	}

	// The gathered index advances element by element along the tiled
	// loop; vector-valued indirect indices are spilled alongside.
	shifted := cexpr.SubsVar(index, tv, cexpr.NewSum(cexpr.NewSym(tv), cexpr.NewSym(inner)))
	var spills []*Variable
	subs := make(map[string]cexpr.Expr)
	for _, s := range cexpr.FreeVars(index) {
		if v, ok := vk.indirect[s]; ok && v.IsVec {
			spills = append(spills, v)
			subs[s] = cexpr.NewSym(fmt.Sprintf("tmpbuf_%s[%s]", s, inner))
		}
	}
	if len(subs) > 0 {
		shifted = cexpr.Subs(shifted, subs)
	}
	idx, err := vk.index(shifted)
	if err != nil {
		return nil, err
	}

	code := buffer.New()
	v := vk.cse.NewVar(bk, true)
	code.WriteLinef("auto %s =", v.Name)
	code.WriteLine("[&]")
	code.WriteLine("{")
	code.Indent(func() {
		code.WriteLinef("alignas(64) std::array<%s, %d> tmpbuf;", elemType, vk.tilingFactor)
		for _, sp := range spills {
			code.WriteLinef("alignas(64) %s tmpbuf_%s[%d];", indexType, sp.Name, vk.tilingFactor)
			code.WriteLinef("%s.store(tmpbuf_%s, %d);", sp.Name, sp.Name, vk.tilingFactor)
		}
		code.WriteLinef("#pragma GCC unroll %d", vk.tilingFactor)
		code.WriteLinef("for (long %s = 0; %s < %d; %s++)", inner, inner, vk.tilingFactor, inner)
		code.WriteLine("{")
		code.Indent(func() {
			elem := fmt.Sprintf("%s[%s]", ptr, idx)
			if asMask {
				elem = fmt.Sprintf("loom::flag_to_float(%s)", elem)
			} else if bk.IsLowPrecisionFloat() {
				elem = fmt.Sprintf("static_cast<float>(%s)", elem)
			}
			code.WriteLinef("tmpbuf[%s] = %s;", inner, elem)
		})
		code.WriteLine("}")
		code.WriteLinef("return %s::loadu(tmpbuf.data());", vk.vecT(loadType))
	})
	code.WriteLine("}")
	code.WriteLine("()")
	code.WriteLine(";")
	vk.loads.Splice(code)
	vk.cse.Put(fmt.Sprintf("gather(%s, %s)", buf, idx), []*Variable{v})
	return v, nil
}

// Store emits a vector write. Non-unit strides scatter through a stack
// buffer.
func (vk *VecKernel) Store(buf string, index cexpr.Expr, value *Variable, mode StoreMode) error {
	if mode != StoreDefault {
		return errors.Wrapf(ErrVecUnsupported, "cannot vectorize %s stores", mode)
	}
	if !value.IsVec {
		value = vk.broadcast(value)
	}
	bk, err := vk.ctx.Graph.BufferKind(buf)
	if err != nil {
		return err
	}
	ptr := vk.args.Output(buf)
	tv := vk.tilingVar()
	stride := cexpr.StrideAtVecRange(index, tv, vk.tilingFactor)
	if cexpr.IsOne(stride) && !vk.indirectDependsOnTiling(index) {
		idx, err := vk.index(index)
		if err != nil {
			return err
		}
		if bk.IsLowPrecisionFloat() || bk == kind.Uint8 || bk == kind.Int8 {
			vk.stores.WriteLinef("%s.store(%s + %s, %d);", value, ptr, idx, vk.tilingFactor)
		} else {
			vk.stores.WriteLinef("%s.store(%s + %s);", value, ptr, idx)
		}
	} else if err := vk.storeNonContiguous(ptr, index, value, bk); err != nil {
		return err
	}
	vk.cse.CacheStore(buf, value)
	return nil
}

func (vk *VecKernel) storeNonContiguous(ptr string, index cexpr.Expr, value *Variable, bk kind.Kind) error {
	tv := vk.tilingVar()
	inner := tv + "_inner"
	shifted := cexpr.SubsVar(index, tv, cexpr.NewSum(cexpr.NewSym(tv), cexpr.NewSym(inner)))
	idx, err := vk.index(shifted)
	if err != nil {
		return err
	}
	code := buffer.New()
	code.WriteLine("{")
	code.Indent(func() {
		code.WriteLinef("alignas(64) %s tmpbuf[%d];", cType(bk), vk.tilingFactor)
		code.WriteLinef("%s.store(tmpbuf, %d);", value, vk.tilingFactor)
		code.WriteLinef("#pragma GCC unroll %d", vk.tilingFactor)
		code.WriteLinef("for (long %s = 0; %s < %d; %s++)", inner, inner, vk.tilingFactor, inner)
		code.WriteLine("{")
		code.Indent(func() {
			code.WriteLinef("%s[%s] = tmpbuf[%s];", ptr, idx, inner)
		})
		code.WriteLine("}")
	})
	code.WriteLine("}")
	vk.stores.Splice(code)
	return nil
}

// Reduction accumulates in a vector register alongside the scalar
// accumulator the loop builder exposes to the tail kernel. How the two
// meet depends on where the tiled loop sits: a tiled reduction loop
// folds horizontally after the loop, a tiled parallel loop keeps the
// accumulator vertical and stores it as a vector.
func (vk *VecKernel) Reduction(dst, src kind.Kind, red Reduction, values []*Variable) ([]*Variable, error) {
	if !red.Vectorizable() {
		return nil, errors.Wrapf(ErrVecUnsupported, "cannot vectorize %s reductions", red)
	}
	for i, v := range values {
		if !v.IsVec {
			values[i] = vk.broadcast(v)
		}
	}
	names := varNames(values)
	key := fmt.Sprintf("reduction(%s, %s, %s, %v)", dst, src, red, names)
	if vs, ok := vk.cse.Lookup(key); ok {
		return vs, nil
	}
	ak := red.accKind(dst, src)
	acc := fmt.Sprintf("tmp_acc%d", len(vk.accs))
	accVec := acc + "_vec"
	vk.accs = append(vk.accs, &redAcc{red: red, kind: ak, name: acc, vecName: accVec})

	accType := reductionAccType(red, ak)
	init, err := reductionInit(red, ak)
	if err != nil {
		return nil, err
	}
	accTypeVec := reductionAccTypeVec(red, ak)
	initVec, err := reductionInitVec(red, ak)
	if err != nil {
		return nil, err
	}
	if err := vk.declareOMPReduction(red, accTypeVec, initVec); err != nil {
		return nil, err
	}
	vk.reductionPrefix.WriteLinef("%s %s = %s;", accType, acc, init)
	vk.reductionPrefix.WriteLinef("%s %s = %s;", accTypeVec, accVec, initVec)

	combine, err := reductionCombineVec(red, accVec, names)
	if err != nil {
		return nil, err
	}
	vk.stores.WriteLinef("%s = %s;", accVec, combine)

	var out []*Variable
	if vk.tilingIdx >= vk.reductionDepth {
		fold, err := reductionHorizontal(red, acc, accVec, ak)
		if err != nil {
			return nil, err
		}
		vk.reductionSuffix.WriteLine(fold)
		out = vk.projectAcc(red, acc, ak)
	} else {
		for _, e := range reductionProject(red, accVec) {
			v := vk.cse.Named(e, ak, true)
			out = append(out, v)
		}
	}
	vk.cse.Put(key, out)
	return out, nil
}

// StoreReduction writes a reduced value: scalars from a horizontal
// fold, whole registers from a vertical reduction.
func (vk *VecKernel) StoreReduction(buf string, index cexpr.Expr, value *Variable) error {
	if !value.IsVec {
		bk, err := vk.ctx.Graph.BufferKind(buf)
		if err != nil {
			return err
		}
		ptr := vk.args.Output(buf)
		idx, err := vk.index(index)
		if err != nil {
			return err
		}
		vk.reductionSuffix.WriteLinef("%s[%s] = static_cast<%s>(%s);", ptr, idx, cType(bk), value)
		return nil
	}
	ptr := vk.args.Output(buf)
	idx, err := vk.index(index)
	if err != nil {
		return err
	}
	vk.reductionSuffix.WriteLinef("%s.store(%s + %s);", value, ptr, idx)
	return nil
}

// IndexValue materializes an index expression. Along the tiled loop the
// lanes count up from the scalar base with the index stride.
func (vk *VecKernel) IndexValue(index cexpr.Expr, kd kind.Kind) (*Variable, error) {
	tv := vk.tilingVar()
	if !cexpr.HasVar(index, tv) && !vk.indirectDependsOnTiling(index) {
		return vk.Kernel.IndexValue(index, kd)
	}
	stride := cexpr.StrideAtVecRange(index, tv, vk.tilingFactor)
	step, ok := cexpr.AsInt(stride)
	if !ok {
		return nil, errors.Wrapf(ErrVecUnsupported, "cannot vectorize an index expression with non-constant stride %s", stride)
	}
	p := &Printer{}
	base, err := p.Print(vk.args.RenameIndex(index))
	if err != nil {
		return nil, err
	}
	line := fmt.Sprintf("%s::arange(%s, %d)", vk.vecT(kind.Int32), paren(base), step)
	if !kd.IsInteger() {
		line = fmt.Sprintf("loom::vec::convert<%s>(%s)", cType(kd.Computation()), line)
	}
	v := vk.cse.Generate(vk.compute, line, line, kd, true)
	vk.markDeps(v, index)
	v.AddDep(tv)
	return v, nil
}

// ToKind converts a value. Vector registers already hold low precision
// floats widened, so those conversions are free.
func (vk *VecKernel) ToKind(value *Variable, to, src kind.Kind) (*Variable, error) {
	if !value.IsVec {
		return vk.Kernel.ToKind(value, to, src)
	}
	if to == kind.Bool || to.Computation() == src.Computation() {
		out := vk.cse.Named(value.Name, to, true)
		out.InheritDeps([]*Variable{value})
		return out, nil
	}
	rhs := fmt.Sprintf("loom::vec::convert<%s>(%s)", cType(to.Computation()), value.Name)
	v := vk.cse.Generate(vk.compute, rhs, rhs, to, true)
	v.InheritDeps([]*Variable{value})
	return v, nil
}

// Masked blends the body's vector result against the fallback value.
func (vk *VecKernel) Masked(mask *Variable, body func() (*Variable, error), other float64) (*Variable, error) {
	code := buffer.New()
	lam := vk.cse.NewVar(kind.Invalid, false)
	code.WriteLinef("auto %s = [&]", lam.Name)
	code.WriteLine("{")
	var result *Variable
	var err error
	code.Indent(func() {
		vk.maskDepth++
		err = vk.swapBuffers(code, func() error {
			r, bodyErr := body()
			result = r
			return bodyErr
		})
		vk.maskDepth--
		if err == nil {
			code.WriteLinef("return %s;", result.Name)
		}
	})
	if err != nil {
		return nil, err
	}
	code.WriteLine("}")
	code.WriteLine(";")
	vk.compute.Splice(code)

	if !result.IsVec && !mask.IsVec {
		rhs := fmt.Sprintf("%s ? %s() : %s", mask.Name, lam.Name, literal(other, result.Kind))
		out := vk.cse.Generate(vk.compute, rhs, rhs, result.Kind, false)
		out.InheritDeps([]*Variable{mask, result})
		return out, nil
	}
	if !mask.IsVec {
		mask = vk.broadcast(mask)
	}
	bodyCode := lam.Name + "()"
	if !result.IsVec {
		bodyCode = fmt.Sprintf("%s(%s)", vk.vecT(result.Kind.Computation()), bodyCode)
	}
	otherVec := fmt.Sprintf("%s(%s)", vk.vecT(result.Kind.Computation()), literal(other, result.Kind))
	rhs := fmt.Sprintf("decltype(%s)::blendv(%s, %s, %s)", bodyCode, otherVec, bodyCode, mask.Name)
	out := vk.cse.Generate(vk.compute, rhs, rhs, result.Kind, true)
	out.InheritDeps([]*Variable{mask, result})
	return out, nil
}

// Op emits one elementwise operation. Scalar operands are broadcast
// when any operand is a vector; an all-scalar operation stays scalar.
func (vk *VecKernel) Op(ins *Instr, args []*Variable) ([]*Variable, error) {
	anyVec := false
	for _, a := range args {
		if a.IsVec {
			anyVec = true
			break
		}
	}
	if !anyVec {
		return vk.Kernel.Op(ins, args)
	}
	bargs := make([]*Variable, len(args))
	for i, a := range args {
		bargs[i] = a
		if !a.IsVec {
			bargs[i] = vk.broadcast(a)
		}
	}
	code, err := vecOpCode(ins, bargs, vk.ctx.Config)
	if err != nil {
		return nil, err
	}
	v := vk.cse.Generate(vk.compute, code, code, ins.ResultKind(0), true)
	v.InheritDeps(bargs)
	return []*Variable{v}, nil
}

// broadcast lifts a scalar value into a vector register. Booleans
// become float masks so they can drive blendv.
func (vk *VecKernel) broadcast(v *Variable) *Variable {
	var rhs string
	if v.Kind == kind.Bool {
		rhs = fmt.Sprintf("loom::vec::to_float_mask(%s)", v.Name)
	} else {
		rhs = fmt.Sprintf("%s(%s)", vk.vecT(v.Kind.Computation()), v.Name)
	}
	out := vk.cse.Generate(vk.compute, rhs, rhs, v.Kind, true)
	out.IsVec = true
	out.InheritDeps([]*Variable{v})
	return out
}

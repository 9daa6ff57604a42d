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
	"strings"

	"github.com/pkg/errors"
	"github.com/tensorloom/loom/base/buffer"
	"github.com/tensorloom/loom/build/cexpr"
	"github.com/tensorloom/loom/build/kind"
)

// redAcc is one reduction accumulator declared by a kernel. vecName is
// set by the vector kernel: its register accumulator is the one an
// OpenMP reduction clause must name.
type redAcc struct {
	red     Reduction
	kind    kind.Kind
	name    string
	vecName string
}

func (a *redAcc) ompVar() string {
	if a.vecName != "" {
		return a.vecName
	}
	return a.name
}

// Kernel emits the scalar form of a fused kernel body. Statements are
// collected into separate buffers so the loop builder can place loads,
// compute, stores and the reduction prologue and epilogue at the right
// loop levels.
type Kernel struct {
	ctx  *Context
	args *Args
	cse  *CSE

	itervars       []string
	ranges         []cexpr.Expr
	callRanges     []cexpr.Expr
	reductionDepth int

	numThreads int

	loads   *buffer.Indented
	compute *buffer.Indented
	stores  *buffer.Indented

	reductionPrefix *buffer.Indented
	reductionSuffix *buffer.Indented

	accs     []*redAcc
	declared map[string]bool

	// maskDepth counts enclosing masked bodies during emission.
	maskDepth int
}

var _ Handler = (*Kernel)(nil)

// NewKernel returns a scalar kernel sharing the argument set of its
// kernel group.
func NewKernel(ctx *Context, args *Args) *Kernel {
	return &Kernel{
		ctx:             ctx,
		args:            args,
		cse:             NewCSE("tmp"),
		numThreads:      ctx.Config.Threads,
		loads:           buffer.New(),
		compute:         buffer.New(),
		stores:          buffer.New(),
		reductionPrefix: buffer.New(),
		reductionSuffix: buffer.New(),
		declared:        make(map[string]bool),
	}
}

// SetRanges fixes the iteration space of the kernel: lengths are the
// parallel extents, reductionLengths the reduced ones. It returns the
// loop variables standing for each extent. A kernel fused into an
// existing one must present the same ranges.
func (k *Kernel) SetRanges(lengths, reductionLengths []cexpr.Expr) ([]cexpr.Expr, []cexpr.Expr, error) {
	call := make([]cexpr.Expr, 0, len(lengths)+len(reductionLengths))
	call = append(call, lengths...)
	call = append(call, reductionLengths...)
	if k.callRanges != nil {
		if len(call) != len(k.callRanges) || k.reductionDepth != len(lengths) {
			return nil, nil, errors.Errorf("fusing bodies with different iteration spaces: %d ranges into %d", len(call), len(k.callRanges))
		}
		for i := range call {
			if !cexpr.Equal(cexpr.Simplify(call[i]), cexpr.Simplify(k.callRanges[i])) {
				return nil, nil, errors.Errorf("fusing bodies with different iteration ranges: %s versus %s", call[i], k.callRanges[i])
			}
		}
	} else {
		k.callRanges = call
		k.ranges = make([]cexpr.Expr, len(call))
		for i, c := range call {
			k.ranges[i] = k.args.RenameIndex(c)
		}
		k.reductionDepth = len(lengths)
		k.itervars = make([]string, len(call))
		for i := range call {
			k.itervars[i] = fmt.Sprintf("x%d", i)
		}
	}
	vars := make([]cexpr.Expr, len(k.itervars))
	for i, name := range k.itervars {
		vars[i] = cexpr.NewSym(name)
	}
	return vars[:k.reductionDepth], vars[k.reductionDepth:], nil
}

// index renders an index expression with size symbols renamed to their
// kernel arguments.
func (k *Kernel) index(e cexpr.Expr) (string, error) {
	p := &Printer{}
	return p.PrintIndex(k.args.RenameIndex(e))
}

func (k *Kernel) markDeps(v *Variable, index cexpr.Expr) {
	for _, iv := range k.itervars {
		if cexpr.HasVar(index, iv) {
			v.AddDep(iv)
		}
	}
}

// Load emits a read of a buffer. A value stored earlier in the same
// kernel is reused directly instead of being read back.
func (k *Kernel) Load(buf string, index cexpr.Expr) (*Variable, error) {
	if v, ok := k.cse.LoadStored(buf); ok {
		return v, nil
	}
	bk, err := k.ctx.Graph.BufferKind(buf)
	if err != nil {
		return nil, err
	}
	ptr := k.args.Input(buf)
	idx, err := k.index(index)
	if err != nil {
		return nil, err
	}
	line := fmt.Sprintf("%s[%s]", ptr, idx)
	if bk == kind.Float16 {
		line = fmt.Sprintf("static_cast<float>(%s)", line)
	}
	v := k.cse.Generate(k.loads, line, line, bk, false)
	k.markDeps(v, index)
	return v, nil
}

// Store emits a write to a buffer.
func (k *Kernel) Store(buf string, index cexpr.Expr, value *Variable, mode StoreMode) error {
	ptr := k.args.Output(buf)
	idx, err := k.index(index)
	if err != nil {
		return err
	}
	switch mode {
	case StoreAtomicAdd:
		if k.numThreads == 1 {
			k.stores.WriteLinef("%s[%s] += %s;", ptr, idx, value)
		} else {
			k.stores.WriteLinef("loom::atomic_add(&%s[%s], %s);", ptr, idx, value)
		}
	default:
		k.stores.WriteLinef("%s[%s] = %s;", ptr, idx, value)
		k.cse.CacheStore(buf, value)
	}
	return nil
}

// Reduction declares an accumulator in the reduction prologue and emits
// the per-iteration combine. The projected results become readable once
// the reduction loops close.
func (k *Kernel) Reduction(dst, src kind.Kind, red Reduction, values []*Variable) ([]*Variable, error) {
	names := varNames(values)
	key := fmt.Sprintf("reduction(%s, %s, %s, %s)", dst, src, red, strings.Join(names, ", "))
	if vs, ok := k.cse.Lookup(key); ok {
		return vs, nil
	}
	ak := red.accKind(dst, src)
	acc := fmt.Sprintf("tmp_acc%d", len(k.accs))
	k.accs = append(k.accs, &redAcc{red: red, kind: ak, name: acc})
	accType := reductionAccType(red, ak)
	init, err := reductionInit(red, ak)
	if err != nil {
		return nil, err
	}
	if err := k.declareOMPReduction(red, accType, init); err != nil {
		return nil, err
	}
	k.reductionPrefix.WriteLinef("%s %s = %s;", accType, acc, init)
	if red.isArg() {
		idx, err := k.index(cexpr.Simplify(k.reductionIndex()))
		if err != nil {
			return nil, err
		}
		stmt, err := reductionCombineArg(red, acc, names[0], idx)
		if err != nil {
			return nil, err
		}
		k.stores.WriteLine(stmt)
	} else {
		combine, err := reductionCombine(red, acc, names)
		if err != nil {
			return nil, err
		}
		k.stores.WriteLinef("%s = %s;", acc, combine)
	}
	out := k.projectAcc(red, acc, ak)
	k.cse.Put(key, out)
	return out, nil
}

// declareOMPReduction emits, once per accumulator type, the OpenMP
// declaration a reduction without a builtin clause needs.
func (k *Kernel) declareOMPReduction(red Reduction, accType, init string) error {
	if red.NativeOMP() {
		return nil
	}
	declKey := red.String() + ":" + accType
	if k.declared[declKey] {
		return nil
	}
	k.declared[declKey] = true
	decl, err := ompDeclareReduction(red, accType, init)
	if err != nil {
		return err
	}
	k.reductionPrefix.WriteLine(decl)
	return nil
}

func (k *Kernel) projectAcc(red Reduction, acc string, ak kind.Kind) []*Variable {
	exprs := reductionProject(red, acc)
	out := make([]*Variable, len(exprs))
	for i, e := range exprs {
		rk := ak
		if red.isArg() {
			rk = kind.Int64
		}
		out[i] = k.cse.Named(e, rk, false)
	}
	return out
}

// reductionIndex is the flattened position within the reduction loops,
// recorded by argmin and argmax.
func (k *Kernel) reductionIndex() cexpr.Expr {
	if k.reductionDepth >= len(k.itervars) {
		return cexpr.Zero()
	}
	idx := cexpr.Expr(cexpr.NewSym(k.itervars[k.reductionDepth]))
	for i := k.reductionDepth + 1; i < len(k.itervars); i++ {
		idx = cexpr.NewSum(cexpr.NewProd(idx, k.ranges[i]), cexpr.NewSym(k.itervars[i]))
	}
	return idx
}

// StoreReduction writes a reduced value out once the reduction loops
// are done.
func (k *Kernel) StoreReduction(buf string, index cexpr.Expr, value *Variable) error {
	ptr := k.args.Output(buf)
	idx, err := k.index(index)
	if err != nil {
		return err
	}
	k.reductionSuffix.WriteLinef("%s[%s] = %s;", ptr, idx, value)
	return nil
}

// Constant materializes an immediate. Low precision float constants are
// promoted the same way loads promote them.
func (k *Kernel) Constant(val ConstVal, kd kind.Kind) (*Variable, error) {
	ck := kd
	if ck.IsLowPrecisionFloat() {
		ck = kind.Float32
	}
	var rhs string
	switch {
	case ck == kind.Bool:
		rhs = boolLiteral(val.B)
	case ck.IsInteger():
		rhs = fmt.Sprintf("static_cast<%s>(%d)", cType(ck), val.I)
	default:
		rhs = literal(val.F, ck)
	}
	return k.cse.Generate(k.compute, rhs, rhs, ck, false), nil
}

// IndexValue materializes an index expression as a value.
func (k *Kernel) IndexValue(index cexpr.Expr, kd kind.Kind) (*Variable, error) {
	p := &Printer{}
	s, err := p.Print(k.args.RenameIndex(index))
	if err != nil {
		return nil, err
	}
	rhs := convertCode(paren(s), kd)
	v := k.cse.Generate(k.compute, rhs, rhs, kd, false)
	k.markDeps(v, index)
	return v, nil
}

// ToKind converts a value to another kind.
func (k *Kernel) ToKind(value *Variable, to, src kind.Kind) (*Variable, error) {
	rhs := convertCode(value.Name, to)
	v := k.cse.Generate(k.compute, rhs, rhs, to, false)
	v.InheritDeps([]*Variable{value})
	return v, nil
}

// swapBuffers redirects emission into code while fn runs.
func (k *Kernel) swapBuffers(code *buffer.Indented, fn func() error) error {
	loads, compute, stores := k.loads, k.compute, k.stores
	k.loads, k.compute, k.stores = code, code, code
	err := fn()
	k.loads, k.compute, k.stores = loads, compute, stores
	return err
}

// Masked wraps the body in a lambda invoked only where the mask holds;
// elsewhere the result takes the fallback value.
func (k *Kernel) Masked(mask *Variable, body func() (*Variable, error), other float64) (*Variable, error) {
	code := buffer.New()
	lam := k.cse.NewVar(kind.Invalid, false)
	code.WriteLinef("auto %s = [&]", lam.Name)
	code.WriteLine("{")
	var result *Variable
	var err error
	code.Indent(func() {
		k.maskDepth++
		err = k.swapBuffers(code, func() error {
			r, bodyErr := body()
			result = r
			return bodyErr
		})
		k.maskDepth--
		if err == nil {
			code.WriteLinef("return %s;", result.Name)
		}
	})
	if err != nil {
		return nil, err
	}
	code.WriteLine("}")
	code.WriteLine(";")
	k.compute.Splice(code)
	rhs := fmt.Sprintf("%s ? %s() : %s", mask.Name, lam.Name, literal(other, result.Kind))
	out := k.cse.Generate(k.compute, rhs, rhs, result.Kind, false)
	out.InheritDeps([]*Variable{mask, result})
	return out, nil
}

// IndirectIndexing lets a computed value index later loads and stores.
// The value's C name becomes a symbol of the index expression.
func (k *Kernel) IndirectIndexing(value *Variable, size cexpr.Expr) (cexpr.Expr, error) {
	return cexpr.NewSym(value.Name), nil
}

// Op emits one elementwise operation.
func (k *Kernel) Op(ins *Instr, args []*Variable) ([]*Variable, error) {
	if ins.Op == OpFrexp {
		return k.frexp(args[0])
	}
	code, err := scalarOpCode(ins, args, k.ctx.Config)
	if err != nil {
		return nil, err
	}
	outKind := kind.Invalid
	if len(ins.OutKinds) > 0 {
		outKind = ins.OutKinds[0]
	}
	v := k.cse.Generate(k.compute, code, code, outKind, false)
	v.InheritDeps(args)
	return []*Variable{v}, nil
}

func (k *Kernel) frexp(x *Variable) ([]*Variable, error) {
	keyMantissa := fmt.Sprintf("frexp(%s)[0]", x.Name)
	keyExponent := fmt.Sprintf("frexp(%s)[1]", x.Name)
	if m, ok := k.cse.Lookup(keyMantissa); ok {
		e, _ := k.cse.Lookup(keyExponent)
		return []*Variable{m[0], e[0]}, nil
	}
	exponent := k.cse.NewVar(kind.Int32, false)
	mantissa := k.cse.NewVar(x.Kind.Computation(), false)
	k.compute.WriteLinef("%s %s;", cType(kind.Int32), exponent.Name)
	k.compute.WriteLinef("auto %s = std::frexp(%s, &%s);", mantissa.Name, x.Name, exponent.Name)
	mantissa.InheritDeps([]*Variable{x})
	exponent.InheritDeps([]*Variable{x})
	k.cse.Put(keyMantissa, []*Variable{mantissa})
	k.cse.Put(keyExponent, []*Variable{exponent})
	return []*Variable{mantissa, exponent}, nil
}

// WriteToSuffix redirects emission after the reduction loops, for
// bodies consuming a reduced value within the same kernel.
func (k *Kernel) WriteToSuffix(fn func() error) error {
	loads, compute, stores, cse := k.loads, k.compute, k.stores, k.cse
	k.loads, k.compute, k.stores = buffer.New(), buffer.New(), buffer.New()
	k.cse = cse.Clone()
	err := fn()
	k.reductionSuffix.Splice(k.loads)
	k.reductionSuffix.Splice(k.compute)
	k.reductionSuffix.Splice(k.stores)
	k.loads, k.compute, k.stores, k.cse = loads, compute, stores, cse
	return err
}

// sizeHint estimates the total iteration count of the kernel.
func (k *Kernel) sizeHint() int64 {
	total := int64(1)
	for _, r := range k.callRanges {
		total *= k.ctx.Graph.SizeHint(r)
	}
	return total
}

// decideParallelDepth picks how many outer loops to collapse into the
// OpenMP work sharing: enough loops to saturate the threads, as long as
// each thread keeps a worthwhile chunk of sequential work.
func (k *Kernel) decideParallelDepth(maxDepth, threads int) int {
	seq := k.sizeHint()
	par := int64(1)
	depth := 0
	for _, r := range k.callRanges[:maxDepth] {
		if par >= int64(2*threads) || par == int64(threads) {
			break
		}
		if seq/int64(threads) < k.ctx.Config.MinChunkSize {
			break
		}
		hint := k.ctx.Graph.SizeHint(r)
		depth++
		par *= hint
		seq /= hint
	}
	if k.ctx.Config.DynamicThreads && depth == 0 && maxDepth > 0 {
		depth = 1
	}
	return depth
}

func (k *Kernel) base() *Kernel { return k }

// reductionClauses returns, per accumulator, the variable an OpenMP
// reduction clause must name and its reduction type.
func (k *Kernel) reductionClauses() []redClause {
	out := make([]redClause, len(k.accs))
	for i, a := range k.accs {
		out[i] = redClause{acc: a.ompVar(), red: a.red}
	}
	return out
}

// emitLeaf writes the kernel body at the innermost loop level.
func (k *Kernel) emitLeaf(code *buffer.Indented) {
	code.Splice(k.loads)
	code.Splice(k.compute)
	code.Splice(k.stores)
}

func varNames(vs []*Variable) []string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Name
	}
	return names
}

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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/tensorloom/loom/build/cexpr"
	"github.com/tensorloom/loom/build/kind"
)

type definedKernel struct {
	name string
	code string
}

// fakeWrapper records the kernels a scheduling defines and calls.
type fakeWrapper struct {
	defs  []definedKernel
	calls []string
	args  [][]string
}

func (w *fakeWrapper) DefineKernel(name, code string) {
	w.defs = append(w.defs, definedKernel{name: name, code: code})
}

func (w *fakeWrapper) CallKernel(name string, args []string) {
	w.calls = append(w.calls, name)
	w.args = append(w.args, args)
}

func elemNode(name string, body *Block, ranges ...cexpr.Expr) *SchedNode {
	vars := make([]string, len(ranges))
	for i := range ranges {
		vars[i] = placeholderVar(i)
	}
	return NewSchedNode(name, body, vars, ranges, nil, nil)
}

func redNode(name string, body *Block, ranges, reduce []cexpr.Expr) *SchedNode {
	vars := make([]string, len(ranges))
	for i := range ranges {
		vars[i] = placeholderVar(i)
	}
	redVars := make([]string, len(reduce))
	for i := range reduce {
		redVars[i] = placeholderRedVar(i)
	}
	return NewSchedNode(name, body, vars, ranges, redVars, reduce)
}

func ints(vals ...int64) []cexpr.Expr {
	out := make([]cexpr.Expr, len(vals))
	for i, v := range vals {
		out[i] = cexpr.NewInt(v)
	}
	return out
}

func TestWhyFuse(t *testing.T) {
	tests := []struct {
		name   string
		n1, n2 *SchedNode
		want   FuseReason
	}{
		{
			name: "identical spaces",
			n1:   elemNode("a", NewBlock(), ints(4, 6)...),
			n2:   elemNode("b", NewBlock(), ints(4, 6)...),
			want: FuseSameVarsReduce,
		},
		{
			name: "identical reduction spaces",
			n1:   redNode("a", NewBlock(), ints(4), ints(1025)),
			n2:   redNode("b", NewBlock(), ints(4), ints(1025)),
			want: FuseSameVarsReduce,
		},
		{
			name: "elementwise over a reduction's full space",
			n1:   elemNode("a", NewBlock(), ints(4, 1025)...),
			n2:   redNode("b", NewBlock(), ints(4), ints(1025)),
			want: FuseCompatibleReduction,
		},
		{
			name: "flat node against the same element count",
			n1:   elemNode("a", NewBlock(), ints(24)...),
			n2:   elemNode("b", NewBlock(), ints(4, 6)...),
			want: FuseCompatibleRanges,
		},
		{
			name: "different element counts",
			n1:   elemNode("a", NewBlock(), ints(24)...),
			n2:   elemNode("b", NewBlock(), ints(4, 7)...),
			want: FuseNone,
		},
		{
			name: "same count but neither node flat",
			n1:   elemNode("a", NewBlock(), ints(4, 6)...),
			n2:   elemNode("b", NewBlock(), ints(6, 4)...),
			want: FuseNone,
		},
		{
			name: "reduction against a different reduction space",
			n1:   redNode("a", NewBlock(), ints(4), ints(1025)),
			n2:   redNode("b", NewBlock(), ints(4), ints(1024)),
			want: FuseNone,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := WhyFuse(test.n1, test.n2); got != test.want {
				t.Errorf("WhyFuse = %v, want %v", got, test.want)
			}
		})
	}
}

func TestCanFuseVertical(t *testing.T) {
	red := redNode("a", NewBlock(), ints(4), ints(1025))
	other := redNode("b", NewBlock(), ints(4), ints(1025))
	if !CanFuseHorizontal(red, other) {
		t.Errorf("independent nodes over the same space cannot share a kernel")
	}
	if CanFuseVertical(red, other) {
		t.Errorf("a reduced value was allowed to feed a fused consumer's loop body")
	}
	elem := elemNode("c", NewBlock(), ints(4, 1025)...)
	if !CanFuseVertical(elem, red) {
		t.Errorf("an elementwise producer cannot feed a fused reduction")
	}
}

func TestPrepareFusion(t *testing.T) {
	flatBody := NewBlock()
	x := flatBody.Load("a", cexpr.NewSym("k0"))
	flatBody.Store("c", cexpr.NewSym("k0"), x, StoreDefault)
	flat := NewSchedNode("flat", flatBody, []string{"k0"}, ints(24), nil, nil)

	refBody := NewBlock()
	y := refBody.Load("a", cexpr.NewSum(cexpr.MulInt(cexpr.NewSym("i0"), 6), cexpr.NewSym("i1")))
	refBody.Store("d", cexpr.NewSum(cexpr.MulInt(cexpr.NewSym("i0"), 6), cexpr.NewSym("i1")), y, StoreDefault)
	ref := NewSchedNode("ref", refBody, []string{"i0", "i1"}, ints(4, 6), nil, nil)

	PrepareFusion(flat, ref)

	if diff := cmp.Diff([]string{"i0", "i1"}, flat.Vars); diff != "" {
		t.Errorf("flat node variables mismatch (-want +got):\n%s", diff)
	}
	if !rangesEqual(flat.Ranges, ref.Ranges) {
		t.Errorf("flat node iterates %v, want the reference extents %v", flat.Ranges, ref.Ranges)
	}
	wantIndex := cexpr.NewSum(cexpr.MulInt(cexpr.NewSym("i0"), 6), cexpr.NewSym("i1"))
	got := cexpr.Simplify(flatBody.Instrs[0].Index)
	if !cexpr.Equal(got, cexpr.Simplify(wantIndex)) {
		t.Errorf("flat load index = %s, want the linearized position %s", got, wantIndex)
	}
}

func TestSelectTilingIndices(t *testing.T) {
	tests := []struct {
		name    string
		body    func(b *Block)
		lengths []cexpr.Expr
		reduce  []cexpr.Expr
		want    []int
	}{
		{
			name: "contiguous elementwise",
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), x, StoreDefault)
			},
			lengths: ints(1024),
			want:    []int{0},
		},
		{
			name: "strided gather falls back to the innermost loop",
			body: func(b *Block) {
				x := b.Load("a", cexpr.MulInt(iv(0), 2))
				b.Store("c", iv(0), x, StoreDefault)
			},
			lengths: ints(512),
			want:    []int{0},
		},
		{
			name: "transposed access tiles both loops",
			body: func(b *Block) {
				x := b.Load("a", cexpr.NewSum(iv(0), cexpr.MulInt(iv(1), 64)))
				b.Store("c", cexpr.NewSum(cexpr.MulInt(iv(0), 64), iv(1)), x, StoreDefault)
			},
			lengths: ints(64, 64),
			want:    []int{0, 1},
		},
		{
			name: "no contiguous access",
			body: func(b *Block) {
				x := b.Load("a", cexpr.NewSum(cexpr.MulInt(iv(0), 128), cexpr.MulInt(iv(1), 2)))
				b.Store("c", cexpr.NewSum(cexpr.MulInt(iv(0), 128), cexpr.MulInt(iv(1), 2)), x, StoreDefault)
			},
			lengths: ints(32, 64),
			want:    []int{1},
		},
		{
			name: "reduction contiguous along the reduced loop",
			body: func(b *Block) {
				x := b.Load("a", cexpr.NewSum(cexpr.MulInt(iv(0), 1025), rv(0)))
				b.StoreReduction("c", iv(0), b.Reduction(kind.Float32, kind.Float32, RedSum, x))
			},
			lengths: ints(4),
			reduce:  ints(1025),
			want:    []int{1},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			body := NewBlock()
			test.body(body)
			ctx := NewContext(DefaultConfig(), AVX2(), NewGraph())
			scalar := NewKernel(ctx, NewArgs())
			if _, _, err := scalar.SetRanges(test.lengths, test.reduce); err != nil {
				t.Fatal(err)
			}
			node := redNode("n", body, test.lengths, test.reduce)
			got := selectTilingIndices([]*SchedNode{node}, scalar, 8)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("tiling indices mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSchedulingElementwise(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"b": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	y := body.Load("b", iv(0))
	sum := body.Binary(OpAdd, x, y)
	relu := body.Unary(OpRelu, sum)
	body.Store("c", iv(0), relu, StoreDefault)

	cfg := DefaultConfig()
	cfg.Threads = 8
	cfg.MinChunkSize = 1
	ctx := NewContext(cfg, AVX2(), g)
	w := &fakeWrapper{}
	s := NewScheduling(ctx, w)
	if err := s.CodegenNodes([]*SchedNode{elemNode("n", body, cexpr.NewInt(1029))}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(w.defs) != 1 {
		t.Fatalf("scheduling defined %d kernels, want 1", len(w.defs))
	}
	if got := w.defs[0].name; got != "cpp_fused_add_relu_0" {
		t.Errorf("kernel name = %q", got)
	}
	want := strings.Join([]string{
		`#include "loom/cpp_prefix.h"`,
		`extern "C" void cpp_fused_add_relu_0(const float* __restrict__ in_ptr0, const float* __restrict__ in_ptr1, float* __restrict__ out_ptr0)`,
		`{`,
		`    #pragma omp parallel num_threads(8)`,
		`    {`,
		`        {`,
		`            #pragma omp for`,
		`            for(long x0=0L; x0<1024L; x0+=8L)`,
		`            {`,
		`                auto tmp0 = loom::vec::Vectorized<float>::loadu(in_ptr0 + x0);`,
		`                auto tmp1 = loom::vec::Vectorized<float>::loadu(in_ptr1 + x0);`,
		`                auto tmp2 = tmp0 + tmp1;`,
		`                auto tmp3 = loom::vec::clamp_min(tmp2, decltype(tmp2)(0));`,
		`                tmp3.store(out_ptr0 + x0);`,
		`            }`,
		`            #pragma omp for simd simdlen(4)`,
		`            for(long x0=1024L; x0<1029L; x0+=1L)`,
		`            {`,
		`                auto tmp0 = in_ptr0[x0];`,
		`                auto tmp1 = in_ptr1[x0];`,
		`                auto tmp2 = tmp0 + tmp1;`,
		`                auto tmp3 = loom::max_propagate_nan(tmp2, decltype(tmp2)(0));`,
		`                out_ptr0[x0] = tmp3;`,
		`            }`,
		`        }`,
		`    }`,
		`}`,
	}, "\n") + "\n"
	if diff := cmp.Diff(want, w.defs[0].code); diff != "" {
		t.Errorf("kernel source mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"a", "b", "c"}}, w.args); diff != "" {
		t.Errorf("call arguments mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulingReduction(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", cexpr.NewSum(cexpr.MulInt(iv(0), 1025), rv(0)))
	body.StoreReduction("c", iv(0), body.Reduction(kind.Float32, kind.Float32, RedSum, x))

	ctx := NewContext(DefaultConfig(), AVX2(), g)
	w := &fakeWrapper{}
	s := NewScheduling(ctx, w)
	node := redNode("n", body, ints(4), ints(1025))
	if err := s.CodegenNodes([]*SchedNode{node}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(w.defs) != 1 {
		t.Fatalf("scheduling defined %d kernels, want 1", len(w.defs))
	}
	if got := w.defs[0].name; got != "cpp_fused_sum_0" {
		t.Errorf("kernel name = %q", got)
	}
	code := w.defs[0].code
	for _, part := range []string{
		"#pragma GCC ivdep",
		"for(long x0=0L; x0<4L; x0+=1L)",
		"float tmp_acc0 = 0;",
		"loom::vec::Vectorized<float> tmp_acc0_vec = loom::vec::Vectorized<float>(0);",
		"for(long x1=0L; x1<1024L; x1+=8L)",
		"tmp_acc0_vec = tmp_acc0_vec + tmp0;",
		"#pragma omp simd simdlen(4) reduction(+:tmp_acc0)",
		"for(long x1=1024L; x1<1025L; x1+=1L)",
		"tmp_acc0 = tmp_acc0 + loom::vec::vec_reduce_all<float>(",
		"out_ptr0[x0] = static_cast<float>(tmp_acc0);",
	} {
		if !strings.Contains(code, part) {
			t.Errorf("kernel source is missing %q:\n%s", part, code)
		}
	}
	if strings.Contains(code, "#pragma omp parallel") {
		t.Errorf("a single threaded kernel opened a parallel section:\n%s", code)
	}
}

func TestSchedulingGatherElidesTail(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", cexpr.MulInt(iv(0), 2))
	body.Store("c", iv(0), x, StoreDefault)

	ctx := NewContext(DefaultConfig(), AVX2(), g)
	w := &fakeWrapper{}
	s := NewScheduling(ctx, w)
	if err := s.CodegenNodes([]*SchedNode{elemNode("n", body, cexpr.NewInt(512))}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(w.defs) != 1 {
		t.Fatalf("scheduling defined %d kernels, want 1", len(w.defs))
	}
	if got := w.defs[0].name; got != "cpp_fused_0" {
		t.Errorf("kernel name = %q", got)
	}
	code := w.defs[0].code
	for _, part := range []string{
		"for(long x0=0L; x0<512L; x0+=8L)",
		"alignas(64) std::array<float, 8> tmpbuf;",
		"return loom::vec::Vectorized<float>::loadu(tmpbuf.data());",
	} {
		if !strings.Contains(code, part) {
			t.Errorf("kernel source is missing %q:\n%s", part, code)
		}
	}
	if strings.Contains(code, "for(long x0=512") {
		t.Errorf("an exactly divisible extent kept its tail loop:\n%s", code)
	}
}

func TestSchedulingTranspose(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", cexpr.NewSum(iv(0), cexpr.MulInt(iv(1), 64)))
	body.Store("c", cexpr.NewSum(cexpr.MulInt(iv(0), 64), iv(1)), x, StoreDefault)

	ctx := NewContext(DefaultConfig(), AVX2(), g)
	w := &fakeWrapper{}
	s := NewScheduling(ctx, w)
	if err := s.CodegenNodes([]*SchedNode{elemNode("n", body, ints(64, 64)...)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(w.defs) != 1 {
		t.Fatalf("scheduling defined %d kernels, want 1", len(w.defs))
	}
	code := w.defs[0].code
	for _, part := range []string{
		"for(long x0=0L; x0<64L; x0+=8L)",
		"for(long x1=0L; x1<64L; x1+=8L)",
		"loom::vec::transpose_mxn<float,8,8>(",
		"for (long x0_inner = 0; x0_inner < 8; x0_inner++)",
	} {
		if !strings.Contains(code, part) {
			t.Errorf("kernel source is missing %q:\n%s", part, code)
		}
	}
	for _, tail := range []string{"for(long x0=64", "for(long x1=64"} {
		if strings.Contains(code, tail) {
			t.Errorf("an exactly divisible extent kept its tail loop %q:\n%s", tail, code)
		}
	}
}

func TestSchedulingReductionConsumer(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float64,
		"c": kind.Float64,
		"d": kind.Float64,
	})
	red := NewBlock()
	x := red.Load("a", cexpr.NewSum(cexpr.MulInt(iv(0), 1025), rv(0)))
	red.StoreReduction("c", iv(0), red.Reduction(kind.Float64, kind.Float64, RedSum, x))

	consumer := NewBlock()
	y := consumer.Load("c", iv(0))
	consumer.Store("d", iv(0), consumer.Unary(OpNeg, y), StoreDefault)

	ctx := NewContext(DefaultConfig(), AVX2(), g)
	w := &fakeWrapper{}
	s := NewScheduling(ctx, w)
	nodes := []*SchedNode{
		redNode("red", red, ints(4), ints(1025)),
		elemNode("neg", consumer, cexpr.NewInt(4)),
	}
	if err := s.CodegenNodes(nodes); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(w.defs) != 1 {
		t.Fatalf("scheduling defined %d kernels, want 1", len(w.defs))
	}
	code := w.defs[0].code
	// Double loads keep the whole nest scalar.
	if strings.Contains(code, "loom::vec::Vectorized") {
		t.Errorf("a double reduction was vectorized:\n%s", code)
	}
	if !strings.Contains(code, "double* __restrict__ out_ptr0, double* __restrict__ out_ptr1") {
		t.Errorf("kernel signature does not declare both outputs:\n%s", code)
	}
	redStore := strings.Index(code, "out_ptr0[x0] = tmp_acc0;")
	negStore := strings.Index(code, "out_ptr1[x0] = ")
	if redStore < 0 || negStore < 0 {
		t.Fatalf("kernel source is missing the reduction or consumer store:\n%s", code)
	}
	if negStore < redStore {
		t.Errorf("the consumer ran before the reduction completed:\n%s", code)
	}
	if diff := cmp.Diff([][]string{{"a", "c", "d"}}, w.args); diff != "" {
		t.Errorf("call arguments mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulingGroupsKernels(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"b": kind.Float32,
		"c": kind.Float32,
		"d": kind.Float32,
		"e": kind.Float32,
		"f": kind.Float32,
	})
	reluBody := func(in, out string) *Block {
		body := NewBlock()
		x := body.Load(in, iv(0))
		body.Store(out, iv(0), body.Unary(OpRelu, x), StoreDefault)
		return body
	}

	ctx := NewContext(DefaultConfig(), AVX2(), g)
	w := &fakeWrapper{}
	s := NewScheduling(ctx, w)
	if err := s.CodegenNodes([]*SchedNode{elemNode("n1", reluBody("a", "c"), cexpr.NewInt(16))}); err != nil {
		t.Fatal(err)
	}
	if err := s.CodegenNodes([]*SchedNode{elemNode("n2", reluBody("b", "d"), cexpr.NewInt(16))}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(w.defs) != 1 {
		t.Fatalf("two consecutive kernels defined %d functions, want one group", len(w.defs))
	}
	code := w.defs[0].code
	if !strings.Contains(code, "out_ptr0") || !strings.Contains(code, "out_ptr1") {
		t.Errorf("the group function does not hold both kernels:\n%s", code)
	}
	if diff := cmp.Diff([][]string{{"a", "c", "b", "d"}}, w.args); diff != "" {
		t.Errorf("call arguments mismatch (-want +got):\n%s", diff)
	}

	// An empty group defines nothing.
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(w.defs) != 1 {
		t.Fatalf("an empty flush defined a kernel")
	}

	if err := s.CodegenNodes([]*SchedNode{elemNode("n3", reluBody("e", "f"), cexpr.NewInt(16))}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(w.defs) != 2 {
		t.Fatalf("scheduling defined %d kernels, want 2", len(w.defs))
	}
	if got := w.defs[1].name; got != "cpp_fused_relu_1" {
		t.Errorf("second group name = %q", got)
	}
}

func TestTilingKeepsScalarOnUnsupportedEmit(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	newNest := func(t *testing.T, s *Scheduling) (*Kernel, *LoopNest) {
		t.Helper()
		scalar := NewKernel(s.ctx, s.group.Args())
		if _, _, err := scalar.SetRanges([]cexpr.Expr{cexpr.NewInt(1024)}, nil); err != nil {
			t.Fatal(err)
		}
		return scalar, BuildLoopNest(scalar)
	}

	ctx := NewContext(DefaultConfig(), AVX2(), g)
	s := NewScheduling(ctx, &fakeWrapper{})

	// A vector variant rejected mid-emission leaves the scalar nest
	// untouched.
	scalar, nest := newNest(t, s)
	run := func(k bodyKernel) error {
		if _, ok := k.(*VecKernel); ok {
			return errors.Wrapf(ErrVecUnsupported, "cannot vectorize atomic_add stores")
		}
		return nil
	}
	if err := s.applyTiling(nest, scalar, run, 8, []int{0}); err != nil {
		t.Fatalf("a rejected vector variant aborted the kernel: %v", err)
	}
	if len(nest.Root) != 1 {
		t.Fatalf("the scalar nest was split into %d loops", len(nest.Root))
	}
	if root := nest.Root[0]; root.SimdVec || root.Kern != scalar {
		t.Errorf("the scalar nest lost its kernel to the rejected variant")
	}

	// Any other emitter failure aborts the kernel.
	scalar, nest = newNest(t, s)
	boom := errors.New("emitter failure")
	run = func(k bodyKernel) error {
		if _, ok := k.(*VecKernel); ok {
			return boom
		}
		return nil
	}
	if err := s.applyTiling(nest, scalar, run, 8, []int{0}); !errors.Is(err, boom) {
		t.Errorf("applyTiling returned %v, want the emitter failure", err)
	}
}

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

func runVec(t *testing.T, g *Graph, body *Block, lengths, reduce []cexpr.Expr, tilingIdx int) *VecKernel {
	t.Helper()
	if err := body.PropagateKinds(g); err != nil {
		t.Fatal(err)
	}
	ctx := NewContext(DefaultConfig(), AVX2(), g)
	vk := NewVecKernel(ctx, NewArgs(), 8, tilingIdx)
	if err := runBody(vk, body, lengths, reduce); err != nil {
		t.Fatal(err)
	}
	return vk
}

func TestVecElementwise(t *testing.T) {
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

	vk := runVec(t, g, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil, 0)
	want := []string{
		"auto tmp0 = loom::vec::Vectorized<float>::loadu(in_ptr0 + x0);",
		"auto tmp1 = loom::vec::Vectorized<float>::loadu(in_ptr1 + x0);",
		"auto tmp2 = tmp0 + tmp1;",
		"auto tmp3 = loom::vec::clamp_min(tmp2, decltype(tmp2)(0));",
		"tmp3.store(out_ptr0 + x0);",
	}
	if diff := cmp.Diff(want, leafLines(vk)); diff != "" {
		t.Errorf("vector body mismatch (-want +got):\n%s", diff)
	}
}

func TestVecInvariantLoadBroadcasts(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"b": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	y := body.Load("b", cexpr.Zero())
	sum := body.Binary(OpAdd, x, y)
	body.Store("c", iv(0), sum, StoreDefault)

	vk := runVec(t, g, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil, 0)
	want := []string{
		"auto tmp0 = loom::vec::Vectorized<float>::loadu(in_ptr0 + x0);",
		"auto tmp1 = in_ptr1[0L];",
		"auto tmp2 = loom::vec::Vectorized<float>(tmp1);",
		"auto tmp3 = tmp0 + tmp2;",
		"tmp3.store(out_ptr0 + x0);",
	}
	if diff := cmp.Diff(want, leafLines(vk)); diff != "" {
		t.Errorf("broadcast mismatch (-want +got):\n%s", diff)
	}
}

func TestVecGatherLoad(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", cexpr.MulInt(iv(0), 2))
	body.Store("c", iv(0), x, StoreDefault)

	vk := runVec(t, g, body, []cexpr.Expr{cexpr.NewInt(512)}, nil, 0)
	code := strings.Join(leafLines(vk), "\n")
	for _, want := range []string{
		"alignas(64) std::array<float, 8> tmpbuf;",
		"#pragma GCC unroll 8",
		"for (long x0_inner = 0; x0_inner < 8; x0_inner++)",
		"return loom::vec::Vectorized<float>::loadu(tmpbuf.data());",
		"tmp0.store(out_ptr0 + x0);",
	} {
		if !strings.Contains(code, want) {
			t.Errorf("gather code is missing %q:\n%s", want, code)
		}
	}
}

func TestVecScatterStore(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", cexpr.MulInt(iv(0), 2), x, StoreDefault)

	vk := runVec(t, g, body, []cexpr.Expr{cexpr.NewInt(512)}, nil, 0)
	code := strings.Join(leafLines(vk), "\n")
	for _, want := range []string{
		"alignas(64) float tmpbuf[8];",
		"tmp0.store(tmpbuf, 8);",
		"#pragma GCC unroll 8",
	} {
		if !strings.Contains(code, want) {
			t.Errorf("scatter code is missing %q:\n%s", want, code)
		}
	}
}

func TestVecHorizontalReduction(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", cexpr.NewSum(cexpr.MulInt(iv(0), 1025), rv(0)))
	red := body.Reduction(kind.Float32, kind.Float32, RedSum, x)
	body.StoreReduction("c", iv(0), red)

	// The reduction loop is tiled: the register accumulator folds into
	// the scalar one after the loop.
	vk := runVec(t, g, body,
		[]cexpr.Expr{cexpr.NewInt(4)}, []cexpr.Expr{cexpr.NewInt(1025)}, 1)

	wantPrefix := []string{
		"float tmp_acc0 = 0;",
		"loom::vec::Vectorized<float> tmp_acc0_vec = loom::vec::Vectorized<float>(0);",
	}
	if diff := cmp.Diff(wantPrefix, vk.reductionPrefix.Lines()); diff != "" {
		t.Errorf("vector reduction prologue mismatch (-want +got):\n%s", diff)
	}
	wantStores := []string{"tmp_acc0_vec = tmp_acc0_vec + tmp0;"}
	if diff := cmp.Diff(wantStores, vk.stores.Lines()); diff != "" {
		t.Errorf("vector combine mismatch (-want +got):\n%s", diff)
	}
	wantSuffix := []string{
		"tmp_acc0 = tmp_acc0 + loom::vec::vec_reduce_all<float>([](loom::vec::Vectorized<float>& x, loom::vec::Vectorized<float>& y) { return x + y; }, tmp_acc0_vec);",
		"out_ptr0[x0] = static_cast<float>(tmp_acc0);",
	}
	if diff := cmp.Diff(wantSuffix, vk.reductionSuffix.Lines()); diff != "" {
		t.Errorf("vector reduction epilogue mismatch (-want +got):\n%s", diff)
	}
}

func TestVecVerticalReduction(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", cexpr.NewSum(iv(0), cexpr.MulInt(rv(0), 1024)))
	red := body.Reduction(kind.Float32, kind.Float32, RedSum, x)
	body.StoreReduction("c", iv(0), red)

	// A tiled parallel loop keeps whole registers: eight adjacent
	// outputs accumulate side by side and store as one vector.
	vk := runVec(t, g, body,
		[]cexpr.Expr{cexpr.NewInt(1024)}, []cexpr.Expr{cexpr.NewInt(16)}, 0)

	wantStores := []string{"tmp_acc0_vec = tmp_acc0_vec + tmp0;"}
	if diff := cmp.Diff(wantStores, vk.stores.Lines()); diff != "" {
		t.Errorf("vertical combine mismatch (-want +got):\n%s", diff)
	}
	wantSuffix := []string{"tmp_acc0_vec.store(out_ptr0 + x0);"}
	if diff := cmp.Diff(wantSuffix, vk.reductionSuffix.Lines()); diff != "" {
		t.Errorf("vertical epilogue mismatch (-want +got):\n%s", diff)
	}
	clauses := vk.reductionClauses()
	if len(clauses) != 1 || clauses[0].acc != "tmp_acc0_vec" {
		t.Errorf("OpenMP clause names %v, want the register accumulator", clauses)
	}
}

func TestVecIndexValueArange(t *testing.T) {
	g := testGraph(map[string]kind.Kind{"c": kind.Float32})
	body := NewBlock()
	idx := body.IndexValue(iv(0), kind.Float32)
	body.Store("c", iv(0), idx, StoreDefault)

	vk := runVec(t, g, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil, 0)
	want := []string{
		"auto tmp0 = loom::vec::convert<float>(loom::vec::Vectorized<int>::arange(x0, 1));",
		"tmp0.store(out_ptr0 + x0);",
	}
	if diff := cmp.Diff(want, leafLines(vk)); diff != "" {
		t.Errorf("arange mismatch (-want +got):\n%s", diff)
	}
}

func TestVecWhereBlendsMask(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"b": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	y := body.Load("b", iv(0))
	cond := body.Binary(OpGt, x, y)
	sel := body.Where(cond, x, y)
	body.Store("c", iv(0), sel, StoreDefault)

	vk := runVec(t, g, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil, 0)
	want := []string{
		"auto tmp0 = loom::vec::Vectorized<float>::loadu(in_ptr0 + x0);",
		"auto tmp1 = loom::vec::Vectorized<float>::loadu(in_ptr1 + x0);",
		"auto tmp2 = loom::vec::to_float_mask(tmp0 > tmp1);",
		"auto tmp3 = decltype(tmp0)::blendv(tmp1, tmp0, tmp2);",
		"tmp3.store(out_ptr0 + x0);",
	}
	if diff := cmp.Diff(want, leafLines(vk)); diff != "" {
		t.Errorf("blendv mismatch (-want +got):\n%s", diff)
	}
}

func TestVecLowPrecisionLoadStore(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Bfloat16,
		"c": kind.Bfloat16,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), x, StoreDefault)
	vk := runVec(t, g, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil, 0)
	want := []string{
		"auto tmp0 = loom::vec::Vectorized<loom::bfloat16>::loadu(in_ptr0 + x0, 8);",
		"tmp0.store(out_ptr0 + x0, 8);",
	}
	if diff := cmp.Diff(want, leafLines(vk)); diff != "" {
		t.Errorf("bfloat16 move mismatch (-want +got):\n%s", diff)
	}
}

func TestVecAtomicStoreFails(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), x, StoreAtomicAdd)
	if err := body.PropagateKinds(g); err != nil {
		t.Fatal(err)
	}
	ctx := NewContext(DefaultConfig(), AVX2(), g)
	vk := NewVecKernel(ctx, NewArgs(), 8, 0)
	err := runBody(vk, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil)
	if err == nil {
		t.Fatalf("vector kernel accepted an atomic store")
	}
	if !errors.Is(err, ErrVecUnsupported) {
		t.Errorf("error %v does not wrap ErrVecUnsupported", err)
	}
	if !strings.Contains(err.Error(), "atomic_add") {
		t.Errorf("error %v does not name the store mode", err)
	}
}

func TestVecWideTilingUsesCompoundRegisters(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), x, StoreDefault)
	if err := body.PropagateKinds(g); err != nil {
		t.Fatal(err)
	}
	// 16 float32 lanes span two 256-bit registers.
	ctx := NewContext(DefaultConfig(), AVX2(), g)
	vk := NewVecKernel(ctx, NewArgs(), 16, 0)
	if err := runBody(vk, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"auto tmp0 = loom::vec::VectorizedN<float,2>::loadu(in_ptr0 + x0);",
		"tmp0.store(out_ptr0 + x0);",
	}
	if diff := cmp.Diff(want, leafLines(vk)); diff != "" {
		t.Errorf("wide tiling mismatch (-want +got):\n%s", diff)
	}
}

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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tensorloom/loom/build/kind"
)

func blockOps(b *Block) []OpKind {
	ops := make([]OpKind, len(b.Instrs))
	for i, ins := range b.Instrs {
		ops[i] = ins.Op
	}
	return ops
}

func TestLegalizeLowPCompute(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Bfloat16,
		"c": kind.Bfloat16,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), body.Unary(OpRelu, x), StoreDefault)

	out, err := legalizeLowP(body, g)
	if err != nil {
		t.Fatal(err)
	}
	want := []OpKind{OpLoad, OpToKind, OpRelu, OpToKind, OpStore}
	if diff := cmp.Diff(want, blockOps(out)); diff != "" {
		t.Fatalf("legalized ops mismatch (-want +got):\n%s", diff)
	}
	widen := out.Instrs[1]
	if widen.Kind != kind.Float32 || widen.SrcKind != kind.Bfloat16 {
		t.Errorf("widening converts %s to %s", widen.SrcKind, widen.Kind)
	}
	narrow := out.Instrs[3]
	if narrow.Kind != kind.Bfloat16 || narrow.SrcKind != kind.Float32 {
		t.Errorf("narrowing converts %s to %s", narrow.SrcKind, narrow.Kind)
	}
	if out.Instrs[2].Args[0] != 1 {
		t.Errorf("relu consumes instruction %d, want the widened value", out.Instrs[2].Args[0])
	}
}

func TestLegalizeLowPCopyStaysNative(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Bfloat16,
		"c": kind.Bfloat16,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), x, StoreDefault)

	out, err := legalizeLowP(body, g)
	if err != nil {
		t.Fatal(err)
	}
	if out != body {
		t.Errorf("a pure copy body was rewritten")
	}
}

func TestLegalizeLowPNegStaysNative(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float16,
		"c": kind.Float16,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), body.Unary(OpNeg, x), StoreDefault)

	out, err := legalizeLowP(body, g)
	if err != nil {
		t.Fatal(err)
	}
	if out != body {
		t.Errorf("a negation-only body was rewritten")
	}
}

func TestLegalizeLowPLeavesFloatAlone(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Float32,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), body.Unary(OpRelu, x), StoreDefault)

	out, err := legalizeLowP(body, g)
	if err != nil {
		t.Fatal(err)
	}
	if out != body {
		t.Errorf("a float32 body was rewritten")
	}
}

func TestLegalizeLowPRewritesConversions(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Float32,
		"c": kind.Bfloat16,
	})
	body := NewBlock()
	x := body.Load("a", iv(0))
	body.Store("c", iv(0), body.ToKind(x, kind.Bfloat16), StoreDefault)

	out, err := legalizeLowP(body, g)
	if err != nil {
		t.Fatal(err)
	}
	// The mid-body narrowing becomes a float conversion; the store takes
	// care of the narrowing itself.
	want := []OpKind{OpLoad, OpToKind, OpToKind, OpStore}
	if diff := cmp.Diff(want, blockOps(out)); diff != "" {
		t.Fatalf("legalized ops mismatch (-want +got):\n%s", diff)
	}
	if got := out.Instrs[1].Kind; got != kind.Float32 {
		t.Errorf("mid-body conversion targets %s, want float32", got)
	}
	if got := out.Instrs[2].Kind; got != kind.Bfloat16 {
		t.Errorf("store conversion targets %s, want bfloat16", got)
	}
}

func TestLegalizeLowPReduction(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Bfloat16,
		"c": kind.Bfloat16,
	})
	body := NewBlock()
	x := body.Load("a", rv(0))
	red := body.Reduction(kind.Bfloat16, kind.Bfloat16, RedSum, x)
	body.StoreReduction("c", iv(0), red)

	out, err := legalizeLowP(body, g)
	if err != nil {
		t.Fatal(err)
	}
	want := []OpKind{OpLoad, OpToKind, OpReduction, OpToKind, OpStoreReduction}
	if diff := cmp.Diff(want, blockOps(out)); diff != "" {
		t.Fatalf("legalized ops mismatch (-want +got):\n%s", diff)
	}
	var redIns *Instr
	for _, ins := range out.Instrs {
		if ins.Op == OpReduction {
			redIns = ins
		}
	}
	if redIns.Kind != kind.Float32 || redIns.SrcKind != kind.Float32 {
		t.Errorf("reduction accumulates %s over %s, want float32 over float32", redIns.Kind, redIns.SrcKind)
	}
}

func TestLegalizeLowPMasked(t *testing.T) {
	g := testGraph(map[string]kind.Kind{
		"a": kind.Bfloat16,
		"m": kind.Bool,
		"c": kind.Bfloat16,
	})
	body := NewBlock()
	mask := body.Load("m", iv(0))
	inner := NewBlock()
	x := inner.Load("a", iv(0))
	inner.Unary(OpRelu, x)
	out := body.Masked(mask, inner, 0)
	body.Store("c", iv(0), out, StoreDefault)

	legal, err := legalizeLowP(body, g)
	if err != nil {
		t.Fatal(err)
	}
	maskedIns := legal.Instrs[1]
	if maskedIns.Op != OpMasked {
		t.Fatalf("instruction 1 is %s, want masked", maskedIns.Op)
	}
	want := []OpKind{OpLoad, OpToKind, OpRelu}
	if diff := cmp.Diff(want, blockOps(maskedIns.Body)); diff != "" {
		t.Errorf("masked body ops mismatch (-want +got):\n%s", diff)
	}
}

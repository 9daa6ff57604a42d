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

	"github.com/pkg/errors"
	"github.com/tensorloom/loom/build/cexpr"
	"github.com/tensorloom/loom/build/kind"
)

func TestVecChecker(t *testing.T) {
	tests := []struct {
		name      string
		bufs      map[string]kind.Kind
		body      func(b *Block)
		lengths   []cexpr.Expr
		reduce    []cexpr.Expr
		tilingIdx int
		ok        bool
	}{
		{
			name: "float elementwise",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), b.Unary(OpRelu, x), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      true,
		},
		{
			name: "double load along the tiled loop",
			bufs: map[string]kind.Kind{"a": kind.Float64, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), b.ToKind(x, kind.Float32), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "invariant double load",
			bufs: map[string]kind.Kind{"a": kind.Float64, "b": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", cexpr.Zero())
				y := b.Load("b", iv(0))
				sum := b.Binary(OpAdd, b.ToKind(x, kind.Float32), y)
				b.Store("c", iv(0), sum, StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      true,
		},
		{
			name: "double store",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Float64},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), b.ToKind(x, kind.Float64), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "atomic store",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), x, StoreAtomicAdd)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "store with an invariant index",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", cexpr.Zero(), x, StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "sum reduction",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", cexpr.NewSum(cexpr.MulInt(iv(0), 1025), rv(0)))
				b.StoreReduction("c", iv(0), b.Reduction(kind.Float32, kind.Float32, RedSum, x))
			},
			lengths:   []cexpr.Expr{cexpr.NewInt(4)},
			reduce:    []cexpr.Expr{cexpr.NewInt(1025)},
			tilingIdx: 1,
			ok:        true,
		},
		{
			name: "argmax reduction",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Int64},
			body: func(b *Block) {
				x := b.Load("a", cexpr.NewSum(cexpr.MulInt(iv(0), 1025), rv(0)))
				b.StoreReduction("c", iv(0), b.Reduction(kind.Int64, kind.Float32, RedArgmax, x))
			},
			lengths:   []cexpr.Expr{cexpr.NewInt(4)},
			reduce:    []cexpr.Expr{cexpr.NewInt(1025)},
			tilingIdx: 1,
			ok:        false,
		},
		{
			name: "bool load feeding a where",
			bufs: map[string]kind.Kind{"m": kind.Bool, "a": kind.Float32, "b": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				m := b.Load("m", iv(0))
				x := b.Load("a", iv(0))
				y := b.Load("b", iv(0))
				b.Store("c", iv(0), b.Where(m, x, y), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      true,
		},
		{
			name: "bool load leaking past mask positions",
			bufs: map[string]kind.Kind{"m": kind.Bool, "n": kind.Bool, "c": kind.Float32},
			body: func(b *Block) {
				m := b.Load("m", iv(0))
				n := b.Load("n", iv(0))
				both := b.Binary(OpLogicalAnd, m, n)
				b.Store("c", iv(0), b.ToKind(both, kind.Float32), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "byte load widened to float",
			bufs: map[string]kind.Kind{"a": kind.Uint8, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), b.ToKind(x, kind.Float32), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      true,
		},
		{
			name: "byte load used as arithmetic",
			bufs: map[string]kind.Kind{"a": kind.Uint8, "c": kind.Int32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), b.ToKind(b.Binary(OpAdd, x, x), kind.Int32), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "byte store from a byte conversion",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Uint8},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), b.ToKind(x, kind.Uint8), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      true,
		},
		{
			name: "byte store from a float value",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Uint8},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), x, StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "index value within int32 bounds",
			bufs: map[string]kind.Kind{"c": kind.Int64},
			body: func(b *Block) {
				b.Store("c", iv(0), b.IndexValue(iv(0), kind.Int64), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      true,
		},
		{
			name: "index value overflowing int32",
			bufs: map[string]kind.Kind{"c": kind.Int64},
			body: func(b *Block) {
				idx := b.IndexValue(cexpr.MulInt(iv(0), 1<<22), kind.Int64)
				b.Store("c", iv(0), idx, StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1 << 20)},
			ok:      false,
		},
		{
			name: "overflowing index value only compared",
			bufs: map[string]kind.Kind{"a": kind.Float32, "b": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				idx := b.IndexValue(cexpr.MulInt(iv(0), 1<<22), kind.Int64)
				half := b.ConstantI(1<<41, kind.Int64)
				cond := b.Binary(OpLt, idx, half)
				x := b.Load("a", iv(0))
				y := b.Load("b", iv(0))
				b.Store("c", iv(0), b.Where(cond, x, y), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1 << 20)},
			ok:      true,
		},
		{
			name: "small int64 constant feeding arithmetic",
			bufs: map[string]kind.Kind{"a": kind.Int64, "c": kind.Int64},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				c := b.ConstantI(7, kind.Int64)
				b.Store("c", iv(0), b.Binary(OpAdd, x, c), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "small int64 constant only compared",
			bufs: map[string]kind.Kind{"a": kind.Int64, "b": kind.Float32, "d": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				half := b.ConstantI(512, kind.Int64)
				cond := b.Binary(OpLt, x, half)
				p := b.Load("b", iv(0))
				q := b.Load("d", iv(0))
				b.Store("c", iv(0), b.Where(cond, p, q), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      true,
		},
		{
			name: "index value with a symbolic stride",
			bufs: map[string]kind.Kind{"c": kind.Float32},
			body: func(b *Block) {
				idx := b.IndexValue(cexpr.NewProd(iv(0), cexpr.NewSym("s0")), kind.Float32)
				b.Store("c", iv(0), idx, StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewSym("s0")},
			ok:      false,
		},
		{
			name: "unsupported operation",
			bufs: map[string]kind.Kind{"a": kind.Float32, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				b.Store("c", iv(0), b.Unary(OpSignbit, x), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
		{
			name: "mixed kind comparison",
			bufs: map[string]kind.Kind{"a": kind.Float32, "b": kind.Int64, "c": kind.Float32},
			body: func(b *Block) {
				x := b.Load("a", iv(0))
				y := b.Load("b", iv(0))
				cond := b.Binary(OpLt, x, y)
				b.Store("c", iv(0), b.ToKind(cond, kind.Float32), StoreDefault)
			},
			lengths: []cexpr.Expr{cexpr.NewInt(1024)},
			ok:      false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := testGraph(test.bufs)
			body := NewBlock()
			test.body(body)
			if err := body.PropagateKinds(g); err != nil {
				t.Fatal(err)
			}
			ctx := NewContext(DefaultConfig(), AVX2(), g)
			vc := NewVecChecker(ctx, 8, test.tilingIdx)
			if err := runBody(vc, body, test.lengths, test.reduce); err != nil {
				t.Fatalf("checking the body: %v", err)
			}
			err := vc.Err()
			if test.ok && err != nil {
				t.Errorf("vectorization rejected: %v", err)
			}
			if !test.ok {
				if err == nil {
					t.Fatalf("vectorization accepted")
				}
				if !errors.Is(err, ErrVecUnsupported) {
					t.Errorf("error %v does not wrap ErrVecUnsupported", err)
				}
			}
		})
	}
}

func TestVecCheckerNarrowsConstants(t *testing.T) {
	g := testGraph(map[string]kind.Kind{"a": kind.Float32, "c": kind.Float32})
	body := NewBlock()
	x := body.Load("a", iv(0))
	big := body.ConstantF(1.5, kind.Float64)
	sum := body.Binary(OpAdd, x, body.ToKind(big, kind.Float32))
	body.Store("c", iv(0), sum, StoreDefault)
	if err := body.PropagateKinds(g); err != nil {
		t.Fatal(err)
	}
	ctx := NewContext(DefaultConfig(), AVX2(), g)
	vc := NewVecChecker(ctx, 8, 0)
	if err := runBody(vc, body, []cexpr.Expr{cexpr.NewInt(1024)}, nil); err != nil {
		t.Fatal(err)
	}
	if err := vc.Err(); err != nil {
		t.Fatalf("vectorization rejected: %v", err)
	}
	if got := body.Instrs[1].ResultKind(0); got != kind.Float32 {
		t.Errorf("double constant kept kind %s, want narrowed to float32", got)
	}
}

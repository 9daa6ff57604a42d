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

	"github.com/tensorloom/loom/base/buffer"
	"github.com/tensorloom/loom/build/cexpr"
	"github.com/tensorloom/loom/build/kind"
)

// Tile2DKernel vectorizes bodies whose loads disagree on which loop is
// contiguous, as in a transpose. Two loops advance by the tiling
// factor: accesses contiguous along the inner tiled loop load directly
// as vectors, accesses contiguous along the outer one go through a
// transposed tile buffer filled before an elementwise inner loop.
type Tile2DKernel struct {
	VecKernel
	tilingIndices [2]int
	outerIdx      int

	preloads   *buffer.Indented
	poststores *buffer.Indented
}

var _ Handler = (*Tile2DKernel)(nil)

// NewTile2DKernel returns a kernel tiling the two loops at
// tilingIndices by factor elements each.
func NewTile2DKernel(ctx *Context, args *Args, factor int64, tilingIndices [2]int) *Tile2DKernel {
	return &Tile2DKernel{
		VecKernel:     *NewVecKernel(ctx, args, factor, tilingIndices[1]),
		tilingIndices: tilingIndices,
		preloads:      buffer.New(),
		poststores:    buffer.New(),
	}
}

// SetRanges fixes the iteration space and decides which tiled loop is
// vectorized: a reduced tiled loop becomes the inner one so the
// vertical reduction runs as the tail loop.
func (tk *Tile2DKernel) SetRanges(lengths, reductionLengths []cexpr.Expr) ([]cexpr.Expr, []cexpr.Expr, error) {
	vars, redVars, err := tk.Kernel.SetRanges(lengths, reductionLengths)
	if err != nil {
		return nil, nil, err
	}
	if tk.tilingIndices[1] < tk.reductionDepth {
		tk.outerIdx, tk.tilingIdx = tk.tilingIndices[0], tk.tilingIndices[1]
	} else {
		tk.outerIdx, tk.tilingIdx = tk.tilingIndices[1], tk.tilingIndices[0]
	}
	return vars, redVars, nil
}

func (tk *Tile2DKernel) innerItervar() string {
	return tk.itervars[tk.outerIdx] + "_inner"
}

// needVecTranspose reports whether an access is contiguous along the
// outer tiled loop and so must go through a transposed tile.
func (tk *Tile2DKernel) needVecTranspose(index cexpr.Expr) bool {
	if tk.maskDepth > 0 {
		return false
	}
	outer := tk.itervars[tk.outerIdx]
	inner := tk.itervars[tk.tilingIdx]
	outerStride := cexpr.StrideAtVecRange(index, outer, tk.tilingFactor)
	innerStride := cexpr.StrideAtVecRange(index, inner, tk.tilingFactor)
	return cexpr.IsOne(outerStride) &&
		cexpr.HasVar(index, inner) &&
		!cexpr.HasVar(innerStride, inner) &&
		!cexpr.HasVar(innerStride, outer)
}

// transposedTile moves a tile between memory and a stack buffer,
// transposing it so the inner tiled loop becomes the contiguous one.
// Loads dedupe through the CSE cache; stores always get a fresh tile.
func (tk *Tile2DKernel) transposedTile(buf string, index cexpr.Expr, isStore bool) (*Variable, error) {
	bk, err := tk.ctx.Graph.BufferKind(buf)
	if err != nil {
		return nil, err
	}
	var ptr string
	if isStore {
		ptr = tk.args.Output(buf)
	} else {
		ptr = tk.args.Input(buf)
	}
	idx, err := tk.index(index)
	if err != nil {
		return nil, err
	}
	innerStride := cexpr.StrideAtVecRange(index, tk.itervars[tk.tilingIdx], tk.tilingFactor)
	ld, err := tk.index(innerStride)
	if err != nil {
		return nil, err
	}
	factor := tk.tilingFactor
	mem := fmt.Sprintf("%s + %s", ptr, idx)
	line := func(tile string) string {
		src, dst, ldSrc, ldDst := mem, tile, ld, fmt.Sprintf("%d", factor)
		if isStore {
			src, dst = dst, src
			ldSrc, ldDst = ldDst, ldSrc
		}
		return fmt.Sprintf("loom::vec::transpose_mxn<%s,%d,%d>(%s, %s, %s, %s);",
			cType(bk), factor, factor, src, ldSrc, dst, ldDst)
	}
	key := "transpose(" + line("tile") + ")"
	if !isStore {
		if vs, ok := tk.cse.Lookup(key); ok {
			return vs[0], nil
		}
	}
	tile := tk.cse.NewVar(bk, false)
	tk.preloads.WriteLinef("alignas(64) %s %s[%d*%d];", cType(bk), tile.Name, factor, factor)
	if isStore {
		tk.poststores.WriteLine(line(tile.Name))
	} else {
		tk.preloads.WriteLine(line(tile.Name))
		tk.cse.Put(key, []*Variable{tile})
	}
	return tile, nil
}

// Load reads a vector either straight from memory or from a transposed
// tile filled in the preloads.
func (tk *Tile2DKernel) Load(buf string, index cexpr.Expr) (*Variable, error) {
	if !tk.needVecTranspose(index) {
		return tk.VecKernel.Load(buf, tk.transformIndexing(index))
	}
	bk, err := tk.ctx.Graph.BufferKind(buf)
	if err != nil {
		return nil, err
	}
	tile, err := tk.transposedTile(buf, index, false)
	if err != nil {
		return nil, err
	}
	loadbuf := fmt.Sprintf("%s + static_cast<%s>(%s*%d)", tile.Name, indexType, tk.innerItervar(), tk.tilingFactor)
	line := tk.vecLoadLine(loadbuf, bk, false, false)
	v := tk.cse.Generate(tk.loads, line, line, bk, true)
	v.IsVec = true
	tk.markDeps(v, index)
	v.AddDep(tk.tilingVar())
	return v, nil
}

// Store writes a vector either straight to memory or into a tile that
// the poststores transpose back.
func (tk *Tile2DKernel) Store(buf string, index cexpr.Expr, value *Variable, mode StoreMode) error {
	if mode != StoreDefault {
		return tk.VecKernel.Store(buf, index, value, mode)
	}
	if !tk.needVecTranspose(index) {
		return tk.VecKernel.Store(buf, tk.transformIndexing(index), value, mode)
	}
	bk, err := tk.ctx.Graph.BufferKind(buf)
	if err != nil {
		return err
	}
	if !value.IsVec {
		value = tk.broadcast(value)
	}
	tile, err := tk.transposedTile(buf, index, true)
	if err != nil {
		return err
	}
	storebuf := fmt.Sprintf("%s + static_cast<%s>(%s*%d)", tile.Name, indexType, tk.innerItervar(), tk.tilingFactor)
	if bk.IsLowPrecisionFloat() || bk == kind.Uint8 || bk == kind.Int8 {
		tk.stores.WriteLinef("%s.store(%s, %d);", value, storebuf, tk.tilingFactor)
	} else {
		tk.stores.WriteLinef("%s.store(%s);", value, storebuf)
	}
	tk.cse.CacheStore(buf, value)
	return nil
}

// transformIndexing steps the outer tiled loop elementwise through the
// inner loop variable.
func (tk *Tile2DKernel) transformIndexing(index cexpr.Expr) cexpr.Expr {
	outer := tk.itervars[tk.outerIdx]
	return cexpr.SubsVar(index, outer,
		cexpr.NewSum(cexpr.NewSym(outer), cexpr.NewSym(tk.innerItervar())))
}

// emitLeaf writes the tile preloads, then the elementwise inner loop
// over the outer tile dimension, then the transposed write-backs.
func (tk *Tile2DKernel) emitLeaf(code *buffer.Indented) {
	code.Splice(tk.preloads)
	inner := tk.innerItervar()
	code.WriteLinef("for (long %s = 0; %s < %d; %s++)", inner, inner, tk.tilingFactor, inner)
	code.WriteLine("{")
	code.Indent(func() {
		code.Splice(tk.loads)
		code.Splice(tk.compute)
		code.Splice(tk.stores)
	})
	code.WriteLine("}")
	code.Splice(tk.poststores)
}

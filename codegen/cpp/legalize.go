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
	"github.com/tensorloom/loom/build/kind"
)

// legalizeLowP rewrites a body so bfloat16 and float16 values only
// exist at the memory boundary: loads widen to float right away, stores
// narrow right before writing, and everything in between computes in
// float. Bodies that move low precision values without computing on
// them are left alone; the emitters handle those natively.
func legalizeLowP(b *Block, g *Graph) (*Block, error) {
	if !usesLowP(b, g) || lowpNative(b, g) {
		return b, nil
	}
	out := NewBlock()
	if err := legalizeInto(b, g, out); err != nil {
		return nil, err
	}
	return out, nil
}

// usesLowP reports whether the body touches a low precision buffer or
// kind anywhere.
func usesLowP(b *Block, g *Graph) bool {
	for _, ins := range b.Instrs {
		switch ins.Op {
		case OpLoad, OpStore, OpStoreReduction:
			if k, err := g.BufferKind(ins.Buf); err == nil && k.IsLowPrecisionFloat() {
				return true
			}
		}
		if ins.Kind.IsLowPrecisionFloat() || ins.SrcKind.IsLowPrecisionFloat() {
			return true
		}
		if ins.Body != nil && usesLowP(ins.Body, g) {
			return true
		}
	}
	return false
}

// lowpNative reports whether the body only moves, negates or takes the
// absolute value of one low precision kind. Such bodies lose nothing by
// staying in the narrow kind end to end.
func lowpNative(b *Block, g *Graph) bool {
	var lowp kind.Kind
	for _, ins := range b.Instrs {
		switch ins.Op {
		case OpLoad, OpStore, OpStoreReduction:
			k, err := g.BufferKind(ins.Buf)
			if err != nil || !k.IsLowPrecisionFloat() {
				return false
			}
			if lowp == kind.Invalid {
				lowp = k
			}
			if k != lowp {
				return false
			}
		case OpAbs, OpNeg:
		default:
			return false
		}
	}
	return lowp != kind.Invalid
}

func usersAllStores(b *Block, v ValueRef) bool {
	users := b.Users(v)
	if len(users) == 0 {
		return false
	}
	for _, u := range users {
		if u.Op != OpStore && u.Op != OpStoreReduction {
			return false
		}
	}
	return true
}

func legalizeInto(b *Block, g *Graph, out *Block) error {
	refs := make([]ValueRef, len(b.Instrs))
	for i, ins := range b.Instrs {
		c := *ins
		c.OutKinds, c.VecKinds = nil, nil
		c.Args = make([]ValueRef, len(ins.Args))
		for j, a := range ins.Args {
			c.Args[j] = refs[a]
		}
		switch ins.Op {
		case OpLoad:
			bk, err := g.BufferKind(ins.Buf)
			if err != nil {
				return err
			}
			ref := out.push(&c)
			refs[i] = ref
			if bk.IsLowPrecisionFloat() && !usersAllStores(b, ValueRef(i)) {
				refs[i] = out.push(&Instr{
					Op: OpToKind, Args: []ValueRef{ref},
					Kind: kind.Float32, SrcKind: bk,
				})
			}
		case OpStore, OpStoreReduction:
			bk, err := g.BufferKind(ins.Buf)
			if err != nil {
				return err
			}
			if bk.IsLowPrecisionFloat() {
				src := out.Instrs[c.Args[0]]
				direct := src.Op == OpLoad
				if direct {
					if lk, err := g.BufferKind(src.Buf); err != nil || lk != bk {
						direct = false
					}
				}
				if !direct {
					c.Args[0] = out.push(&Instr{
						Op: OpToKind, Args: []ValueRef{c.Args[0]},
						Kind: bk, SrcKind: kind.Float32,
					})
				}
			}
			out.push(&c)
		case OpToKind:
			if ins.Kind.IsLowPrecisionFloat() {
				src := out.Instrs[c.Args[0]]
				if src.Op == OpToKind && src.Kind == kind.Float32 {
					// The widened value is already there; the narrowing
					// reappears at the stores that need it.
					refs[i] = c.Args[0]
					continue
				}
				c.Kind = kind.Float32
				c.SrcKind = kind.Invalid
			}
			refs[i] = out.push(&c)
		case OpReduction:
			if c.SrcKind.IsLowPrecisionFloat() {
				c.SrcKind = kind.Float32
			}
			if c.Kind.IsLowPrecisionFloat() {
				c.Kind = kind.Float32
			}
			refs[i] = out.push(&c)
		case OpConstant:
			if c.Kind.IsLowPrecisionFloat() {
				c.Kind = kind.Float32
			}
			refs[i] = out.push(&c)
		case OpMasked:
			body := NewBlock()
			if err := legalizeInto(ins.Body, g, body); err != nil {
				return err
			}
			c.Body = body
			refs[i] = out.push(&c)
		default:
			refs[i] = out.push(&c)
		}
	}
	return nil
}

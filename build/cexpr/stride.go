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

package cexpr

import "fmt"

// StrideAt returns the stride of an index expression with respect to a
// variable: index with the variable advanced by one, minus index.
// A constant result means the accesses are equally spaced.
func StrideAt(index Expr, name string) Expr {
	next := Subs(index, map[string]Expr{name: NewSum(NewSym(name), One())})
	return Simplify(Sub(next, index))
}

// SimplifyInVecRange rewrites the floor divisions and modular indexings
// of index that are invariant or linear over an aligned window of
// veclen consecutive values of the variable:
//
//   - x // d with d a multiple of veclen is constant over the window
//     and becomes a fresh symbol;
//   - (x // d) % m with d a multiple of veclen likewise;
//   - x % m with m a multiple of veclen advances in lockstep with x
//     and becomes x plus a fresh symbol.
//
// Only subexpressions that mention the variable are rewritten.
func SimplifyInVecRange(index Expr, name string, veclen int64) Expr {
	fresh := 0
	newSym := func() Expr {
		s := NewSym(fmt.Sprintf("%s_vrange%d", name, fresh))
		fresh++
		return s
	}
	var rewrite func(e Expr) Expr
	rewrite = func(e Expr) Expr {
		switch x := e.(type) {
		case *FloorDiv:
			d, ok := AsInt(x.Div)
			if ok && d%veclen == 0 && HasVar(x.X, name) {
				return newSym()
			}
			return &FloorDiv{X: rewrite(x.X), Div: x.Div}
		case *ModIndex:
			if !HasVar(x.X, name) {
				return e
			}
			if d, ok := AsInt(x.Div); ok && d%veclen == 0 {
				return newSym()
			}
			if m, ok := AsInt(x.Mod); ok && m%veclen == 0 && IsOne(x.Div) {
				return NewSum(rewrite(x.X), newSym())
			}
			return &ModIndex{X: rewrite(x.X), Div: x.Div, Mod: x.Mod}
		case *Sum:
			terms := make([]Expr, len(x.Terms))
			for i, t := range x.Terms {
				terms[i] = rewrite(t)
			}
			return &Sum{Terms: terms}
		case *Prod:
			factors := make([]Expr, len(x.Factors))
			for i, f := range x.Factors {
				factors[i] = rewrite(f)
			}
			return &Prod{Factors: factors}
		}
		return e
	}
	return Simplify(rewrite(Simplify(index)))
}

// StrideAtVecRange returns the stride of index with respect to a
// variable over an aligned window of veclen consecutive values.
func StrideAtVecRange(index Expr, name string, veclen int64) Expr {
	return StrideAt(SimplifyInVecRange(index, name, veclen), name)
}

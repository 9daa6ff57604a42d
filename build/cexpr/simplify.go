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

import "sort"

type rat struct {
	p, q int64
}

func ratInt(v int64) rat { return rat{p: v, q: 1} }

func (r rat) norm() rat {
	if r.q < 0 {
		r.p, r.q = -r.p, -r.q
	}
	if g := gcd(r.p, r.q); g > 1 {
		r.p, r.q = r.p/g, r.q/g
	}
	return r
}

func (r rat) add(o rat) rat {
	return rat{p: r.p*o.q + o.p*r.q, q: r.q * o.q}.norm()
}

func (r rat) mul(o rat) rat {
	return rat{p: r.p * o.p, q: r.q * o.q}.norm()
}

func (r rat) isZero() bool { return r.p == 0 }

func (r rat) isOne() bool { return r.p == 1 && r.q == 1 }

func (r rat) expr() Expr { return NewRational(r.p, r.q) }

// Simplify returns a simplified form of e: products are expanded over
// sums, like terms are collected, constants are folded, and exact
// floor divisions are carried out. The result is deterministic: terms
// and commutative arguments are sorted.
func Simplify(e Expr) Expr {
	switch x := e.(type) {
	case *Int, *Rational, *Sym:
		return e
	case *Sum:
		terms := make([]Expr, len(x.Terms))
		for i, t := range x.Terms {
			terms[i] = Simplify(t)
		}
		return collect(terms)
	case *Prod:
		factors := make([]Expr, len(x.Factors))
		for i, f := range x.Factors {
			factors[i] = Simplify(f)
		}
		return expandProd(factors)
	case *FloorDiv:
		return simplifyFloorDiv(Simplify(x.X), Simplify(x.Div))
	case *ModIndex:
		return simplifyModIndex(Simplify(x.X), Simplify(x.Div), Simplify(x.Mod))
	case *Min:
		return simplifyExtremum(x.Args, false)
	case *Max:
		return simplifyExtremum(x.Args, true)
	case *Pow:
		base := Simplify(x.Base)
		if v, ok := AsInt(base); ok && x.Exp.Q == 1 && x.Exp.P >= 0 && x.Exp.P <= 16 {
			r := int64(1)
			for range x.Exp.P {
				r *= v
			}
			return NewInt(r)
		}
		return NewPow(base, x.Exp.P, x.Exp.Q)
	case *Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = Simplify(a)
		}
		return &Call{Fn: x.Fn, Args: args}
	}
	return e
}

// splitTerm separates a simplified term into its rational coefficient
// and its remaining symbolic factors, sorted.
func splitTerm(e Expr) (rat, []Expr) {
	switch x := e.(type) {
	case *Int:
		return ratInt(x.V), nil
	case *Rational:
		return rat{p: x.P, q: x.Q}, nil
	case *Prod:
		coeff := ratInt(1)
		var factors []Expr
		for _, f := range x.Factors {
			switch c := f.(type) {
			case *Int:
				coeff = coeff.mul(ratInt(c.V))
			case *Rational:
				coeff = coeff.mul(rat{p: c.P, q: c.Q})
			default:
				factors = append(factors, f)
			}
		}
		sort.Slice(factors, func(i, j int) bool { return factors[i].String() < factors[j].String() })
		return coeff, factors
	}
	return ratInt(1), []Expr{e}
}

func termExpr(coeff rat, factors []Expr) Expr {
	if len(factors) == 0 {
		return coeff.expr()
	}
	if coeff.isOne() {
		return NewProd(factors...)
	}
	return NewProd(append([]Expr{coeff.expr()}, factors...)...)
}

// collect flattens a list of simplified terms into a canonical sum.
func collect(terms []Expr) Expr {
	coeffs := make(map[string]rat)
	factors := make(map[string][]Expr)
	constant := ratInt(0)
	var flatten func(ts []Expr)
	flatten = func(ts []Expr) {
		for _, t := range ts {
			if s, ok := t.(*Sum); ok {
				flatten(s.Terms)
				continue
			}
			coeff, fs := splitTerm(t)
			if len(fs) == 0 {
				constant = constant.add(coeff)
				continue
			}
			key := NewProd(fs...).String()
			if _, ok := coeffs[key]; !ok {
				coeffs[key] = ratInt(0)
			}
			coeffs[key] = coeffs[key].add(coeff)
			factors[key] = fs
		}
	}
	flatten(terms)

	keys := make([]string, 0, len(coeffs))
	for k, c := range coeffs {
		if !c.isZero() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Expr, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, termExpr(coeffs[k], factors[k]))
	}
	if !constant.isZero() || len(out) == 0 {
		out = append(out, constant.expr())
	}
	return NewSum(out...)
}

// expandProd multiplies simplified factors, distributing over sums.
func expandProd(factors []Expr) Expr {
	coeff := ratInt(1)
	var sums []*Sum
	var rest []Expr
	var flatten func(fs []Expr)
	flatten = func(fs []Expr) {
		for _, f := range fs {
			switch x := f.(type) {
			case *Int:
				coeff = coeff.mul(ratInt(x.V))
			case *Rational:
				coeff = coeff.mul(rat{p: x.P, q: x.Q})
			case *Prod:
				flatten(x.Factors)
			case *Sum:
				sums = append(sums, x)
			default:
				rest = append(rest, f)
			}
		}
	}
	flatten(factors)
	if coeff.isZero() {
		return Zero()
	}
	// Distribute every sum factor.
	products := [][]Expr{rest}
	for _, s := range sums {
		var next [][]Expr
		for _, p := range products {
			for _, t := range s.Terms {
				withT := make([]Expr, len(p), len(p)+1)
				copy(withT, p)
				next = append(next, append(withT, t))
			}
		}
		products = next
	}
	if len(products) == 1 && len(sums) == 0 {
		fs := products[0]
		sort.Slice(fs, func(i, j int) bool { return fs[i].String() < fs[j].String() })
		return termExpr(coeff, fs)
	}
	terms := make([]Expr, 0, len(products))
	for _, p := range products {
		terms = append(terms, Simplify(termExpr(coeff, p)))
	}
	return collect(terms)
}

// sumTerms returns the additive terms of a simplified expression.
func sumTerms(e Expr) []Expr {
	if s, ok := e.(*Sum); ok {
		return s.Terms
	}
	return []Expr{e}
}

func floorInt(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func simplifyFloorDiv(x, div Expr) Expr {
	if IsOne(div) {
		return x
	}
	d, dConst := AsInt(div)
	if !dConst || d <= 0 {
		if Equal(x, div) {
			return One()
		}
		return &FloorDiv{X: x, Div: div}
	}
	if v, ok := AsInt(x); ok {
		return NewInt(floorInt(v, d))
	}
	// Pull out the terms whose integer coefficient d divides:
	// (d*a + r) // d == a + r // d.
	var exact, rest []Expr
	for _, t := range sumTerms(x) {
		coeff, fs := splitTerm(t)
		if coeff.q == 1 && coeff.p%d == 0 {
			exact = append(exact, termExpr(rat{p: coeff.p / d, q: 1}, fs))
		} else {
			rest = append(rest, t)
		}
	}
	if len(exact) == 0 {
		return &FloorDiv{X: x, Div: div}
	}
	if len(rest) == 0 {
		return collect(exact)
	}
	return collect(append(exact, simplifyFloorDiv(collect(rest), div)))
}

func simplifyModIndex(x, div, mod Expr) Expr {
	if IsOne(mod) {
		return Zero()
	}
	d, dConst := AsInt(div)
	m, mConst := AsInt(mod)
	if dConst && mConst && d > 0 && m > 0 {
		if v, ok := AsInt(x); ok {
			r := floorInt(v, d) % m
			if r < 0 {
				r += m
			}
			return NewInt(r)
		}
		// Terms divisible by d*m do not contribute:
		// ((d*m*a + r) // d) % m == (m*a + r // d) % m == (r // d) % m.
		var rest []Expr
		dropped := false
		for _, t := range sumTerms(x) {
			coeff, _ := splitTerm(t)
			if coeff.q == 1 && coeff.p%(d*m) == 0 {
				dropped = true
				continue
			}
			rest = append(rest, t)
		}
		if dropped {
			return simplifyModIndex(collect(rest), div, mod)
		}
	}
	return &ModIndex{X: x, Div: div, Mod: mod}
}

func simplifyExtremum(args []Expr, isMax bool) Expr {
	var flat []Expr
	hasConst := false
	var constVal int64
	seen := make(map[string]bool)
	var visit func(as []Expr)
	visit = func(as []Expr) {
		for _, a := range as {
			a = Simplify(a)
			if isMax {
				if m, ok := a.(*Max); ok {
					visit(m.Args)
					continue
				}
			} else {
				if m, ok := a.(*Min); ok {
					visit(m.Args)
					continue
				}
			}
			if v, ok := AsInt(a); ok {
				if !hasConst {
					hasConst, constVal = true, v
				} else if isMax && v > constVal {
					constVal = v
				} else if !isMax && v < constVal {
					constVal = v
				}
				continue
			}
			if key := a.String(); !seen[key] {
				seen[key] = true
				flat = append(flat, a)
			}
		}
	}
	visit(args)
	if hasConst {
		flat = append(flat, NewInt(constVal))
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].String() < flat[j].String() })
	if len(flat) == 1 {
		return flat[0]
	}
	if isMax {
		return &Max{Args: flat}
	}
	return &Min{Args: flat}
}

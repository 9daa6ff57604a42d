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

// Package cexpr provides symbolic integer index expressions.
//
// Expressions are immutable trees over integer constants, rationals and
// named symbols. They model flattened tensor indexing: linear
// combinations of loop variables plus floor division and modular
// indexing for dimension folding.
package cexpr

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// Expr is a symbolic integer expression.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Int is an integer constant.
type Int struct {
	V int64
}

// Rational is an exact fraction P/Q with Q > 0.
type Rational struct {
	P, Q int64
}

// Sym is a named symbol. Loop variables and size variables are
// distinguished by naming convention: loop variables are "x"-prefixed
// ("x0", "d1", "z0" depending on the producer) and dynamic sizes are
// "s"-prefixed ("s0").
type Sym struct {
	Name string
}

// Sum of its terms.
type Sum struct {
	Terms []Expr
}

// Prod is the product of its factors.
type Prod struct {
	Factors []Expr
}

// FloorDiv is X divided by Div, rounded towards negative infinity.
type FloorDiv struct {
	X, Div Expr
}

// ModIndex is (X floor-divided by Div) modulo Mod, the canonical form
// of extracting one logical dimension out of a flattened index.
type ModIndex struct {
	X, Div, Mod Expr
}

// Min of its arguments.
type Min struct {
	Args []Expr
}

// Max of its arguments.
type Max struct {
	Args []Expr
}

// Pow raises Base to a rational exponent.
type Pow struct {
	Base Expr
	Exp  Rational
}

// Func identifies a math function applicable to an expression.
type Func int

// Functions applicable to expressions.
const (
	FuncInvalid Func = iota
	FuncFloor
	FuncCeil
	FuncAbs
	FuncRound
	FuncSin
	FuncSinh
	FuncAsin
	FuncCos
	FuncCosh
	FuncAcos
	FuncTan
	FuncTanh
	FuncAtan
)

var funcNames = map[Func]string{
	FuncFloor: "floor",
	FuncCeil:  "ceil",
	FuncAbs:   "abs",
	FuncRound: "round",
	FuncSin:   "sin",
	FuncSinh:  "sinh",
	FuncAsin:  "asin",
	FuncCos:   "cos",
	FuncCosh:  "cosh",
	FuncAcos:  "acos",
	FuncTan:   "tan",
	FuncTanh:  "tanh",
	FuncAtan:  "atan",
}

// Name of the function.
func (f Func) Name() string {
	name, ok := funcNames[f]
	if !ok {
		return "invalid"
	}
	return name
}

// Call applies a math function to arguments.
type Call struct {
	Fn   Func
	Args []Expr
}

func (*Int) isExpr()      {}
func (*Rational) isExpr() {}
func (*Sym) isExpr()      {}
func (*Sum) isExpr()      {}
func (*Prod) isExpr()     {}
func (*FloorDiv) isExpr() {}
func (*ModIndex) isExpr() {}
func (*Min) isExpr()      {}
func (*Max) isExpr()      {}
func (*Pow) isExpr()      {}
func (*Call) isExpr()     {}

// NewInt returns an integer constant.
func NewInt(v int64) *Int { return &Int{V: v} }

// Zero constant.
func Zero() *Int { return NewInt(0) }

// One constant.
func One() *Int { return NewInt(1) }

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// NewRational returns the normalized fraction p/q.
// It returns an *Int when q divides p.
func NewRational(p, q int64) Expr {
	if q < 0 {
		p, q = -p, -q
	}
	if g := gcd(p, q); g > 1 {
		p, q = p/g, q/g
	}
	if q == 1 {
		return NewInt(p)
	}
	return &Rational{P: p, Q: q}
}

// NewSym returns a symbol.
func NewSym(name string) *Sym { return &Sym{Name: name} }

// NewSum returns the sum of terms, without simplification.
func NewSum(terms ...Expr) Expr {
	switch len(terms) {
	case 0:
		return Zero()
	case 1:
		return terms[0]
	}
	return &Sum{Terms: terms}
}

// NewProd returns the product of factors, without simplification.
func NewProd(factors ...Expr) Expr {
	switch len(factors) {
	case 0:
		return One()
	case 1:
		return factors[0]
	}
	return &Prod{Factors: factors}
}

// Sub returns a-b.
func Sub(a, b Expr) Expr {
	return NewSum(a, NewProd(NewInt(-1), b))
}

// MulInt returns e scaled by an integer constant.
func MulInt(e Expr, v int64) Expr {
	return NewProd(NewInt(v), e)
}

// NewFloorDiv returns x floor-divided by div.
func NewFloorDiv(x, div Expr) Expr {
	return &FloorDiv{X: x, Div: div}
}

// NewModIndex returns (x // div) % mod.
func NewModIndex(x, div, mod Expr) Expr {
	return &ModIndex{X: x, Div: div, Mod: mod}
}

// NewMin returns the minimum of args.
func NewMin(args ...Expr) Expr {
	if len(args) == 1 {
		return args[0]
	}
	return &Min{Args: args}
}

// NewMax returns the maximum of args.
func NewMax(args ...Expr) Expr {
	if len(args) == 1 {
		return args[0]
	}
	return &Max{Args: args}
}

// NewPow raises base to the exponent p/q.
func NewPow(base Expr, p, q int64) Expr {
	if q < 0 {
		p, q = -p, -q
	}
	if g := gcd(p, q); g > 1 {
		p, q = p/g, q/g
	}
	if p == 0 {
		return One()
	}
	if p == 1 && q == 1 {
		return base
	}
	return &Pow{Base: base, Exp: Rational{P: p, Q: q}}
}

// NewCall applies a math function to arguments.
func NewCall(fn Func, args ...Expr) Expr {
	return &Call{Fn: fn, Args: args}
}

func (e *Int) String() string {
	return fmt.Sprintf("%d", e.V)
}

func (e *Rational) String() string {
	return fmt.Sprintf("%d/%d", e.P, e.Q)
}

func (e *Sym) String() string {
	return e.Name
}

func joinStrings(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, sep)
}

func (e *Sum) String() string {
	return "(" + joinStrings(e.Terms, " + ") + ")"
}

func (e *Prod) String() string {
	return "(" + joinStrings(e.Factors, "*") + ")"
}

func (e *FloorDiv) String() string {
	return fmt.Sprintf("(%s // %s)", e.X, e.Div)
}

func (e *ModIndex) String() string {
	return fmt.Sprintf("ModularIndexing(%s, %s, %s)", e.X, e.Div, e.Mod)
}

func (e *Min) String() string {
	return "min(" + joinStrings(e.Args, ", ") + ")"
}

func (e *Max) String() string {
	return "max(" + joinStrings(e.Args, ", ") + ")"
}

func (e *Pow) String() string {
	if e.Exp.Q == 1 {
		return fmt.Sprintf("%s**%d", e.Base, e.Exp.P)
	}
	return fmt.Sprintf("%s**(%d/%d)", e.Base, e.Exp.P, e.Exp.Q)
}

func (e *Call) String() string {
	return e.Fn.Name() + "(" + joinStrings(e.Args, ", ") + ")"
}

// AsInt returns the value of an integer constant expression.
func AsInt(e Expr) (int64, bool) {
	i, ok := e.(*Int)
	if !ok {
		return 0, false
	}
	return i.V, true
}

// IsZero returns true if e is the integer constant 0.
func IsZero(e Expr) bool {
	v, ok := AsInt(e)
	return ok && v == 0
}

// IsOne returns true if e is the integer constant 1.
func IsOne(e Expr) bool {
	v, ok := AsInt(e)
	return ok && v == 1
}

// Equal reports structural equality of two expressions.
// Call it on simplified expressions for a semantic comparison.
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func collectVars(e Expr, vars map[string]bool) {
	switch x := e.(type) {
	case *Int, *Rational:
	case *Sym:
		vars[x.Name] = true
	case *Sum:
		for _, t := range x.Terms {
			collectVars(t, vars)
		}
	case *Prod:
		for _, f := range x.Factors {
			collectVars(f, vars)
		}
	case *FloorDiv:
		collectVars(x.X, vars)
		collectVars(x.Div, vars)
	case *ModIndex:
		collectVars(x.X, vars)
		collectVars(x.Div, vars)
		collectVars(x.Mod, vars)
	case *Min:
		for _, a := range x.Args {
			collectVars(a, vars)
		}
	case *Max:
		for _, a := range x.Args {
			collectVars(a, vars)
		}
	case *Pow:
		collectVars(x.Base, vars)
	case *Call:
		for _, a := range x.Args {
			collectVars(a, vars)
		}
	}
}

// FreeVars returns the names of the symbols in e, sorted.
func FreeVars(e Expr) []string {
	vars := make(map[string]bool)
	collectVars(e, vars)
	names := maps.Keys(vars)
	sort.Strings(names)
	return names
}

// HasVar returns true if symbol name occurs in e.
func HasVar(e Expr, name string) bool {
	vars := make(map[string]bool)
	collectVars(e, vars)
	return vars[name]
}

// Subs substitutes symbols by expressions. The result is not simplified.
func Subs(e Expr, subs map[string]Expr) Expr {
	switch x := e.(type) {
	case *Int, *Rational:
		return e
	case *Sym:
		if r, ok := subs[x.Name]; ok {
			return r
		}
		return e
	case *Sum:
		terms := make([]Expr, len(x.Terms))
		for i, t := range x.Terms {
			terms[i] = Subs(t, subs)
		}
		return &Sum{Terms: terms}
	case *Prod:
		factors := make([]Expr, len(x.Factors))
		for i, f := range x.Factors {
			factors[i] = Subs(f, subs)
		}
		return &Prod{Factors: factors}
	case *FloorDiv:
		return &FloorDiv{X: Subs(x.X, subs), Div: Subs(x.Div, subs)}
	case *ModIndex:
		return &ModIndex{X: Subs(x.X, subs), Div: Subs(x.Div, subs), Mod: Subs(x.Mod, subs)}
	case *Min:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = Subs(a, subs)
		}
		return &Min{Args: args}
	case *Max:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = Subs(a, subs)
		}
		return &Max{Args: args}
	case *Pow:
		return &Pow{Base: Subs(x.Base, subs), Exp: x.Exp}
	case *Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = Subs(a, subs)
		}
		return &Call{Fn: x.Fn, Args: args}
	}
	return e
}

// SubsVar substitutes a single symbol and simplifies the result.
func SubsVar(e Expr, name string, by Expr) Expr {
	return Simplify(Subs(e, map[string]Expr{name: by}))
}

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
	"github.com/tensorloom/loom/build/cexpr"
)

// Printer renders index expressions as C++ source. Rename, when set,
// maps symbol names to their in-kernel spelling, typically renaming
// size symbols to kernel arguments.
type Printer struct {
	Rename func(name string) string
}

// Print renders an expression. Unsupported node types are an error
// rather than silently mis-rendered code.
func (p *Printer) Print(e cexpr.Expr) (string, error) {
	switch x := e.(type) {
	case *cexpr.Int:
		// Integer literals carry the long suffix so that arithmetic on
		// them stays in the index type.
		return fmt.Sprintf("%dL", x.V), nil
	case *cexpr.Rational:
		// An exact fraction renders as a float division so that the
		// quotient is not truncated.
		return fmt.Sprintf("%d.0/%d.0", x.P, x.Q), nil
	case *cexpr.Sym:
		if p.Rename != nil {
			return p.Rename(x.Name), nil
		}
		return x.Name, nil
	case *cexpr.Sum:
		parts, err := p.printAll(x.Terms)
		if err != nil {
			return "", err
		}
		return strings.Join(parts, " + "), nil
	case *cexpr.Prod:
		parts, err := p.printAll(x.Factors)
		if err != nil {
			return "", err
		}
		for i, s := range parts {
			parts[i] = paren(s)
		}
		return strings.Join(parts, "*"), nil
	case *cexpr.FloorDiv:
		a, err := p.Print(x.X)
		if err != nil {
			return "", err
		}
		b, err := p.Print(x.Div)
		if err != nil {
			return "", err
		}
		// Floor semantics must survive negative operands, which C
		// integer division does not provide.
		return fmt.Sprintf("loom::div_floor_integer(%s, %s)", paren(a), paren(b)), nil
	case *cexpr.ModIndex:
		s, err := p.Print(x.X)
		if err != nil {
			return "", err
		}
		s = paren(s)
		if !cexpr.IsOne(x.Div) {
			d, err := p.Print(x.Div)
			if err != nil {
				return "", err
			}
			// The inner division floors like FloorDiv does; a native /
			// would round toward zero for negative numerators.
			s = fmt.Sprintf("loom::div_floor_integer(%s, %s)", s, paren(d))
		}
		m, err := p.Print(x.Mod)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("static_cast<%s>(%s) %% static_cast<%s>(%s)", indexType, s, indexType, paren(m)), nil
	case *cexpr.Min:
		return p.printExtremum("std::min", x.Args)
	case *cexpr.Max:
		return p.printExtremum("std::max", x.Args)
	case *cexpr.Pow:
		return p.printPow(x)
	case *cexpr.Call:
		return p.printCall(x)
	}
	return "", errors.Errorf("cannot render %s as C++", e)
}

// PrintIndex renders an expression cast to the index type for use as a
// flattened array subscript.
func (p *Printer) PrintIndex(e cexpr.Expr) (string, error) {
	s, err := p.Print(e)
	if err != nil {
		return "", err
	}
	if _, isConst := cexpr.AsInt(e); isConst {
		return s, nil
	}
	if _, isSym := e.(*cexpr.Sym); isSym {
		return s, nil
	}
	return fmt.Sprintf("static_cast<%s>(%s)", indexType, s), nil
}

func (p *Printer) printAll(exprs []cexpr.Expr) ([]string, error) {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		s, err := p.Print(e)
		if err != nil {
			return nil, err
		}
		parts[i] = s
	}
	return parts, nil
}

func (p *Printer) printExtremum(fn string, args []cexpr.Expr) (string, error) {
	parts, err := p.printAll(args)
	if err != nil {
		return "", err
	}
	if len(parts) == 2 {
		return fmt.Sprintf("%s(%s, %s)", fn, parts[0], parts[1]), nil
	}
	return fmt.Sprintf("%s({%s})", fn, strings.Join(parts, ", ")), nil
}

func (p *Printer) printPow(x *cexpr.Pow) (string, error) {
	base, err := p.Print(x.Base)
	if err != nil {
		return "", err
	}
	base = paren(base)
	exp := x.Exp
	if exp.Q == 2 && exp.P == 1 {
		return fmt.Sprintf("std::sqrt(%s)", base), nil
	}
	if exp.Q == 2 && exp.P == -1 {
		return fmt.Sprintf("1.0/std::sqrt(%s)", base), nil
	}
	if exp.Q != 1 {
		return "", errors.Errorf("cannot render %s: fractional exponent %d/%d", x, exp.P, exp.Q)
	}
	n := exp.P
	neg := n < 0
	if neg {
		n = -n
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = base
	}
	s := strings.Join(parts, "*")
	if neg {
		s = fmt.Sprintf("1.0/(%s)", s)
	}
	return s, nil
}

func (p *Printer) printCall(x *cexpr.Call) (string, error) {
	var fn string
	switch x.Fn {
	case cexpr.FuncFloor:
		fn = "std::floor"
	case cexpr.FuncCeil:
		fn = "std::ceil"
	case cexpr.FuncAbs:
		fn = "std::abs"
	case cexpr.FuncRound:
		fn = "std::lrint"
	case cexpr.FuncSin:
		fn = "std::sin"
	case cexpr.FuncSinh:
		fn = "std::sinh"
	case cexpr.FuncAsin:
		fn = "std::asin"
	case cexpr.FuncCos:
		fn = "std::cos"
	case cexpr.FuncCosh:
		fn = "std::cosh"
	case cexpr.FuncAcos:
		fn = "std::acos"
	case cexpr.FuncTan:
		fn = "std::tan"
	case cexpr.FuncTanh:
		fn = "std::tanh"
	case cexpr.FuncAtan:
		fn = "std::atan"
	default:
		return "", errors.Errorf("cannot render %s as C++", x)
	}
	parts, err := p.printAll(x.Args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s)", fn, strings.Join(parts, ", ")), nil
}

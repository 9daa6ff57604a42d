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

import "github.com/pkg/errors"

// Eval evaluates an integer expression given values for its symbols.
// Floor division rounds towards negative infinity and modular indexing
// yields a value in [0, mod). Expressions without an exact integer
// value (rationals, fractional powers, transcendentals) are an error.
func Eval(e Expr, env map[string]int64) (int64, error) {
	switch x := e.(type) {
	case *Int:
		return x.V, nil
	case *Rational:
		return 0, errors.Errorf("cannot evaluate %s as an integer", x)
	case *Sym:
		v, ok := env[x.Name]
		if !ok {
			return 0, errors.Errorf("no value for symbol %s", x.Name)
		}
		return v, nil
	case *Sum:
		var sum int64
		for _, t := range x.Terms {
			v, err := Eval(t, env)
			if err != nil {
				return 0, err
			}
			sum += v
		}
		return sum, nil
	case *Prod:
		prod := int64(1)
		for _, f := range x.Factors {
			v, err := Eval(f, env)
			if err != nil {
				// A rational coefficient can still produce an
				// integer product: fold it over the rest.
				if r, ok := f.(*Rational); ok {
					rest := make([]Expr, 0, len(x.Factors)-1)
					for _, o := range x.Factors {
						if o != f {
							rest = append(rest, o)
						}
					}
					rv, rerr := Eval(NewProd(rest...), env)
					if rerr != nil {
						return 0, rerr
					}
					n := rv * r.P
					if n%r.Q != 0 {
						return 0, errors.Errorf("%s does not evaluate to an integer", x)
					}
					return n / r.Q, nil
				}
				return 0, err
			}
			prod *= v
		}
		return prod, nil
	case *FloorDiv:
		xv, err := Eval(x.X, env)
		if err != nil {
			return 0, err
		}
		dv, err := Eval(x.Div, env)
		if err != nil {
			return 0, err
		}
		if dv == 0 {
			return 0, errors.Errorf("division by zero in %s", x)
		}
		return floorInt(xv, dv), nil
	case *ModIndex:
		xv, err := Eval(x.X, env)
		if err != nil {
			return 0, err
		}
		dv, err := Eval(x.Div, env)
		if err != nil {
			return 0, err
		}
		mv, err := Eval(x.Mod, env)
		if err != nil {
			return 0, err
		}
		if dv == 0 || mv == 0 {
			return 0, errors.Errorf("division by zero in %s", x)
		}
		r := floorInt(xv, dv) % mv
		if r < 0 && mv > 0 {
			r += mv
		}
		return r, nil
	case *Min:
		return evalExtremum(x.Args, env, false)
	case *Max:
		return evalExtremum(x.Args, env, true)
	case *Pow:
		if x.Exp.Q != 1 || x.Exp.P < 0 {
			return 0, errors.Errorf("cannot evaluate %s as an integer", x)
		}
		b, err := Eval(x.Base, env)
		if err != nil {
			return 0, err
		}
		r := int64(1)
		for range x.Exp.P {
			r *= b
		}
		return r, nil
	}
	return 0, errors.Errorf("cannot evaluate %s as an integer", e)
}

func evalExtremum(args []Expr, env map[string]int64, isMax bool) (int64, error) {
	var best int64
	for i, a := range args {
		v, err := Eval(a, env)
		if err != nil {
			return 0, err
		}
		if i == 0 || (isMax && v > best) || (!isMax && v < best) {
			best = v
		}
	}
	return best, nil
}

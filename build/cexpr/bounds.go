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

// Range is an inclusive integer interval. Known is false when no bound
// could be derived; Lo and Hi are then meaningless.
type Range struct {
	Lo, Hi int64
	Known  bool
}

// NewRange returns the known interval [lo, hi].
func NewRange(lo, hi int64) Range {
	return Range{Lo: lo, Hi: hi, Known: true}
}

// Unbounded is the unknown interval.
var Unbounded = Range{}

// Within returns true if the interval is known and contained in [lo, hi].
func (r Range) Within(lo, hi int64) bool {
	return r.Known && r.Lo >= lo && r.Hi <= hi
}

func (r Range) add(o Range) Range {
	if !r.Known || !o.Known {
		return Unbounded
	}
	return NewRange(r.Lo+o.Lo, r.Hi+o.Hi)
}

func (r Range) mul(o Range) Range {
	if !r.Known || !o.Known {
		return Unbounded
	}
	lo, hi := r.Lo*o.Lo, r.Lo*o.Lo
	for _, v := range []int64{r.Lo * o.Hi, r.Hi * o.Lo, r.Hi * o.Hi} {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return NewRange(lo, hi)
}

// Bounds computes an interval containing all values of e, treating each
// symbol independently with the interval given by env. The result is
// conservative: variables appearing several times widen the interval,
// and unknown constructs yield an unknown range.
func Bounds(e Expr, env map[string]Range) Range {
	switch x := e.(type) {
	case *Int:
		return NewRange(x.V, x.V)
	case *Sym:
		if r, ok := env[x.Name]; ok {
			return r
		}
		return Unbounded
	case *Sum:
		r := NewRange(0, 0)
		for _, t := range x.Terms {
			r = r.add(Bounds(t, env))
			if !r.Known {
				return Unbounded
			}
		}
		return r
	case *Prod:
		r := NewRange(1, 1)
		for _, f := range x.Factors {
			r = r.mul(Bounds(f, env))
			if !r.Known {
				return Unbounded
			}
		}
		return r
	case *FloorDiv:
		d, ok := AsInt(x.Div)
		if !ok || d <= 0 {
			return Unbounded
		}
		r := Bounds(x.X, env)
		if !r.Known {
			return Unbounded
		}
		return NewRange(floorInt(r.Lo, d), floorInt(r.Hi, d))
	case *ModIndex:
		m, ok := AsInt(x.Mod)
		if !ok || m <= 0 {
			return Unbounded
		}
		// The result is in [0, m) regardless of the inner value.
		return NewRange(0, m-1)
	case *Min:
		return extremumBounds(x.Args, env, false)
	case *Max:
		return extremumBounds(x.Args, env, true)
	}
	return Unbounded
}

func extremumBounds(args []Expr, env map[string]Range, isMax bool) Range {
	var r Range
	for i, a := range args {
		b := Bounds(a, env)
		if !b.Known {
			return Unbounded
		}
		if i == 0 {
			r = b
			continue
		}
		if isMax {
			r = NewRange(max(r.Lo, b.Lo), max(r.Hi, b.Hi))
		} else {
			r = NewRange(min(r.Lo, b.Lo), min(r.Hi, b.Hi))
		}
	}
	return r
}

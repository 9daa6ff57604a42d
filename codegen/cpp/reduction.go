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

	"github.com/pkg/errors"
	"github.com/tensorloom/loom/build/kind"
)

// Reduction identifies how values accumulate across a reduction loop.
type Reduction int

// Reduction types.
const (
	RedInvalid Reduction = iota
	RedSum
	RedProd
	RedXorSum
	RedAny
	RedMin
	RedMax
	RedArgmin
	RedArgmax
	RedWelfordReduce
	RedWelfordCombine
)

var redNames = map[Reduction]string{
	RedSum:            "sum",
	RedProd:           "prod",
	RedXorSum:         "xor_sum",
	RedAny:            "any",
	RedMin:            "min",
	RedMax:            "max",
	RedArgmin:         "argmin",
	RedArgmax:         "argmax",
	RedWelfordReduce:  "welford_reduce",
	RedWelfordCombine: "welford_combine",
}

func (r Reduction) String() string {
	s, ok := redNames[r]
	if !ok {
		return "invalid"
	}
	return s
}

// ompOp returns the OpenMP reduction identifier for the reduction.
func (r Reduction) ompOp() string {
	switch r {
	case RedSum:
		return "+"
	case RedProd:
		return "*"
	case RedXorSum:
		return "^"
	case RedAny:
		return "||"
	case RedMin:
		return "min"
	case RedMax:
		return "max"
	}
	return r.String()
}

// NativeOMP returns true if OpenMP has a builtin reduction clause for
// this reduction type.
func (r Reduction) NativeOMP() bool {
	switch r {
	case RedSum, RedProd, RedXorSum, RedAny, RedMin, RedMax:
		return true
	}
	return false
}

// Vectorizable returns true if the vector kernel can accumulate this
// reduction in vector registers.
func (r Reduction) Vectorizable() bool {
	switch r {
	case RedMax, RedMin, RedSum, RedProd, RedXorSum, RedWelfordReduce, RedWelfordCombine:
		return true
	}
	return false
}

// isWelford returns true for the two Welford variance accumulations.
func (r Reduction) isWelford() bool {
	return r == RedWelfordReduce || r == RedWelfordCombine
}

// isArg returns true for index-producing reductions.
func (r Reduction) isArg() bool {
	return r == RedArgmin || r == RedArgmax
}

// NumInputs returns how many values one accumulation step consumes:
// combining partial Welford states takes the (mean, m2, weight) triple.
func (r Reduction) NumInputs() int {
	if r == RedWelfordCombine {
		return 3
	}
	return 1
}

// NumOutputs returns how many values the reduction produces.
func (r Reduction) NumOutputs() int {
	if r.isWelford() {
		return 3
	}
	return 1
}

// accKind returns the kind the accumulator is held in.
func (r Reduction) accKind(dst, src kind.Kind) kind.Kind {
	if r.isArg() {
		return src.Computation()
	}
	return dst.Computation()
}

// reductionInit returns the initializer of a scalar accumulator.
func reductionInit(r Reduction, k kind.Kind) (string, error) {
	c := cType(k.Computation())
	switch r {
	case RedSum, RedXorSum, RedAny:
		return "0", nil
	case RedProd:
		return "1", nil
	case RedMax:
		return minValue(k), nil
	case RedMin:
		return maxValue(k), nil
	case RedWelfordReduce, RedWelfordCombine:
		return fmt.Sprintf("Welford<%s>()", c), nil
	case RedArgmax:
		return fmt.Sprintf("IndexValue<%s>{0, %s}", c, minValue(k)), nil
	case RedArgmin:
		return fmt.Sprintf("IndexValue<%s>{0, %s}", c, maxValue(k)), nil
	}
	return "", errors.Errorf("no initializer for reduction %s", r)
}

// reductionInitVec returns the initializer of a vector accumulator.
func reductionInitVec(r Reduction, k kind.Kind) (string, error) {
	vt := vecType(k.Computation())
	if r.isWelford() {
		return fmt.Sprintf("Welford<%s>()", vt), nil
	}
	init, err := reductionInit(r, k)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s)", vt, init), nil
}

// reductionAccType returns the declared type of a scalar accumulator.
func reductionAccType(r Reduction, k kind.Kind) string {
	c := cType(k.Computation())
	if r.isWelford() {
		return fmt.Sprintf("Welford<%s>", c)
	}
	if r.isArg() {
		return fmt.Sprintf("IndexValue<%s>", c)
	}
	return c
}

// reductionAccTypeVec returns the declared type of a vector accumulator.
func reductionAccTypeVec(r Reduction, k kind.Kind) string {
	vt := vecType(k.Computation())
	if r.isWelford() {
		return fmt.Sprintf("Welford<%s>", vt)
	}
	return vt
}

// reductionCombine returns the combined value of a scalar accumulator
// and one step's inputs; the caller assigns it back to the accumulator.
// values has one element, or three when combining partial Welford
// states.
func reductionCombine(r Reduction, acc string, values []string) (string, error) {
	if len(values) != r.NumInputs() {
		return "", errors.Errorf("reduction %s combines %d values, got %d", r, r.NumInputs(), len(values))
	}
	v := values[0]
	switch r {
	case RedSum:
		return fmt.Sprintf("%s + %s", acc, v), nil
	case RedProd:
		return fmt.Sprintf("%s * %s", acc, v), nil
	case RedXorSum:
		return fmt.Sprintf("%s ^ %s", acc, v), nil
	case RedAny:
		return fmt.Sprintf("%s || %s", acc, v), nil
	case RedMin:
		return fmt.Sprintf("loom::min_propagate_nan(%s, %s)", acc, v), nil
	case RedMax:
		return fmt.Sprintf("loom::max_propagate_nan(%s, %s)", acc, v), nil
	case RedWelfordReduce:
		return fmt.Sprintf("welford_combine(%s, %s)", acc, v), nil
	case RedWelfordCombine:
		return fmt.Sprintf("welford_combine(%s, {%s, %s, %s})", acc, values[0], values[1], values[2]), nil
	}
	return "", errors.Errorf("no combine for reduction %s", r)
}

// argCompare is the comparison deciding whether an argmin or argmax
// accumulator keeps its current entry against a challenger.
func argCompare(r Reduction, value, best, valueIdx, bestIdx string) string {
	cmp := "loom::greater_or_nan"
	if r == RedArgmin {
		cmp = "loom::less_or_nan"
	}
	return fmt.Sprintf("%s(%s, %s, %s, %s)", cmp, value, best, valueIdx, bestIdx)
}

// reductionCombineArg returns the accumulation statement of an argmin
// or argmax, which also records the flattened reduction index.
func reductionCombineArg(r Reduction, acc, value, index string) (string, error) {
	if !r.isArg() {
		return "", errors.Errorf("reduction %s carries no index", r)
	}
	keep := argCompare(r, acc+".value", value, acc+".index", index)
	return fmt.Sprintf("if (!(%s)) { %s.index = %s; %s.value = %s; }",
		keep, acc, index, acc, value), nil
}

// reductionCombineVec returns the combined value of a vector
// accumulator and one step's inputs.
func reductionCombineVec(r Reduction, acc string, values []string) (string, error) {
	if len(values) != r.NumInputs() {
		return "", errors.Errorf("reduction %s combines %d values, got %d", r, r.NumInputs(), len(values))
	}
	v := values[0]
	switch r {
	case RedSum:
		return fmt.Sprintf("%s + %s", acc, v), nil
	case RedProd:
		return fmt.Sprintf("%s * %s", acc, v), nil
	case RedXorSum:
		return fmt.Sprintf("%s ^ %s", acc, v), nil
	case RedMin:
		return fmt.Sprintf("loom::vec::minimum(%s, %s)", acc, v), nil
	case RedMax:
		return fmt.Sprintf("loom::vec::maximum(%s, %s)", acc, v), nil
	case RedWelfordReduce:
		return fmt.Sprintf("welford_combine(%s, %s)", acc, v), nil
	case RedWelfordCombine:
		return fmt.Sprintf("welford_combine(%s, {%s, %s, %s})", acc, values[0], values[1], values[2]), nil
	}
	return "", errors.Errorf("no vector combine for reduction %s", r)
}

// reductionHorizontal folds a vector accumulator into the scalar one
// after the vectorized loop.
func reductionHorizontal(r Reduction, acc, vecAcc string, k kind.Kind) (string, error) {
	c := cType(k.Computation())
	vt := vecType(k.Computation())
	if r.isWelford() {
		return fmt.Sprintf("%s = welford_combine(%s, welford_vec_reduce_all(%s));", acc, acc, vecAcc), nil
	}
	var body string
	switch r {
	case RedSum:
		body = "return x + y;"
	case RedProd:
		body = "return x * y;"
	case RedXorSum:
		body = "return x ^ y;"
	case RedMin:
		body = "return loom::vec::minimum(x, y);"
	case RedMax:
		body = "return loom::vec::maximum(x, y);"
	default:
		return "", errors.Errorf("no horizontal reduction for %s", r)
	}
	lambda := fmt.Sprintf("[](%s& x, %s& y) { %s }", vt, vt, body)
	fold := fmt.Sprintf("loom::vec::vec_reduce_all<%s>(%s, %s)", c, lambda, vecAcc)
	combine, err := reductionCombine(r, acc, []string{fold})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s;", acc, combine), nil
}

// reductionProject returns the result expressions read out of an
// accumulator once the loop is done.
func reductionProject(r Reduction, acc string) []string {
	if r.isWelford() {
		return []string{acc + ".mean", acc + ".m2", acc + ".weight"}
	}
	if r.isArg() {
		return []string{acc + ".index"}
	}
	return []string{acc}
}

// ompDeclareReduction emits the user-defined OpenMP reduction that lets
// an accumulator type without a builtin clause parallelize over
// threads. accType and init describe the accumulator, scalar or vector.
func ompDeclareReduction(r Reduction, accType, init string) (string, error) {
	var combine string
	switch {
	case r.isArg():
		keep := argCompare(r, "omp_in.value", "omp_out.value", "omp_in.index", "omp_out.index")
		combine = fmt.Sprintf("omp_out = %s ? omp_in : omp_out", keep)
	case r.isWelford():
		combine = "omp_out = welford_combine(omp_out, omp_in)"
	default:
		return "", errors.Errorf("reduction %s needs no declaration", r)
	}
	return fmt.Sprintf("#pragma omp declare reduction(%s : %s : %s) initializer(omp_priv = %s)",
		r, accType, combine, init), nil
}

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
)

// vecOpCode renders an elementwise operation over vector registers.
// Comparison results are float masks, consumed by blendv. An operation
// with no vector rendition returns an error; the legality checker uses
// the same table, so such operations never reach a vector kernel at
// emission time.
func vecOpCode(ins *Instr, args []*Variable, cfg Config) (string, error) {
	name := func(i int) string { return args[i].Name }
	isFloat := func(i int) bool { return args[i].Kind.IsFloat() }
	method := func(m string) (string, error) {
		return fmt.Sprintf("%s.%s()", name(0), m), nil
	}
	mask := func(cmp string) (string, error) {
		return fmt.Sprintf("loom::vec::to_float_mask(%s %s %s)", name(0), cmp, name(1)), nil
	}
	switch ins.Op {
	case OpAdd:
		return fmt.Sprintf("%s + %s", name(0), name(1)), nil
	case OpSub:
		return fmt.Sprintf("%s - %s", name(0), name(1)), nil
	case OpMul:
		return fmt.Sprintf("%s * %s", name(0), name(1)), nil
	case OpDiv:
		return fmt.Sprintf("%s / %s", name(0), name(1)), nil
	case OpTruncDiv:
		if isFloat(0) || isFloat(1) {
			return fmt.Sprintf("(%s / %s).trunc()", name(0), name(1)), nil
		}
		return fmt.Sprintf("%s / %s", name(0), name(1)), nil
	case OpFloorDiv:
		if isFloat(0) || isFloat(1) {
			return fmt.Sprintf("(%s / %s).floor()", name(0), name(1)), nil
		}
		return vecFloorDivCode(name(0), name(1)), nil
	case OpMod:
		if isFloat(0) || isFloat(1) {
			return fmt.Sprintf("%s - %s * (%s / %s).floor()", name(0), name(1), name(0), name(1)), nil
		}
		return fmt.Sprintf("%s - %s * %s", name(0), name(1), vecFloorDivCode(name(0), name(1))), nil
	case OpEq:
		return mask("==")
	case OpNe:
		return mask("!=")
	case OpLt:
		return mask("<")
	case OpGt:
		return mask(">")
	case OpLe:
		return mask("<=")
	case OpGe:
		return mask(">=")
	case OpLogicalAnd, OpBitwiseAnd:
		return fmt.Sprintf("%s & %s", name(0), name(1)), nil
	case OpLogicalOr, OpBitwiseOr:
		return fmt.Sprintf("%s | %s", name(0), name(1)), nil
	case OpLogicalXor, OpBitwiseXor:
		return fmt.Sprintf("%s ^ %s", name(0), name(1)), nil
	case OpLogicalNot:
		return fmt.Sprintf("~%s", name(0)), nil
	case OpNeg:
		return method("neg")
	case OpAbs:
		return method("abs")
	case OpExp:
		return method("exp")
	case OpExpm1:
		return method("expm1")
	case OpLog:
		return method("log")
	case OpLog2:
		return method("log2")
	case OpLog10:
		return method("log10")
	case OpLog1p:
		if cfg.Fault == FaultAccuracy {
			return fmt.Sprintf("%s.log1p() + decltype(%s)(1)", name(0), name(0)), nil
		}
		return method("log1p")
	case OpSqrt:
		return method("sqrt")
	case OpRsqrt:
		return method("rsqrt")
	case OpSin:
		return method("sin")
	case OpAsin:
		return method("asin")
	case OpCos:
		return method("cos")
	case OpAcos:
		return method("acos")
	case OpTan:
		return method("tan")
	case OpAtan:
		return method("atan")
	case OpTanh:
		// 2 / (1 + exp(-2x)) - 1, cheaper than a libm call per lane.
		one := fmt.Sprintf("decltype(%s)(1)", name(0))
		two := fmt.Sprintf("decltype(%s)(2)", name(0))
		minusTwo := fmt.Sprintf("decltype(%s)(-2)", name(0))
		return fmt.Sprintf("%s / (%s + (%s * %s).exp()) - %s", two, one, minusTwo, name(0), one), nil
	case OpErf:
		return method("erf")
	case OpErfc:
		return method("erfc")
	case OpErfinv:
		return method("erfinv")
	case OpLgamma:
		return method("lgamma")
	case OpFloor:
		return method("floor")
	case OpCeil:
		return method("ceil")
	case OpRound:
		return method("round")
	case OpTrunc:
		return method("trunc")
	case OpRelu:
		return vecReluCode(name(0), cfg)
	case OpSigmoid:
		one := fmt.Sprintf("decltype(%s)(1)", name(0))
		return fmt.Sprintf("%s / (%s + %s.neg().exp())", one, one, name(0)), nil
	case OpReciprocal:
		return method("reciprocal")
	case OpSign:
		zero := fmt.Sprintf("decltype(%s)(0)", name(0))
		one := fmt.Sprintf("decltype(%s)(1)", name(0))
		left := fmt.Sprintf("decltype(%s)::blendv(%s, %s, %s < %s)", name(0), zero, one, zero, name(0))
		right := fmt.Sprintf("decltype(%s)::blendv(%s, %s, %s < %s)", name(0), zero, one, name(0), zero)
		return fmt.Sprintf("%s - %s", left, right), nil
	case OpMinimum:
		return fmt.Sprintf("loom::vec::minimum(%s, %s)", name(0), name(1)), nil
	case OpMaximum:
		return fmt.Sprintf("loom::vec::maximum(%s, %s)", name(0), name(1)), nil
	case OpPow:
		return fmt.Sprintf("%s.pow(%s)", name(0), name(1)), nil
	case OpFmod:
		return fmt.Sprintf("%s.fmod(%s)", name(0), name(1)), nil
	case OpHypot:
		return fmt.Sprintf("%s.hypot(%s)", name(0), name(1)), nil
	case OpNextafter:
		return fmt.Sprintf("%s.nextafter(%s)", name(0), name(1)), nil
	case OpCopysign:
		return fmt.Sprintf("%s.copysign(%s)", name(0), name(1)), nil
	case OpAtan2:
		return fmt.Sprintf("%s.atan2(%s)", name(0), name(1)), nil
	case OpWhere:
		return fmt.Sprintf("decltype(%s)::blendv(%s, %s, %s)", name(1), name(2), name(1), name(0)), nil
	}
	return "", errors.Wrapf(ErrVecUnsupported, "no vector code for operation %s", ins.Op)
}

// vecFloorDivCode patches a truncating lane division into a flooring
// one: subtract 1 wherever the remainder is nonzero and the operand
// signs differ.
func vecFloorDivCode(a, b string) string {
	t := fmt.Sprintf("decltype(%s)", a)
	quot := fmt.Sprintf("%s / %s", a, b)
	rem := fmt.Sprintf("(%s %% %s != %s(0))", a, b, t)
	neg := fmt.Sprintf("((%s < %s(0)) != (%s < %s(0)))", a, t, b, t)
	return fmt.Sprintf("%s::blendv(%s, %s - %s(1), %s & %s)", t, quot, quot, t, rem, neg)
}

func vecReluCode(x string, cfg Config) (string, error) {
	switch cfg.Fault {
	case FaultCompileError:
		return "compile error!", nil
	case FaultRuntimeError:
		return fmt.Sprintf("(abort(), %s)", x), nil
	case FaultAccuracy:
		return fmt.Sprintf("%s + decltype(%s)(1)", x, x), nil
	}
	return fmt.Sprintf("loom::vec::clamp_min(%s, decltype(%s)(0))", x, x), nil
}

// vectorizableOp reports whether the vector op table can render the
// operation.
func vectorizableOp(op OpKind) bool {
	ins := &Instr{Op: op}
	args := make([]*Variable, 3)
	for i := range args {
		args[i] = &Variable{Name: "x"}
	}
	_, err := vecOpCode(ins, args, Config{})
	return err == nil
}

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

// scalarOpCode renders an elementwise operation over scalar values as
// a C expression.
func scalarOpCode(ins *Instr, args []*Variable, cfg Config) (string, error) {
	name := func(i int) string { return args[i].Name }
	isFloat := func(i int) bool { return args[i].Kind.IsFloat() }
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
			return fmt.Sprintf("std::trunc(%s / %s)", name(0), name(1)), nil
		}
		return fmt.Sprintf("%s / %s", name(0), name(1)), nil
	case OpFloorDiv:
		if isFloat(0) || isFloat(1) {
			return fmt.Sprintf("std::floor(%s / %s)", name(0), name(1)), nil
		}
		// Integer division truncates; patch the quotient when the
		// operand signs differ and the division is not exact.
		a, b := name(0), name(1)
		quot := fmt.Sprintf("%s / %s", a, b)
		rem := fmt.Sprintf("%s %% %s", a, b)
		return fmt.Sprintf("((%s < 0) != (%s < 0) ? (%s != 0 ? %s - 1 : %s) : %s)", a, b, rem, quot, quot, quot), nil
	case OpMod:
		if isFloat(0) || isFloat(1) {
			return fmt.Sprintf("%s - %s * std::floor(%s / %s)", name(0), name(1), name(0), name(1)), nil
		}
		return fmt.Sprintf("loom::mod_floor_integer(%s, %s)", name(0), name(1)), nil
	case OpPow:
		return fmt.Sprintf("std::pow(%s, %s)", name(0), name(1)), nil
	case OpEq:
		return fmt.Sprintf("%s == %s", name(0), name(1)), nil
	case OpNe:
		return fmt.Sprintf("%s != %s", name(0), name(1)), nil
	case OpLt:
		return fmt.Sprintf("%s < %s", name(0), name(1)), nil
	case OpGt:
		return fmt.Sprintf("%s > %s", name(0), name(1)), nil
	case OpLe:
		return fmt.Sprintf("%s <= %s", name(0), name(1)), nil
	case OpGe:
		return fmt.Sprintf("%s >= %s", name(0), name(1)), nil
	case OpLogicalAnd:
		return fmt.Sprintf("%s && %s", name(0), name(1)), nil
	case OpLogicalOr:
		return fmt.Sprintf("%s || %s", name(0), name(1)), nil
	case OpLogicalXor:
		return fmt.Sprintf("%s != %s", name(0), name(1)), nil
	case OpLogicalNot:
		return fmt.Sprintf("!%s", name(0)), nil
	case OpBitwiseAnd:
		return fmt.Sprintf("decltype(%s)(%s & %s)", name(0), name(0), name(1)), nil
	case OpBitwiseOr:
		return fmt.Sprintf("decltype(%s)(%s | %s)", name(0), name(0), name(1)), nil
	case OpBitwiseXor:
		return fmt.Sprintf("decltype(%s)(%s ^ %s)", name(0), name(0), name(1)), nil
	case OpBitwiseNot:
		return fmt.Sprintf("decltype(%s)(~%s)", name(0), name(0)), nil
	case OpShiftLeft:
		return fmt.Sprintf("decltype(%s)(%s << %s)", name(0), name(0), name(1)), nil
	case OpShiftRight:
		return fmt.Sprintf("decltype(%s)(%s >> %s)", name(0), name(0), name(1)), nil
	case OpNeg:
		return fmt.Sprintf("decltype(%s)(-%s)", name(0), name(0)), nil
	case OpAbs:
		return fmt.Sprintf("std::abs(%s)", name(0)), nil
	case OpSign:
		return fmt.Sprintf("decltype(%s)((0 < %s) - (%s < 0))", name(0), name(0), name(0)), nil
	case OpSignbit:
		return fmt.Sprintf("std::signbit(%s)", name(0)), nil
	case OpExp:
		return fmt.Sprintf("std::exp(%s)", name(0)), nil
	case OpExp2:
		return fmt.Sprintf("std::exp2(%s)", name(0)), nil
	case OpExpm1:
		return fmt.Sprintf("std::expm1(%s)", name(0)), nil
	case OpLog:
		return fmt.Sprintf("std::log(%s)", name(0)), nil
	case OpLog2:
		return fmt.Sprintf("std::log2(%s)", name(0)), nil
	case OpLog10:
		return fmt.Sprintf("std::log10(%s)", name(0)), nil
	case OpLog1p:
		return log1pCode(name(0), cfg)
	case OpSqrt:
		return fmt.Sprintf("std::sqrt(%s)", name(0)), nil
	case OpRsqrt:
		return fmt.Sprintf("1 / std::sqrt(%s)", name(0)), nil
	case OpSin:
		return fmt.Sprintf("std::sin(%s)", name(0)), nil
	case OpSinh:
		return fmt.Sprintf("std::sinh(%s)", name(0)), nil
	case OpAsin:
		return fmt.Sprintf("std::asin(%s)", name(0)), nil
	case OpCos:
		return fmt.Sprintf("std::cos(%s)", name(0)), nil
	case OpCosh:
		return fmt.Sprintf("std::cosh(%s)", name(0)), nil
	case OpAcos:
		return fmt.Sprintf("std::acos(%s)", name(0)), nil
	case OpTan:
		return fmt.Sprintf("std::tan(%s)", name(0)), nil
	case OpTanh:
		return fmt.Sprintf("std::tanh(%s)", name(0)), nil
	case OpAtan:
		return fmt.Sprintf("std::atan(%s)", name(0)), nil
	case OpAsinh:
		return fmt.Sprintf("std::asinh(%s)", name(0)), nil
	case OpAcosh:
		return fmt.Sprintf("std::acosh(%s)", name(0)), nil
	case OpAtanh:
		return fmt.Sprintf("std::atanh(%s)", name(0)), nil
	case OpErf:
		return fmt.Sprintf("std::erf(%s)", name(0)), nil
	case OpErfc:
		return fmt.Sprintf("std::erfc(%s)", name(0)), nil
	case OpErfinv:
		return fmt.Sprintf("loom::erfinv(%s)", name(0)), nil
	case OpLgamma:
		return fmt.Sprintf("std::lgamma(%s)", name(0)), nil
	case OpFloor:
		return fmt.Sprintf("std::floor(%s)", name(0)), nil
	case OpCeil:
		return fmt.Sprintf("std::ceil(%s)", name(0)), nil
	case OpRound:
		return fmt.Sprintf("std::nearbyint(%s)", name(0)), nil
	case OpTrunc:
		return fmt.Sprintf("std::trunc(%s)", name(0)), nil
	case OpIsInf:
		return fmt.Sprintf("std::isinf(%s)", name(0)), nil
	case OpIsNan:
		return fmt.Sprintf("std::isnan(%s)", name(0)), nil
	case OpRelu:
		return reluCode(name(0), cfg)
	case OpSigmoid:
		return fmt.Sprintf("decltype(%s)(1) / (decltype(%s)(1) + std::exp(-%s))", name(0), name(0), name(0)), nil
	case OpReciprocal:
		return fmt.Sprintf("1 / %s", name(0)), nil
	case OpMinimum:
		return fmt.Sprintf("loom::min_propagate_nan(%s, %s)", name(0), name(1)), nil
	case OpMaximum:
		return fmt.Sprintf("loom::max_propagate_nan(%s, %s)", name(0), name(1)), nil
	case OpFmod:
		return fmt.Sprintf("std::fmod(%s, %s)", name(0), name(1)), nil
	case OpHypot:
		return fmt.Sprintf("std::hypot(%s, %s)", name(0), name(1)), nil
	case OpNextafter:
		return fmt.Sprintf("std::nextafter(%s, %s)", name(0), name(1)), nil
	case OpCopysign:
		return fmt.Sprintf("std::copysign(%s, %s)", name(0), name(1)), nil
	case OpAtan2:
		return fmt.Sprintf("std::atan2(%s, %s)", name(0), name(1)), nil
	case OpWhere:
		return fmt.Sprintf("%s ? %s : %s", name(0), name(1), name(2)), nil
	case OpRand:
		return fmt.Sprintf("loom::normalized_rand(%s, %s)", name(0), name(1)), nil
	case OpRandn:
		return fmt.Sprintf("loom::randn(%s, %s)", name(0), name(1)), nil
	case OpRandint64:
		return fmt.Sprintf("loom::randint64(%s, %s, %d, %d)", name(0), name(1), ins.Lo, ins.Hi), nil
	}
	return "", errors.Errorf("no scalar code for operation %s", ins.Op)
}

// reluCode honors the fault injection modes used to test the error
// paths of the surrounding pipeline.
func reluCode(x string, cfg Config) (string, error) {
	switch cfg.Fault {
	case FaultCompileError:
		return "compile error!", nil
	case FaultRuntimeError:
		return fmt.Sprintf("(abort(), %s)", x), nil
	case FaultAccuracy:
		return fmt.Sprintf("%s + decltype(%s)(1)", x, x), nil
	}
	return fmt.Sprintf("loom::max_propagate_nan(%s, decltype(%s)(0))", x, x), nil
}

func log1pCode(x string, cfg Config) (string, error) {
	if cfg.Fault == FaultAccuracy {
		return fmt.Sprintf("std::log1p(%s) + decltype(%s)(1)", x, x), nil
	}
	return fmt.Sprintf("std::log1p(%s)", x), nil
}

// convertCode renders a scalar kind conversion.
func convertCode(x string, to kind.Kind) string {
	return fmt.Sprintf("loom::convert<%s>(%s)", cType(to), x)
}

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

// OpKind identifies one operation of a kernel body. The set is closed:
// emitters dispatch over it exhaustively and the vectorization checker
// rejects kernels by membership tests instead of name probing.
type OpKind int

// Structural operations.
const (
	OpInvalid OpKind = iota
	OpLoad
	OpStore
	OpReduction
	OpStoreReduction
	OpConstant
	OpIndexExpr
	OpMasked
	OpIndirectIndexing
	OpToKind

	// Binary arithmetic.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpFloorDiv
	OpTruncDiv
	OpMod
	OpPow

	// Comparisons.
	OpEq
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe

	// Logical and bitwise.
	OpLogicalAnd
	OpLogicalOr
	OpLogicalXor
	OpLogicalNot
	OpBitwiseAnd
	OpBitwiseOr
	OpBitwiseXor
	OpBitwiseNot
	OpShiftLeft
	OpShiftRight

	// Unary math.
	OpNeg
	OpAbs
	OpSign
	OpSignbit
	OpExp
	OpExp2
	OpExpm1
	OpLog
	OpLog2
	OpLog10
	OpLog1p
	OpSqrt
	OpRsqrt
	OpSin
	OpSinh
	OpAsin
	OpCos
	OpCosh
	OpAcos
	OpTan
	OpTanh
	OpAtan
	OpAsinh
	OpAcosh
	OpAtanh
	OpErf
	OpErfc
	OpErfinv
	OpLgamma
	OpFloor
	OpCeil
	OpRound
	OpTrunc
	OpIsInf
	OpIsNan
	OpRelu
	OpSigmoid
	OpReciprocal
	OpFrexp

	// Binary math.
	OpMinimum
	OpMaximum
	OpFmod
	OpHypot
	OpNextafter
	OpCopysign
	OpAtan2

	// Ternary.
	OpWhere

	// Random numbers.
	OpRand
	OpRandn
	OpRandint64

	opMax
)

var opNames = map[OpKind]string{
	OpLoad:             "load",
	OpStore:            "store",
	OpReduction:        "reduction",
	OpStoreReduction:   "store_reduction",
	OpConstant:         "constant",
	OpIndexExpr:        "index_expr",
	OpMasked:           "masked",
	OpIndirectIndexing: "indirect_indexing",
	OpToKind:           "to_kind",
	OpAdd:              "add",
	OpSub:              "sub",
	OpMul:              "mul",
	OpDiv:              "div",
	OpFloorDiv:         "floordiv",
	OpTruncDiv:         "truncdiv",
	OpMod:              "mod",
	OpPow:              "pow",
	OpEq:               "eq",
	OpNe:               "ne",
	OpLt:               "lt",
	OpGt:               "gt",
	OpLe:               "le",
	OpGe:               "ge",
	OpLogicalAnd:       "logical_and",
	OpLogicalOr:        "logical_or",
	OpLogicalXor:       "logical_xor",
	OpLogicalNot:       "logical_not",
	OpBitwiseAnd:       "bitwise_and",
	OpBitwiseOr:        "bitwise_or",
	OpBitwiseXor:       "bitwise_xor",
	OpBitwiseNot:       "bitwise_not",
	OpShiftLeft:        "shift_left",
	OpShiftRight:       "shift_right",
	OpNeg:              "neg",
	OpAbs:              "abs",
	OpSign:             "sign",
	OpSignbit:          "signbit",
	OpExp:              "exp",
	OpExp2:             "exp2",
	OpExpm1:            "expm1",
	OpLog:              "log",
	OpLog2:             "log2",
	OpLog10:            "log10",
	OpLog1p:            "log1p",
	OpSqrt:             "sqrt",
	OpRsqrt:            "rsqrt",
	OpSin:              "sin",
	OpSinh:             "sinh",
	OpAsin:             "asin",
	OpCos:              "cos",
	OpCosh:             "cosh",
	OpAcos:             "acos",
	OpTan:              "tan",
	OpTanh:             "tanh",
	OpAtan:             "atan",
	OpAsinh:            "asinh",
	OpAcosh:            "acosh",
	OpAtanh:            "atanh",
	OpErf:              "erf",
	OpErfc:             "erfc",
	OpErfinv:           "erfinv",
	OpLgamma:           "lgamma",
	OpFloor:            "floor",
	OpCeil:             "ceil",
	OpRound:            "round",
	OpTrunc:            "trunc",
	OpIsInf:            "isinf",
	OpIsNan:            "isnan",
	OpRelu:             "relu",
	OpSigmoid:          "sigmoid",
	OpReciprocal:       "reciprocal",
	OpFrexp:            "frexp",
	OpMinimum:          "minimum",
	OpMaximum:          "maximum",
	OpFmod:             "fmod",
	OpHypot:            "hypot",
	OpNextafter:        "nextafter",
	OpCopysign:         "copysign",
	OpAtan2:            "atan2",
	OpWhere:            "where",
	OpRand:             "rand",
	OpRandn:            "randn",
	OpRandint64:        "randint64",
}

func (op OpKind) String() string {
	s, ok := opNames[op]
	if !ok {
		return "invalid"
	}
	return s
}

// IsComparison returns true for operations producing a boolean from an
// ordered comparison.
func (op OpKind) IsComparison() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpGt, OpLe, OpGe:
		return true
	}
	return false
}

// IsBoolean returns true for operations producing a boolean.
func (op OpKind) IsBoolean() bool {
	if op.IsComparison() {
		return true
	}
	switch op {
	case OpLogicalAnd, OpLogicalOr, OpLogicalXor, OpLogicalNot,
		OpIsInf, OpIsNan, OpSignbit:
		return true
	}
	return false
}

// Arity returns the number of value operands of an elementwise
// operation, or -1 for structural operations with their own shape.
func (op OpKind) Arity() int {
	switch op {
	case OpLoad, OpStore, OpReduction, OpStoreReduction, OpConstant,
		OpIndexExpr, OpMasked, OpIndirectIndexing, OpToKind:
		return -1
	case OpRand, OpRandn:
		return 2
	case OpRandint64:
		return 2
	case OpWhere:
		return 3
	case OpAdd, OpSub, OpMul, OpDiv, OpFloorDiv, OpTruncDiv, OpMod, OpPow,
		OpEq, OpNe, OpLt, OpGt, OpLe, OpGe,
		OpLogicalAnd, OpLogicalOr, OpLogicalXor,
		OpBitwiseAnd, OpBitwiseOr, OpBitwiseXor, OpShiftLeft, OpShiftRight,
		OpMinimum, OpMaximum, OpFmod, OpHypot, OpNextafter, OpCopysign, OpAtan2:
		return 2
	}
	return 1
}

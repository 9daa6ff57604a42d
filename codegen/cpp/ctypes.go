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
	"math"
	"strconv"

	"github.com/tensorloom/loom/build/kind"
)

// indexType is the C type of loop variables and flattened indices.
const indexType = "long"

// maxKernelArgs bounds the number of arguments of one fused kernel.
// Beyond this, compilers start rejecting the function.
const maxKernelArgs = 500

var ctypes = map[kind.Kind]string{
	kind.Bool:     "bool",
	kind.Int8:     "signed char",
	kind.Int16:    "short",
	kind.Int32:    "int",
	kind.Int64:    "long",
	kind.Uint8:    "unsigned char",
	kind.Uint16:   "unsigned short",
	kind.Uint32:   "unsigned int",
	kind.Uint64:   "unsigned long",
	kind.Bfloat16: "loom::bfloat16",
	kind.Float16:  "loom::half",
	kind.Float32:  "float",
	kind.Float64:  "double",
}

// cType returns the C type of a kind.
func cType(k kind.Kind) string {
	t, ok := ctypes[k]
	if !ok {
		return "void"
	}
	return t
}

// vecType returns the vector register type holding elements of a kind.
func vecType(k kind.Kind) string {
	return fmt.Sprintf("loom::vec::Vectorized<%s>", cType(k))
}

// vecTypeN returns the n-register vector type of a kind; for a single
// register it is the plain vector type.
func vecTypeN(k kind.Kind, n int64) string {
	if n <= 1 {
		return vecType(k)
	}
	return fmt.Sprintf("loom::vec::VectorizedN<%s,%d>", cType(k), n)
}

// literal renders a float constant for a kind. Non-finite values use
// the numeric_limits of the type since C++ has no literal for them.
func literal(v float64, k kind.Kind) string {
	c := cType(k.Computation())
	switch {
	case math.IsInf(v, 1):
		return fmt.Sprintf("std::numeric_limits<%s>::infinity()", c)
	case math.IsInf(v, -1):
		return fmt.Sprintf("-std::numeric_limits<%s>::infinity()", c)
	case math.IsNaN(v):
		return fmt.Sprintf("std::numeric_limits<%s>::quiet_NaN()", c)
	}
	if k.IsInteger() {
		return fmt.Sprintf("static_cast<%s>(%d)", c, int64(v))
	}
	return fmt.Sprintf("static_cast<%s>(%s)", c, strconv.FormatFloat(v, 'g', -1, 64))
}

// boolLiteral renders a bool constant.
func boolLiteral(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// minValue is the smallest value of a kind, used to seed max reductions.
func minValue(k kind.Kind) string {
	c := cType(k.Computation())
	if k.IsFloat() {
		return fmt.Sprintf("-std::numeric_limits<%s>::infinity()", c)
	}
	return fmt.Sprintf("std::numeric_limits<%s>::min()", c)
}

// maxValue is the largest value of a kind, used to seed min reductions.
func maxValue(k kind.Kind) string {
	c := cType(k.Computation())
	if k.IsFloat() {
		return fmt.Sprintf("std::numeric_limits<%s>::infinity()", c)
	}
	return fmt.Sprintf("std::numeric_limits<%s>::max()", c)
}

// paren wraps an expression string in parentheses unless it is already
// atomic.
func paren(s string) string {
	if isAtom(s) {
		return s
	}
	return "(" + s + ")"
}

func isAtom(s string) bool {
	if s == "" {
		return true
	}
	depth := 0
	for i, c := range s {
		switch c {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ' ', '+', '*', '/', '%', '<', '>', '=', '&', '|', '^', '?', ':':
			if depth == 0 {
				return false
			}
		case '-':
			if depth == 0 && i > 0 {
				return false
			}
		}
	}
	return true
}

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

// Package kind defines the scalar element kinds handled by the code generators.
package kind

import "github.com/gx-org/backend/dtype"

// Kind of a scalar element.
type Kind uint

// Kinds of data supported by the code generators. The first block mirrors
// the backend data types; the second block extends them with the narrow
// kinds the backend does not model.
const (
	Invalid = Kind(dtype.Invalid)

	Bool     = Kind(dtype.Bool)
	Int32    = Kind(dtype.Int32)
	Int64    = Kind(dtype.Int64)
	Uint32   = Kind(dtype.Uint32)
	Uint64   = Kind(dtype.Uint64)
	Bfloat16 = Kind(dtype.Bfloat16)
	Float32  = Kind(dtype.Float32)
	Float64  = Kind(dtype.Float64)

	Float16 = Kind(iota + dtype.MaxDataType)
	Int8
	Uint8
	Int16
	Uint16

	// Max value for a Kind constant.
	Max
)

// String returns a string representation of a kind.
func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Bfloat16:
		return "bfloat16"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return "invalid"
}

// DType converts a kind into a backend data type.
// Kinds with no backend equivalent convert to dtype.Invalid.
func (k Kind) DType() dtype.DataType {
	if k >= dtype.MaxDataType {
		return dtype.Invalid
	}
	return dtype.DataType(k)
}

// FromDType converts a backend data type into a kind.
func FromDType(dt dtype.DataType) Kind {
	return Kind(dt)
}

// FromString returns a kind given its name, or Invalid if the name
// matches no kind.
func FromString(ident string) Kind {
	for k := Kind(1); k < Max; k++ {
		if k.String() == ident {
			return k
		}
	}
	return Invalid
}

// IsFloat returns true for floating point kinds.
func (k Kind) IsFloat() bool {
	switch k {
	case Bfloat16, Float16, Float32, Float64:
		return true
	}
	return false
}

// IsLowPrecisionFloat returns true for 16-bit floating point kinds,
// which are computed on in float32.
func (k Kind) IsLowPrecisionFloat() bool {
	return k == Bfloat16 || k == Float16
}

// IsInteger returns true for integer kinds. Bool is not an integer.
func (k Kind) IsInteger() bool {
	switch k {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64:
		return true
	}
	return false
}

// IsSigned returns true for signed integer and floating point kinds.
func (k Kind) IsSigned() bool {
	switch k {
	case Uint8, Uint16, Uint32, Uint64, Bool, Invalid:
		return false
	}
	return true
}

// Sizeof returns the size of one element in bytes.
func (k Kind) Sizeof() int {
	switch k {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Bfloat16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// Computation returns the kind arithmetic is performed in: low
// precision floats are widened to float32, everything else computes
// in its own kind.
func (k Kind) Computation() Kind {
	if k.IsLowPrecisionFloat() {
		return Float32
	}
	return k
}

func rank(k Kind) int {
	switch {
	case k == Bool:
		return 0
	case k.IsInteger():
		return 1
	case k.IsFloat():
		return 2
	}
	return -1
}

// Promote returns the kind of a binary operation over two kinds.
// Floats win over integers, integers win over bool, and within a
// category the wider kind wins.
func Promote(a, b Kind) Kind {
	if a == b {
		return a
	}
	ra, rb := rank(a), rank(b)
	if ra < 0 || rb < 0 {
		return Invalid
	}
	if ra != rb {
		if ra > rb {
			return a
		}
		return b
	}
	if a.Sizeof() != b.Sizeof() {
		if a.Sizeof() > b.Sizeof() {
			return a
		}
		return b
	}
	// Same category and size: prefer the signed kind for integers and
	// float32 for the mixed 16-bit float pair.
	if a.IsFloat() {
		return Float32
	}
	if a.IsSigned() {
		return a
	}
	return b
}

// PromoteAll folds Promote over a list of kinds.
func PromoteAll(kinds ...Kind) Kind {
	if len(kinds) == 0 {
		return Invalid
	}
	r := kinds[0]
	for _, k := range kinds[1:] {
		r = Promote(r, k)
	}
	return r
}

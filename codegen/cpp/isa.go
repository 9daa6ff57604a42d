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

import "github.com/tensorloom/loom/build/kind"

// ISA describes the vector capabilities of a target instruction set.
type ISA interface {
	// Name of the instruction set.
	Name() string
	// BitWidth of one vector register.
	BitWidth() int64
	// CompileFlags to pass to the C++ compiler for this target.
	CompileFlags() []string
}

// Lanes returns how many elements of a kind fit in one vector register.
func Lanes(isa ISA, k kind.Kind) int64 {
	return isa.BitWidth() / int64(8*k.Sizeof())
}

// TilingFactor returns the loop tiling factor for an instruction set:
// the number of float32 lanes, possibly overridden by the config.
func TilingFactor(isa ISA, cfg Config) int64 {
	if cfg.SimdLen > 0 {
		return cfg.SimdLen
	}
	return Lanes(isa, kind.Float32)
}

// NumVectors returns how many vector registers hold factor elements of
// a kind, rounding up. A tiling factor of 16 float32 on a 256-bit
// target needs 2 registers; 16 bfloat16 need 1.
func NumVectors(isa ISA, k kind.Kind, factor int64) int64 {
	bits := factor * int64(k.Sizeof()) * 8
	n := bits / isa.BitWidth()
	if bits%isa.BitWidth() != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

type avx2 struct{}

func (avx2) Name() string    { return "avx2" }
func (avx2) BitWidth() int64 { return 256 }
func (avx2) CompileFlags() []string {
	return []string{"-mavx2", "-mfma"}
}

type avx512 struct{}

func (avx512) Name() string    { return "avx512" }
func (avx512) BitWidth() int64 { return 512 }
func (avx512) CompileFlags() []string {
	return []string{"-mavx512f", "-mavx512dq", "-mavx512vl", "-mavx512bw", "-mfma"}
}

type neon struct{}

func (neon) Name() string    { return "neon" }
func (neon) BitWidth() int64 { return 128 }
func (neon) CompileFlags() []string {
	return nil
}

// AVX2 is the 256-bit x86 instruction set.
func AVX2() ISA { return avx2{} }

// AVX512 is the 512-bit x86 instruction set.
func AVX512() ISA { return avx512{} }

// Neon is the 128-bit ARM instruction set.
func Neon() ISA { return neon{} }

// SupportedISAs lists the instruction sets the generator can target,
// widest first.
func SupportedISAs() []ISA {
	return []ISA{AVX512(), AVX2(), Neon()}
}

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
	"github.com/tensorloom/loom/base/ordered"
	"github.com/tensorloom/loom/build/cexpr"
)

type argEntry struct {
	name    string
	read    bool
	written bool
}

// Args tracks the buffers and dynamic sizes one fused kernel touches
// and names them as kernel parameters: in_ptr0, out_ptr1, in_out_ptr0
// for read-written buffers, and ks0 for size symbols.
type Args struct {
	entries *ordered.Map[string, *argEntry]
	sizes   *ordered.Map[string, string]

	nIn, nOut, nInOut int
}

// NewArgs returns an empty argument set.
func NewArgs() *Args {
	return &Args{
		entries: ordered.NewMap[string, *argEntry](),
		sizes:   ordered.NewMap[string, string](),
	}
}

// Declare registers an access to a buffer before any code is emitted.
// Declaring all accesses of a kernel group up front lets a buffer that
// is both read and written receive its in_out name from the start.
func (a *Args) Declare(buf string, read, written bool) {
	e, ok := a.entries.Load(buf)
	if !ok {
		e = &argEntry{}
		a.entries.Store(buf, e)
	}
	e.read = e.read || read
	e.written = e.written || written
}

func (a *Args) nameOf(e *argEntry) string {
	if e.name != "" {
		return e.name
	}
	switch {
	case e.read && e.written:
		e.name = fmt.Sprintf("in_out_ptr%d", a.nInOut)
		a.nInOut++
	case e.written:
		e.name = fmt.Sprintf("out_ptr%d", a.nOut)
		a.nOut++
	default:
		e.name = fmt.Sprintf("in_ptr%d", a.nIn)
		a.nIn++
	}
	return e.name
}

// Input returns the parameter name a load of buf uses.
func (a *Args) Input(buf string) string {
	a.Declare(buf, true, false)
	e, _ := a.entries.Load(buf)
	return a.nameOf(e)
}

// Output returns the parameter name a store to buf uses.
func (a *Args) Output(buf string) string {
	a.Declare(buf, false, true)
	e, _ := a.entries.Load(buf)
	return a.nameOf(e)
}

// SizeVar returns the parameter name of a dynamic size symbol.
func (a *Args) SizeVar(sym string) string {
	if name, ok := a.sizes.Load(sym); ok {
		return name
	}
	name := fmt.Sprintf("ks%d", a.sizes.Size())
	a.sizes.Store(sym, name)
	return name
}

// RenameIndex substitutes the size symbols of an index expression with
// their parameter names. Loop variables are left alone.
func (a *Args) RenameIndex(index cexpr.Expr) cexpr.Expr {
	subs := make(map[string]cexpr.Expr)
	for _, s := range cexpr.FreeVars(index) {
		if len(s) > 0 && s[0] == 's' {
			subs[s] = cexpr.NewSym(a.SizeVar(s))
		}
	}
	if len(subs) == 0 {
		return index
	}
	return cexpr.Subs(index, subs)
}

// Count returns the total number of kernel parameters.
func (a *Args) Count() int {
	return a.entries.Size() + a.sizes.Size()
}

// CDefs returns the C parameter declarations, buffers first then
// sizes, in name assignment order.
func (a *Args) CDefs(g *Graph) ([]string, error) {
	var defs []string
	for buf, e := range a.entries.Iter() {
		k, err := g.BufferKind(buf)
		if err != nil {
			return nil, err
		}
		qual := ""
		if e.read && !e.written {
			qual = "const "
		}
		defs = append(defs, fmt.Sprintf("%s%s* __restrict__ %s", qual, cType(k), a.nameOf(e)))
	}
	for _, name := range a.sizes.ValueSlice() {
		defs = append(defs, fmt.Sprintf("const %s %s", indexType, name))
	}
	if len(defs) > maxKernelArgs {
		return nil, errors.Errorf("fused kernel takes %d arguments, more than the %d supported", len(defs), maxKernelArgs)
	}
	return defs, nil
}

// CallArgs returns, for each parameter in declaration order, the
// buffer or size symbol the caller passes.
func (a *Args) CallArgs() []string {
	args := make([]string, 0, a.Count())
	args = append(args, a.entries.KeySlice()...)
	args = append(args, a.sizes.KeySlice()...)
	return args
}

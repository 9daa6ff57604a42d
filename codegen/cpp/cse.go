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
	"github.com/tensorloom/loom/base/buffer"
	"github.com/tensorloom/loom/base/ordered"
	"github.com/tensorloom/loom/base/uname"
	"github.com/tensorloom/loom/build/kind"
)

// Variable is one value computed inside a kernel body. Besides its
// emitted name it tracks the kind of the value, whether it lives in a
// vector register, and which loop variables it depends on.
type Variable struct {
	Name  string
	Kind  kind.Kind
	IsVec bool

	deps map[string]bool
}

func (v *Variable) String() string { return v.Name }

// DependsOn returns true if the value varies with a loop variable.
func (v *Variable) DependsOn(itervar string) bool {
	return v.deps[itervar]
}

// AddDep marks the value as varying with a loop variable.
func (v *Variable) AddDep(itervar string) {
	if v.deps == nil {
		v.deps = make(map[string]bool)
	}
	v.deps[itervar] = true
}

// InheritDeps marks the value as varying with everything its inputs
// vary with.
func (v *Variable) InheritDeps(args []*Variable) {
	for _, a := range args {
		if a == nil {
			continue
		}
		for d := range a.deps {
			v.AddDep(d)
		}
	}
}

// CSE names kernel values and deduplicates recomputations: generating
// twice with the same structural key yields the same variable, with
// the defining statement emitted once.
type CSE struct {
	prefix string
	un     *uname.Unique
	cache  *ordered.Map[string, []*Variable]
	stores *ordered.Map[string, *Variable]
}

// NewCSE returns a CSE naming its variables prefix0, prefix1, ...
func NewCSE(prefix string) *CSE {
	return &CSE{
		prefix: prefix,
		un:     uname.New(),
		cache:  ordered.NewMap[string, []*Variable](),
		stores: ordered.NewMap[string, *Variable](),
	}
}

// Clone returns an independent copy: variables generated through the
// clone leave the original untouched.
func (c *CSE) Clone() *CSE {
	return &CSE{
		prefix: c.prefix,
		un:     c.un.Clone(),
		cache:  c.cache.Clone(),
		stores: c.stores.Clone(),
	}
}

// NewVar returns a fresh variable outside the cache.
func (c *CSE) NewVar(k kind.Kind, vec bool) *Variable {
	return &Variable{Name: c.un.Next(c.prefix), Kind: k, IsVec: vec}
}

// Named wraps an existing C expression, such as an accumulator field,
// as a variable without declaring anything.
func (c *CSE) Named(name string, k kind.Kind, vec bool) *Variable {
	return &Variable{Name: name, Kind: k, IsVec: vec}
}

// Lookup returns the cached variables for a key.
func (c *CSE) Lookup(key string) ([]*Variable, bool) {
	return c.cache.Load(key)
}

// Put caches variables under a key.
func (c *CSE) Put(key string, vs []*Variable) {
	c.cache.Store(key, vs)
}

// Generate returns the variable for a key, declaring it in buf from
// the right-hand side on a cache miss.
func (c *CSE) Generate(buf *buffer.Indented, key, rhs string, k kind.Kind, vec bool) *Variable {
	if vs, ok := c.cache.Load(key); ok {
		return vs[0]
	}
	v := c.NewVar(k, vec)
	buf.WriteLinef("auto %s = %s;", v.Name, rhs)
	c.Put(key, []*Variable{v})
	return v
}

// CacheStore records the value last stored to a buffer so that a
// subsequent load within the same kernel reuses it.
func (c *CSE) CacheStore(buf string, v *Variable) {
	c.stores.Store(buf, v)
}

// LoadStored returns the value last stored to a buffer, if any.
func (c *CSE) LoadStored(buf string) (*Variable, bool) {
	return c.stores.Load(buf)
}

// VarCount returns how many variables have been generated.
func (c *CSE) VarCount() int {
	return c.un.Count(c.prefix)
}

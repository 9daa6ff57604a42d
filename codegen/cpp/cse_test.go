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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tensorloom/loom/base/buffer"
	"github.com/tensorloom/loom/build/kind"
)

func TestCSEGenerateDeduplicates(t *testing.T) {
	c := NewCSE("tmp")
	buf := buffer.New()
	v1 := c.Generate(buf, "add(a, b)", "a + b", kind.Float32, false)
	v2 := c.Generate(buf, "add(a, b)", "a + b", kind.Float32, false)
	if v1 != v2 {
		t.Errorf("the same key generated two variables: %s and %s", v1, v2)
	}
	want := []string{"auto tmp0 = a + b;"}
	if diff := cmp.Diff(want, buf.Lines()); diff != "" {
		t.Errorf("generated code mismatch (-want +got):\n%s", diff)
	}
	v3 := c.Generate(buf, "mul(a, b)", "a * b", kind.Float32, false)
	if v3.Name != "tmp1" {
		t.Errorf("second value named %s, want tmp1", v3.Name)
	}
}

func TestCSECloneIsolation(t *testing.T) {
	c := NewCSE("tmp")
	buf := buffer.New()
	c.Generate(buf, "add(a, b)", "a + b", kind.Float32, false)

	clone := c.Clone()
	// The clone sees the parent's entries.
	if _, ok := clone.Lookup("add(a, b)"); !ok {
		t.Errorf("the clone lost the parent's cache entries")
	}
	v := clone.Generate(buf, "neg(tmp0)", "-tmp0", kind.Float32, false)
	if v.Name != "tmp1" {
		t.Errorf("clone value named %s, want tmp1", v.Name)
	}
	// The parent never sees what the clone generated.
	if _, ok := c.Lookup("neg(tmp0)"); ok {
		t.Errorf("a clone entry leaked into the parent")
	}
	if got := c.VarCount(); got != 1 {
		t.Errorf("parent variable count = %d after generating through the clone, want 1", got)
	}
}

func TestCSEStoreForwarding(t *testing.T) {
	c := NewCSE("tmp")
	v := c.NewVar(kind.Float32, false)
	c.CacheStore("c", v)
	got, ok := c.LoadStored("c")
	if !ok || got != v {
		t.Errorf("LoadStored returned %v, want the cached value", got)
	}
	if _, ok := c.LoadStored("d"); ok {
		t.Errorf("LoadStored hit a buffer nothing was stored to")
	}
	clone := c.Clone()
	clone.CacheStore("d", clone.NewVar(kind.Float32, false))
	if _, ok := c.LoadStored("d"); ok {
		t.Errorf("a clone store leaked into the parent")
	}
}

func TestCSENamed(t *testing.T) {
	c := NewCSE("tmp")
	acc := c.Named("tmp_acc0", kind.Float32, false)
	if acc.Name != "tmp_acc0" {
		t.Errorf("named value = %s", acc.Name)
	}
	// Named wrapping does not consume generated names.
	if v := c.NewVar(kind.Float32, false); v.Name != "tmp0" {
		t.Errorf("first generated name = %s, want tmp0", v.Name)
	}
}

func TestVariableDeps(t *testing.T) {
	c := NewCSE("tmp")
	a := c.NewVar(kind.Float32, false)
	a.AddDep("x0")
	b := c.NewVar(kind.Float32, false)
	b.AddDep("x1")
	v := c.NewVar(kind.Float32, false)
	v.InheritDeps([]*Variable{a, b, nil})
	for _, dep := range []string{"x0", "x1"} {
		if !v.DependsOn(dep) {
			t.Errorf("value does not depend on %s", dep)
		}
	}
	if v.DependsOn("x2") {
		t.Errorf("value depends on a variable its inputs never saw")
	}
}

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

package uname_test

import (
	"testing"

	"github.com/tensorloom/loom/base/uname"
)

func TestName(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{
			name: "a",
			want: "a",
		},
		{
			name: "a",
			want: "a1",
		},
		{
			name: "a",
			want: "a2",
		},
		{
			name: "b",
			want: "b",
		},
		{
			name: "b",
			want: "b1",
		},
	}
	unames := uname.New()
	for i, test := range tests {
		got := unames.Name(test.name)
		if got != test.want {
			t.Errorf("test %d: for name %s, got %s but want %s", i, test.name, got, test.want)
		}
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		prefix, want string
	}{
		{prefix: "tmp", want: "tmp0"},
		{prefix: "tmp", want: "tmp1"},
		{prefix: "acc", want: "acc0"},
		{prefix: "tmp", want: "tmp2"},
		{prefix: "acc", want: "acc1"},
	}
	unames := uname.New()
	for i, test := range tests {
		got := unames.Next(test.prefix)
		if got != test.want {
			t.Errorf("test %d: for prefix %s, got %s but want %s", i, test.prefix, got, test.want)
		}
	}
	if got := unames.Count("tmp"); got != 3 {
		t.Errorf("Count(tmp): got %d but want 3", got)
	}
}

func TestClone(t *testing.T) {
	unames := uname.New()
	unames.Next("tmp")
	clone := unames.Clone()
	if got := clone.Next("tmp"); got != "tmp1" {
		t.Errorf("clone.Next: got %s but want tmp1", got)
	}
	// The clone does not affect the original.
	if got := unames.Next("tmp"); got != "tmp1" {
		t.Errorf("original.Next after clone: got %s but want tmp1", got)
	}
}

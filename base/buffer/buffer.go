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

// Package buffer provides indentation-aware text buffers for code emission.
package buffer

import (
	"fmt"
	"strings"
)

const indentWidth = 4

// Indented accumulates lines of source code at a current indentation level.
type Indented struct {
	lines  []string
	indent int
}

// New returns an empty buffer.
func New() *Indented {
	return &Indented{}
}

// WriteLine appends one line at the current indentation.
// Empty lines are appended without indentation.
func (b *Indented) WriteLine(line string) {
	if line == "" {
		b.lines = append(b.lines, "")
		return
	}
	b.lines = append(b.lines, strings.Repeat(" ", b.indent*indentWidth)+line)
}

// WriteLinef formats and appends one line at the current indentation.
func (b *Indented) WriteLinef(format string, args ...any) {
	b.WriteLine(fmt.Sprintf(format, args...))
}

// WriteLines appends multiple lines at the current indentation.
func (b *Indented) WriteLines(lines []string) {
	for _, line := range lines {
		b.WriteLine(line)
	}
}

// Indent runs f with the indentation level increased by one.
func (b *Indented) Indent(f func()) {
	b.indent++
	f()
	b.indent--
}

// IndentBy runs f with the indentation level increased by delta.
// A negative delta is allowed for code hoisted out of an enclosing scope.
func (b *Indented) IndentBy(delta int, f func()) {
	b.indent += delta
	f()
	b.indent -= delta
}

// Braces writes an opening brace, runs f one level deeper, then writes
// the closing brace.
func (b *Indented) Braces(f func()) {
	b.WriteLine("{")
	b.Indent(f)
	b.WriteLine("}")
}

// Enter opens a brace block and raises the indentation until the
// matching Exit. Use Braces instead when the block closes within one
// call frame.
func (b *Indented) Enter() {
	b.WriteLine("{")
	b.indent++
}

// Exit closes the block opened by Enter.
func (b *Indented) Exit() {
	b.indent--
	b.WriteLine("}")
}

// Splice appends the content of another buffer, re-indented to the
// current level. The other buffer's own base indentation is preserved
// relative to its first line.
func (b *Indented) Splice(other *Indented) {
	prefix := strings.Repeat(" ", b.indent*indentWidth)
	for _, line := range other.lines {
		if line == "" {
			b.lines = append(b.lines, "")
			continue
		}
		b.lines = append(b.lines, prefix+line)
	}
}

// Len returns the number of lines in the buffer.
func (b *Indented) Len() int {
	return len(b.lines)
}

// Lines returns the accumulated lines.
func (b *Indented) Lines() []string {
	return b.lines
}

// String returns the buffer content with a trailing newline,
// or the empty string if no line was written.
func (b *Indented) String() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package bitfield describes instruction encodings as named bit ranges.
package bitfield

import (
	"fmt"
	"strings"
)

// Field is the bit range [Lo, Hi) of an instruction word.
type Field struct {
	Name   string
	Lo     uint
	Hi     uint
	Signed bool
}

// U declares an unsigned field.
func U(name string, lo uint, hi uint) Field {
	return Field{Name: name, Lo: lo, Hi: hi}
}

// S declares a two's complement field.
func S(name string, lo uint, hi uint) Field {
	return Field{Name: name, Lo: lo, Hi: hi, Signed: true}
}

func (self Field) Width() uint {
	return self.Hi - self.Lo
}

// Mask returns the in-place mask of the field.
func (self Field) Mask() uint64 {
	return ((uint64(1) << self.Width()) - 1) << self.Lo
}

// Get extracts the field from w, sign-extending signed fields.
func (self Field) Get(w uint64) int64 {
	n := self.Width()
	v := (w & self.Mask()) >> self.Lo

	/* sign-extend if needed */
	if self.Signed && v&(1<<(n-1)) != 0 {
		return int64(v) - int64(1)<<n
	} else {
		return int64(v)
	}
}

// Fits reports whether v can be stored in the field without loss.
func (self Field) Fits(v int64) bool {
	n := self.Width()
	if self.Signed {
		return v >= -(int64(1)<<(n-1)) && v < int64(1)<<(n-1)
	} else {
		return v >= 0 && uint64(v) < uint64(1)<<n
	}
}

// TrySet stores v into the field of w, reporting false on overflow.
func (self Field) TrySet(w uint64, v int64) (uint64, bool) {
	if !self.Fits(v) {
		return w, false
	} else {
		return (w &^ self.Mask()) | ((uint64(v) << self.Lo) & self.Mask()), true
	}
}

// Set is like TrySet but panics on overflow.
func (self Field) Set(w uint64, v int64) uint64 {
	if r, ok := self.TrySet(w, v); !ok {
		panic(fmt.Sprintf("bitfield: value %d overflows field %s[%d:%d]", v, self.Name, self.Lo, self.Hi))
	} else {
		return r
	}
}

// Const is a field that must hold a fixed value for a format to match.
type Const struct {
	Field Field
	Value uint64
}

// Fix declares a constant field.
func Fix(lo uint, hi uint, value uint64) Const {
	return Const{Field: U("fixed", lo, hi), Value: value}
}

// Format is one instruction encoding: the constant bits identifying it plus
// its operand fields.
type Format struct {
	Name   string
	Fixed  []Const
	Fields []Field
}

// OverflowError is returned when an operand does not fit its field.
type OverflowError struct {
	Format string
	Field  string
	Value  int64
}

func (self *OverflowError) Error() string {
	return fmt.Sprintf("%s: value %d does not fit in field %s", self.Format, self.Value, self.Field)
}

// Match reports whether w carries every constant of the format.
func (self *Format) Match(w uint64) bool {
	for _, c := range self.Fixed {
		if uint64(c.Field.Get(w)) != c.Value {
			return false
		}
	}
	return true
}

// Base returns a word holding only the constant bits.
func (self *Format) Base() (w uint64) {
	for _, c := range self.Fixed {
		w = c.Field.Set(w, int64(c.Value))
	}
	return
}

// Lookup returns the named operand field.
func (self *Format) Lookup(name string) Field {
	for _, f := range self.Fields {
		if f.Name == name {
			return f
		}
	}
	panic("bitfield: " + self.Name + " has no field named " + name)
}

// Get extracts the named operand from w.
func (self *Format) Get(w uint64, name string) int64 {
	return self.Lookup(name).Get(w)
}

// Encode builds a word from the constants and one value per operand field,
// in declaration order.
func (self *Format) Encode(args ...int64) (uint64, error) {
	var ok bool
	var w = self.Base()

	/* argument count is a programming error, not an input error */
	if len(args) != len(self.Fields) {
		panic(fmt.Sprintf("bitfield: %s takes %d operands, got %d", self.Name, len(self.Fields), len(args)))
	}

	/* place every operand */
	for i, f := range self.Fields {
		if w, ok = f.TrySet(w, args[i]); !ok {
			return 0, &OverflowError{Format: self.Name, Field: f.Name, Value: args[i]}
		}
	}
	return w, nil
}

// Decode extracts every operand field of w, in declaration order.
func (self *Format) Decode(w uint64) []int64 {
	ret := make([]int64, len(self.Fields))
	for i, f := range self.Fields {
		ret[i] = f.Get(w)
	}
	return ret
}

// Dump renders w as "name{field=value ...}".
func (self *Format) Dump(w uint64) string {
	sb := strings.Builder{}
	sb.WriteString(self.Name)
	sb.WriteByte('{')

	/* dump every operand */
	for i, v := range self.Decode(w) {
		if i != 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%d", self.Fields[i].Name, v)
	}

	sb.WriteByte('}')
	return sb.String()
}

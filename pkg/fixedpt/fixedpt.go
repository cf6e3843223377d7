// Copyright 2024 The minikern Authors.
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

// Package fixedpt implements signed 17.14 fixed-point arithmetic.
//
// The fair scheduler's recent-CPU and load-average estimators need fractional
// arithmetic, and the kernel has no floating point. Values are stored as the
// real number times 2^14 in an int64, which leaves enough headroom that
// intermediate products in Mul and Div never overflow for the magnitudes the
// scheduler produces.
package fixedpt

// Shift is the number of fractional bits.
const Shift = 14

// unit is the fixed-point representation of 1.
const unit = 1 << Shift

// Value is a signed 17.14 fixed-point number.
type Value int64

// FromInt converts an integer to fixed point.
func FromInt(n int) Value {
	return Value(int64(n) * unit)
}

// Frac returns the fixed-point representation of num/den. den must not be 0.
func Frac(num, den int) Value {
	return Value(int64(num) * unit / int64(den))
}

// Trunc converts x to an integer, rounding toward zero.
func (x Value) Trunc() int {
	return int(x / unit)
}

// Round converts x to an integer, rounding to nearest.
func (x Value) Round() int {
	if x >= 0 {
		return int((x + unit/2) / unit)
	}
	return int((x - unit/2) / unit)
}

// Add returns x + y.
func (x Value) Add(y Value) Value {
	return x + y
}

// Sub returns x - y.
func (x Value) Sub(y Value) Value {
	return x - y
}

// AddInt returns x + n.
func (x Value) AddInt(n int) Value {
	return x + FromInt(n)
}

// Mul returns x * y.
func (x Value) Mul(y Value) Value {
	return Value(int64(x) * int64(y) >> Shift)
}

// MulInt returns x * n.
func (x Value) MulInt(n int) Value {
	return x * Value(n)
}

// Div returns x / y. y must not be 0.
func (x Value) Div(y Value) Value {
	return Value(int64(x) << Shift / int64(y))
}

// DivInt returns x / n. n must not be 0.
func (x Value) DivInt(n int) Value {
	return x / Value(n)
}

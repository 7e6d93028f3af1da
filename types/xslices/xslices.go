/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package xslices provides generic slice helpers used throughout the planning
// layer: mapping, filling, iota and a few conveniences the standard `slices`
// package doesn't cover.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Number includes all the numeric types usable as ids, sizes and offsets.
type Number interface {
	constraints.Integer | constraints.Float
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Iota returns a slice of incremental int values, starting with start and of the given len.
func Iota[T Number](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// SliceWithValue creates a slice of the given size filled with the given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// FillSlice fills the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// At returns the element at the given position. If pos is negative, it counts from the end of
// the slice -- like Python.
func At[T any](slice []T, pos int) T {
	if pos < 0 {
		pos = len(slice) + pos
	}
	return slice[pos]
}

// Last returns the last element of the slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Max returns the largest element of the slice. It panics on an empty slice.
func Max[T constraints.Ordered](slice []T) (max T) {
	max = slice[0]
	for _, v := range slice[1:] {
		if v > max {
			max = v
		}
	}
	return
}

// Sum adds all elements of the slice.
func Sum[T Number](slice []T) (sum T) {
	for _, v := range slice {
		sum += v
	}
	return
}

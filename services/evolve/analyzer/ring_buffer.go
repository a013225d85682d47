// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

// ringBuffer is a fixed-size circular buffer.
//
// # Description
//
// Provides O(1) push and bounded memory usage. When full, the oldest item
// is overwritten. Used as the hot tier of the analysis history.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type ringBuffer[T any] struct {
	data  []T
	head  int  // Next write position
	tail  int  // First element position
	count int  // Current number of elements
	cap   int  // Maximum capacity
	full  bool // Whether buffer has wrapped
}

// newRingBuffer creates a ring buffer with the given capacity.
func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = 100 // Default
	}
	return &ringBuffer[T]{
		data: make([]T, capacity),
		cap:  capacity,
	}
}

// Push adds an item. If the buffer is full, the oldest item is overwritten.
func (r *ringBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % r.cap

	if r.full {
		r.tail = (r.tail + 1) % r.cap
	} else {
		r.count++
		if r.count == r.cap {
			r.full = true
		}
	}
}

// Pop removes and returns the oldest item. False if empty.
func (r *ringBuffer[T]) Pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.data[r.tail]
	r.data[r.tail] = zero // Clear reference
	r.tail = (r.tail + 1) % r.cap
	r.count--
	r.full = false

	return item, true
}

// Slice returns all items from oldest to newest as a copy.
func (r *ringBuffer[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}

	result := make([]T, r.count)
	if r.full {
		n := copy(result, r.data[r.tail:])
		copy(result[n:], r.data[:r.head])
	} else {
		copy(result, r.data[r.tail:r.tail+r.count])
	}
	return result
}

// Len returns the current number of elements.
func (r *ringBuffer[T]) Len() int {
	return r.count
}

// Cap returns the maximum capacity.
func (r *ringBuffer[T]) Cap() int {
	return r.cap
}

// IsFull reports whether the buffer is at capacity.
func (r *ringBuffer[T]) IsFull() bool {
	return r.full
}

// ForEach calls fn for each item from oldest to newest. Return false from
// fn to stop iteration.
func (r *ringBuffer[T]) ForEach(fn func(item T) bool) {
	for i := 0; i < r.count; i++ {
		idx := (r.tail + i) % r.cap
		if !fn(r.data[idx]) {
			return
		}
	}
}

// Package ordering assigns display orders to tasks within a day.
//
// Orders are allocated with reserved gaps so that most moves touch a single
// row. A move first tries to drop the task into the numeric gap at the
// target slot; when the gap is exhausted it renumbers only the contiguous
// span between the old and new position, leaving every other row untouched.
package ordering

import "fmt"

// Step is the gap reserved between consecutive display orders.
const Step = 1024

// Next returns the display order for a task appended to a day whose current
// maximum order is max. A day with no tasks has max 0.
func Next(max int64) int64 {
	if max < 0 {
		max = 0
	}
	return max + Step
}

// PlanMove returns the display orders of a day's tasks after moving the task
// at index from to index to. The input orders must be strictly increasing and
// aligned with the day's tasks in visual order; the result is aligned with
// the arrangement after the move. Entries outside the touched span keep
// their values.
func PlanMove(orders []int64, from, to int) ([]int64, error) {
	n := len(orders)
	if from < 0 || from >= n {
		return nil, fmt.Errorf("move source %d out of range [0,%d)", from, n)
	}
	if to < 0 {
		to = 0
	}
	if to >= n {
		to = n - 1
	}
	for i := 1; i < n; i++ {
		if orders[i] <= orders[i-1] {
			return nil, fmt.Errorf("orders are not strictly increasing at index %d", i)
		}
	}

	if from == to {
		result := make([]int64, n)
		copy(result, orders)
		return result, nil
	}

	// rest is the day without the moving task, in visual order.
	rest := make([]int64, 0, n-1)
	rest = append(rest, orders[:from]...)
	rest = append(rest, orders[from+1:]...)

	var low, high int64
	if to > 0 {
		low = rest[to-1]
	}
	if to < len(rest) {
		high = rest[to]
	} else {
		high = low + 2*Step
	}

	if high-low > 1 {
		result := make([]int64, 0, n)
		result = append(result, rest[:to]...)
		result = append(result, (low+high)/2)
		result = append(result, rest[to:]...)
		return result, nil
	}

	return renumberSpan(orders, from, to)
}

// renumberSpan rewrites the contiguous span between from and to with +1
// increments anchored just above the order below the span. Strictly
// increasing neighbors always leave at least span-length room, so orders
// outside the span never move.
func renumberSpan(orders []int64, from, to int) ([]int64, error) {
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}

	result := make([]int64, len(orders))
	copy(result, orders)

	var base int64
	if lo > 0 {
		base = orders[lo-1]
	}
	for i := lo; i <= hi; i++ {
		base++
		result[i] = base
	}
	return result, nil
}

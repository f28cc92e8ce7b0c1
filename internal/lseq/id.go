// Package lseq implements the LSEQ identifier scheme used to order
// chunks within a document: a dense, variable-length sequence of
// bounded integers that always admits a value strictly between any
// two neighbors.
package lseq

import (
	"fmt"
	"strconv"
	"strings"
)

// component bounds. 0 and sentinelRight (maxComponent+1) are sentinel
// values used only inside the allocator (see alloc.go) to represent the
// absent left and right document boundaries; they must never appear in
// a real ID.
const (
	minComponent = 1
	maxComponent = 65535
	// sentinelRight is the virtual right-boundary component.
	sentinelRight = maxComponent + 1
)

// ID is a nonempty sequence of positive integers in [1, 65535].
// Comparison is lexicographic with the prefix rule: a strict prefix
// sorts before any of its extensions.
type ID []uint32

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b.
func Compare(a, b ID) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b ID) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are the same id.
func Equal(a, b ID) bool { return Compare(a, b) == 0 }

// String renders the id as dot-joined, fixed-width five-digit decimal
// components, e.g. "32768" for a single-component id of 32768, or
// "32768.00512" for the two-component id [32768, 512].
func (id ID) String() string {
	parts := make([]string, len(id))
	for i, c := range id {
		parts[i] = fmt.Sprintf("%05d", c)
	}
	return strings.Join(parts, ".")
}

// Parse reconstructs an ID from its dot-joined fixed-width decimal
// rendering.
func Parse(s string) (ID, error) {
	if s == "" {
		return nil, fmt.Errorf("lseq: empty id")
	}
	parts := strings.Split(s, ".")
	id := make(ID, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("lseq: invalid component %q: %w", p, err)
		}
		if v < minComponent || v > maxComponent {
			return nil, fmt.Errorf("lseq: component %d out of range [%d,%d]", v, minComponent, maxComponent)
		}
		id[i] = uint32(v)
	}
	return id, nil
}

// Valid reports whether id is a well-formed, nonempty id with every
// component inside [1, 65535].
func (id ID) Valid() bool {
	if len(id) == 0 {
		return false
	}
	for _, c := range id {
		if c < minComponent || c > maxComponent {
			return false
		}
	}
	return true
}

// Package depfilter implements a content-based gcc depfile detector. The
// 100000-byte threshold and the literal ".o: \" pattern are load-bearing
// contracts, not implementation details.
package depfilter

import "bytes"

const (
	maxDepfileSize = 100000
)

var depfilePattern = []byte(".o: \\")

// IsBlockedDepfile reports whether body should be suppressed as a gcc
// depfile: it is both short enough (<= 100000 bytes) and contains the
// literal five-byte sequence ".o: \".
func IsBlockedDepfile(body []byte) bool {
	if len(body) > maxDepfileSize {
		return false
	}
	return bytes.Contains(body, depfilePattern)
}

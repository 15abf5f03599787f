// Package reassembly implements the multi-part fragment buffer used for
// reply kinds that exceed a single frame (PIV data, potentially
// extended reads): fragments arrive as {whole_length, offset,
// fragment_bytes}, and the buffer tracks coverage until every byte of
// whole_length has been written.
package reassembly

import (
	"fmt"
	"sync"
)

// OutOfRangeError reports a fragment whose declared offset/length fall
// outside the buffer's whole_length.
type OutOfRangeError struct {
	Offset, Length, WholeLength int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("osdp: fragment out of range: offset=%d length=%d whole_length=%d",
		e.Offset, e.Length, e.WholeLength)
}

// Buffer accumulates fragments for one (connection, address, reply
// kind) reassembly in progress. A Buffer is used once: after
// WriteFragment reports complete, callers take Bytes() and discard it.
type Buffer struct {
	mu          sync.Mutex
	wholeLength int
	data        []byte
	covered     []bool
	coveredN    int
}

// New creates a Buffer sized for wholeLength bytes.
func New(wholeLength int) *Buffer {
	return &Buffer{
		wholeLength: wholeLength,
		data:        make([]byte, wholeLength),
		covered:     make([]bool, wholeLength),
	}
}

// WriteFragment writes fragment at offset. If wholeLength disagrees
// with the length this buffer was started with, the buffer restarts
// (discarding any previously written bytes) under the new length — per
// §4.6, a later fragment declaring a different whole_length is treated
// as a restart, not an error. Returns true once every byte of the
// (possibly restarted) whole_length has been covered.
func (b *Buffer) WriteFragment(wholeLength, offset int, fragment []byte) (complete bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if wholeLength != b.wholeLength {
		b.wholeLength = wholeLength
		b.data = make([]byte, wholeLength)
		b.covered = make([]bool, wholeLength)
		b.coveredN = 0
	}

	if offset < 0 || offset+len(fragment) > b.wholeLength {
		return false, &OutOfRangeError{Offset: offset, Length: len(fragment), WholeLength: b.wholeLength}
	}

	for i, c := range fragment {
		idx := offset + i
		if !b.covered[idx] {
			b.covered[idx] = true
			b.coveredN++
		}
		b.data[idx] = c
	}

	return b.coveredN == b.wholeLength, nil
}

// Bytes returns a copy of the accumulated buffer, valid once
// WriteFragment has reported complete.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

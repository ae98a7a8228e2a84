// Package reorder restores capture order for transcription results that
// complete out of order.
package reorder

import "sync"

// EmitFunc receives drained results in sequence order. An empty text marks a
// segment that was processed but held no speech (or whose transcription failed).
type EmitFunc func(sequence int, text string)

// Buffer holds completed results keyed by sequence number until every earlier
// sequence has completed.
type Buffer struct {
	mu      sync.Mutex
	next    int
	pending map[int]string
	emit    EmitFunc
}

func New(emit EmitFunc) *Buffer {
	return &Buffer{
		pending: make(map[int]string),
		emit:    emit,
	}
}

// Complete records the result for sequence and drains every consecutive result
// starting at the next expected sequence. Results for sequences already emitted
// or already pending are ignored. It returns the number of results emitted.
//
// The emit callback runs with the buffer lock held, so emission order matches
// sequence order even when Complete is called from many goroutines.
func (b *Buffer) Complete(sequence int, text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sequence < b.next {
		return 0
	}
	if _, dup := b.pending[sequence]; dup {
		return 0
	}
	b.pending[sequence] = text

	emitted := 0
	for {
		result, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		if b.emit != nil {
			b.emit(b.next, result)
		}
		b.next++
		emitted++
	}
	return emitted
}

// Reset discards pending results and expects sequence 0 next.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	b.pending = make(map[int]string)
}

// Next returns the next expected sequence number.
func (b *Buffer) Next() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Pending returns the number of results waiting behind a gap.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

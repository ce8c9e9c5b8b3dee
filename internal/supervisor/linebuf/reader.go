package linebuf

import (
	"io"
	"sync/atomic"
)

// Reader is used for reading lines from a Buffer, internally managing its
// position and blocking for new lines as they arrive. Safe for concurrent
// use.
type Reader struct {
	position int
	closed   atomic.Bool

	b *Buffer
}

// Next performs a blocking read of the next line from the Buffer. When the
// buffer has been closed and all lines consumed, it returns io.EOF.
func (r *Reader) Next() (Line, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()

	// If we've consumed all lines but the buffer is still open, wait...
	// Broadcast is called on 'close' or 'new line appended'.
	for r.position >= len(r.b.lines) && !r.isFinished() {
		r.b.cond.Wait()
	}

	if r.isFinished() {
		return Line{}, io.EOF
	}

	line := r.b.lines[r.position]
	r.position++

	return line, nil
}

// Close is used by a client to 'unsubscribe'. It marks the reader as closed
// and notifies any blocked Next calls that they can stop waiting.
func (r *Reader) Close() error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()

	r.closed.Store(true)

	r.b.cond.Broadcast()

	return nil
}

func (r *Reader) isFinished() bool {
	// We're finished if the reader is closed, or the buffer is closed and
	// we've consumed every line.
	return r.closed.Load() ||
		(r.b.isDone() && r.position >= len(r.b.lines))
}

// Package linebuf provides concurrent streaming of tagged process output
// lines. Multiple readers can subscribe to a Buffer and each receive the
// complete line history from the beginning, then block for new lines.
package linebuf

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Stream identifies which output stream a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one timestamped line of process output.
type Line struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Buffer is an append-only sequence of Lines. Writers Append, readers
// Subscribe. The internal slice grows indefinitely to accommodate new output.
type Buffer struct {
	// NOTE: the buffer will grow unbounded. The assumption is 'everything will
	// fit in memory' for the lifetime of a dev job; pruning of terminal jobs
	// frees the whole Buffer.
	lines []Line

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	cond      sync.Cond
}

// New creates an empty, open Buffer.
func New() *Buffer {
	b := &Buffer{
		done: make(chan struct{}),
	}

	b.cond.L = &b.mu

	return b
}

// Append adds a line to the buffer and wakes any blocked readers. Appending
// to a closed Buffer is a no-op.
func (b *Buffer) Append(line Line) {
	if b.isDone() {
		return
	}

	b.mu.Lock()

	b.lines = append(b.lines, line)

	b.cond.Broadcast()

	b.mu.Unlock()
}

// Close marks the buffer complete. Blocked readers drain the remaining lines
// and then receive io.EOF. Safe to call multiple times.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
}

// Len returns the number of lines appended so far.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.lines)
}

// Tail returns a copy of the most recent n lines, or all lines if fewer than
// n have been appended.
func (b *Buffer) Tail(n int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.lines) {
		n = len(b.lines)
	}

	tail := make([]Line, n)
	copy(tail, b.lines[len(b.lines)-n:])

	return tail
}

// Snapshot returns a copy of all lines appended so far.
func (b *Buffer) Snapshot() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := make([]Line, len(b.lines))
	copy(lines, b.lines)

	return lines
}

// Subscribe returns a Reader positioned at the start of the buffer.
// Close cancels the subscription.
func (b *Buffer) Subscribe() *Reader {
	return &Reader{b: b}
}

// Done returns a channel that is closed when the Buffer has been closed,
// i.e. no further lines will be appended.
func (b *Buffer) Done() <-chan struct{} {
	return b.done
}

// Ingest reads newline-delimited text from source, appending each line to the
// buffer tagged with stream. It returns when source reaches EOF or errors.
func (b *Buffer) Ingest(stream Stream, source io.Reader) {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		b.Append(Line{
			Stream: stream,
			Text:   scanner.Text(),
			Time:   time.Now(),
		})
	}
}

func (b *Buffer) isDone() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Package logbook holds the log capture primitives used during deployments:
// a fixed-capacity ring of raw console lines, a growable build transcript and
// a detachable forwarding slot that mirrors early runtime output into the
// build transcript until it is cut over.
package logbook

import (
	"strings"
	"sync"
)

// LineConsumer consumes one line of process or progress output
type LineConsumer func(line string)

// Ring is a fixed-capacity FIFO buffer of raw output lines. Once full, the
// oldest line is silently evicted. All methods are safe for concurrent use
// and are guarded independently of any deployment in progress.
type Ring struct {
	access sync.Mutex
	lines  []string
	head   int
	count  int
}

// NewRing creates a ring buffer that holds at most capacity lines
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append adds a raw line, evicting the oldest one if the ring is full
func (r *Ring) Append(line string) {
	r.access.Lock()
	defer r.access.Unlock()
	if r.count < len(r.lines) {
		r.lines[(r.head+r.count)%len(r.lines)] = line
		r.count++
		return
	}
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
}

// Snapshot returns a consistent copy of the buffered lines, oldest first.
// Lines are joined as-is since they carry their own terminators.
func (r *Ring) Snapshot() string {
	r.access.Lock()
	defer r.access.Unlock()
	var sb strings.Builder
	for i := 0; i < r.count; i++ {
		sb.WriteString(r.lines[(r.head+i)%len(r.lines)])
	}
	return sb.String()
}

// Len returns the number of buffered lines
func (r *Ring) Len() int {
	r.access.Lock()
	defer r.access.Unlock()
	return r.count
}

// Clear empties the ring buffer
func (r *Ring) Clear() {
	r.access.Lock()
	defer r.access.Unlock()
	r.head = 0
	r.count = 0
}

// Transcript accumulates the build log of one deployment attempt
type Transcript struct {
	access sync.Mutex
	buf    strings.Builder
}

// Append adds a line to the transcript, terminating it with a newline
func (t *Transcript) Append(line string) {
	t.access.Lock()
	defer t.access.Unlock()
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
}

// String returns the accumulated transcript
func (t *Transcript) String() string {
	t.access.Lock()
	defer t.access.Unlock()
	return t.buf.String()
}

// Reset empties the transcript
func (t *Transcript) Reset() {
	t.access.Lock()
	defer t.access.Unlock()
	t.buf.Reset()
}

// Slot is a swappable optional line consumer. Forward reads the currently
// attached consumer and invokes it if present; Clear detaches it. A forward
// that read the consumer just before it was cleared may still complete.
type Slot struct {
	access sync.Mutex
	target LineConsumer
}

// Set attaches a consumer to the slot
func (s *Slot) Set(c LineConsumer) {
	s.access.Lock()
	s.target = c
	s.access.Unlock()
}

// Clear detaches the current consumer, if any
func (s *Slot) Clear() {
	s.Set(nil)
}

// Forward passes the line to the attached consumer, or does nothing if the
// slot is empty. The consumer is invoked outside the slot lock.
func (s *Slot) Forward(line string) {
	s.access.Lock()
	target := s.target
	s.access.Unlock()
	if target != nil {
		target(line)
	}
}

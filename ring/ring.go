// Package ring is the circular byte buffer sitting between the line and the
// protocol code. One slot is always left unused, so head == tail means empty
// and full never looks like empty.
package ring

import "github.com/strickyak/atarisio/sio"

type Buffer struct {
	buf    []byte
	head   int // next write
	tail   int // next read
	wakeup int
}

// New makes a ring that can hold size bytes.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		buf:    make([]byte, size+1),
		wakeup: -1,
	}
}

// Cap is how many bytes the ring can hold.
func (r *Buffer) Cap() int { return len(r.buf) - 1 }

func (r *Buffer) Len() int {
	n := r.head - r.tail
	if n < 0 {
		n += len(r.buf)
	}
	return n
}

func (r *Buffer) Free() int  { return r.Cap() - r.Len() }
func (r *Buffer) Empty() bool { return r.head == r.tail }

// Write copies as much of p as fits and returns the count.
func (r *Buffer) Write(p []byte) int {
	n := 0
	for _, b := range p {
		if r.WriteByte(b) != nil {
			break
		}
		n++
	}
	return n
}

// WriteByte appends b, failing when the ring is full.
func (r *Buffer) WriteByte(b byte) error {
	next := (r.head + 1) % len(r.buf)
	if next == r.tail {
		return ErrFull
	}
	r.buf[r.head] = b
	r.head = next
	return nil
}

// Read moves up to len(p) bytes out of the ring.
func (r *Buffer) Read(p []byte) int {
	n := 0
	for n < len(p) && !r.Empty() {
		p[n] = r.buf[r.tail]
		r.tail = (r.tail + 1) % len(r.buf)
		n++
	}
	return n
}

func (r *Buffer) ReadByte() (byte, error) {
	if r.Empty() {
		return 0, ErrEmpty
	}
	b := r.buf[r.tail]
	r.tail = (r.tail + 1) % len(r.buf)
	return b, nil
}

// At returns the i'th unread byte without consuming it.
func (r *Buffer) At(i int) (byte, bool) {
	if i < 0 || i >= r.Len() {
		return 0, false
	}
	return r.buf[(r.tail+i)%len(r.buf)], true
}

// Clear drops everything buffered. The wakeup threshold is kept.
func (r *Buffer) Clear() {
	r.head, r.tail = 0, 0
}

// Checksum is the SIO checksum of the next n unread bytes, computed in place
// across the wrap. ok is false if fewer than n bytes are buffered.
func (r *Buffer) Checksum(n int) (sum byte, ok bool) {
	if n > r.Len() {
		return 0, false
	}
	for i := 0; i < n; i++ {
		sum = sio.ChecksumAdd(sum, r.buf[(r.tail+i)%len(r.buf)])
	}
	return sum, true
}

// SetWakeup arms the threshold at which a blocked reader should be woken;
// -1 disarms it.
func (r *Buffer) SetWakeup(n int) {
	if n < 0 {
		n = -1
	}
	r.wakeup = n
}

func (r *Buffer) Wakeup() int { return r.wakeup }

// ShouldWake reports whether someone is waiting and enough bytes are here.
func (r *Buffer) ShouldWake() bool {
	return r.wakeup >= 0 && r.Len() >= r.wakeup
}

// Package bodybuffer owns the growing request/response body byte buffers
// during streaming callbacks, enforcing the configured size cap without
// ever asking the host to hold back a chunk.
package bodybuffer

// Buffer accumulates bytes up to a fixed cap. Capture is an observer, never
// a gate: every chunk handed to it is assumed to already be forwarded
// through the filter chain regardless of what Write reports.
type Buffer struct {
	cap       int64
	data      []byte
	total     int64
	truncated bool
}

// New returns a Buffer that stores at most capBytes. A non-positive cap
// means "store nothing, count only."
func New(capBytes int64) *Buffer {
	return &Buffer{cap: capBytes}
}

// Write appends up to the remaining cap and always counts the full chunk
// length toward Size, regardless of how much was actually stored.
func (b *Buffer) Write(chunk []byte) {
	if b == nil || len(chunk) == 0 {
		return
	}
	b.total += int64(len(chunk))

	remaining := b.cap - int64(len(b.data))
	if remaining <= 0 {
		if b.total > b.cap {
			b.truncated = true
		}
		return
	}
	if int64(len(chunk)) > remaining {
		b.data = append(b.data, chunk[:remaining]...)
		b.truncated = true
		return
	}
	b.data = append(b.data, chunk...)
}

// Bytes returns the stored (possibly truncated) body.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size returns the true total size of everything written, including bytes
// that were counted but not stored past the cap.
func (b *Buffer) Size() int64 {
	if b == nil {
		return 0
	}
	return b.total
}

// Truncated reports whether the original body exceeded the cap.
func (b *Buffer) Truncated() bool {
	if b == nil {
		return false
	}
	return b.truncated
}

// AtCap reports whether the buffer has no room left for further bytes —
// used by the replay state machine to disable replay for oversize bodies
// before end-of-stream is even seen.
func (b *Buffer) AtCap() bool {
	if b == nil {
		return false
	}
	return int64(len(b.data)) >= b.cap
}

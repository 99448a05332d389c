package bridgemcp

import "fmt"

const (
	// DefaultMaxBufferSize caps how much partially-received data the
	// bridge will hold for one connection.
	DefaultMaxBufferSize = 1024 * 1024

	// defaultBufferCapacity is the initial allocation hint.
	defaultBufferCapacity = 4096
)

// DynamicBuffer accumulates partially-received bytes across socket reads.
// It is owned by a single FrameDecoder and is not safe for concurrent use.
type DynamicBuffer struct {
	data []byte
	max  int
}

// NewDynamicBuffer returns an empty buffer with the given maximum size.
// A non-positive max falls back to DefaultMaxBufferSize.
func NewDynamicBuffer(max int) *DynamicBuffer {
	if max <= 0 {
		max = DefaultMaxBufferSize
	}
	return &DynamicBuffer{
		data: make([]byte, 0, defaultBufferCapacity),
		max:  max,
	}
}

// Append concatenates chunk onto the buffer. An empty chunk is a no-op.
// If the prospective size would exceed the maximum, the buffer is left
// unchanged and ErrBufferOverflow is returned; the caller decides whether
// to Clear (drop data, keep the connection) or tear the connection down.
func (b *DynamicBuffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if len(b.data)+len(chunk) > b.max {
		return fmt.Errorf("%w: %d + %d exceeds %d bytes",
			ErrBufferOverflow, len(b.data), len(chunk), b.max)
	}
	b.data = append(b.data, chunk...)
	return nil
}

// Bytes returns the buffered data. The slice aliases internal storage and
// is only valid until the next mutation.
func (b *DynamicBuffer) Bytes() []byte { return b.data }

// Len returns the number of buffered bytes.
func (b *DynamicBuffer) Len() int { return len(b.data) }

// Max returns the configured maximum size.
func (b *DynamicBuffer) Max() int { return b.max }

// Clear empties the buffer, retaining capacity.
func (b *DynamicBuffer) Clear() { b.data = b.data[:0] }

// setBytes replaces the contents, used by the decoder after extracting
// complete frames.
func (b *DynamicBuffer) setBytes(rest []byte) {
	b.data = append(b.data[:0], rest...)
}

package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// DefaultChunkSize is the copy buffer used when relaying media bodies.
const DefaultChunkSize = 32 << 10

// BufferPool hands out fixed-size copy buffers backed by
// valyala/bytebufferpool, so concurrent media relays do not allocate a
// fresh buffer per request.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool of buffers of bufferSize bytes. A size of
// zero or less uses DefaultChunkSize.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = DefaultChunkSize
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a buffer whose B has length Size().
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns buf to the pool. Nil is ignored.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		buf.Reset()
		bp.pool.Put(buf)
	}
}

// Size is the length of every buffer handed out.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

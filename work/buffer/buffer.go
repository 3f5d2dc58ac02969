package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out fixed-capacity byte buffers backed by
// valyala/bytebufferpool, with a hard cap on how many may be outstanding at
// once. A player uses the cap as backpressure: when every slot is in use
// TryGet returns nil and the producer must back off.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
	slots      chan struct{}
}

// NewBufferPool creates a BufferPool of slots buffers, each with at least
// bufferSize bytes of capacity.
func NewBufferPool(bufferSize int64, slots int) *BufferPool {
	if slots <= 0 {
		slots = 1
	}
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
		slots:      make(chan struct{}, slots),
	}
}

// TryGet reserves a slot and returns an empty buffer, or nil when all
// slots are outstanding.
func (bp *BufferPool) TryGet() *bytebufferpool.ByteBuffer {
	select {
	case bp.slots <- struct{}{}:
	default:
		return nil
	}

	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer and frees its slot.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf == nil {
		return
	}
	bp.pool.Put(buf)
	select {
	case <-bp.slots:
	default:
	}
}

// BufferSize is the capacity each buffer is guaranteed to have.
func (bp *BufferPool) BufferSize() int {
	return bp.bufferSize
}

// InUse reports how many buffers are outstanding.
func (bp *BufferPool) InUse() int {
	return len(bp.slots)
}

package optimize

import (
	"sync"
)

// BytePool hands out fixed size byte buffers. Buffers are pooled by pointer
// so Put does not allocate.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every buffer returned by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Get returns a buffer of length Size. Its contents are unspecified.
func (p *BytePool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:p.size]
	return b
}

// Put returns b to the pool. Buffers of a different capacity are dropped.
func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) != p.size {
		return
	}
	p.pool.Put(b)
}

// RTPBufferSize fits one RTP packet on a standard Ethernet MTU.
const RTPBufferSize = 1500

var rtpBuffers = NewBytePool(RTPBufferSize)

// RTPBuffers is the process wide pool for packet reads.
func RTPBuffers() *BytePool {
	return rtpBuffers
}

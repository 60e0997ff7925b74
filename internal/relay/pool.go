package relay

import "sync"

// DefaultBufferSize is the per-direction copy buffer size.
const DefaultBufferSize = 32 * 1024

type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

var (
	poolsMu sync.Mutex
	pools   = map[int]*bufferPool{}
)

// poolFor returns the process-wide pool for buffers of size bytes.
func poolFor(size int) *bufferPool {
	poolsMu.Lock()
	defer poolsMu.Unlock()

	p, ok := pools[size]
	if !ok {
		p = newBufferPool(size)
		pools[size] = p
	}
	return p
}

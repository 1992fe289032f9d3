package pool

import (
	"bytes"
	"sync"
)

// Буферы больше этого размера в пул не возвращаются
const maxPooledBufferSize = 1 << 20

// ObjectPools содержит пулы объектов для переиспользования
type ObjectPools struct {
	bufferPool    sync.Pool
	byteSlicePool sync.Pool
}

// Global пулы объектов
var Global = &ObjectPools{
	bufferPool: sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	},
	byteSlicePool: sync.Pool{
		New: func() interface{} {
			return make([]byte, 0, 256)
		},
	},
}

// GetBuffer получает буфер из пула
func (p *ObjectPools) GetBuffer() *bytes.Buffer {
	return p.bufferPool.Get().(*bytes.Buffer)
}

// PutBuffer возвращает буфер в пул
func (p *ObjectPools) PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	p.bufferPool.Put(buf)
}

// GetByteSlice получает byte slice из пула
func (p *ObjectPools) GetByteSlice() []byte {
	return p.byteSlicePool.Get().([]byte)[:0]
}

// PutByteSlice возвращает byte slice в пул
func (p *ObjectPools) PutByteSlice(b []byte) {
	if cap(b) > maxPooledBufferSize {
		return
	}
	p.byteSlicePool.Put(b[:0]) //nolint:staticcheck
}

// Удобные функции для работы с глобальным пулом

func GetBuffer() *bytes.Buffer {
	return Global.GetBuffer()
}

func PutBuffer(buf *bytes.Buffer) {
	Global.PutBuffer(buf)
}

func GetByteSlice() []byte {
	return Global.GetByteSlice()
}

func PutByteSlice(b []byte) {
	Global.PutByteSlice(b)
}

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("segment")
	PutBuffer(buf)

	again := GetBuffer()
	assert.Equal(t, 0, again.Len())
	PutBuffer(again)
}

func TestByteSlicePool(t *testing.T) {
	b := GetByteSlice()
	b = append(b, 'a', 'b')
	PutByteSlice(b)
	assert.Len(t, GetByteSlice(), 0)
}

func BenchmarkBufferPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer()
		buf.WriteString("{\"ssvid\":\"1\"}\n")
		PutBuffer(buf)
	}
}

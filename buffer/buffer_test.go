package buffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotxlem/assemblylift/buffer"
)

// mirrorMemory is a MemoryWriter that just appends written bytes at the
// given offset into a growable byte slice, standing in for guest memory.
type mirrorMemory struct {
	data []byte
}

func (m *mirrorMemory) MemoryWrite(offset uint32, bytes []byte) (int, error) {
	end := int(offset) + len(bytes)
	if end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[offset:end], bytes)
	return len(bytes), nil
}

func TestFunctionInputBufferRoundTrip(t *testing.T) {
	cases := []int{0, 1, buffer.FunctionInputBufferSize, buffer.FunctionInputBufferSize + 1, buffer.FunctionInputBufferSize*3 + 7}

	for _, n := range cases {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		fib := buffer.NewFunctionInputBuffer()
		fib.Initialize(payload)
		require.Equal(t, n, fib.Len())

		mem := &mirrorMemory{}
		fib.First(mem, 0)
		collected := append([]byte(nil), mem.data...)
		pages := 1
		for i := buffer.FunctionInputBufferSize; i < n; i += buffer.FunctionInputBufferSize {
			next := &mirrorMemory{}
			fib.Next(next, 0)
			collected = append(collected, next.data...)
			pages++
		}

		expectedLen := n
		if expectedLen > buffer.FunctionInputBufferSize {
			expectedLen = buffer.FunctionInputBufferSize
		}
		assert.Len(t, mem.data, expectedLen)
		assert.Equal(t, payload, collected)
	}
}

func TestIoBufferExactBoundary(t *testing.T) {
	ib := buffer.NewIoBuffer()
	payload := make([]byte, buffer.IOBufferSizeBytes)
	for i := range payload {
		payload[i] = byte(i)
	}
	ib.Write(1, payload)
	require.Equal(t, buffer.IOBufferSizeBytes, ib.Len(1))

	mem := &mirrorMemory{}
	rc := ib.First(mem, 1, 0)
	require.Equal(t, int32(0), rc)
	assert.Equal(t, payload, mem.data)
}

func TestIoBufferOneByteOverBoundaryNeedsNext(t *testing.T) {
	ib := buffer.NewIoBuffer()
	payload := make([]byte, buffer.IOBufferSizeBytes+1)
	ib.Write(1, payload)

	mem := &mirrorMemory{}
	ib.First(mem, 1, 0)
	assert.Len(t, mem.data, buffer.IOBufferSizeBytes)

	mem2 := &mirrorMemory{}
	rc := ib.Next(mem2, 0)
	require.Equal(t, int32(0), rc)
	assert.Len(t, mem2.data, 1)
}

func TestIoBufferActiveBufferIsLastFirstWins(t *testing.T) {
	ib := buffer.NewIoBuffer()
	ib.Write(1, []byte("AAAA"))
	ib.Write(2, []byte("BB"))

	mem1 := &mirrorMemory{}
	ib.First(mem1, 1, 0)
	mem2 := &mirrorMemory{}
	ib.First(mem2, 2, 0)

	assert.Equal(t, []byte("BB"), mem2.data)

	memNext := &mirrorMemory{}
	ib.Next(memNext, 0)
	assert.Empty(t, memNext.data)
}

func TestIoBufferLazyCreateOnWrite(t *testing.T) {
	ib := buffer.NewIoBuffer()
	assert.False(t, ib.Has(42))
	ib.Write(42, []byte("hello"))
	assert.True(t, ib.Has(42))
	assert.Equal(t, 5, ib.Len(42))
}

func TestLinearBufferWriteAndErase(t *testing.T) {
	fib := buffer.NewFunctionInputBuffer()
	fib.Initialize(make([]byte, 10))
	n := fib.Write([]byte("hi"), 2)
	assert.Equal(t, 2, n)

	erased := fib.Erase(0, 4)
	assert.Equal(t, 4, erased)
}

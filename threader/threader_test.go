package threader_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotxlem/assemblylift/buffer"
	"github.com/dotxlem/assemblylift/iomod"
	"github.com/dotxlem/assemblylift/iomod/builtin"
	"github.com/dotxlem/assemblylift/threader"
)

type mirrorMemory struct{ data []byte }

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

func newThreader(t *testing.T) *threader.Threader {
	t.Helper()
	reg := iomod.New()
	builtin.Register(reg)
	th := threader.New(context.Background(), reg)
	t.Cleanup(th.Close)
	return th
}

func TestIoidsMonotonicAndNeverReserved(t *testing.T) {
	th := newThreader(t)
	var last uint32
	for i := 0; i < 5; i++ {
		id, err := th.NextIoid()
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, id, last)
		}
		assert.NotEqual(t, ^uint32(0), id)
		last = id
	}
}

func TestEcho(t *testing.T) {
	th := newThreader(t)
	ioid, err := th.NextIoid()
	require.NoError(t, err)

	th.Invoke("test.echo.go", []byte("hello"), ioid)

	require.Eventually(t, func() bool { return th.Poll(ioid) }, time.Second, time.Millisecond)

	doc := th.GetIOMemoryDocument(ioid)
	assert.Equal(t, 5, doc.Length)

	mem := &mirrorMemory{}
	require.NoError(t, th.DocumentLoad(mem, ioid, 0))
	assert.Equal(t, "hello", string(mem.data))
}

func TestTwoParallelIOmodsCompleteIndependently(t *testing.T) {
	th := newThreader(t)
	id1, _ := th.NextIoid()
	id2, _ := th.NextIoid()

	th.Invoke("a.b.c", nil, id1) // 20ms, "A"
	th.Invoke("a.b.d", nil, id2) // 5ms, "B"

	time.Sleep(10 * time.Millisecond)
	assert.False(t, th.Poll(id1))
	assert.True(t, th.Poll(id2))

	require.Eventually(t, func() bool { return th.Poll(id1) }, time.Second, time.Millisecond)
	assert.True(t, th.Poll(id2))

	mem1 := &mirrorMemory{}
	require.NoError(t, th.DocumentLoad(mem1, id1, 0))
	assert.Equal(t, "A", string(mem1.data))

	mem2 := &mirrorMemory{}
	require.NoError(t, th.DocumentLoad(mem2, id2, 0))
	assert.Equal(t, "B", string(mem2.data))
}

func TestPollUnknownIoidReturnsFalseNotError(t *testing.T) {
	th := newThreader(t)
	assert.False(t, th.Poll(999))
}

func TestUnknownIomodYieldsErrorMarkerNoPanic(t *testing.T) {
	th := newThreader(t)
	ioid, _ := th.NextIoid()

	assert.NotPanics(t, func() {
		th.Invoke("no.such.op", []byte("x"), ioid)
	})

	require.Eventually(t, func() bool { return th.Poll(ioid) }, time.Second, time.Millisecond)

	mem := &mirrorMemory{}
	require.NoError(t, th.DocumentLoad(mem, ioid, 0))
	assert.Equal(t, iomod.ErrUnknownPayload, mem.data)
}

func TestActiveBufferIsLastLoadWins(t *testing.T) {
	th := newThreader(t)
	id1, _ := th.NextIoid()
	id2, _ := th.NextIoid()
	th.Invoke("test.echo.go", []byte("AAAA"), id1)
	th.Invoke("test.echo.go", []byte("BB"), id2)

	require.Eventually(t, func() bool { return th.Poll(id1) && th.Poll(id2) }, time.Second, time.Millisecond)

	mem1 := &mirrorMemory{}
	th.DocumentLoad(mem1, id1, 0)
	mem2 := &mirrorMemory{}
	th.DocumentLoad(mem2, id2, 0)
	assert.Equal(t, "BB", string(mem2.data))

	memNext := &mirrorMemory{}
	require.NoError(t, th.DocumentNext(memNext, 0))
	assert.Empty(t, memNext.data)
}

func TestLargeResponsePaging(t *testing.T) {
	reg := iomod.New()
	reg.Register(iomod.Coordinates{Org: "t", Namespace: "big", Name: "resp"}, func(_ context.Context, _ []byte, reply chan<- []byte) {
		payload := make([]byte, buffer.IOBufferSizeBytes+100)
		for i := range payload {
			payload[i] = byte(i % 256)
		}
		reply <- payload
	})
	th2 := threader.New(context.Background(), reg)
	defer th2.Close()

	ioid, _ := th2.NextIoid()
	th2.Invoke("t.big.resp", nil, ioid)
	require.Eventually(t, func() bool { return th2.Poll(ioid) }, time.Second, time.Millisecond)

	doc := th2.GetIOMemoryDocument(ioid)
	assert.Equal(t, buffer.IOBufferSizeBytes+100, doc.Length)

	var collected []byte
	mem := &mirrorMemory{}
	require.NoError(t, th2.DocumentLoad(mem, ioid, 0))
	collected = append(collected, mem.data...)
	mem2 := &mirrorMemory{}
	require.NoError(t, th2.DocumentNext(mem2, 0))
	collected = append(collected, mem2.data...)

	assert.Len(t, collected, doc.Length)
}

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInPipeRecvExact(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	ep := NewMemoryEndpoint(512)

	pipe, err := trans.AddInPipe(ctx, ep, &PipeConfig{PacketsPerTransfer: 1, TransfersInFlight: 2})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Cancel(context.Background()) })

	ep.Feed([]byte("hello"))
	ep.Feed([]byte("world"))

	data, err := pipe.Recv(ctx, 8)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hellowor"), data)

	data, err = pipe.Recv(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, []byte("ld"), data)
	assert.Equal(t, 0, pipe.Readable())
}

func TestInPipeNoBytesDropped(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	ep := NewMemoryEndpoint(16)

	pipe, err := trans.AddInPipe(ctx, ep, &PipeConfig{PacketsPerTransfer: 1, TransfersInFlight: 4})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Cancel(context.Background()) })

	var expected []byte
	go func() {
		for i := 0; i < 64; i++ {
			ep.Feed([]byte{byte(i), byte(i + 1), byte(i + 2)})
		}
	}()
	for i := 0; i < 64; i++ {
		expected = append(expected, byte(i), byte(i+1), byte(i+2))
	}

	// Successive Recv calls see a contiguous stream regardless of how
	// the transfers sliced it up.
	var got []byte
	for len(got) < len(expected) {
		data, err := pipe.Recv(ctx, 12)
		assert.NoError(t, err)
		assert.Len(t, data, 12)
		got = append(got, data...)
	}
	assert.Equal(t, expected, got)
}

func TestInPipeTransportFault(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	ep := NewMemoryEndpoint(512)

	pipe, err := trans.AddInPipe(ctx, ep, &PipeConfig{PacketsPerTransfer: 1, TransfersInFlight: 2})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Cancel(context.Background()) })

	errGone := errors.New("device disconnected")
	ep.InjectReadError(errGone)

	_, err = pipe.Recv(ctx, 1)
	assert.ErrorIs(t, err, errGone)
}

func TestInPipePushback(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	ep := NewMemoryEndpoint(4)

	pipe, err := trans.AddInPipe(ctx, ep, &PipeConfig{
		PacketsPerTransfer: 1,
		TransfersInFlight:  1,
		BufferSize:         8,
	})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Cancel(context.Background()) })

	var fed []byte
	for i := 0; i < 16; i++ {
		fed = append(fed, byte(i))
	}
	ep.Feed(fed)

	// The buffer bound stalls read-ahead; draining it lets the reads
	// resume, and nothing is lost across the stalls.
	var got []byte
	for i := 0; i < 4; i++ {
		data, err := pipe.Recv(ctx, 4)
		assert.NoError(t, err)
		got = append(got, data...)
	}
	assert.Equal(t, fed, got)
}

func TestInPipeReset(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	ep := NewMemoryEndpoint(512)

	pipe, err := trans.AddInPipe(ctx, ep, &PipeConfig{PacketsPerTransfer: 1, TransfersInFlight: 2})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Cancel(context.Background()) })

	ep.Feed([]byte("stale"))
	assert.Eventually(t, func() bool { return pipe.Readable() == 5 },
		5*time.Second, time.Millisecond)

	// Reset drops buffered bytes and restarts the read pipeline.
	assert.NoError(t, pipe.Reset(ctx))
	assert.Equal(t, 0, pipe.Readable())

	ep.Feed([]byte("fresh"))
	data, err := pipe.Recv(ctx, 5)
	assert.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)
}

package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/stretchr/testify/assert"
)

func TestInOutPipeEcho(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	inEP := NewMemoryEndpoint(512)
	outEP := NewMemoryEndpoint(512)

	pipe, err := trans.AddInOutPipe(ctx, inEP, outEP, &PipeConfig{PacketsPerTransfer: 1, TransfersInFlight: 2})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Cancel(context.Background()) })

	// A remote peer that answers "pong" once the request arrives.
	go func() {
		for len(outEP.Written()) < 4 {
			time.Sleep(time.Millisecond)
		}
		inEP.Feed([]byte("pong"))
	}()

	// "ping" is below the automatic threshold, so it only reaches the
	// device because Recv flushes pending output first.
	assert.NoError(t, pipe.Send(ctx, []byte("ping")))
	data, err := pipe.Recv(ctx, 4)
	assert.NoError(t, err)
	assert.Equal(t, []byte("pong"), data)
	assert.Equal(t, []byte("ping"), outEP.Written())
}

func TestTransportResetAll(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	inEP := NewMemoryEndpoint(512)
	outEP := NewMemoryEndpoint(512)

	in, err := trans.AddInPipe(ctx, inEP, &PipeConfig{PacketsPerTransfer: 1, TransfersInFlight: 2})
	assert.NoError(t, err)
	out, err := trans.AddOutPipe(ctx, outEP, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = trans.Close(context.Background()) })

	inEP.Feed([]byte("old"))
	assert.Eventually(t, func() bool { return in.Readable() == 3 },
		5*time.Second, time.Millisecond)
	assert.NoError(t, out.Send(ctx, []byte("old")))

	assert.NoError(t, trans.Reset(ctx))
	assert.Equal(t, 0, in.Readable())
	assert.NoError(t, out.Flush(ctx, true))
	assert.Empty(t, outEP.Writes())
}

func TestTransportClose(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)
	ep := NewMemoryEndpoint(512)

	_, err := trans.AddInPipe(ctx, ep, nil)
	assert.NoError(t, err)

	// Close returns only after every outstanding read has stopped.
	assert.NoError(t, trans.Close(ctx))
}

func TestTransportInvalidPacketSize(t *testing.T) {
	ctx := testContext(t)
	trans := NewTransport(nil)

	_, err := trans.AddInPipe(ctx, NewMemoryEndpoint(0), nil)
	assert.ErrorIs(t, err, ErrInvalidPacketSize)
	_, err = trans.AddOutPipe(ctx, NewMemoryEndpoint(0), nil)
	assert.ErrorIs(t, err, ErrInvalidPacketSize)
}

func TestPipeLogger(t *testing.T) {
	ctx := testContext(t)
	log := logging.New(logging.Zerolog, "fifomux", os.Stdout)
	trans := NewTransport(log)
	inEP := NewMemoryEndpoint(512)
	outEP := NewMemoryEndpoint(512)

	pipe, err := trans.AddInOutPipe(ctx, inEP, outEP, &PipeConfig{PacketsPerTransfer: 1, TransfersInFlight: 2})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Cancel(context.Background()) })

	logged := NewPipeLogger(pipe, "data", log)
	assert.NoError(t, logged.Send(ctx, []byte("abcd")))
	assert.NoError(t, logged.Flush(ctx, true))
	assert.Equal(t, -1, logged.Writable())

	inEP.Feed([]byte("efgh"))
	data, err := logged.Recv(ctx, 4)
	assert.NoError(t, err)
	assert.Equal(t, []byte("efgh"), data)

	logged.Disable()
	logged.Enable()
	assert.NoError(t, logged.Reset(ctx))
}

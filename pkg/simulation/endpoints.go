package simulation

import (
	"context"
	"errors"
	"time"

	"github.com/fifomux/fifomux/pkg/transport"
)

var ErrWrongDirection = errors.New("endpoint direction mismatch")

// Poll interval for endpoints waiting on the simulated device. The
// real transport blocks in the kernel instead.
const pollInterval = 50 * time.Microsecond

func pollWait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollInterval):
		return nil
	}
}

/**
 * InEndpoint reads packets committed on one IN channel. A bulk read
 * accumulates packets until the requested length is reached, and
 * completes early on a short or zero-length packet, which is how the
 * device marks the end of the data it flushed.
 */
type InEndpoint struct {
	dev *Device
	ch  int
}

var _ transport.Endpoint = (*InEndpoint)(nil)

func (e *InEndpoint) PacketSize() int {
	return e.dev.xbar.PacketSize()
}

func (e *InEndpoint) ReadBulk(ctx context.Context, length int) ([]byte, error) {
	packetSize := e.dev.xbar.PacketSize()
	data := []byte{}
	for len(data) < length {
		pkt, ok := e.dev.bridge.PopIn(e.ch)
		if !ok {
			if err := pollWait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		data = append(data, pkt...)
		if len(pkt) < packetSize {
			break
		}
	}
	return data, nil
}

func (e *InEndpoint) WriteBulk(_ context.Context, _ []byte) error {
	return ErrWrongDirection
}

// OutEndpoint feeds host-to-device bytes into one OUT channel,
// blocking while the remote buffer is full.
type OutEndpoint struct {
	dev *Device
	ch  int
}

var _ transport.Endpoint = (*OutEndpoint)(nil)

func (e *OutEndpoint) PacketSize() int {
	return e.dev.xbar.PacketSize()
}

func (e *OutEndpoint) ReadBulk(_ context.Context, _ int) ([]byte, error) {
	return nil, ErrWrongDirection
}

func (e *OutEndpoint) WriteBulk(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n := e.dev.bridge.PushOut(e.ch, data)
		data = data[n:]
		if len(data) == 0 {
			break
		}
		if err := pollWait(ctx); err != nil {
			return err
		}
	}
	return nil
}

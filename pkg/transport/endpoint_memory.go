package transport

import (
	"context"
	"sync"

	"github.com/fifomux/fifomux/pkg/transport/chunkqueue"
)

/**
 * MemoryEndpoint is an in-memory bulk endpoint used by tests. Bytes
 * fed into it become readable; bytes written to it are recorded per
 * bulk transfer. Errors can be injected to model a transport fault,
 * and write completion can be gated to model a slow link.
 */
type MemoryEndpoint struct {
	packetSize int

	lock      sync.Mutex
	wake      chan struct{}
	readable  *chunkqueue.ChunkQueue
	writes    [][]byte
	readErr   error
	writeErr  error
	writeHold <-chan struct{}
}

var _ Endpoint = (*MemoryEndpoint)(nil)

func NewMemoryEndpoint(packetSize int) *MemoryEndpoint {
	return &MemoryEndpoint{
		packetSize: packetSize,
		wake:       make(chan struct{}),
		readable:   chunkqueue.NewChunkQueue(),
	}
}

func (e *MemoryEndpoint) PacketSize() int {
	return e.packetSize
}

// Feed queues device-to-host bytes for ReadBulk to return.
func (e *MemoryEndpoint) Feed(data []byte) {
	e.lock.Lock()
	e.readable.Write(data)
	close(e.wake)
	e.wake = make(chan struct{})
	e.lock.Unlock()
}

// InjectReadError fails pending and future ReadBulk calls.
func (e *MemoryEndpoint) InjectReadError(err error) {
	e.lock.Lock()
	e.readErr = err
	close(e.wake)
	e.wake = make(chan struct{})
	e.lock.Unlock()
}

// InjectWriteError fails future WriteBulk calls.
func (e *MemoryEndpoint) InjectWriteError(err error) {
	e.lock.Lock()
	e.writeErr = err
	e.lock.Unlock()
}

// SetWriteHold gates each WriteBulk on a receive from ch, so a test
// can keep writes in flight deliberately.
func (e *MemoryEndpoint) SetWriteHold(ch <-chan struct{}) {
	e.lock.Lock()
	e.writeHold = ch
	e.lock.Unlock()
}

// ReadBulk blocks until any data is available, then returns up to
// length bytes, like a bulk transfer completing on a short packet.
func (e *MemoryEndpoint) ReadBulk(ctx context.Context, length int) ([]byte, error) {
	for {
		e.lock.Lock()
		if e.readErr != nil {
			err := e.readErr
			e.lock.Unlock()
			return nil, err
		}
		if e.readable.Len() > 0 {
			data := make([]byte, 0, min(length, e.readable.Len()))
			for len(data) < length && e.readable.Len() > 0 {
				data = append(data, e.readable.Read(length-len(data))...)
			}
			e.lock.Unlock()
			return data, nil
		}
		ch := e.wake
		e.lock.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *MemoryEndpoint) WriteBulk(ctx context.Context, data []byte) error {
	e.lock.Lock()
	err := e.writeErr
	hold := e.writeHold
	e.lock.Unlock()
	if err != nil {
		return err
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	recorded := make([]byte, len(data))
	copy(recorded, data)
	e.lock.Lock()
	e.writes = append(e.writes, recorded)
	e.lock.Unlock()
	return nil
}

// Writes returns a copy of the individual bulk writes seen so far.
func (e *MemoryEndpoint) Writes() [][]byte {
	e.lock.Lock()
	defer e.lock.Unlock()
	writes := make([][]byte, len(e.writes))
	copy(writes, e.writes)
	return writes
}

// Written returns every written byte in order.
func (e *MemoryEndpoint) Written() []byte {
	e.lock.Lock()
	defer e.lock.Unlock()
	var all []byte
	for _, w := range e.writes {
		all = append(all, w...)
	}
	return all
}

package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
)

// Transfer sizing defaults. Medium sized transfers balance latency
// against per-operation overhead; a deep queue of them hides host
// controller and OS scheduling latency. Queueing more than 16 shows
// diminishing returns.
const (
	DefaultPacketsPerTransfer = 32
	DefaultTransfersInFlight  = 16
)

var ErrInvalidPacketSize = errors.New("endpoint packet size must be positive")

// Reader is a flow-controlled byte stream coming from the device.
type Reader interface {
	Recv(ctx context.Context, length int) ([]byte, error)
	Readable() int
	Reset(ctx context.Context) error
}

// Writer is a flow-controlled byte stream going to the device.
type Writer interface {
	Send(ctx context.Context, data []byte) error
	Flush(ctx context.Context, wait bool) error
	Writable() int
	Reset(ctx context.Context) error
}

type ReadWriter interface {
	Reader
	Writer
}

// Endpoint is one physical bulk endpoint. Implementations must honor
// context cancellation on blocked transfers.
type Endpoint interface {
	ReadBulk(ctx context.Context, length int) ([]byte, error)
	WriteBulk(ctx context.Context, data []byte) error
	PacketSize() int
}

type PipeConfig struct {
	PacketsPerTransfer int
	TransfersInFlight  int
	BufferSize         int // Soft cap on buffered/in-flight bytes. 0 = unbounded.
}

func DefaultPipeConfig() *PipeConfig {
	return &PipeConfig{
		PacketsPerTransfer: DefaultPacketsPerTransfer,
		TransfersInFlight:  DefaultTransfersInFlight,
	}
}

func (c *PipeConfig) withDefaults() *PipeConfig {
	cfg := *c
	if cfg.PacketsPerTransfer == 0 {
		cfg.PacketsPerTransfer = DefaultPacketsPerTransfer
	}
	if cfg.TransfersInFlight == 0 {
		cfg.TransfersInFlight = DefaultTransfersInFlight
	}
	return &cfg
}

/**
 * Transport owns every pipe attached to one physical link. There is
 * deliberately no process-wide registry; anything that needs a pipe
 * holds the Transport.
 */
type Transport struct {
	id  uuid.UUID
	log types.Logger

	lock  sync.Mutex
	pipes []resettable
}

type resettable interface {
	Reset(ctx context.Context) error
	Cancel(ctx context.Context) error
}

func NewTransport(log types.Logger) *Transport {
	return &Transport{
		id:  uuid.New(),
		log: log,
	}
}

func (t *Transport) UUID() uuid.UUID {
	return t.id
}

// AddInPipe attaches a device-to-host pipe to the given endpoint and
// starts its read pipeline.
func (t *Transport) AddInPipe(ctx context.Context, ep Endpoint, cfg *PipeConfig) (*InPipe, error) {
	if ep.PacketSize() <= 0 {
		return nil, ErrInvalidPacketSize
	}
	if cfg == nil {
		cfg = DefaultPipeConfig()
	}
	p := newInPipe(ctx, ep, cfg.withDefaults(), t.log)
	p.start()

	t.lock.Lock()
	t.pipes = append(t.pipes, p)
	t.lock.Unlock()

	if t.log != nil {
		t.log.Debug().
			Str("transport", t.id.String()).
			Int("packetSize", ep.PacketSize()).
			Int("bufferSize", cfg.BufferSize).
			Msg("in pipe attached")
	}
	return p, nil
}

// AddOutPipe attaches a host-to-device pipe to the given endpoint.
func (t *Transport) AddOutPipe(ctx context.Context, ep Endpoint, cfg *PipeConfig) (*OutPipe, error) {
	if ep.PacketSize() <= 0 {
		return nil, ErrInvalidPacketSize
	}
	if cfg == nil {
		cfg = DefaultPipeConfig()
	}
	p := newOutPipe(ctx, ep, cfg.withDefaults(), t.log)

	t.lock.Lock()
	t.pipes = append(t.pipes, p)
	t.lock.Unlock()

	if t.log != nil {
		t.log.Debug().
			Str("transport", t.id.String()).
			Int("packetSize", ep.PacketSize()).
			Int("bufferSize", cfg.BufferSize).
			Msg("out pipe attached")
	}
	return p, nil
}

// AddInOutPipe attaches a bidirectional pipe over a pair of endpoints.
func (t *Transport) AddInOutPipe(ctx context.Context, inEP Endpoint, outEP Endpoint, cfg *PipeConfig) (*InOutPipe, error) {
	if inEP.PacketSize() <= 0 || outEP.PacketSize() <= 0 {
		return nil, ErrInvalidPacketSize
	}
	if cfg == nil {
		cfg = DefaultPipeConfig()
	}
	dc := cfg.withDefaults()
	p := &InOutPipe{
		in:  newInPipe(ctx, inEP, dc, t.log),
		out: newOutPipe(ctx, outEP, dc, t.log),
	}
	p.in.start()

	t.lock.Lock()
	t.pipes = append(t.pipes, p)
	t.lock.Unlock()

	if t.log != nil {
		t.log.Debug().
			Str("transport", t.id.String()).
			Msg("inout pipe attached")
	}
	return p, nil
}

// Reset every pipe on the transport. Used after a device-level
// reconfiguration.
func (t *Transport) Reset(ctx context.Context) error {
	t.lock.Lock()
	pipes := make([]resettable, len(t.pipes))
	copy(pipes, t.pipes)
	t.lock.Unlock()

	for _, p := range pipes {
		if err := p.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels every pipe's outstanding transfers and waits for them
// to stop. Pipes are not restarted.
func (t *Transport) Close(ctx context.Context) error {
	t.lock.Lock()
	pipes := make([]resettable, len(t.pipes))
	copy(pipes, t.pipes)
	t.lock.Unlock()

	var firstErr error
	for _, p := range pipes {
		if err := p.Cancel(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.log != nil {
		t.log.Debug().Str("transport", t.id.String()).Msg("transport closed")
	}
	return firstErr
}

package transport

import (
	"context"
	"io"
	"sync"

	"github.com/fifomux/fifomux/pkg/transport/chunkqueue"
	"github.com/fifomux/fifomux/pkg/transport/taskqueue"
	"github.com/loopholelabs/logging/types"
)

/**
 * InPipe presents a readable byte stream over an IN bulk endpoint.
 *
 * USB transactions are host initiated: if reads aren't queued quickly
 * enough the controller never polls the device, and the device-side
 * buffer overflows while it is being filled. So the pipe keeps
 * TransfersInFlight fixed-size reads outstanding at all times, and
 * each finished read immediately resubmits itself.
 *
 * A pipe is single-owner. Recv must not be called concurrently from
 * two call sites.
 */
type InPipe struct {
	log types.Logger
	ep  Endpoint

	packetsPerTransfer int
	transfersInFlight  int
	bufferSize         int

	tasks *taskqueue.TaskQueue

	// Serializes the read-and-append step across transfer tasks, the
	// way a host controller completes queued reads in order. Without
	// it two completing reads could append out of stream order.
	ioLock sync.Mutex

	lock    sync.Mutex
	drained *sync.Cond
	buffer  *chunkqueue.ChunkQueue
}

var _ Reader = (*InPipe)(nil)

type InPipeStats struct {
	BufferedBytes     int
	TotalReadBytes    uint64
	TotalWrittenBytes uint64
	LiveTransfers     int
	TaskQueue         *taskqueue.TaskQueueStats
}

func newInPipe(ctx context.Context, ep Endpoint, cfg *PipeConfig, log types.Logger) *InPipe {
	p := &InPipe{
		log:                log,
		ep:                 ep,
		packetsPerTransfer: cfg.PacketsPerTransfer,
		transfersInFlight:  cfg.TransfersInFlight,
		bufferSize:         cfg.BufferSize,
		tasks:              taskqueue.NewTaskQueue(ctx),
		buffer:             chunkqueue.NewChunkQueue(),
	}
	p.drained = sync.NewCond(&p.lock)
	return p
}

func (p *InPipe) transferSize() int {
	return p.ep.PacketSize() * p.packetsPerTransfer
}

func (p *InPipe) start() {
	for i := 0; i < p.transfersInFlight; i++ {
		p.tasks.Submit(p.inTask)
	}
}

func (p *InPipe) inTask(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.bufferSize > 0 {
		// Pushback gate, shared with Recv: withhold the next read until
		// a consumer drains the buffer below the configured bound.
		p.lock.Lock()
		for p.buffer.Len() > p.bufferSize && ctx.Err() == nil {
			if p.log != nil {
				p.log.Trace().Msg("in pipe: read pushback")
			}
			p.drained.Wait()
		}
		p.lock.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	p.ioLock.Lock()
	data, err := p.ep.ReadBulk(ctx, p.transferSize())
	if err != nil {
		p.ioLock.Unlock()
		return err
	}
	p.lock.Lock()
	p.buffer.Write(data)
	p.lock.Unlock()
	p.ioLock.Unlock()

	p.tasks.Submit(p.inTask)
	return nil
}

// Recv blocks until length bytes are buffered, then removes and
// returns exactly that many. A transfer fault surfaces here. This is
// the only operation on the pipe that may copy, and only when the
// result crosses chunk boundaries.
func (p *InPipe) Recv(ctx context.Context, length int) ([]byte, error) {
	for {
		p.lock.Lock()
		buffered := p.buffer.Len()
		p.lock.Unlock()
		if buffered >= length {
			break
		}
		if p.log != nil {
			p.log.Trace().Int("need", length-buffered).Msg("in pipe: waiting for data")
		}
		finished, err := p.tasks.WaitOne(ctx)
		if err != nil {
			return nil, err
		}
		if !finished && p.tasks.Len() == 0 {
			// Nothing buffered, nothing in flight. The pipe was never
			// started or was torn down under us.
			return nil, io.ErrUnexpectedEOF
		}
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	result := p.buffer.Read(length)
	if len(result) < length {
		joined := make([]byte, 0, length)
		joined = append(joined, result...)
		for len(joined) < length {
			joined = append(joined, p.buffer.Read(length-len(joined))...)
		}
		result = joined
	}
	p.drained.Broadcast()
	return result, nil
}

// Readable returns the number of bytes buffered and ready to Recv
// without suspending.
func (p *InPipe) Readable() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.buffer.Len()
}

// Cancel stops all outstanding reads and waits for their termination.
// The buffer is left intact and the pipeline is not restarted.
func (p *InPipe) Cancel(ctx context.Context) error {
	p.tasks.Interrupt()
	// Wake any read task parked on the pushback gate so it can observe
	// the cancellation.
	p.lock.Lock()
	p.drained.Broadcast()
	p.lock.Unlock()
	return p.tasks.Cancel(ctx)
}

// Reset cancels in-flight reads, clears the buffer, and resubmits the
// initial batch of reads.
func (p *InPipe) Reset(ctx context.Context) error {
	if err := p.Cancel(ctx); err != nil {
		return err
	}

	p.lock.Lock()
	p.buffer.Clear()
	p.lock.Unlock()

	if p.log != nil {
		p.log.Trace().Msg("in pipe: pipelining reads")
	}
	p.start()
	return nil
}

func (p *InPipe) Stats() *InPipeStats {
	p.lock.Lock()
	buffered := p.buffer.Len()
	rtotal := p.buffer.TotalReadBytes()
	wtotal := p.buffer.TotalWrittenBytes()
	p.lock.Unlock()
	return &InPipeStats{
		BufferedBytes:     buffered,
		TotalReadBytes:    rtotal,
		TotalWrittenBytes: wtotal,
		LiveTransfers:     p.tasks.Len(),
		TaskQueue:         p.tasks.Stats(),
	}
}

package transport

import (
	"context"
	"sync"

	"github.com/fifomux/fifomux/pkg/transport/chunkqueue"
	"github.com/fifomux/fifomux/pkg/transport/taskqueue"
	"github.com/loopholelabs/logging/types"
)

/**
 * OutPipe aggregates writes into link-efficient transfers.
 *
 * The scheduling balances three goals that partially conflict:
 * submit writes early (less buffer bloat), submit large writes (less
 * per-transfer overhead), and never automatically submit a write
 * smaller than one packet (it occupies a whole microframe anyway).
 * A write is submitted automatically once the buffer crosses one full
 * transfer; a finishing write resubmits another while the buffer is
 * still above that threshold; Flush pushes out whatever remains.
 *
 * A pipe is single-owner. Send/Flush must not be called concurrently
 * from two call sites.
 */
type OutPipe struct {
	log types.Logger
	ep  Endpoint

	packetsPerTransfer int
	transfersInFlight  int
	bufferSize         int

	tasks *taskqueue.TaskQueue
	ts    *turnstile

	lock     sync.Mutex
	buffer   *chunkqueue.ChunkQueue
	inflight int
}

var _ Writer = (*OutPipe)(nil)

type OutPipeStats struct {
	BufferedBytes     int
	InflightBytes     int
	TotalReadBytes    uint64
	TotalWrittenBytes uint64
	LiveTransfers     int
	TaskQueue         *taskqueue.TaskQueueStats
}

func newOutPipe(ctx context.Context, ep Endpoint, cfg *PipeConfig, log types.Logger) *OutPipe {
	return &OutPipe{
		log:                log,
		ep:                 ep,
		packetsPerTransfer: cfg.PacketsPerTransfer,
		transfersInFlight:  cfg.TransfersInFlight,
		bufferSize:         cfg.BufferSize,
		tasks:              taskqueue.NewTaskQueue(ctx),
		ts:                 newTurnstile(),
		buffer:             chunkqueue.NewChunkQueue(),
	}
}

func (p *OutPipe) transferSize() int {
	return p.ep.PacketSize() * p.packetsPerTransfer
}

// Automatic submission threshold. With a bounded buffer the threshold
// shrinks so small bounded pipes still make progress.
func (p *OutPipe) threshold() int {
	if p.bufferSize == 0 {
		return p.transferSize()
	}
	return min(p.bufferSize, p.transferSize())
}

// sliceLocked carves the next transfer out of the buffer, together
// with its wire-order ticket. Fast path: one contiguous transfer-sized
// run. Slow path: the link is very inefficient with sub-packet
// transfers, so if the head chunk is small, aggregate adjacent chunks
// up to one packet.
func (p *OutPipe) sliceLocked() (uint64, []byte) {
	data := p.buffer.Read(p.transferSize())

	if len(data) < p.ep.PacketSize() && p.buffer.Len() > 0 {
		joined := make([]byte, 0, p.ep.PacketSize())
		joined = append(joined, data...)
		for len(joined) < p.ep.PacketSize() && p.buffer.Len() > 0 {
			joined = append(joined, p.buffer.Read(p.ep.PacketSize()-len(joined))...)
		}
		data = joined
	}

	p.inflight += len(data)
	return p.ts.ticket(), data
}

// outTask wraps one physical write. inflight was bumped by whoever
// carved the data.
func (p *OutPipe) outTask(ticket uint64, data []byte) taskqueue.Task {
	return func(ctx context.Context) error {
		p.ts.wait(ticket)
		err := p.ep.WriteBulk(ctx, data)
		p.ts.advance()

		p.lock.Lock()
		p.inflight -= len(data)
		var next []byte
		nextTicket := uint64(0)
		if err == nil && ctx.Err() == nil && p.buffer.Len() >= p.threshold() {
			nextTicket, next = p.sliceLocked()
		}
		p.lock.Unlock()

		if next != nil {
			p.tasks.Submit(p.outTask(nextTicket, next))
		}
		return err
	}
}

// Send appends data and opportunistically submits transfers. It
// suspends only when BufferSize is set and that many bytes are
// already in flight. The pipe takes ownership of data; the caller
// must not modify it afterwards.
func (p *OutPipe) Send(ctx context.Context, data []byte) error {
	if p.bufferSize > 0 {
		for {
			p.lock.Lock()
			inflight := p.inflight
			p.lock.Unlock()
			if inflight < p.bufferSize {
				break
			}
			if p.log != nil {
				p.log.Trace().Int("inflight", inflight).Msg("out pipe: write pushback")
			}
			if _, err := p.tasks.WaitOne(ctx); err != nil {
				return err
			}
		}
	}

	// Eagerly surface errors from writes queued earlier.
	if _, err := p.tasks.Poll(); err != nil {
		return err
	}

	p.lock.Lock()
	p.buffer.Write(data)
	for p.tasks.Len() < p.transfersInFlight && p.buffer.Len() >= p.threshold() {
		ticket, slice := p.sliceLocked()
		p.tasks.Submit(p.outTask(ticket, slice))
	}
	p.lock.Unlock()
	return nil
}

// Flush submits whatever remains in the buffer, below threshold or
// not, and (if wait) blocks until every outstanding write completes.
// Safe to call with an empty buffer.
func (p *OutPipe) Flush(ctx context.Context, wait bool) error {
	if p.log != nil {
		p.log.Trace().Msg("out pipe: flush")
	}

	// Make room for one more submission. There can be more tasks than
	// transfersInFlight because a finishing write may spawn another
	// just before it terminates.
	for p.tasks.Len() >= p.transfersInFlight {
		if _, err := p.tasks.WaitOne(ctx); err != nil {
			return err
		}
	}

	p.lock.Lock()
	if p.buffer.Len() > 0 {
		// Anything above one transfer's worth would have been submitted
		// automatically, so the remainder fits in a single write.
		data := make([]byte, 0, p.buffer.Len())
		for p.buffer.Len() > 0 {
			data = append(data, p.buffer.Read(-1)...)
		}
		p.inflight += len(data)
		p.tasks.Submit(p.outTask(p.ts.ticket(), data))
	}
	p.lock.Unlock()

	if wait {
		if _, err := p.tasks.WaitAll(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Writable returns the remaining budget before Send suspends, or -1
// if the pipe is unbounded.
func (p *OutPipe) Writable() int {
	if p.bufferSize == 0 {
		return -1
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return max(0, p.bufferSize-p.inflight)
}

// Cancel stops all outstanding writes and waits for their
// termination.
func (p *OutPipe) Cancel(ctx context.Context) error {
	return p.tasks.Cancel(ctx)
}

// Reset cancels outstanding writes and clears the buffer.
func (p *OutPipe) Reset(ctx context.Context) error {
	if err := p.tasks.Cancel(ctx); err != nil {
		return err
	}
	p.lock.Lock()
	p.buffer.Clear()
	p.inflight = 0
	p.lock.Unlock()
	return nil
}

func (p *OutPipe) Stats() *OutPipeStats {
	p.lock.Lock()
	buffered := p.buffer.Len()
	inflight := p.inflight
	rtotal := p.buffer.TotalReadBytes()
	wtotal := p.buffer.TotalWrittenBytes()
	p.lock.Unlock()
	return &OutPipeStats{
		BufferedBytes:     buffered,
		InflightBytes:     inflight,
		TotalReadBytes:    rtotal,
		TotalWrittenBytes: wtotal,
		LiveTransfers:     p.tasks.Len(),
		TaskQueue:         p.tasks.Stats(),
	}
}

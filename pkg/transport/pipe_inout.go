package transport

import "context"

// InOutPipe composes an InPipe and an OutPipe over one logical
// bidirectional channel pair.
type InOutPipe struct {
	in  *InPipe
	out *OutPipe
}

var _ ReadWriter = (*InOutPipe)(nil)

// Recv first flushes any buffered output, so that everything written
// before the read has reached the device, then reads from the IN
// side.
func (p *InOutPipe) Recv(ctx context.Context, length int) ([]byte, error) {
	p.out.lock.Lock()
	pending := p.out.buffer.Len() > 0
	p.out.lock.Unlock()
	if pending {
		if err := p.out.Flush(ctx, false); err != nil {
			return nil, err
		}
	}
	return p.in.Recv(ctx, length)
}

func (p *InOutPipe) Readable() int {
	return p.in.Readable()
}

func (p *InOutPipe) Send(ctx context.Context, data []byte) error {
	return p.out.Send(ctx, data)
}

func (p *InOutPipe) Flush(ctx context.Context, wait bool) error {
	return p.out.Flush(ctx, wait)
}

func (p *InOutPipe) Writable() int {
	return p.out.Writable()
}

func (p *InOutPipe) Cancel(ctx context.Context) error {
	if err := p.out.Cancel(ctx); err != nil {
		return err
	}
	return p.in.Cancel(ctx)
}

func (p *InOutPipe) Reset(ctx context.Context) error {
	if err := p.out.Reset(ctx); err != nil {
		return err
	}
	return p.in.Reset(ctx)
}

func (p *InOutPipe) In() *InPipe {
	return p.in
}

func (p *InOutPipe) Out() *OutPipe {
	return p.out
}

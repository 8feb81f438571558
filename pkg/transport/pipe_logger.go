package transport

import (
	"context"
	"sync/atomic"

	"github.com/loopholelabs/logging/types"
)

// PipeLogger wraps a ReadWriter and logs every operation. Useful when
// chasing down flow control issues on a specific pipe.
type PipeLogger struct {
	pipe    ReadWriter
	prefix  string
	log     types.Logger
	enabled atomic.Bool
}

var _ ReadWriter = (*PipeLogger)(nil)

func NewPipeLogger(pipe ReadWriter, prefix string, log types.Logger) *PipeLogger {
	l := &PipeLogger{
		pipe:   pipe,
		prefix: prefix,
		log:    log,
	}
	l.enabled.Store(true)
	return l
}

func (l *PipeLogger) Disable() {
	l.enabled.Store(false)
}

func (l *PipeLogger) Enable() {
	l.enabled.Store(true)
}

func (l *PipeLogger) Recv(ctx context.Context, length int) ([]byte, error) {
	data, err := l.pipe.Recv(ctx, length)
	if l.enabled.Load() && l.log != nil {
		l.log.Debug().
			Str("pipe", l.prefix).
			Int("length", length).
			Int("n", len(data)).
			Err(err).
			Msg("Recv")
	}
	return data, err
}

func (l *PipeLogger) Readable() int {
	return l.pipe.Readable()
}

func (l *PipeLogger) Send(ctx context.Context, data []byte) error {
	err := l.pipe.Send(ctx, data)
	if l.enabled.Load() && l.log != nil {
		l.log.Debug().
			Str("pipe", l.prefix).
			Int("length", len(data)).
			Err(err).
			Msg("Send")
	}
	return err
}

func (l *PipeLogger) Flush(ctx context.Context, wait bool) error {
	err := l.pipe.Flush(ctx, wait)
	if l.enabled.Load() && l.log != nil {
		l.log.Debug().
			Str("pipe", l.prefix).
			Bool("wait", wait).
			Err(err).
			Msg("Flush")
	}
	return err
}

func (l *PipeLogger) Writable() int {
	return l.pipe.Writable()
}

func (l *PipeLogger) Reset(ctx context.Context) error {
	err := l.pipe.Reset(ctx)
	if l.enabled.Load() && l.log != nil {
		l.log.Debug().
			Str("pipe", l.prefix).
			Err(err).
			Msg("Reset")
	}
	return err
}

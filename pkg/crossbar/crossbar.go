package crossbar

import (
	"errors"
	"sync"

	"github.com/loopholelabs/logging/types"
)

const (
	DefaultPacketSize = 512
	DefaultFIFODepth  = 4096
)

var (
	ErrBadChannel        = errors.New("channel index out of range")
	ErrChannelConfigured = errors.New("channel already configured")
)

type Config struct {
	PacketSize int // USB packet size for IN packetization. Default 512.
	FIFODepth  int // Per-channel FIFO depth. Default 4096.
}

/**
 * Crossbar time-multiplexes up to four logical FIFO channels over one
 * physical bus. One call to Tick is one bus clock: it consumes the
 * bus sample for this clock and produces the signals to drive.
 *
 * The bridge on the far side responds with a fixed multi-cycle
 * latency, so the address and read strobe are also run through delay
 * lines and the landing of OUT data is evaluated against the delayed
 * copies, i.e. against the control signals as the bridge actually saw
 * them. Flags of recently strobed channels are masked by the nrdy
 * pipeline until the strobe's effect is observable.
 *
 * Channels with no configured consumer are never ready and therefore
 * never addressed.
 */
type Crossbar struct {
	log        types.Logger
	packetSize int
	fifoDepth  int

	lock    sync.Mutex
	state   State
	addr    uint8
	sloe    bool
	dataOE  bool
	dataOut byte

	in  [NumIn]*inChannel
	out [NumOut]*outChannel

	addrPipe [busLatency]uint8
	slrdPipe [busLatency]bool
	nrdyPipe [busLatency]uint8

	ticks uint64
}

type Stats struct {
	Ticks     uint64
	State     string
	Addr      uint8
	InFIFO    [NumIn]int
	InQueued  [NumIn]int
	InPending [NumIn]bool
	OutFIFO   [NumOut]int
}

func New(cfg *Config, log types.Logger) *Crossbar {
	packetSize := DefaultPacketSize
	fifoDepth := DefaultFIFODepth
	if cfg != nil && cfg.PacketSize > 0 {
		packetSize = cfg.PacketSize
	}
	if cfg != nil && cfg.FIFODepth > 0 {
		fifoDepth = cfg.FIFODepth
	}

	x := &Crossbar{
		log:        log,
		packetSize: packetSize,
		fifoDepth:  fifoDepth,
	}
	for i := range x.in {
		x.in[i] = &inChannel{packetSize: packetSize, depth: fifoDepth}
	}
	for i := range x.out {
		x.out[i] = &outChannel{depth: fifoDepth}
	}
	return x
}

func (x *Crossbar) PacketSize() int {
	return x.packetSize
}

// AddInChannel configures IN channel idx (0 or 1) and returns its
// producer handle.
func (x *Crossbar) AddInChannel(idx int) (*InChannel, error) {
	if idx < 0 || idx >= NumIn {
		return nil, ErrBadChannel
	}
	x.lock.Lock()
	defer x.lock.Unlock()
	if x.in[idx].configured {
		return nil, ErrChannelConfigured
	}
	x.in[idx].configured = true
	return &InChannel{x: x, ch: x.in[idx]}, nil
}

// AddOutChannel configures OUT channel idx (0 or 1) and returns its
// consumer handle.
func (x *Crossbar) AddOutChannel(idx int) (*OutChannel, error) {
	if idx < 0 || idx >= NumOut {
		return nil, ErrBadChannel
	}
	x.lock.Lock()
	defer x.lock.Unlock()
	if x.out[idx].configured {
		return nil, ErrChannelConfigured
	}
	x.out[idx].configured = true
	return &OutChannel{x: x, ch: x.out[idx]}, nil
}

// Tick advances the state machine by one bus clock.
func (x *Crossbar) Tick(in Sample) Signals {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.ticks++

	// OUT data landing this clock answers the strobe from busLatency
	// clocks ago. The flag sampled alongside tells whether the byte is
	// valid.
	addrP := x.addrPipe[busLatency-1]
	slrdP := x.slrdPipe[busLatency-1]
	if slrdP && addrP < NumOut && in.Flags[addrP] {
		x.out[addrP].write(in.Data)
	}
	for _, o := range x.out {
		o.drainSkid()
	}

	var nrdy uint8
	for _, m := range x.nrdyPipe {
		nrdy |= m
	}

	var rdy [NumChannels]bool
	for i := 0; i < NumOut; i++ {
		rdy[i] = x.out[i].ready() && in.Flags[i] && nrdy&(1<<i) == 0
	}
	for i := 0; i < NumIn; i++ {
		a := uint8(NumOut + i)
		rdy[a] = x.in[i].readyToSend() && in.Flags[a] && nrdy&(1<<a) == 0
	}

	var slrd, slwr, pend bool

	switch x.state {
	case StateSwitch:
		x.sloe = false
		x.dataOE = false
		if next, ok := nextReady(x.addr, rdy); ok {
			x.addr = next
			x.state = StateDrive
		}

	case StateDrive:
		// The bridge needs the address stable before data, and output
		// enable before driving.
		if x.addr >= NumOut {
			x.dataOE = true
		} else {
			x.sloe = true
		}
		x.state = StateSetup

	case StateSetup:
		if x.addr >= NumOut {
			x.state = StateInXfer
		} else {
			x.state = StateOutXfer
		}

	case StateInXfer:
		ch := x.in[x.addr-NumOut]
		switch {
		case !ch.complete() && len(ch.fifo) > 0:
			slwr = true
			x.dataOut = ch.fifo[0]
			ch.fifo = ch.fifo[1:]
			ch.onByteAccepted()
		case ch.complete() || ch.pendingFlush():
			pend = true
			if x.log != nil {
				x.log.Trace().
					Uint8("addr", x.addr).
					Int("queued", ch.queued).
					Msg("crossbar: packet boundary")
			}
			ch.onFlushed()
			x.state = StateSwitch
		default:
			x.state = StateSwitch
		}

	case StateOutXfer:
		if in.Flags[x.addr] && x.out[x.addr].ready() {
			slrd = true
		} else {
			x.state = StateSwitch
		}
	}

	// A write or boundary strobe invalidates the channel's flag until
	// its effect becomes observable.
	var nrdyNow uint8
	if slwr || pend {
		nrdyNow = 1 << x.addr
	}

	for i := busLatency - 1; i > 0; i-- {
		x.addrPipe[i] = x.addrPipe[i-1]
		x.slrdPipe[i] = x.slrdPipe[i-1]
		x.nrdyPipe[i] = x.nrdyPipe[i-1]
	}
	x.addrPipe[0] = x.addr
	x.slrdPipe[0] = slrd
	x.nrdyPipe[0] = nrdyNow

	return Signals{
		Addr:   x.addr,
		Data:   x.dataOut,
		DataOE: x.dataOE,
		SLOE:   x.sloe,
		SLRD:   slrd,
		SLWR:   slwr,
		PKTEND: pend,
	}
}

// Pick the next ready channel, round robin, starting from the current
// one.
func nextReady(addr uint8, rdy [NumChannels]bool) (uint8, bool) {
	for offset := uint8(0); offset < NumChannels; offset++ {
		a := (addr + offset) % NumChannels
		if rdy[a] {
			return a, true
		}
	}
	return (addr + 1) % NumChannels, false
}

// Reset returns the crossbar to the SWITCH state and clears every
// channel and delay line.
func (x *Crossbar) Reset() {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.state = StateSwitch
	x.addr = 0
	x.sloe = false
	x.dataOE = false
	x.dataOut = 0
	for i := range x.in {
		x.in[i].reset()
	}
	for i := range x.out {
		x.out[i].reset()
	}
	x.addrPipe = [busLatency]uint8{}
	x.slrdPipe = [busLatency]bool{}
	x.nrdyPipe = [busLatency]uint8{}
}

func (x *Crossbar) Stats() *Stats {
	x.lock.Lock()
	defer x.lock.Unlock()
	s := &Stats{
		Ticks: x.ticks,
		State: x.state.String(),
		Addr:  x.addr,
	}
	for i, c := range x.in {
		s.InFIFO[i] = len(c.fifo)
		s.InQueued[i] = c.queued
		s.InPending[i] = c.pending
	}
	for i, c := range x.out {
		s.OutFIFO[i] = len(c.fifo)
	}
	return s
}

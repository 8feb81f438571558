package crossbar

import "sync"

/**
 * Bridge models the remote USB FIFO bridge chip with registered I/O:
 * it acts on driven signals two clocks after they were produced, and
 * the crossbar captures its response one clock later, for the fixed
 * three clock roundtrip the crossbar compensates for.
 *
 * OUT channels hold bytes pushed by the host; IN channels assemble
 * bytes into packets, committed only on the packet-end strobe
 * (zero-length packets included), each channel holding a small number
 * of committed packet buffers.
 *
 * The flags in a returned Sample are computed before the clock's
 * effect is applied, so the flag accompanying a read byte tells
 * whether that byte was valid, matching the bus timing the crossbar
 * expects.
 */
type Bridge struct {
	packetSize int
	maxPackets int
	outDepth   int

	lock      sync.Mutex
	pipe      [busLatency - 1]Signals
	out       [NumOut][]byte
	inCurrent [NumIn][]byte
	inPackets [NumIn][][]byte
	data      byte
}

func NewBridge(cfg *Config) *Bridge {
	packetSize := DefaultPacketSize
	if cfg != nil && cfg.PacketSize > 0 {
		packetSize = cfg.PacketSize
	}
	return &Bridge{
		packetSize: packetSize,
		maxPackets: 4,
		outDepth:   4 * packetSize,
	}
}

// Tick consumes the signals driven on one clock and returns the
// sample the crossbar captures on the next.
func (b *Bridge) Tick(sig Signals) Sample {
	b.lock.Lock()
	defer b.lock.Unlock()

	var flags [NumChannels]bool
	for i := 0; i < NumOut; i++ {
		flags[i] = len(b.out[i]) > 0
	}
	for i := 0; i < NumIn; i++ {
		flags[NumOut+i] = len(b.inPackets[i]) < b.maxPackets
	}

	eff := b.pipe[len(b.pipe)-1]
	for i := len(b.pipe) - 1; i > 0; i-- {
		b.pipe[i] = b.pipe[i-1]
	}
	b.pipe[0] = sig

	if eff.Addr < NumOut {
		if eff.SLRD && eff.SLOE {
			ch := eff.Addr
			if len(b.out[ch]) > 0 {
				b.data = b.out[ch][0]
				b.out[ch] = b.out[ch][1:]
			}
		}
	} else {
		ch := eff.Addr - NumOut
		// PKTEND takes priority over SLWR when both are asserted.
		if eff.PKTEND {
			pkt := b.inCurrent[ch]
			if pkt == nil {
				pkt = []byte{}
			}
			b.inPackets[ch] = append(b.inPackets[ch], pkt)
			b.inCurrent[ch] = nil
		} else if eff.SLWR && eff.DataOE {
			if len(b.inCurrent[ch]) >= b.packetSize {
				// Unreachable by construction: the crossbar's level
				// counter stops it at the packet boundary.
				panic("bridge: IN packet buffer overflow")
			}
			b.inCurrent[ch] = append(b.inCurrent[ch], eff.Data)
		}
	}

	return Sample{Flags: flags, Data: b.data}
}

// Reset drops everything in flight on both sides of the bridge.
func (b *Bridge) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.pipe = [busLatency - 1]Signals{}
	for i := range b.out {
		b.out[i] = nil
	}
	for i := range b.inCurrent {
		b.inCurrent[i] = nil
	}
	for i := range b.inPackets {
		b.inPackets[i] = nil
	}
	b.data = 0
}

// PushOut queues host-to-device bytes on OUT channel ch. Returns how
// many were accepted.
func (b *Bridge) PushOut(ch int, data []byte) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	n := min(len(data), b.outDepth-len(b.out[ch]))
	b.out[ch] = append(b.out[ch], data[:n]...)
	return n
}

// PopIn removes the oldest committed packet on IN channel ch. The
// packet may be zero length.
func (b *Bridge) PopIn(ch int) ([]byte, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.inPackets[ch]) == 0 {
		return nil, false
	}
	pkt := b.inPackets[ch][0]
	b.inPackets[ch] = b.inPackets[ch][1:]
	return pkt, true
}

// OutLevel reports bytes not yet pulled by the crossbar on OUT
// channel ch.
func (b *Bridge) OutLevel(ch int) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.out[ch])
}

// InPacketCount reports committed packets waiting on IN channel ch.
func (b *Bridge) InPacketCount(ch int) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.inPackets[ch])
}

package crossbar

/**
 * Device-side channel state. The IN side models the packet buffer in
 * the remote bridge with a level counter, which gives us a "perfect"
 * full flag and makes zero-length packet generation possible. The OUT
 * side fronts its FIFO with a skid buffer, absorbing bytes that land
 * after the read strobe was logically withdrawn.
 */

type inChannel struct {
	packetSize int
	depth      int
	configured bool

	fifo  []byte // bytes waiting to be sent to the bridge
	flush bool

	queued  int // bytes in the bridge packet buffer since the last boundary
	pending bool
}

// A channel with a consumer is ready when it has a byte to send, or a
// flush is due. Unconfigured channels are never ready.
func (c *inChannel) readyToSend() bool {
	return c.configured && (len(c.fifo) > 0 || c.pendingFlush())
}

func (c *inChannel) complete() bool {
	return c.queued >= c.packetSize
}

func (c *inChannel) pendingFlush() bool {
	return c.pending && c.flush
}

func (c *inChannel) onByteAccepted() {
	c.queued++
	c.pending = true
}

// onFlushed is the packet-boundary pulse. The queued counter resets;
// if the packet we just closed was full-sized, a zero-length packet
// is still owed, so pending stays latched.
func (c *inChannel) onFlushed() {
	if c.queued < c.packetSize {
		c.pending = false
	}
	c.queued = 0
}

func (c *inChannel) reset() {
	c.fifo = nil
	c.queued = 0
	c.pending = false
}

type outChannel struct {
	depth      int
	configured bool

	skid []byte // absorbs writes landing after the strobe was withdrawn
	fifo []byte
}

// ready gates the read strobe. It deasserts while the main FIFO is
// full; the skid buffer covers the strobes already in flight.
func (c *outChannel) ready() bool {
	return c.configured && len(c.skid) == 0 && len(c.fifo) < c.depth
}

func (c *outChannel) write(b byte) {
	if len(c.skid) == 0 && len(c.fifo) < c.depth {
		c.fifo = append(c.fifo, b)
		return
	}
	if len(c.skid) >= skidDepth {
		// Unreachable by construction: ready() deasserts early enough
		// that at most skidDepth strobes can still land.
		panic("crossbar: out channel skid buffer overflow")
	}
	c.skid = append(c.skid, b)
}

// drainSkid moves absorbed bytes into the main FIFO ahead of any new
// writes, preserving order across a channel switch.
func (c *outChannel) drainSkid() {
	for len(c.skid) > 0 && len(c.fifo) < c.depth {
		c.fifo = append(c.fifo, c.skid[0])
		c.skid = c.skid[1:]
	}
}

func (c *outChannel) reset() {
	c.skid = nil
	c.fifo = nil
}

// InChannel is the device-side producer handle for one IN channel.
type InChannel struct {
	x  *Crossbar
	ch *inChannel
}

// Write queues bytes for transmission to the host. Returns how many
// were accepted; the rest did not fit in the channel FIFO.
func (c *InChannel) Write(data []byte) int {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	n := min(len(data), c.ch.depth-len(c.ch.fifo))
	c.ch.fifo = append(c.ch.fifo, data[:n]...)
	return n
}

// SetFlush controls the flush flag. While set, an incomplete packet
// is closed as soon as the channel drains, so a host-side consumer
// waiting for "end of data" is not left hanging.
func (c *InChannel) SetFlush(flush bool) {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	c.ch.flush = flush
}

// Queued reports bytes placed in the remote packet buffer since the
// last boundary, and whether an unflushed packet exists.
func (c *InChannel) Queued() (int, bool) {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	return c.ch.queued, c.ch.pending
}

func (c *InChannel) Len() int {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	return len(c.ch.fifo)
}

func (c *InChannel) Reset() {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	c.ch.reset()
}

// OutChannel is the device-side consumer handle for one OUT channel.
type OutChannel struct {
	x  *Crossbar
	ch *outChannel
}

// Read removes and returns up to max bytes received from the host.
func (c *OutChannel) Read(max int) []byte {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	n := min(max, len(c.ch.fifo))
	if n <= 0 {
		return nil
	}
	data := make([]byte, n)
	copy(data, c.ch.fifo[:n])
	c.ch.fifo = c.ch.fifo[n:]
	return data
}

func (c *OutChannel) Len() int {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	return len(c.ch.fifo)
}

func (c *OutChannel) Reset() {
	c.x.lock.Lock()
	defer c.x.lock.Unlock()
	c.ch.reset()
}

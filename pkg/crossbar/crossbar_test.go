package crossbar

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Step the crossbar against the bridge model for n bus clocks.
func runTicks(x *Crossbar, b *Bridge, sample *Sample, n int) {
	for i := 0; i < n; i++ {
		sig := x.Tick(*sample)
		*sample = b.Tick(sig)
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestCrossbarInFullPacket(t *testing.T) {
	cfg := &Config{PacketSize: 8}
	xbar := New(cfg, nil)
	bridge := NewBridge(cfg)
	var sample Sample

	ch, err := xbar.AddInChannel(0)
	assert.NoError(t, err)

	data := pattern(8)
	assert.Equal(t, 8, ch.Write(data))
	runTicks(xbar, bridge, &sample, 100)

	// A full packet commits on its own, without flush.
	assert.Equal(t, 1, bridge.InPacketCount(0))
	pkt, ok := bridge.PopIn(0)
	assert.True(t, ok)
	assert.Equal(t, data, pkt)

	// No flush, so no zero-length packet follows the full one.
	runTicks(xbar, bridge, &sample, 100)
	assert.Equal(t, 0, bridge.InPacketCount(0))
	_, pending := ch.Queued()
	assert.True(t, pending)
}

func TestCrossbarInShortPacketOnFlush(t *testing.T) {
	cfg := &Config{PacketSize: 8}
	xbar := New(cfg, nil)
	bridge := NewBridge(cfg)
	var sample Sample

	ch, err := xbar.AddInChannel(0)
	assert.NoError(t, err)

	ch.Write([]byte("abc"))
	runTicks(xbar, bridge, &sample, 100)
	// Incomplete packets sit in the remote buffer until flushed.
	assert.Equal(t, 0, bridge.InPacketCount(0))

	ch.SetFlush(true)
	runTicks(xbar, bridge, &sample, 100)
	pkt, ok := bridge.PopIn(0)
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), pkt)

	queued, pending := ch.Queued()
	assert.Equal(t, 0, queued)
	assert.False(t, pending)
}

func TestCrossbarInZeroLengthPacketAfterFull(t *testing.T) {
	cfg := &Config{PacketSize: 4}
	xbar := New(cfg, nil)
	bridge := NewBridge(cfg)
	var sample Sample

	ch, err := xbar.AddInChannel(0)
	assert.NoError(t, err)
	ch.SetFlush(true)

	data := pattern(4)
	ch.Write(data)
	runTicks(xbar, bridge, &sample, 200)

	// An exactly full packet under flush is followed by a zero-length
	// packet, so the host can tell the data really ended.
	assert.Equal(t, 2, bridge.InPacketCount(0))
	pkt, ok := bridge.PopIn(0)
	assert.True(t, ok)
	assert.Equal(t, data, pkt)
	pkt, ok = bridge.PopIn(0)
	assert.True(t, ok)
	assert.Len(t, pkt, 0)
}

func TestCrossbarOutRoundtrip(t *testing.T) {
	xbar := New(nil, nil)
	bridge := NewBridge(nil)
	var sample Sample

	ch, err := xbar.AddOutChannel(0)
	assert.NoError(t, err)

	data := pattern(600)
	assert.Equal(t, 600, bridge.PushOut(0, data))
	runTicks(xbar, bridge, &sample, 2000)

	assert.Equal(t, 0, bridge.OutLevel(0))
	assert.Equal(t, data, ch.Read(600))
	assert.Equal(t, 0, ch.Len())
}

func TestCrossbarOutSkidNoLoss(t *testing.T) {
	// A FIFO this shallow forces the ready flag to bounce, so bytes
	// keep landing after the strobe is withdrawn and must be absorbed
	// by the skid buffer.
	cfg := &Config{FIFODepth: 4}
	xbar := New(cfg, nil)
	bridge := NewBridge(cfg)
	var sample Sample

	ch, err := xbar.AddOutChannel(0)
	assert.NoError(t, err)

	data := pattern(64)
	bridge.PushOut(0, data)

	var got []byte
	for i := 0; i < 2000 && len(got) < len(data); i++ {
		runTicks(xbar, bridge, &sample, 1)
		got = append(got, ch.Read(2)...)
	}
	assert.Equal(t, data, got)
}

func TestCrossbarUnconfiguredChannelsIdle(t *testing.T) {
	xbar := New(nil, nil)
	bridge := NewBridge(nil)
	var sample Sample

	// Data waiting on an unconfigured channel is never strobed out.
	bridge.PushOut(0, pattern(16))
	runTicks(xbar, bridge, &sample, 200)
	assert.Equal(t, 16, bridge.OutLevel(0))

	stats := xbar.Stats()
	assert.Equal(t, uint64(200), stats.Ticks)
	assert.Equal(t, "SWITCH", stats.State)
}

func TestCrossbarFairness(t *testing.T) {
	cfg := &Config{PacketSize: 16}
	xbar := New(cfg, nil)
	bridge := NewBridge(cfg)
	var sample Sample

	var outs [NumOut]*OutChannel
	var ins [NumIn]*InChannel
	for i := 0; i < NumOut; i++ {
		ch, err := xbar.AddOutChannel(i)
		assert.NoError(t, err)
		outs[i] = ch
	}
	for i := 0; i < NumIn; i++ {
		ch, err := xbar.AddInChannel(i)
		assert.NoError(t, err)
		ins[i] = ch
		ch.SetFlush(true)
	}

	data := pattern(32)
	for i := 0; i < NumOut; i++ {
		assert.Equal(t, 32, bridge.PushOut(i, data))
	}
	for i := 0; i < NumIn; i++ {
		assert.Equal(t, 32, ins[i].Write(data))
	}

	var outGot [NumOut][]byte
	var inGot [NumIn][]byte
	for tick := 0; tick < 2000; tick++ {
		runTicks(xbar, bridge, &sample, 1)
		for i := 0; i < NumOut; i++ {
			outGot[i] = append(outGot[i], outs[i].Read(4)...)
		}
		for i := 0; i < NumIn; i++ {
			if pkt, ok := bridge.PopIn(i); ok {
				inGot[i] = append(inGot[i], pkt...)
			}
		}
	}

	// Every channel makes progress and no channel starves another.
	for i := 0; i < NumOut; i++ {
		assert.Equal(t, data, outGot[i], "out channel %d", i)
	}
	for i := 0; i < NumIn; i++ {
		assert.Equal(t, data, inGot[i], "in channel %d", i)
		queued, pending := ins[i].Queued()
		assert.Equal(t, 0, queued)
		assert.False(t, pending)
	}
}

func TestCrossbarInterleavedStreamsKeptApart(t *testing.T) {
	cfg := &Config{PacketSize: 8}
	xbar := New(cfg, nil)
	bridge := NewBridge(cfg)
	var sample Sample

	ch0, err := xbar.AddInChannel(0)
	assert.NoError(t, err)
	ch1, err := xbar.AddInChannel(1)
	assert.NoError(t, err)
	ch0.SetFlush(true)
	ch1.SetFlush(true)

	ch0.Write(bytes.Repeat([]byte{0xAA}, 20))
	ch1.Write(bytes.Repeat([]byte{0xBB}, 20))
	runTicks(xbar, bridge, &sample, 500)

	for ch, want := range map[int]byte{0: 0xAA, 1: 0xBB} {
		var got []byte
		for {
			pkt, ok := bridge.PopIn(ch)
			if !ok {
				break
			}
			got = append(got, pkt...)
		}
		assert.Equal(t, bytes.Repeat([]byte{want}, 20), got, "channel %d", ch)
	}
}

func TestCrossbarAddChannelErrors(t *testing.T) {
	xbar := New(nil, nil)

	_, err := xbar.AddInChannel(-1)
	assert.ErrorIs(t, err, ErrBadChannel)
	_, err = xbar.AddInChannel(NumIn)
	assert.ErrorIs(t, err, ErrBadChannel)
	_, err = xbar.AddOutChannel(NumOut)
	assert.ErrorIs(t, err, ErrBadChannel)

	_, err = xbar.AddInChannel(0)
	assert.NoError(t, err)
	_, err = xbar.AddInChannel(0)
	assert.ErrorIs(t, err, ErrChannelConfigured)

	_, err = xbar.AddOutChannel(1)
	assert.NoError(t, err)
	_, err = xbar.AddOutChannel(1)
	assert.ErrorIs(t, err, ErrChannelConfigured)
}

func TestCrossbarReset(t *testing.T) {
	xbar := New(nil, nil)
	bridge := NewBridge(nil)
	var sample Sample

	in, err := xbar.AddInChannel(0)
	assert.NoError(t, err)
	out, err := xbar.AddOutChannel(0)
	assert.NoError(t, err)

	in.Write(pattern(32))
	bridge.PushOut(0, pattern(32))
	runTicks(xbar, bridge, &sample, 10)

	xbar.Reset()
	stats := xbar.Stats()
	assert.Equal(t, "SWITCH", stats.State)
	assert.Equal(t, 0, in.Len())
	assert.Equal(t, 0, out.Len())
	queued, pending := in.Queued()
	assert.Equal(t, 0, queued)
	assert.False(t, pending)
}

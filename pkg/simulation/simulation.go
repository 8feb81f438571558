// Package simulation runs the device-side crossbar against the bridge
// model on a free-running clock and exposes its channels as bulk
// endpoints, so the full host stack can be exercised end to end
// without hardware.
package simulation

import (
	"runtime"
	"sync"

	"github.com/loopholelabs/logging/types"

	"github.com/fifomux/fifomux/pkg/crossbar"
)

// Ticks per scheduling yield. Keeps the clock goroutine from starving
// the host side on a single-threaded runtime.
const tickBatch = 1024

type Device struct {
	log    types.Logger
	xbar   *crossbar.Crossbar
	bridge *crossbar.Bridge

	lock    sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewDevice(cfg *crossbar.Config, log types.Logger) *Device {
	return &Device{
		log:    log,
		xbar:   crossbar.New(cfg, log),
		bridge: crossbar.NewBridge(cfg),
	}
}

func (d *Device) Crossbar() *crossbar.Crossbar {
	return d.xbar
}

// Start runs the bus clock until Stop is called.
func (d *Device) Start() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	go func(stop chan struct{}, done chan struct{}) {
		defer close(done)
		var sample crossbar.Sample
		for {
			select {
			case <-stop:
				return
			default:
			}
			for i := 0; i < tickBatch; i++ {
				sig := d.xbar.Tick(sample)
				sample = d.bridge.Tick(sig)
			}
			runtime.Gosched()
		}
	}(d.stop, d.done)

	if d.log != nil {
		d.log.Debug().Msg("simulated device started")
	}
}

// Stop halts the bus clock and waits for it to stop. The device state
// is preserved and Start may be called again.
func (d *Device) Stop() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stop)
	<-d.done

	if d.log != nil {
		d.log.Debug().Int64("ticks", int64(d.xbar.Stats().Ticks)).Msg("simulated device stopped")
	}
}

// Reset clears the crossbar, the bridge, and everything in flight
// between them. Safe to call while the clock is running.
func (d *Device) Reset() {
	d.xbar.Reset()
	d.bridge.Reset()
}

// AddInEndpoint configures IN channel idx and returns the host-side
// bulk endpoint together with the device-side producer handle.
func (d *Device) AddInEndpoint(idx int) (*InEndpoint, *crossbar.InChannel, error) {
	ch, err := d.xbar.AddInChannel(idx)
	if err != nil {
		return nil, nil, err
	}
	return &InEndpoint{dev: d, ch: idx}, ch, nil
}

// AddOutEndpoint configures OUT channel idx and returns the host-side
// bulk endpoint together with the device-side consumer handle.
func (d *Device) AddOutEndpoint(idx int) (*OutEndpoint, *crossbar.OutChannel, error) {
	ch, err := d.xbar.AddOutChannel(idx)
	if err != nil {
		return nil, nil, err
	}
	return &OutEndpoint{dev: d, ch: idx}, ch, nil
}

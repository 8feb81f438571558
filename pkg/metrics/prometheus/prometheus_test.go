package prometheus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/fifomux/fifomux/pkg/crossbar"
	"github.com/fifomux/fifomux/pkg/transport"
)

// Reports whether any series of the family labelled with label has
// the wanted gauge value.
func gatherHasValue(t *testing.T, reg *prometheus.Registry, family string, label string, want float64) bool {
	families, err := reg.Gather()
	assert.NoError(t, err)
	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label && m.GetGauge().GetValue() == want {
					return true
				}
			}
		}
	}
	return false
}

func fastConfig() *MetricsConfig {
	cfg := DefaultConfig()
	cfg.TickInPipe = 10 * time.Millisecond
	cfg.TickOutPipe = 10 * time.Millisecond
	cfg.TickCrossbar = 10 * time.Millisecond
	return cfg
}

func TestMetricsInPipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	m := New(reg, fastConfig())
	t.Cleanup(m.Shutdown)

	trans := transport.NewTransport(nil)
	t.Cleanup(func() { _ = trans.Close(context.Background()) })
	ep := transport.NewMemoryEndpoint(512)
	pipe, err := trans.AddInPipe(ctx, ep, nil)
	assert.NoError(t, err)

	m.AddInPipe("data", pipe)
	ep.Feed([]byte("abcd"))

	assert.Eventually(t, func() bool {
		return gatherHasValue(t, reg, "fifomux_inPipe_buffered_bytes", "data", 4)
	}, 5*time.Second, 10*time.Millisecond)

	m.RemoveInPipe("data")
}

func TestMetricsCrossbar(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, fastConfig())
	t.Cleanup(m.Shutdown)

	xbar := crossbar.New(nil, nil)
	in, err := xbar.AddInChannel(0)
	assert.NoError(t, err)
	in.Write([]byte("hello"))

	m.AddCrossbar("dev0", xbar)
	assert.Eventually(t, func() bool {
		return gatherHasValue(t, reg, "fifomux_crossbar_in_fifo_bytes", "dev0", 5)
	}, 5*time.Second, 10*time.Millisecond)

	m.RemoveCrossbar("dev0")
	m.RemoveCrossbar("dev0") // idempotent
}

package prometheus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fifomux/fifomux/pkg/crossbar"
	"github.com/fifomux/fifomux/pkg/transport"
)

type MetricsConfig struct {
	Namespace    string
	SubInPipe    string
	SubOutPipe   string
	SubCrossbar  string
	TickInPipe   time.Duration
	TickOutPipe  time.Duration
	TickCrossbar time.Duration
}

func DefaultConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace:    "fifomux",
		SubInPipe:    "inPipe",
		SubOutPipe:   "outPipe",
		SubCrossbar:  "crossbar",
		TickInPipe:   100 * time.Millisecond,
		TickOutPipe:  100 * time.Millisecond,
		TickCrossbar: 100 * time.Millisecond,
	}
}

type Metrics struct {
	reg    prometheus.Registerer
	lock   sync.Mutex
	config *MetricsConfig

	// inPipe
	inPipeBufferedBytes *prometheus.GaugeVec
	inPipeReadBytes     *prometheus.GaugeVec
	inPipeWrittenBytes  *prometheus.GaugeVec
	inPipeLiveTransfers *prometheus.GaugeVec
	inPipeWaitCount     *prometheus.GaugeVec
	inPipeWaitTimeMS    *prometheus.GaugeVec

	// outPipe
	outPipeBufferedBytes *prometheus.GaugeVec
	outPipeInflightBytes *prometheus.GaugeVec
	outPipeReadBytes     *prometheus.GaugeVec
	outPipeWrittenBytes  *prometheus.GaugeVec
	outPipeLiveTransfers *prometheus.GaugeVec
	outPipeWaitCount     *prometheus.GaugeVec
	outPipeWaitTimeMS    *prometheus.GaugeVec

	// crossbar
	crossbarTicks     *prometheus.GaugeVec
	crossbarInFIFO    *prometheus.GaugeVec
	crossbarInQueued  *prometheus.GaugeVec
	crossbarInPending *prometheus.GaugeVec
	crossbarOutFIFO   *prometheus.GaugeVec

	cancelfns map[string]context.CancelFunc
}

func New(reg prometheus.Registerer, config *MetricsConfig) *Metrics {

	met := &Metrics{
		config: config,
		reg:    reg,
		// inPipe
		inPipeBufferedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubInPipe, Name: "buffered_bytes", Help: "Buffered bytes"}, []string{"pipe"}),
		inPipeReadBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubInPipe, Name: "read_bytes", Help: "Total bytes read"}, []string{"pipe"}),
		inPipeWrittenBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubInPipe, Name: "written_bytes", Help: "Total bytes written"}, []string{"pipe"}),
		inPipeLiveTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubInPipe, Name: "live_transfers", Help: "Live transfers"}, []string{"pipe"}),
		inPipeWaitCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubInPipe, Name: "wait_count", Help: "Waits"}, []string{"pipe"}),
		inPipeWaitTimeMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubInPipe, Name: "wait_time_ms", Help: "Wait time ms"}, []string{"pipe"}),

		// outPipe
		outPipeBufferedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubOutPipe, Name: "buffered_bytes", Help: "Buffered bytes"}, []string{"pipe"}),
		outPipeInflightBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubOutPipe, Name: "inflight_bytes", Help: "In-flight bytes"}, []string{"pipe"}),
		outPipeReadBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubOutPipe, Name: "read_bytes", Help: "Total bytes read"}, []string{"pipe"}),
		outPipeWrittenBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubOutPipe, Name: "written_bytes", Help: "Total bytes written"}, []string{"pipe"}),
		outPipeLiveTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubOutPipe, Name: "live_transfers", Help: "Live transfers"}, []string{"pipe"}),
		outPipeWaitCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubOutPipe, Name: "wait_count", Help: "Waits"}, []string{"pipe"}),
		outPipeWaitTimeMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubOutPipe, Name: "wait_time_ms", Help: "Wait time ms"}, []string{"pipe"}),

		// crossbar
		crossbarTicks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubCrossbar, Name: "ticks", Help: "Bus clocks"}, []string{"device"}),
		crossbarInFIFO: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubCrossbar, Name: "in_fifo_bytes", Help: "IN channel FIFO bytes"}, []string{"device", "channel"}),
		crossbarInQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubCrossbar, Name: "in_queued_bytes", Help: "IN channel bytes since last boundary"}, []string{"device", "channel"}),
		crossbarInPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubCrossbar, Name: "in_pending", Help: "IN channel has unflushed packet"}, []string{"device", "channel"}),
		crossbarOutFIFO: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.SubCrossbar, Name: "out_fifo_bytes", Help: "OUT channel FIFO bytes"}, []string{"device", "channel"}),

		cancelfns: make(map[string]context.CancelFunc),
	}

	// Register all the metrics
	reg.MustRegister(met.inPipeBufferedBytes, met.inPipeReadBytes, met.inPipeWrittenBytes,
		met.inPipeLiveTransfers, met.inPipeWaitCount, met.inPipeWaitTimeMS)

	reg.MustRegister(met.outPipeBufferedBytes, met.outPipeInflightBytes, met.outPipeReadBytes,
		met.outPipeWrittenBytes, met.outPipeLiveTransfers, met.outPipeWaitCount, met.outPipeWaitTimeMS)

	reg.MustRegister(met.crossbarTicks, met.crossbarInFIFO, met.crossbarInQueued,
		met.crossbarInPending, met.crossbarOutFIFO)

	return met
}

func (m *Metrics) remove(subsystem string, name string) {
	m.lock.Lock()
	cancelfn, ok := m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)]
	if ok {
		cancelfn()
		delete(m.cancelfns, fmt.Sprintf("%s_%s", subsystem, name))
	}
	m.lock.Unlock()
}

func (m *Metrics) add(subsystem string, name string, interval time.Duration, tickfn func()) {
	ctx, cancelfn := context.WithCancel(context.TODO())
	m.lock.Lock()
	m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)] = cancelfn
	m.lock.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickfn()
			}
		}
	}()
}

// Shutdown everything
func (m *Metrics) Shutdown() {
	m.lock.Lock()
	for _, cancelfn := range m.cancelfns {
		cancelfn()
	}
	m.cancelfns = make(map[string]context.CancelFunc)
	m.lock.Unlock()
}

func (m *Metrics) AddInPipe(name string, pipe *transport.InPipe) {
	m.add(m.config.SubInPipe, name, m.config.TickInPipe, func() {
		met := pipe.Stats()
		m.inPipeBufferedBytes.WithLabelValues(name).Set(float64(met.BufferedBytes))
		m.inPipeReadBytes.WithLabelValues(name).Set(float64(met.TotalReadBytes))
		m.inPipeWrittenBytes.WithLabelValues(name).Set(float64(met.TotalWrittenBytes))
		m.inPipeLiveTransfers.WithLabelValues(name).Set(float64(met.LiveTransfers))
		m.inPipeWaitCount.WithLabelValues(name).Set(float64(met.TaskQueue.WaitCount))
		m.inPipeWaitTimeMS.WithLabelValues(name).Set(float64(met.TaskQueue.WaitTime.Milliseconds()))
	})
}

func (m *Metrics) RemoveInPipe(name string) {
	m.remove(m.config.SubInPipe, name)
}

func (m *Metrics) AddOutPipe(name string, pipe *transport.OutPipe) {
	m.add(m.config.SubOutPipe, name, m.config.TickOutPipe, func() {
		met := pipe.Stats()
		m.outPipeBufferedBytes.WithLabelValues(name).Set(float64(met.BufferedBytes))
		m.outPipeInflightBytes.WithLabelValues(name).Set(float64(met.InflightBytes))
		m.outPipeReadBytes.WithLabelValues(name).Set(float64(met.TotalReadBytes))
		m.outPipeWrittenBytes.WithLabelValues(name).Set(float64(met.TotalWrittenBytes))
		m.outPipeLiveTransfers.WithLabelValues(name).Set(float64(met.LiveTransfers))
		m.outPipeWaitCount.WithLabelValues(name).Set(float64(met.TaskQueue.WaitCount))
		m.outPipeWaitTimeMS.WithLabelValues(name).Set(float64(met.TaskQueue.WaitTime.Milliseconds()))
	})
}

func (m *Metrics) RemoveOutPipe(name string) {
	m.remove(m.config.SubOutPipe, name)
}

func (m *Metrics) AddInOutPipe(name string, pipe *transport.InOutPipe) {
	m.AddInPipe(name, pipe.In())
	m.AddOutPipe(name, pipe.Out())
}

func (m *Metrics) RemoveInOutPipe(name string) {
	m.RemoveInPipe(name)
	m.RemoveOutPipe(name)
}

func (m *Metrics) AddCrossbar(name string, xbar *crossbar.Crossbar) {
	m.add(m.config.SubCrossbar, name, m.config.TickCrossbar, func() {
		met := xbar.Stats()
		m.crossbarTicks.WithLabelValues(name).Set(float64(met.Ticks))
		for i := 0; i < crossbar.NumIn; i++ {
			ch := strconv.Itoa(i)
			m.crossbarInFIFO.WithLabelValues(name, ch).Set(float64(met.InFIFO[i]))
			m.crossbarInQueued.WithLabelValues(name, ch).Set(float64(met.InQueued[i]))
			pending := float64(0)
			if met.InPending[i] {
				pending = 1
			}
			m.crossbarInPending.WithLabelValues(name, ch).Set(pending)
		}
		for i := 0; i < crossbar.NumOut; i++ {
			m.crossbarOutFIFO.WithLabelValues(name, strconv.Itoa(i)).Set(float64(met.OutFIFO[i]))
		}
	})
}

func (m *Metrics) RemoveCrossbar(name string) {
	m.remove(m.config.SubCrossbar, name)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	fifoprom "github.com/fifomux/fifomux/pkg/metrics/prometheus"
	"github.com/fifomux/fifomux/pkg/simulation"
	"github.com/fifomux/fifomux/pkg/transport"
	"github.com/fifomux/fifomux/pkg/transport/config"
)

var (
	cmdSimulate = &cobra.Command{
		Use:   "simulate",
		Short: "Run traffic through a simulated device",
		Long:  ``,
		Run:   runSimulate,
	}
)

var simConf string
var simMetrics string
var simBytes int64
var simProgress bool
var simDebug bool

var simProgressBar *mpb.Progress
var simBars []*mpb.Bar

// Used when no configuration file is given.
const simDefaultSchema = `
pipe "loop0" {
	direction = "inout"
	channel = 0
}
`

func init() {
	rootCmd.AddCommand(cmdSimulate)
	cmdSimulate.Flags().StringVarP(&simConf, "conf", "c", "", "Configuration file")
	cmdSimulate.Flags().StringVarP(&simMetrics, "metrics", "m", "", "Prom metrics address")
	cmdSimulate.Flags().Int64VarP(&simBytes, "bytes", "n", 16*1024*1024, "Bytes to push through each pipe")
	cmdSimulate.Flags().BoolVarP(&simProgress, "progress", "p", false, "Show progress")
	cmdSimulate.Flags().BoolVarP(&simDebug, "debug", "d", false, "Debug logging (trace)")
}

func runSimulate(_ *cobra.Command, _ []string) {
	var log types.RootLogger
	var reg *prometheus.Registry
	var met *fifoprom.Metrics

	if simDebug {
		log = logging.New(logging.Zerolog, "fifomux.simulate", os.Stderr)
		log.SetLevel(types.TraceLevel)
	}

	if simMetrics != "" {
		reg = prometheus.NewRegistry()

		met = fifoprom.New(reg, fifoprom.DefaultConfig())

		// Add the default go metrics
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		http.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          reg,
			},
		))

		go http.ListenAndServe(simMetrics, nil)
	}

	var schema *config.TransportSchema
	var err error
	if simConf != "" {
		schema, err = config.ReadSchema(simConf)
		if err != nil {
			fmt.Printf("Could not read configuration %v\n", err)
			os.Exit(1)
		}
	} else {
		schema = new(config.TransportSchema)
		if err := schema.Decode([]byte(simDefaultSchema)); err != nil {
			panic(err)
		}
	}

	if simProgress {
		simProgressBar = mpb.New(
			mpb.WithOutput(color.Output),
			mpb.WithAutoRefresh(),
		)
		simBars = make([]*mpb.Bar, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Printf("\nShutting down cleanly...\n")
		cancel()
	}()

	dev := simulation.NewDevice(schema.ToCrossbarConfig(), log)
	dev.Start()
	defer dev.Stop()

	trans := transport.NewTransport(log)
	defer trans.Close(context.Background())

	if met != nil {
		met.AddCrossbar("device", dev.Crossbar())
		defer met.Shutdown()
	}

	started := time.Now()
	var wg sync.WaitGroup
	for _, ps := range schema.Pipe {
		if ps.Direction != config.DirectionInOut {
			// Unidirectional pipes are attached but carry no loopback
			// traffic in this command.
			continue
		}
		pipe, err := simAttachLoopback(ctx, dev, trans, ps)
		if err != nil {
			fmt.Printf("Could not attach pipe %s %v\n", ps.Name, err)
			os.Exit(1)
		}
		if met != nil {
			met.AddInOutPipe(ps.Name, pipe)
		}

		var bar *mpb.Bar
		if simProgress {
			bar = simProgressBar.AddBar(simBytes,
				mpb.PrependDecorators(
					decor.Name(ps.Name, decor.WCSyncSpaceR),
					decor.CountersKiloByte("%d/%d", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60, decor.WCSyncWidth),
					decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
				),
			)
			simBars = append(simBars, bar)
		}

		wg.Add(1)
		go func(name string, pipe *transport.InOutPipe, bar *mpb.Bar) {
			defer wg.Done()
			if err := simPump(ctx, pipe, simBytes, bar); err != nil {
				if ctx.Err() == nil {
					fmt.Printf("Pipe %s failed %v\n", name, err)
				}
				return
			}
		}(ps.Name, pipe, bar)
	}

	wg.Wait()
	if simProgress {
		simProgressBar.Wait()
	}

	if ctx.Err() == nil {
		elapsed := time.Since(started)
		rate := float64(simBytes) / (1024 * 1024) / elapsed.Seconds()
		fmt.Printf("%s %d bytes per pipe in %dms (%.2f MiB/s)\n",
			color.GreenString("Completed"), simBytes, elapsed.Milliseconds(), rate)
	}
}

// simAttachLoopback attaches a bidirectional pipe to one channel of
// the simulated device and starts a device-side loop that echoes
// everything back.
func simAttachLoopback(ctx context.Context, dev *simulation.Device, trans *transport.Transport, ps *config.PipeSchema) (*transport.InOutPipe, error) {
	inEP, devIn, err := dev.AddInEndpoint(ps.Channel)
	if err != nil {
		return nil, err
	}
	outEP, devOut, err := dev.AddOutEndpoint(ps.Channel)
	if err != nil {
		return nil, err
	}
	pipe, err := trans.AddInOutPipe(ctx, inEP, outEP, ps.ToPipeConfig())
	if err != nil {
		return nil, err
	}

	go func() {
		devIn.SetFlush(true)
		for ctx.Err() == nil {
			data := devOut.Read(4096)
			if len(data) == 0 {
				time.Sleep(50 * time.Microsecond)
				continue
			}
			for len(data) > 0 && ctx.Err() == nil {
				n := devIn.Write(data)
				data = data[n:]
				if n == 0 {
					time.Sleep(50 * time.Microsecond)
				}
			}
		}
	}()

	return pipe, nil
}

// simPump pushes total bytes through the pipe and reads the echoed
// copy back, verifying it on the way.
func simPump(ctx context.Context, pipe *transport.InOutPipe, total int64, bar *mpb.Bar) error {
	const chunkSize = 65536
	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	var moved int64
	for moved < total {
		n := int64(chunkSize)
		if total-moved < n {
			n = total - moved
		}

		started := time.Now()
		if err := pipe.Send(ctx, chunk[:n]); err != nil {
			return err
		}
		echoed, err := pipe.Recv(ctx, int(n))
		if err != nil {
			return err
		}
		for i := range echoed {
			if echoed[i] != chunk[i] {
				return fmt.Errorf("corrupt echo at offset %d", moved+int64(i))
			}
		}

		moved += n
		if bar != nil {
			bar.EwmaIncrBy(int(n), time.Since(started))
		}
	}
	return pipe.Flush(ctx, true)
}

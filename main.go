package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"

	"github.com/fifomux/fifomux/pkg/crossbar"
	"github.com/fifomux/fifomux/pkg/simulation"
	"github.com/fifomux/fifomux/pkg/transport"
)

// Development harness. Runs a loopback over a simulated device until
// interrupted, then dumps the pipe stats.

func main() {
	log := logging.New(logging.Zerolog, "fifomux", os.Stdout)
	log.SetLevel(types.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())

	dev := simulation.NewDevice(&crossbar.Config{
		PacketSize: 512,
		FIFODepth:  4096,
	}, log)
	dev.Start()

	inEP, devIn, err := dev.AddInEndpoint(0)
	if err != nil {
		panic(err)
	}
	outEP, devOut, err := dev.AddOutEndpoint(0)
	if err != nil {
		panic(err)
	}

	trans := transport.NewTransport(log)
	pipe, err := trans.AddInOutPipe(ctx, inEP, outEP, &transport.PipeConfig{
		PacketsPerTransfer: 4,
		TransfersInFlight:  8,
	})
	if err != nil {
		panic(err)
	}

	// Device side: echo everything back.
	go func() {
		devIn.SetFlush(true)
		for ctx.Err() == nil {
			data := devOut.Read(4096)
			if len(data) == 0 {
				time.Sleep(50 * time.Microsecond)
				continue
			}
			for len(data) > 0 {
				n := devIn.Write(data)
				data = data[n:]
				if n == 0 {
					time.Sleep(50 * time.Microsecond)
				}
			}
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c

		fmt.Printf("\nShutting down cleanly...\n")
		cancel()
		_ = trans.Close(context.Background())
		dev.Stop()

		in := pipe.In().Stats()
		out := pipe.Out().Stats()
		fmt.Printf("In  pipe: buffered %d, received %d bytes, %d waits (%dms)\n",
			in.BufferedBytes, in.TotalWrittenBytes, in.TaskQueue.WaitCount, in.TaskQueue.WaitTime.Milliseconds())
		fmt.Printf("Out pipe: buffered %d, sent %d bytes, %d waits (%dms)\n",
			out.BufferedBytes, out.TotalReadBytes, out.TaskQueue.WaitCount, out.TaskQueue.WaitTime.Milliseconds())
		fmt.Printf("Crossbar: %d ticks\n", dev.Crossbar().Stats().Ticks)
		os.Exit(0)
	}()

	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	var moved uint64
	for {
		if err := pipe.Send(ctx, chunk); err != nil {
			break
		}
		echoed, err := pipe.Recv(ctx, len(chunk))
		if err != nil {
			break
		}
		moved += uint64(len(echoed))
		if moved%(64*1024*1024) == 0 {
			log.Info().Int64("bytes", int64(moved)).Msg("loopback running")
		}
	}

	// Recv failed before the signal handler ran. Report and bail.
	fmt.Printf("Loopback stopped after %d bytes\n", moved)
	<-time.After(time.Second)
}

package metrics

import (
	"github.com/fifomux/fifomux/pkg/crossbar"
	"github.com/fifomux/fifomux/pkg/transport"
)

type TransportMetrics interface {
	Shutdown()

	AddInPipe(name string, pipe *transport.InPipe)
	RemoveInPipe(name string)

	AddOutPipe(name string, pipe *transport.OutPipe)
	RemoveOutPipe(name string)

	AddInOutPipe(name string, pipe *transport.InOutPipe)
	RemoveInOutPipe(name string)

	AddCrossbar(name string, xbar *crossbar.Crossbar)
	RemoveCrossbar(name string)
}

package crossbar

// Channel addressing on the shared bus: two OUT channels followed by
// two IN channels.
const (
	NumChannels = 4
	NumOut      = 2
	NumIn       = 2
)

// Fixed roundtrip latency of the physical bus, in bus clocks: output
// register, bridge-side synchronous response, input capture and
// re-register. Control signals are delayed by the same amount so that
// they are evaluated as the bridge actually saw them. Board-revision
// specific; re-derive when targeting different silicon.
const busLatency = 3

// Depth of the skid buffer in front of each OUT channel FIFO. Must
// cover the number of read strobes that can be in flight after the
// strobe is logically withdrawn.
const skidDepth = 3

// Signals driven onto the bus by the crossbar on one clock.
type Signals struct {
	Addr   uint8 // 2-bit channel select
	Data   byte
	DataOE bool // crossbar drives the data bus (IN transfers)
	SLOE   bool // bridge output enable (OUT transfers)
	SLRD   bool // read strobe
	SLWR   bool // write strobe
	PKTEND bool // force a packet boundary
}

// Sample of the bus as observed by the crossbar on one clock.
type Sample struct {
	Flags [NumChannels]bool // per-channel ready flag
	Data  byte
}

type State int

const (
	StateSwitch State = iota
	StateDrive
	StateSetup
	StateInXfer
	StateOutXfer
)

func (s State) String() string {
	switch s {
	case StateSwitch:
		return "SWITCH"
	case StateDrive:
		return "DRIVE"
	case StateSetup:
		return "SETUP"
	case StateInXfer:
		return "IN-XFER"
	case StateOutXfer:
		return "OUT-XFER"
	}
	return "UNKNOWN"
}

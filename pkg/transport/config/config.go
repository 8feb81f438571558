package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"github.com/fifomux/fifomux/pkg/crossbar"
	"github.com/fifomux/fifomux/pkg/transport"
)

const (
	DirectionIn    = "in"
	DirectionOut   = "out"
	DirectionInOut = "inout"
)

type TransportSchema struct {
	Device *DeviceSchema `hcl:"device,block"`
	Pipe   []*PipeSchema `hcl:"pipe,block"`
}

type DeviceSchema struct {
	PacketSize string `hcl:"packetsize,optional"`
	FIFODepth  string `hcl:"fifodepth,optional"`
}

type PipeSchema struct {
	Name               string `hcl:"name,label"`
	Direction          string `hcl:"direction,attr"`
	Channel            int    `hcl:"channel,optional"`
	PacketsPerTransfer int    `hcl:"packets,optional"`
	TransfersInFlight  int    `hcl:"transfers,optional"`
	BufferSize         string `hcl:"buffersize,optional"`
}

func parseByteValue(val string) int64 {
	// Parse the size string
	multiplier := int64(1)
	s := strings.Trim(strings.ToLower(val), " \t\r\n")
	if s == "" {
		return 0
	}

	suffix := s[len(s)-1:] // Get the last byte
	switch suffix {
	case "b":
		multiplier = 1
		s = s[:len(s)-1]
	case "k":
		multiplier = 1024
		s = s[:len(s)-1]
	case "m":
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case "g":
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		panic(err)
	}
	return i * multiplier
}

func (ps *PipeSchema) ByteBufferSize() int64 {
	return parseByteValue(ps.BufferSize)
}

func (ds *DeviceSchema) BytePacketSize() int64 {
	return parseByteValue(ds.PacketSize)
}

func (ds *DeviceSchema) ByteFIFODepth() int64 {
	return parseByteValue(ds.FIFODepth)
}

func ReadSchema(path string) (*TransportSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	s := new(TransportSchema)
	return s, s.Decode(data)
}

func (s *TransportSchema) Decode(data []byte) error {
	file, diag := hclsyntax.ParseConfig(data, "", hcl.Pos{Line: 1, Column: 1})
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	diag = gohcl.DecodeBody(file.Body, nil, s)
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	return s.validate()
}

func (s *TransportSchema) Encode() ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(s, f.Body())
	return f.Bytes(), nil
}

func (ps *PipeSchema) EncodeAsBlock() []byte {
	f := hclwrite.NewEmptyFile()
	block := gohcl.EncodeAsBlock(ps, "pipe")
	f.Body().AppendBlock(block)
	return f.Bytes()
}

func (s *TransportSchema) validate() error {
	seen := make(map[string]bool)
	for _, p := range s.Pipe {
		if seen[p.Name] {
			return fmt.Errorf("duplicate pipe %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Direction {
		case DirectionIn:
			if p.Channel < 0 || p.Channel >= crossbar.NumIn {
				return fmt.Errorf("pipe %q: channel %d out of range", p.Name, p.Channel)
			}
		case DirectionOut:
			if p.Channel < 0 || p.Channel >= crossbar.NumOut {
				return fmt.Errorf("pipe %q: channel %d out of range", p.Name, p.Channel)
			}
		case DirectionInOut:
			if p.Channel < 0 || p.Channel >= min(crossbar.NumIn, crossbar.NumOut) {
				return fmt.Errorf("pipe %q: channel %d out of range", p.Name, p.Channel)
			}
		default:
			return fmt.Errorf("pipe %q: unknown direction %q", p.Name, p.Direction)
		}
	}
	return nil
}

// ToPipeConfig maps a pipe block onto the transport's runtime
// configuration. Zero values fall through to the transport defaults.
func (ps *PipeSchema) ToPipeConfig() *transport.PipeConfig {
	return &transport.PipeConfig{
		PacketsPerTransfer: ps.PacketsPerTransfer,
		TransfersInFlight:  ps.TransfersInFlight,
		BufferSize:         int(ps.ByteBufferSize()),
	}
}

// ToCrossbarConfig maps the device block onto the crossbar's runtime
// configuration. A nil block selects the defaults.
func (s *TransportSchema) ToCrossbarConfig() *crossbar.Config {
	if s.Device == nil {
		return nil
	}
	return &crossbar.Config{
		PacketSize: int(s.Device.BytePacketSize()),
		FIFODepth:  int(s.Device.ByteFIFODepth()),
	}
}

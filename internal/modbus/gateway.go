package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
	"github.com/KevinKickass/OpenKneaderCore/internal/types"
)

// Gateway exposes a Modbus/TCP I/O coupler through the tag based hardware interface.
type Gateway struct {
	client    *Client
	unitID    uint8
	registers map[string]types.RegisterDefinition
}

func NewGateway(address string, unitID uint8, timeout time.Duration, registers []types.RegisterDefinition) *Gateway {
	regMap := make(map[string]types.RegisterDefinition, len(registers))
	for _, reg := range registers {
		regMap[reg.Tag] = reg
	}

	return &Gateway{
		client:    NewClient(address, timeout),
		unitID:    unitID,
		registers: regMap,
	}
}

// DefaultRegisters is the wiring of the standard kneader coupler.
func DefaultRegisters(tags hardware.Tags) []types.RegisterDefinition {
	return []types.RegisterDefinition{
		{Tag: tags.LidStatus, Address: 0, Type: types.RegisterTypeDiscreteInput, Access: types.AccessTypeReadOnly},
		{Tag: tags.MotorStatus, Address: 1, Type: types.RegisterTypeDiscreteInput, Access: types.AccessTypeReadOnly},
		{Tag: tags.LidControl, Address: 0, Type: types.RegisterTypeCoil, Access: types.AccessTypeReadWrite},
		{Tag: tags.MotorControl, Address: 1, Type: types.RegisterTypeCoil, Access: types.AccessTypeReadWrite},
	}
}

// RegistersFromConfig builds the register table from the hardware.registers
// section, keyed by tag name. An empty section yields DefaultRegisters.
func RegistersFromConfig(tags hardware.Tags, regs map[string]config.RegisterMap) ([]types.RegisterDefinition, error) {
	if len(regs) == 0 {
		return DefaultRegisters(tags), nil
	}

	out := make([]types.RegisterDefinition, 0, len(regs))
	for tag, r := range regs {
		def := types.RegisterDefinition{
			Tag:     tag,
			Address: r.Address,
			Type:    types.RegisterType(r.Type),
			Access:  types.AccessType(r.Access),
		}
		switch def.Type {
		case types.RegisterTypeCoil, types.RegisterTypeDiscreteInput,
			types.RegisterTypeHoldingRegister, types.RegisterTypeInputRegister:
		default:
			return nil, fmt.Errorf("register %s: unknown type %q", tag, r.Type)
		}
		if def.Access == "" {
			def.Access = types.AccessTypeReadWrite
			if def.Type == types.RegisterTypeDiscreteInput || def.Type == types.RegisterTypeInputRegister {
				def.Access = types.AccessTypeReadOnly
			}
		}
		out = append(out, def)
	}

	for _, tag := range []string{tags.LidStatus, tags.MotorStatus, tags.LidControl, tags.MotorControl} {
		if _, ok := regs[tag]; !ok {
			return nil, fmt.Errorf("no register configured for tag %s", tag)
		}
	}
	return out, nil
}

func (g *Gateway) Connect(ctx context.Context) error {
	return g.client.Connect(ctx)
}

func (g *Gateway) IsConnected() bool {
	return g.client.IsConnected()
}

func (g *Gateway) Close() error {
	return g.client.Close()
}

func (g *Gateway) Send(ctx context.Context, cmd hardware.Command) (hardware.Result, error) {
	reg, ok := g.registers[cmd.TagName]
	if !ok {
		return hardware.Result{Error: fmt.Sprintf("%v: %s", hardware.ErrUnknownTag, cmd.TagName)}, nil
	}

	switch cmd.Action {
	case hardware.ActionRead:
		return g.read(ctx, reg)
	case hardware.ActionWrite:
		if !reg.Writable() {
			return hardware.Result{Error: fmt.Sprintf("tag %s is read-only", reg.Tag)}, nil
		}
		return g.write(ctx, reg, cmd.Value)
	}
	return hardware.Result{Error: fmt.Sprintf("unknown action: %s", cmd.Action)}, nil
}

func (g *Gateway) read(ctx context.Context, reg types.RegisterDefinition) (hardware.Result, error) {
	switch reg.Type {
	case types.RegisterTypeCoil, types.RegisterTypeDiscreteInput:
		var bits []bool
		var err error
		if reg.Type == types.RegisterTypeCoil {
			bits, err = g.client.ReadCoils(ctx, g.unitID, reg.Address, 1)
		} else {
			bits, err = g.client.ReadDiscreteInputs(ctx, g.unitID, reg.Address, 1)
		}
		if err != nil {
			return hardware.Result{}, fmt.Errorf("failed to read %s: %w", reg.Tag, err)
		}
		return hardware.Result{Value: bits[0]}, nil

	case types.RegisterTypeHoldingRegister, types.RegisterTypeInputRegister:
		var words []uint16
		var err error
		if reg.Type == types.RegisterTypeHoldingRegister {
			words, err = g.client.ReadHoldingRegisters(ctx, g.unitID, reg.Address, 1)
		} else {
			words, err = g.client.ReadInputRegisters(ctx, g.unitID, reg.Address, 1)
		}
		if err != nil {
			return hardware.Result{}, fmt.Errorf("failed to read %s: %w", reg.Tag, err)
		}
		if len(words) == 0 {
			return hardware.Result{}, fmt.Errorf("empty response for %s", reg.Tag)
		}
		return hardware.Result{Value: int(words[0])}, nil
	}
	return hardware.Result{Error: fmt.Sprintf("unsupported register type: %s", reg.Type)}, nil
}

func (g *Gateway) write(ctx context.Context, reg types.RegisterDefinition, value interface{}) (hardware.Result, error) {
	word, err := hardware.ToUint16(value)
	if err != nil {
		return hardware.Result{Error: err.Error()}, nil
	}

	if reg.Type == types.RegisterTypeCoil {
		if err := g.client.WriteSingleCoil(ctx, g.unitID, reg.Address, word != 0); err != nil {
			return hardware.Result{}, fmt.Errorf("failed to write %s: %w", reg.Tag, err)
		}
		return hardware.Result{Value: word != 0}, nil
	}

	if err := g.client.WriteSingleRegister(ctx, g.unitID, reg.Address, word); err != nil {
		return hardware.Result{}, fmt.Errorf("failed to write %s: %w", reg.Tag, err)
	}
	return hardware.Result{Value: int(word)}, nil
}

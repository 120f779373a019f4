package types

type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

// RegisterDefinition binds a logical tag to one Modbus point.
type RegisterDefinition struct {
	Tag     string       `json:"tag"`
	Address uint16       `json:"address"`
	Type    RegisterType `json:"type"`
	Access  AccessType   `json:"access"`
}

func (r RegisterDefinition) Writable() bool {
	switch r.Type {
	case RegisterTypeCoil, RegisterTypeHoldingRegister:
		return r.Access != AccessTypeReadOnly
	}
	return false
}

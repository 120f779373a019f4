// Package hardware defines the command interface to the kneader's I/O and a
// guard that serializes access to the single physical connection.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrDisconnected    = errors.New("hardware not connected")
	ErrResponseTimeout = errors.New("hardware response timeout")
	ErrUnknownTag      = errors.New("unknown tag")
)

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

type Command struct {
	Action  Action      `json:"action"`
	TagName string      `json:"tag_name"`
	Value   interface{} `json:"value,omitempty"`
}

// Result is the device answer. Error carries a rejection reported by the
// device itself; transport failures are returned as Go errors instead.
type Result struct {
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

func (r Result) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// Interface is implemented by the Modbus gateway and the simulator.
type Interface interface {
	Send(ctx context.Context, cmd Command) (Result, error)
	IsConnected() bool
	Connect(ctx context.Context) error
	Close() error
}

// Tags names the four points the controller needs.
type Tags struct {
	LidStatus    string
	MotorStatus  string
	LidControl   string
	MotorControl string
}

func DefaultTags() Tags {
	return Tags{
		LidStatus:    "rd_lid_status_kn1",
		MotorStatus:  "rd_motor_status_kn1",
		LidControl:   "wr_lid_status_kn1",
		MotorControl: "wr_motor_control_kn1",
	}
}

func Read(tag string) Command {
	return Command{Action: ActionRead, TagName: tag}
}

func Write(tag string, value interface{}) Command {
	return Command{Action: ActionWrite, TagName: tag, Value: value}
}

// Truthy interprets a tag value the way the I/O coupler reports it.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint16:
		return t != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "off", "open":
			return false
		}
		return true
	default:
		return true
	}
}

// ToUint16 converts a write value to a register word.
func ToUint16(v interface{}) (uint16, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case int:
		return uint16(t), nil
	case int64:
		return uint16(t), nil
	case uint16:
		return t, nil
	case float64:
		return uint16(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("unsupported value %q", t)
		}
		return uint16(n), nil
	default:
		return 0, fmt.Errorf("unsupported value type: %T", v)
	}
}

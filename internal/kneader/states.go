package kneader

import (
	"fmt"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
)

type ProcessState string

const (
	StateIdle                 ProcessState = "IDLE"
	StatePrescanning          ProcessState = "PRESCANNING"
	StatePrescanComplete      ProcessState = "PRESCAN_COMPLETE"
	StateWaitingForItems      ProcessState = "WAITING_FOR_ITEMS"
	StateReadyToLoad          ProcessState = "READY_TO_LOAD"
	StateWaitingForLidClose   ProcessState = "WAITING_FOR_LID_CLOSE"
	StateWaitingForMotorStart ProcessState = "WAITING_FOR_MOTOR_START"
	StateMixing               ProcessState = "MIXING"
	StateAborted              ProcessState = "ABORTED"
	StateError                ProcessState = "ERROR"
	StateProcessComplete      ProcessState = "PROCESS_COMPLETE"
)

var AllStates = []ProcessState{
	StateIdle,
	StatePrescanning,
	StatePrescanComplete,
	StateWaitingForItems,
	StateReadyToLoad,
	StateWaitingForLidClose,
	StateWaitingForMotorStart,
	StateMixing,
	StateAborted,
	StateError,
	StateProcessComplete,
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}

// Policy lists the states in which abort and cancel are honoured.
type Policy struct {
	abort  map[ProcessState]bool
	cancel map[ProcessState]bool
}

// abort needs a pause point in the sequencer, so it is limited to these states.
var abortable = map[ProcessState]bool{
	StateMixing:          true,
	StateWaitingForItems: true,
	StateReadyToLoad:     true,
}

func DefaultPolicy() Policy {
	return Policy{
		abort: map[ProcessState]bool{
			StateMixing:          true,
			StateWaitingForItems: true,
			StateReadyToLoad:     true,
		},
		cancel: map[ProcessState]bool{
			StatePrescanning:     true,
			StatePrescanComplete: true,
			StateWaitingForItems: true,
			StateReadyToLoad:     true,
		},
	}
}

func NewPolicy(cfg config.PolicyConfig) (Policy, error) {
	if len(cfg.Abort) == 0 && len(cfg.Cancel) == 0 {
		return DefaultPolicy(), nil
	}

	p := Policy{abort: map[ProcessState]bool{}, cancel: map[ProcessState]bool{}}
	for _, name := range cfg.Abort {
		s := ProcessState(name)
		if !abortable[s] {
			return Policy{}, fmt.Errorf("abort cannot be allowed in state %q", name)
		}
		p.abort[s] = true
	}
	for _, name := range cfg.Cancel {
		s := ProcessState(name)
		if !s.valid() {
			return Policy{}, fmt.Errorf("unknown process state %q", name)
		}
		p.cancel[s] = true
	}
	return p, nil
}

func (p Policy) CanAbort(s ProcessState) bool  { return p.abort[s] }
func (p Policy) CanCancel(s ProcessState) bool { return p.cancel[s] }

func (s ProcessState) valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

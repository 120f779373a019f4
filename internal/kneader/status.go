package kneader

import (
	"math"
	"time"

	"github.com/KevinKickass/OpenKneaderCore/internal/scan"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

type LiveStatus string

const (
	LiveWaiting     LiveStatus = "WAITING"
	LiveScanned     LiveStatus = "SCANNED"
	LiveReadyToLoad LiveStatus = "READY_TO_LOAD"
	LiveMixing      LiveStatus = "MIXING"
	LiveDone        LiveStatus = "DONE"
	LiveAborted     LiveStatus = "ABORTED"
)

// Status is the full status snapshot handed to HMI clients.
type Status struct {
	ProcessState          ProcessState        `json:"process_state"`
	WorkorderID           string              `json:"workorder_id"`
	WorkorderName         string              `json:"workorder_name"`
	Steps                 []StepStatus        `json:"steps"`
	CurrentStepIndex      int                 `json:"current_step_index"`
	CurrentItemIndex      int                 `json:"current_item_index"`
	TotalSteps            int                 `json:"total_steps"`
	LidOpen               bool                `json:"lid_open"`
	MotorRunning          bool                `json:"motor_running"`
	MixingTimeTotal       float64             `json:"mixing_time_total"`
	MixingTimeRemaining   float64             `json:"mixing_time_remaining"`
	ErrorMessage          string              `json:"error_message"`
	MotorStartFailedAlert bool                `json:"motor_start_failed_alert"`
	PrescanComplete       bool                `json:"prescan_complete"`
	PrescanStatus         *scan.PrescanStatus `json:"prescan_status,omitempty"`
}

type StepStatus struct {
	Index      int          `json:"index"`
	MixTimeSec float64      `json:"mix_time_sec"`
	Items      []ItemStatus `json:"items"`
}

type ItemStatus struct {
	ItemID     string     `json:"item_id"`
	Name       string     `json:"name"`
	LiveStatus LiveStatus `json:"live_status"`
}

// View is everything the projector reads. Nil or empty fields are allowed.
type View struct {
	State        ProcessState
	WorkOrder    *workorder.WorkOrder
	StepIndex    int
	ItemIndex    int
	Scans        map[int]map[string]struct{}
	Timer        MixingTimer
	LidOpen      bool
	MotorRunning bool
	ErrorMessage string
	MotorAlert   bool
	Prescan      *scan.PrescanStatus
}

// Project derives the snapshot. It has no side effects.
func Project(v View) Status {
	st := Status{
		ProcessState:          v.State,
		Steps:                 []StepStatus{},
		CurrentStepIndex:      v.StepIndex,
		CurrentItemIndex:      v.ItemIndex,
		LidOpen:               v.LidOpen,
		MotorRunning:          v.MotorRunning,
		ErrorMessage:          v.ErrorMessage,
		MotorStartFailedAlert: v.MotorAlert,
		PrescanComplete:       v.State != StateIdle && v.State != StatePrescanning,
	}
	if st.ProcessState == "" {
		st.ProcessState = StateIdle
		st.PrescanComplete = false
	}

	if wo := v.WorkOrder; wo != nil {
		st.WorkorderID = wo.ID
		st.WorkorderName = wo.Name
		st.TotalSteps = len(wo.Steps)
		for i, stage := range wo.Steps {
			step := StepStatus{Index: i, MixTimeSec: stage.MixTimeSec, Items: make([]ItemStatus, 0, len(stage.Items))}
			for _, it := range stage.Items {
				step.Items = append(step.Items, ItemStatus{
					ItemID:     it.ID,
					Name:       it.Name,
					LiveStatus: liveStatus(v, i, it.ID),
				})
			}
			st.Steps = append(st.Steps, step)
		}
	}

	if v.Timer.Started() {
		st.MixingTimeTotal = seconds(v.Timer.Total)
		st.MixingTimeRemaining = seconds(v.Timer.Remaining)
	}

	if v.Prescan != nil && (v.State == StatePrescanning || v.State == StatePrescanComplete) {
		st.PrescanStatus = v.Prescan
	}

	return st
}

func liveStatus(v View, stage int, itemID string) LiveStatus {
	scanned := false
	if set, ok := v.Scans[stage]; ok {
		_, scanned = set[itemID]
	}

	switch v.State {
	case StateIdle, StatePrescanning, StatePrescanComplete:
		return LiveWaiting
	case StateProcessComplete:
		return LiveDone
	}

	switch {
	case stage < v.StepIndex:
		return LiveDone
	case stage > v.StepIndex:
		if scanned {
			return LiveScanned
		}
		return LiveWaiting
	}

	switch v.State {
	case StateMixing, StateWaitingForLidClose, StateWaitingForMotorStart:
		return LiveMixing
	case StateReadyToLoad:
		return LiveReadyToLoad
	case StateAborted:
		return LiveAborted
	}
	if scanned {
		return LiveScanned
	}
	return LiveWaiting
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

package kneader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/eventlog"
	"github.com/KevinKickass/OpenKneaderCore/internal/scan"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

// handlerFunc runs on the supervisor. async reports that the handler took
// over the reply and resolves it later.
type handlerFunc func(c *Controller, ctx context.Context, req *request) (resp Response, async bool)

var handlers map[string]handlerFunc

// Commands acted upon while the sequencer waits for scans; everything else
// gets the current status.
var waitingCommands = map[string]bool{
	"scan_item":        true,
	"abort":            true,
	"cancel":           true,
	"complete_abort":   true,
	"reset":            true,
	"reset_controller": true,
}

func init() {
	handlers = map[string]handlerFunc{
		"load_workorder":     (*Controller).handleLoad,
		"prescan_item":       (*Controller).handlePrescanItem,
		"confirm_start":      (*Controller).handleConfirmStart,
		"scan_item":          (*Controller).handleScanItem,
		"abort":              (*Controller).handleAbort,
		"resume":             (*Controller).handleResume,
		"complete_abort":     (*Controller).handleCompleteAbort,
		"cancel":             (*Controller).handleCancel,
		"reset":              (*Controller).handleReset,
		"reset_controller":   (*Controller).handleReset,
		"confirm_completion": (*Controller).handleConfirmCompletion,
		"save_workorder":     (*Controller).handleSaveWorkorder,
	}
}

func (c *Controller) handleLoad(ctx context.Context, req *request) (Response, bool) {
	if c.active != nil {
		return ack(AckFail, "Workorder already running"), false
	}

	c.clearRun()
	c.workorder = req.workorder
	if err := c.prescan.Initialize(req.workorder); err != nil {
		return ack(AckError, err.Error()), false
	}
	c.setState(StatePrescanning)

	c.logger.Info("Workorder loaded",
		zap.String("workorder_id", req.workorder.ID),
		zap.Int("steps", len(req.workorder.Steps)))
	c.journal.Log(eventlog.LevelInfo, fmt.Sprintf("Workorder loaded: %s", req.workorder.Name), c.project(), true)
	return c.project(), false
}

func (c *Controller) handlePrescanItem(ctx context.Context, req *request) (Response, bool) {
	if c.state != StatePrescanning && c.state != StatePrescanComplete {
		return ack(AckFail, fmt.Sprintf("Prescan not allowed in state %s", c.state)), false
	}
	if !c.prescan.Active() {
		return ack(AckError, "Prescan data not initialized"), false
	}

	barcode := req.cmd.Barcode()
	result, status := c.prescan.ScanItem(barcode)
	c.metrics.ObserveScan("prescan", string(result))

	var resp Ack
	switch result {
	case scan.ResultSuccess:
		resp = ack(AckSuccess, fmt.Sprintf("Item %s prescanned", c.prescan.Name(barcode)))
		c.journal.Log(eventlog.LevelInfo, "Item prescanned: "+barcode, status, false)
	case scan.ResultDuplicate:
		resp = ack(AckFail, "Item already prescanned")
		c.journal.Log(eventlog.LevelWarning, "Duplicate scan: "+barcode, status, false)
	default:
		resp = ack(AckError, "Item does not belong to this workorder")
		c.journal.Log(eventlog.LevelWarning, "Invalid item: "+barcode, status, false)
	}
	resp.Result = result
	resp.PrescanStatus = &status

	if status.AllScanned && c.state == StatePrescanning {
		c.setState(StatePrescanComplete)
		c.journal.Log(eventlog.LevelInfo, "All prescan items scanned - PRESCAN_COMPLETE", c.project(), true)
	}
	return resp, false
}

func (c *Controller) handleConfirmStart(ctx context.Context, req *request) (Response, bool) {
	if c.active != nil {
		return ack(AckFail, "Workorder already running"), false
	}
	if c.state != StatePrescanning && c.state != StatePrescanComplete {
		return ack(AckFail, fmt.Sprintf("Confirm not allowed in state %s", c.state)), false
	}
	if !c.prescan.AllScanned() {
		missing := c.prescan.Status().MissingCount
		return ack(AckFail, fmt.Sprintf("Prescanning incomplete - %d items missing", missing)), false
	}

	c.startRun(ctx)
	return ack(AckSuccess, fmt.Sprintf("Workorder %s started", c.workorder.ID)), false
}

func (c *Controller) startRun(ctx context.Context) {
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{
		id:        uuid.New(),
		workorder: c.workorder,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		pause:     NewPauseGate(),
		scans:     make(chan struct{}, 1),
		startedAt: time.Now().UTC(),
	}

	c.prescan.Close()
	c.tracker.Reset()
	c.timer.Reset()
	c.stepIndex = 0
	c.itemIndex = 0
	c.errMsg = ""
	c.motorAlert = false
	c.completed = nil
	c.setState(StateWaitingForItems)
	c.active = r

	c.logger.Info("Workorder run started",
		zap.String("run_id", r.id.String()),
		zap.String("workorder_id", r.workorder.ID))
	c.journal.Log(eventlog.LevelInfo, "Prescanning confirmed. Starting actual process now.", c.project(), true)

	go func() {
		defer close(r.done)
		r.err = c.process(r)
	}()
}

func (c *Controller) handleScanItem(ctx context.Context, req *request) (Response, bool) {
	r := c.active
	barcode := req.cmd.Barcode()

	switch {
	case r != nil && c.state == StateWaitingForItems:
		stage, _ := c.workorder.Stage(c.stepIndex)
		result := c.tracker.Scan(c.stepIndex, barcode, stage)
		c.metrics.ObserveScan("stage", string(result))

		switch result {
		case scan.ResultDuplicate:
			c.journal.Log(eventlog.LevelWarning, "Duplicate scan attempt: "+barcode, c.project(), false)
			return Ack{Status: AckFail, Message: "Item already scanned.", Result: result}, false
		case scan.ResultInvalid:
			c.journal.Log(eventlog.LevelWarning, "Invalid scan for this step: "+barcode, c.project(), false)
			return Ack{Status: AckFail, Message: "Scanned item does not belong to this step.", Result: result}, false
		}

		c.itemIndex = c.tracker.Count(c.stepIndex) - 1
		c.journal.Log(eventlog.LevelInfo, "Item scanned: "+barcode, c.project(), false)

		if c.tracker.IsFullyScanned(c.stepIndex, stage) {
			c.setState(StateReadyToLoad)
			c.journal.Log(eventlog.LevelInfo,
				fmt.Sprintf("All items scanned for Step %d, moving to lid close", c.stepIndex+1), c.project(), true)
			select {
			case r.scans <- struct{}{}:
			default:
			}
		}
		return Ack{Status: AckSuccess, Message: fmt.Sprintf("Item %s scanned.", itemName(stage, barcode)), Result: result}, false

	case r != nil && c.state == StateMixing:
		result, idx := c.tracker.ScanAhead(c.stepIndex, barcode, c.workorder)
		c.metrics.ObserveScan("early", string(result))

		switch result {
		case scan.ResultDuplicate:
			return Ack{Status: AckFail, Message: "Item already scanned.", Result: result}, false
		case scan.ResultInvalid:
			return Ack{Status: AckFail, Message: "Scanned item does not belong to the current or next step.", Result: result}, false
		}

		stage, _ := c.workorder.Stage(idx)
		c.journal.Log(eventlog.LevelInfo, fmt.Sprintf("Early scan for Step %d: %s", idx+1, barcode), c.project(), false)
		return Ack{Status: AckSuccess, Message: fmt.Sprintf("Item %s scanned for Step %d.", itemName(stage, barcode), idx+1), Result: result}, false
	}

	return ack(AckFail, fmt.Sprintf("Cannot scan in state %s", c.state)), false
}

func (c *Controller) handleAbort(ctx context.Context, req *request) (Response, bool) {
	r := c.active
	if !c.policy.CanAbort(c.state) || r == nil {
		c.journal.Log(eventlog.LevelWarning, fmt.Sprintf("Abort requested in state %s, ignored.", c.state), c.project(), true)
		return c.project(), false
	}

	wasMixing := c.state == StateMixing
	r.pause.Pause()
	if wasMixing {
		c.timer.Freeze(time.Now())
		c.errMsg = "Workorder paused by operator."
	}
	c.setState(StateAborted)

	if err := c.stopActuators(ctx); err != nil {
		c.failRun(r, "Failed to pause: "+err.Error(), err)
		return c.project(), false
	}

	c.journal.Log(eventlog.LevelInfo, "Workorder paused - motor stopped, lid opened, timer paused", c.project(), true)
	return c.project(), false
}

func (c *Controller) handleResume(ctx context.Context, req *request) (Response, bool) {
	r := c.active
	if c.state != StateAborted || r == nil {
		return ack(AckFail, "Cannot resume - not in ABORTED state"), false
	}
	if c.resuming {
		return ack(AckFail, "Resume already in progress"), false
	}

	// nothing left to mix: the run continues with scanning
	if !c.timer.Started() || c.timer.Remaining <= 0 {
		c.errMsg = ""
		c.setState(StateWaitingForItems)
		r.pause.Resume(false)
		c.journal.Log(eventlog.LevelInfo, "Process resumed, waiting for items", c.project(), true)
		return c.project(), false
	}

	c.resuming = true
	r.resume.Add(1)
	go func() {
		defer r.resume.Done()
		c.resumeMixing(r, req.reply)
	}()
	return nil, true
}

// resumeMixing re-establishes lid and motor outside the supervisor, then
// reopens the pause gate from a supervisor transition.
func (c *Controller) resumeMixing(r *run, rep *reply) {
	err := c.startActuators(r.ctx, nil)

	applyErr := c.apply(r, func() {
		c.resuming = false
		if err != nil {
			msg := "Resume failed: " + err.Error()
			if errors.Is(err, ErrMotorStartTimeout) {
				c.motorAlert = true
			}
			c.failRun(r, msg, err)
			c.publish()
			rep.resolve(ack(AckFail, msg))
			return
		}

		c.errMsg = ""
		c.timer.Resume(time.Now())
		c.setState(StateMixing)
		r.pause.Resume(true)
		c.journal.Log(eventlog.LevelInfo, "Process resumed successfully from ABORTED state", c.project(), true)
		c.publish()
		rep.resolve(c.Status())
	})
	if applyErr != nil {
		rep.resolve(c.Status())
	}
}

func (c *Controller) handleCompleteAbort(ctx context.Context, req *request) (Response, bool) {
	c.stopActiveRun(ErrRunCancelled)
	c.safeStop(ctx)
	c.clearRun()
	c.setState(StateIdle)
	c.journal.Log(eventlog.LevelWarning, "Workorder completely aborted, controller reset to IDLE", c.project(), true)
	return c.project(), false
}

func (c *Controller) handleCancel(ctx context.Context, req *request) (Response, bool) {
	if !c.policy.CanCancel(c.state) {
		c.journal.Log(eventlog.LevelWarning, fmt.Sprintf("Cancel requested in state %s, ignored.", c.state), c.project(), true)
		return c.project(), false
	}
	c.stopActiveRun(ErrRunCancelled)
	c.clearRun()
	c.setState(StateIdle)
	c.journal.Log(eventlog.LevelInfo, "Workorder cancelled", c.project(), true)
	return c.project(), false
}

func (c *Controller) handleReset(ctx context.Context, req *request) (Response, bool) {
	c.stopActiveRun(ErrRunCancelled)
	c.clearRun()
	c.setState(StateIdle)
	c.journal.Log(eventlog.LevelInfo, "Controller reset", c.project(), true)
	return c.project(), false
}

func (c *Controller) handleConfirmCompletion(ctx context.Context, req *request) (Response, bool) {
	if c.state == StateProcessComplete {
		c.clearRun()
		c.setState(StateIdle)
		c.journal.Log(eventlog.LevelInfo, "Completion confirmed", c.project(), true)
	}
	return c.project(), false
}

func (c *Controller) handleSaveWorkorder(ctx context.Context, req *request) (Response, bool) {
	if c.state != StateProcessComplete || c.completed == nil {
		return ack(AckFail, fmt.Sprintf("Save not allowed in state %s", c.state)), false
	}
	if c.store == nil {
		return ack(AckFail, "persistence not configured"), false
	}

	saveCtx, cancel := context.WithTimeout(ctx, c.cfg.ResponseTimeout/2)
	defer cancel()
	if err := c.store.SaveRun(saveCtx, c.completed); err != nil {
		c.logger.Error("Failed to save workorder run", zap.Error(err))
		return ack(AckError, fmt.Sprintf("Failed to save workorder: %v", err)), false
	}

	c.journal.Log(eventlog.LevelInfo, "Workorder saved", c.completed, true)
	return ack(AckSuccess, fmt.Sprintf("Workorder %s saved", c.completed.WorkorderID)), false
}

// emergencyStop is posted by the monitor with the time its lid reading
// started. Readings older than the last transition into MIXING are ignored.
func (c *Controller) emergencyStop(readAt time.Time) {
	r := c.active
	if c.state != StateMixing || r == nil || r.pause.Paused() || !c.timer.Running {
		return
	}
	if !c.sensors.lidOpen.Load() || readAt.Before(c.mixingSince) {
		return
	}
	c.declareEmergency(r)
}

func (c *Controller) declareEmergency(r *run) {
	c.logger.Error("Lid opened during mixing, emergency stop",
		zap.String("workorder_id", r.workorder.ID),
		zap.Int("step", c.stepIndex+1))
	c.journal.Log(eventlog.LevelCritical, "LID OPENED DURING MIXING! EMERGENCY STOP!", c.project(), true)
	c.failRun(r, ErrEmergencyLidOpen.Error(), ErrEmergencyLidOpen)
}

func itemName(stage workorder.Stage, id string) string {
	for _, it := range stage.Items {
		if it.ID == id {
			if it.Name != "" {
				return it.Name
			}
			break
		}
	}
	return id
}

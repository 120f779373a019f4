// Package kneader is the process controller of the kneader: it sequences
// workorder stages, drives lid and motor through the hardware interface and
// answers operator commands.
package kneader

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/eventlog"
	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
	"github.com/KevinKickass/OpenKneaderCore/internal/metrics"
	"github.com/KevinKickass/OpenKneaderCore/internal/scan"
	"github.com/KevinKickass/OpenKneaderCore/internal/types"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

// Journal receives structured status and event records.
type Journal interface {
	Log(level eventlog.Level, message string, data interface{}, isEvent bool)
}

// RunStore persists completed runs.
type RunStore interface {
	SaveRun(ctx context.Context, rec *types.RunRecord) error
}

type Options struct {
	Process config.ProcessConfig
	Tags    hardware.Tags
	Store   RunStore
}

// sensors holds the lid and motor flags. Only the monitor writes them.
type sensors struct {
	lidOpen      atomic.Bool
	motorRunning atomic.Bool
}

// run is the state of one started workorder.
type run struct {
	id        uuid.UUID
	workorder *workorder.WorkOrder
	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}
	resume    sync.WaitGroup
	err       error
	pause     *PauseGate
	scans     chan struct{}
	startedAt time.Time
	stages    []types.StageRecord
}

type Controller struct {
	logger  *zap.Logger
	hw      hardware.Interface
	journal Journal
	metrics *metrics.Metrics
	store   RunStore
	cfg     config.ProcessConfig
	tags    hardware.Tags
	policy  Policy

	gate    chan *request
	sensors sensors

	// owned by the supervisor goroutine
	state      ProcessState
	workorder  *workorder.WorkOrder
	stepIndex  int
	itemIndex  int
	errMsg     string
	motorAlert bool
	prescan    *scan.PrescanSession
	tracker    *scan.StageTracker
	timer      MixingTimer
	active     *run
	resuming   bool
	completed  *types.RunRecord

	mixingSince time.Time

	snapMu sync.RWMutex
	snap   Status

	subMu       sync.Mutex
	subscribers map[int]chan Status
	nextSub     int

	started atomic.Bool
}

func New(hw hardware.Interface, journal Journal, m *metrics.Metrics, logger *zap.Logger, opts Options) (*Controller, error) {
	policy, err := NewPolicy(opts.Process.Policy)
	if err != nil {
		return nil, fmt.Errorf("invalid command policy: %w", err)
	}
	if opts.Tags == (hardware.Tags{}) {
		opts.Tags = hardware.DefaultTags()
	}
	opts.Process = withDefaults(opts.Process)

	c := &Controller{
		logger:      logger,
		hw:          hw,
		journal:     journal,
		metrics:     m,
		store:       opts.Store,
		cfg:         opts.Process,
		tags:        opts.Tags,
		policy:      policy,
		gate:        make(chan *request, 64),
		state:       StateIdle,
		prescan:     scan.NewPrescanSession(),
		tracker:     scan.NewStageTracker(),
		subscribers: make(map[int]chan Status),
	}
	c.sensors.lidOpen.Store(true)
	c.publish()

	return c, nil
}

// withDefaults fills unset timings from the configuration defaults.
func withDefaults(p config.ProcessConfig) config.ProcessConfig {
	def := config.Default().Process
	fill := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	fill(&p.LidCloseTimeout, def.LidCloseTimeout)
	fill(&p.MotorStartTimeout, def.MotorStartTimeout)
	fill(&p.LidOpenTimeout, def.LidOpenTimeout)
	fill(&p.PollInterval, def.PollInterval)
	fill(&p.MonitorInterval, def.MonitorInterval)
	fill(&p.StatusLogInterval, def.StatusLogInterval)
	fill(&p.AbortedLogInterval, def.AbortedLogInterval)
	fill(&p.ProgressLogInterval, def.ProgressLogInterval)
	fill(&p.RemainingReportInterval, def.RemainingReportInterval)
	fill(&p.ResponseTimeout, def.ResponseTimeout)
	if p.CommandAttempts <= 0 {
		p.CommandAttempts = def.CommandAttempts
	}
	return p
}

// Run drives the supervisor, the hardware monitor and the status log until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already running")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.monitor(ctx)
	}()
	go func() {
		defer wg.Done()
		c.statusLog(ctx)
	}()

	c.logger.Info("Kneader controller started")
	c.journal.Log(eventlog.LevelInfo, "Kneader controller started", c.project(), true)

	for {
		var runDone <-chan struct{}
		if c.active != nil {
			runDone = c.active.done
		}

		select {
		case <-ctx.Done():
			c.stopActiveRun(ErrRunCancelled)
			wg.Wait()
			c.logger.Info("Kneader controller stopped")
			return nil

		case req := <-c.gate:
			c.dispatch(ctx, req)

		case <-runDone:
			c.finishRun(c.active)
		}

		c.publish()
	}
}

// Handle submits cmd and waits for its response. get_status and write are
// answered directly; every other command goes through the gate in FIFO order.
func (c *Controller) Handle(ctx context.Context, cmd Command) Response {
	switch cmd.Command {
	case "get_status":
		return c.Status()
	case "write":
		return c.write(ctx, cmd)
	case "load_workorder":
		wo, err := workorder.FromMap(cmd.Data)
		if err != nil {
			return ack(AckError, fmt.Sprintf("Invalid workorder: %v", err))
		}
		return c.enqueue(ctx, &request{cmd: cmd, workorder: wo})
	}

	if _, ok := handlers[cmd.Command]; !ok {
		return ack(AckError, fmt.Sprintf("Unknown command: %s", cmd.Command))
	}
	return c.enqueue(ctx, &request{cmd: cmd})
}

// LoadWorkOrder loads an already parsed workorder, as the recipe library does.
func (c *Controller) LoadWorkOrder(ctx context.Context, wo *workorder.WorkOrder) Response {
	return c.enqueue(ctx, &request{cmd: Command{Command: "load_workorder"}, workorder: wo})
}

func (c *Controller) enqueue(ctx context.Context, req *request) Response {
	req.reply = newReply()

	timeout := c.cfg.ResponseTimeout
	if req.cmd.Command == "resume" {
		timeout += c.cfg.LidCloseTimeout + c.cfg.MotorStartTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.submit(ctx, req); err != nil {
		return ack(AckFail, fmt.Sprintf("Timeout while queueing %s", req.cmd.Command))
	}

	select {
	case resp := <-req.reply.ch:
		return resp
	case <-ctx.Done():
		c.logger.Warn("Command response timeout", zap.String("command", req.cmd.Command))
		return ack(AckFail, fmt.Sprintf("Timeout while waiting for %s processing", req.cmd.Command))
	}
}

func (c *Controller) write(ctx context.Context, cmd Command) Response {
	if cmd.TagName == "" {
		return hardware.Result{Error: "tag_name is required"}
	}
	res, err := c.hw.Send(ctx, hardware.Write(cmd.TagName, cmd.Value))
	if err != nil {
		return hardware.Result{Error: fmt.Sprintf("Write command failed: %v", err)}
	}
	return res
}

// dispatch runs one request on the supervisor. Command replies are resolved
// exactly once, also when a handler panics.
func (c *Controller) dispatch(ctx context.Context, req *request) {
	if req.fn != nil {
		defer close(req.done)
		if req.run != nil && (req.run != c.active || req.run.ctx.Err() != nil) {
			return
		}
		req.fn()
		return
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Command handler panicked",
				zap.String("command", req.cmd.Command), zap.Any("panic", p))
			req.reply.resolve(ack(AckError, fmt.Sprintf("Internal error handling %s", req.cmd.Command)))
		}
	}()

	handler := handlers[req.cmd.Command]
	if c.state == StateWaitingForItems && !waitingCommands[req.cmd.Command] {
		req.reply.resolve(c.project())
		return
	}

	resp, async := handler(c, ctx, req)
	// publish first so a get_status after the reply sees the new state
	c.publish()
	if !async {
		req.reply.resolve(resp)
	}
}

// Status returns the latest snapshot with live sensor flags.
func (c *Controller) Status() Status {
	c.snapMu.RLock()
	st := c.snap
	c.snapMu.RUnlock()

	st.LidOpen = c.sensors.lidOpen.Load()
	st.MotorRunning = c.sensors.motorRunning.Load()
	return st
}

// Subscribe returns a channel receiving snapshots on every state change and
// status tick. Slow readers miss updates instead of blocking the controller.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
		c.subMu.Unlock()
	}
}

func (c *Controller) broadcast(st Status) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- st:
		default:
		}
	}
}

func (c *Controller) view() View {
	v := View{
		State:        c.state,
		WorkOrder:    c.workorder,
		StepIndex:    c.stepIndex,
		ItemIndex:    c.itemIndex,
		Scans:        c.tracker.Snapshot(),
		Timer:        c.timer,
		LidOpen:      c.sensors.lidOpen.Load(),
		MotorRunning: c.sensors.motorRunning.Load(),
		ErrorMessage: c.errMsg,
		MotorAlert:   c.motorAlert,
	}
	if c.prescan.Active() {
		ps := c.prescan.Status()
		v.Prescan = &ps
	}
	return v
}

// project must only be called on the supervisor.
func (c *Controller) project() Status {
	return Project(c.view())
}

func (c *Controller) publish() {
	st := c.project()

	c.snapMu.Lock()
	prev := c.snap
	c.snap = st
	c.snapMu.Unlock()

	if prev.ProcessState != st.ProcessState {
		c.metrics.SetState(string(st.ProcessState), stateNames())
	}
	if changed(prev, st) {
		c.broadcast(st)
	}
}

func changed(a, b Status) bool {
	a.LidOpen, a.MotorRunning = b.LidOpen, b.MotorRunning
	return !reflect.DeepEqual(a, b)
}

func (c *Controller) setState(s ProcessState) {
	if c.state == s {
		return
	}
	c.logger.Info("Process state changed",
		zap.String("from", string(c.state)),
		zap.String("to", string(s)))
	c.state = s
	if s == StateMixing {
		c.mixingSince = time.Now()
	}
}

// clearRun resets all run scoped data. The active run must already be stopped.
func (c *Controller) clearRun() {
	c.workorder = nil
	c.stepIndex = 0
	c.itemIndex = 0
	c.errMsg = ""
	c.motorAlert = false
	c.prescan.Close()
	c.tracker.Reset()
	c.timer.Reset()
	c.resuming = false
	c.completed = nil
}

// stopActiveRun cancels the active run and waits until its task returned.
func (c *Controller) stopActiveRun(cause error) {
	r := c.active
	if r == nil {
		return
	}
	r.cancel(cause)
	<-r.done
	r.resume.Wait()
	c.active = nil
	c.metrics.RunsTotal.WithLabelValues("cancelled").Inc()
	c.logger.Info("Workorder run stopped",
		zap.String("run_id", r.id.String()),
		zap.NamedError("cause", cause))
}

// failRun moves the controller to ERROR and cancels the run without waiting;
// finishRun collects the task once it has returned.
func (c *Controller) failRun(r *run, msg string, cause error) {
	c.errMsg = msg
	c.setState(StateError)
	c.journal.Log(eventlog.LevelError, "Work order processing failed: "+msg, c.project(), true)
	r.cancel(cause)
}

func (c *Controller) finishRun(r *run) {
	if r == nil || c.active != r {
		return
	}
	c.active = nil
	c.resuming = false
	r.cancel(nil)
	r.resume.Wait()

	if r.err == nil {
		c.timer.Reset()
		c.setState(StateProcessComplete)
		c.completed = &types.RunRecord{
			ID:            r.id,
			WorkorderID:   r.workorder.ID,
			WorkorderName: r.workorder.Name,
			StartedAt:     r.startedAt,
			CompletedAt:   time.Now().UTC(),
			Status:        string(StateProcessComplete),
			Stages:        r.stages,
		}
		c.metrics.RunsTotal.WithLabelValues("completed").Inc()
		c.logger.Info("Work order finished", zap.String("workorder_id", r.workorder.ID))
		c.journal.Log(eventlog.LevelInfo, "Work order has finished successfully.", c.project(), true)
		return
	}

	c.metrics.RunsTotal.WithLabelValues("failed").Inc()
	if errors.Is(r.err, ErrEmergencyLidOpen) {
		c.metrics.EmergencyStops.Inc()
	}
	if c.state != StateError {
		c.errMsg = r.err.Error()
		c.setState(StateError)
		c.journal.Log(eventlog.LevelError, "Work order processing failed: "+r.err.Error(), c.project(), true)
	}
	c.logger.Error("Work order failed",
		zap.String("workorder_id", r.workorder.ID),
		zap.Error(r.err))
}

package kneader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/eventlog"
	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
	"github.com/KevinKickass/OpenKneaderCore/internal/metrics"
	"github.com/KevinKickass/OpenKneaderCore/internal/simulator"
	"github.com/KevinKickass/OpenKneaderCore/internal/types"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

const waitTimeout = 5 * time.Second

type harness struct {
	c      *Controller
	sim    *simulator.Kneader
	events *observer.ObservedLogs
	ctx    context.Context
}

type memStore struct {
	mu   sync.Mutex
	runs []*types.RunRecord
	err  error
}

func (s *memStore) SaveRun(ctx context.Context, rec *types.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.runs = append(s.runs, rec)
	return nil
}

func fastProcess() config.ProcessConfig {
	return config.ProcessConfig{
		LidCloseTimeout:         300 * time.Millisecond,
		MotorStartTimeout:       300 * time.Millisecond,
		LidOpenTimeout:          200 * time.Millisecond,
		PollInterval:            5 * time.Millisecond,
		MonitorInterval:         10 * time.Millisecond,
		StatusLogInterval:       50 * time.Millisecond,
		AbortedLogInterval:      50 * time.Millisecond,
		ProgressLogInterval:     100 * time.Millisecond,
		RemainingReportInterval: 10 * time.Millisecond,
		GraceWindow:             20 * time.Millisecond,
		CommandAttempts:         3,
		RetryBackoff:            5 * time.Millisecond,
		ResponseTimeout:         2 * time.Second,
	}
}

func newHarness(t *testing.T, store RunStore, mutate func(*config.ProcessConfig)) *harness {
	t.Helper()
	return newHarnessWith(t, store, mutate, nil)
}

// newHarnessWith lets wrap put a transport in front of the simulator.
func newHarnessWith(t *testing.T, store RunStore, mutate func(*config.ProcessConfig), wrap func(hardware.Interface) hardware.Interface) *harness {
	t.Helper()

	proc := fastProcess()
	if mutate != nil {
		mutate(&proc)
	}

	sim := simulator.New(simulator.Options{LidDelay: 5 * time.Millisecond, MotorDelay: 5 * time.Millisecond})
	require.NoError(t, sim.Connect(context.Background()))

	core, events := observer.New(zapcore.DebugLevel)
	journal := eventlog.New(zap.NewNop(), zap.New(core), zaptest.NewLogger(t))

	var hw hardware.Interface = sim
	if wrap != nil {
		hw = wrap(sim)
	}

	c, err := New(hw, journal, metrics.New(), zaptest.NewLogger(t), Options{Process: proc, Store: store})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("controller did not stop")
		}
	})

	return &harness{c: c, sim: sim, events: events, ctx: ctx}
}

func testWorkOrder() *workorder.WorkOrder {
	return &workorder.WorkOrder{
		ID:   "WO-1",
		Name: "Brioche",
		Steps: []workorder.Stage{
			{MixTimeSec: 0.2, Items: []workorder.Item{{ID: "A", Name: "Flour"}, {ID: "B", Name: "Water"}}},
			{MixTimeSec: 0.1, Items: []workorder.Item{{ID: "C", Name: "Salt"}}},
		},
	}
}

func (h *harness) send(cmd string, data map[string]interface{}) Response {
	return h.c.Handle(h.ctx, Command{Command: cmd, Data: data})
}

func (h *harness) scan(cmd, barcode string) Response {
	return h.send(cmd, map[string]interface{}{"barcode": barcode})
}

func (h *harness) waitState(t *testing.T, s ProcessState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.Status().ProcessState == s },
		waitTimeout, 2*time.Millisecond, "never reached %s, last state %s", s, h.c.Status().ProcessState)
}

// startRun loads wo, prescans every item and confirms the start.
func (h *harness) startRun(t *testing.T, wo *workorder.WorkOrder) {
	t.Helper()
	st, ok := h.c.LoadWorkOrder(h.ctx, wo).(Status)
	require.True(t, ok)
	require.Equal(t, StatePrescanning, st.ProcessState)

	for _, stage := range wo.Steps {
		for _, it := range stage.Items {
			h.scan("prescan_item", it.ID)
		}
	}
	require.Equal(t, StatePrescanComplete, h.c.Status().ProcessState)

	resp := h.send("confirm_start", nil)
	require.Equal(t, AckSuccess, resp.(Ack).Status)
}

func TestController_FullRun(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, store, nil)
	wo := testWorkOrder()

	h.startRun(t, wo)
	h.waitState(t, StateWaitingForItems)

	resp := h.scan("scan_item", "A").(Ack)
	assert.Equal(t, AckSuccess, resp.Status)
	assert.Equal(t, "Item Flour scanned.", resp.Message)
	assert.Equal(t, 0, h.c.Status().CurrentItemIndex)

	resp = h.scan("scan_item", "B").(Ack)
	assert.Equal(t, AckSuccess, resp.Status)
	assert.Equal(t, 1, h.c.Status().CurrentItemIndex)

	h.waitState(t, StateMixing)
	st := h.c.Status()
	assert.Equal(t, 0, st.CurrentStepIndex)
	assert.Equal(t, 0.2, st.MixingTimeTotal)
	for _, it := range st.Steps[0].Items {
		assert.Equal(t, LiveMixing, it.LiveStatus)
	}

	// scan ahead for the next stage while mixing
	resp = h.scan("scan_item", "C").(Ack)
	assert.Equal(t, AckSuccess, resp.Status)
	assert.Equal(t, "Item Salt scanned for Step 2.", resp.Message)
	assert.Equal(t, LiveScanned, h.c.Status().Steps[1].Items[0].LiveStatus)

	// second stage was fully scanned early, so it runs without further scans
	h.waitState(t, StateProcessComplete)
	st = h.c.Status()
	assert.False(t, h.sim.MotorOn())
	assert.False(t, h.sim.LidClosed())
	assert.GreaterOrEqual(t, h.sim.MotorRunTime(), 250*time.Millisecond)
	for _, step := range st.Steps {
		for _, it := range step.Items {
			assert.Equal(t, LiveDone, it.LiveStatus)
		}
	}

	ack := h.send("save_workorder", nil).(Ack)
	assert.Equal(t, AckSuccess, ack.Status)
	require.Len(t, store.runs, 1)
	assert.Equal(t, "WO-1", store.runs[0].WorkorderID)
	assert.Len(t, store.runs[0].Stages, 2)

	st = h.send("confirm_completion", nil).(Status)
	assert.Equal(t, StateIdle, st.ProcessState)
	assert.Empty(t, st.WorkorderID)
}

func TestController_ActuatorWriteOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-2", Steps: []workorder.Stage{
		{MixTimeSec: 0.05, Items: []workorder.Item{{ID: "A"}}},
	}}

	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.waitState(t, StateProcessComplete)

	tags := hardware.DefaultTags()
	var got []string
	for _, w := range h.sim.Writes() {
		got = append(got, fmt.Sprintf("%s=%v", w.TagName, w.Value))
	}
	assert.Equal(t, []string{
		tags.LidControl + "=1",
		tags.MotorControl + "=1",
		tags.MotorControl + "=0",
		tags.LidControl + "=0",
	}, got)
}

func TestController_Prescan(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.c.LoadWorkOrder(h.ctx, testWorkOrder())

	resp := h.send("confirm_start", nil).(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Prescanning incomplete - 3 items missing", resp.Message)

	resp = h.scan("prescan_item", "A").(Ack)
	assert.Equal(t, AckSuccess, resp.Status)
	assert.Equal(t, "Item Flour prescanned", resp.Message)
	require.NotNil(t, resp.PrescanStatus)
	assert.Equal(t, 2, resp.PrescanStatus.MissingCount)

	resp = h.scan("prescan_item", "A").(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Item already prescanned", resp.Message)

	resp = h.scan("prescan_item", "Z").(Ack)
	assert.Equal(t, AckError, resp.Status)
	assert.Equal(t, "Item does not belong to this workorder", resp.Message)

	st := h.c.Status()
	assert.Equal(t, StatePrescanning, st.ProcessState)
	assert.False(t, st.PrescanComplete)
	require.NotNil(t, st.PrescanStatus)
	assert.Equal(t, 1, st.PrescanStatus.ScannedCount)

	h.scan("prescan_item", "B")
	h.scan("prescan_item", "C")
	st = h.c.Status()
	assert.Equal(t, StatePrescanComplete, st.ProcessState)
	assert.True(t, st.PrescanComplete)
}

func TestController_PrescanOutsidePrescanStates(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp := h.scan("prescan_item", "A").(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Prescan not allowed in state IDLE", resp.Message)

	resp = h.scan("scan_item", "A").(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Cannot scan in state IDLE", resp.Message)
}

func TestController_StageScanRejections(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startRun(t, testWorkOrder())
	h.waitState(t, StateWaitingForItems)

	resp := h.scan("scan_item", "C").(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Scanned item does not belong to this step.", resp.Message)

	h.scan("scan_item", "A")
	resp = h.scan("scan_item", "A").(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Item already scanned.", resp.Message)

	assert.Equal(t, StateWaitingForItems, h.c.Status().ProcessState)
}

func TestController_WaitingForItemsAnswersStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startRun(t, testWorkOrder())
	h.waitState(t, StateWaitingForItems)

	resp := h.send("confirm_completion", nil)
	st, ok := resp.(Status)
	require.True(t, ok)
	assert.Equal(t, StateWaitingForItems, st.ProcessState)

	resp = h.send("load_workorder", map[string]interface{}{
		"workorder_id": "WO-9",
		"steps":        []interface{}{map[string]interface{}{"mix_time_sec": 1, "items": []interface{}{}}},
	})
	st, ok = resp.(Status)
	require.True(t, ok)
	assert.Equal(t, "WO-1", st.WorkorderID)
}

func TestController_AbortAndResumeDuringMixing(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-3", Steps: []workorder.Stage{
		{MixTimeSec: 0.3, Items: []workorder.Item{{ID: "A"}}},
	}}

	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.waitState(t, StateMixing)
	time.Sleep(100 * time.Millisecond)

	st := h.send("abort", nil).(Status)
	assert.Equal(t, StateAborted, st.ProcessState)
	assert.Equal(t, "Workorder paused by operator.", st.ErrorMessage)
	remaining := st.MixingTimeRemaining
	assert.Greater(t, remaining, 0.0)
	assert.Less(t, remaining, 0.3)

	require.Eventually(t, func() bool { return !h.sim.MotorOn() && !h.sim.LidClosed() },
		waitTimeout, 2*time.Millisecond)

	// remaining time is frozen while aborted
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, remaining, h.c.Status().MixingTimeRemaining)
	assert.Equal(t, StateAborted, h.c.Status().ProcessState)

	st = h.send("resume", nil).(Status)
	assert.Equal(t, StateMixing, st.ProcessState)
	assert.Empty(t, st.ErrorMessage)

	h.waitState(t, StateProcessComplete)
	assert.InDelta(t, 0.3, h.sim.MotorRunTime().Seconds(), 0.1)
}

func TestController_ResumeOutsideAborted(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp := h.send("resume", nil).(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Cannot resume - not in ABORTED state", resp.Message)
}

func TestController_AbortWhileWaitingForItems(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startRun(t, testWorkOrder())
	h.waitState(t, StateWaitingForItems)

	st := h.send("abort", nil).(Status)
	assert.Equal(t, StateAborted, st.ProcessState)

	resp := h.scan("scan_item", "A").(Ack)
	assert.Equal(t, "Cannot scan in state ABORTED", resp.Message)

	st = h.send("resume", nil).(Status)
	assert.Equal(t, StateWaitingForItems, st.ProcessState)

	h.scan("scan_item", "A")
	h.scan("scan_item", "B")
	h.waitState(t, StateMixing)
}

func TestController_AbortIgnoredOutsidePolicy(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.c.LoadWorkOrder(h.ctx, testWorkOrder())

	st := h.send("abort", nil).(Status)
	assert.Equal(t, StatePrescanning, st.ProcessState)
}

func TestController_LidOpenDuringMixing(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-4", Steps: []workorder.Stage{
		{MixTimeSec: 5, Items: []workorder.Item{{ID: "A"}}},
	}}

	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.waitState(t, StateMixing)

	h.sim.ForceLidOpen()
	h.waitState(t, StateError)

	st := h.c.Status()
	assert.Equal(t, ErrEmergencyLidOpen.Error(), st.ErrorMessage)
	require.Eventually(t, func() bool { return !h.sim.MotorOn() }, waitTimeout, 2*time.Millisecond)

	critical := h.events.FilterMessage("LID OPENED DURING MIXING! EMERGENCY STOP!").All()
	assert.NotEmpty(t, critical)
}

func TestController_LidCloseTimeout(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.sim.JamLid(true)

	h.startRun(t, testWorkOrder())
	h.scan("scan_item", "A")
	h.scan("scan_item", "B")

	h.waitState(t, StateError)
	assert.Equal(t, ErrLidTimeout.Error(), h.c.Status().ErrorMessage)
	assert.False(t, h.c.Status().MotorStartFailedAlert)
}

func TestController_MotorStartTimeout(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.sim.JamMotor(true)

	h.startRun(t, testWorkOrder())
	h.scan("scan_item", "A")
	h.scan("scan_item", "B")

	h.waitState(t, StateError)
	st := h.c.Status()
	assert.Equal(t, ErrMotorStartTimeout.Error(), st.ErrorMessage)
	assert.True(t, st.MotorStartFailedAlert)
}

func TestController_WriteRetry(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-5", Steps: []workorder.Stage{
		{MixTimeSec: 0.05, Items: []workorder.Item{{ID: "A"}}},
	}}

	h.startRun(t, wo)
	h.sim.FailNextWrites(2)
	h.scan("scan_item", "A")
	h.waitState(t, StateProcessComplete)
}

func TestController_WriteRetryExhausted(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startRun(t, testWorkOrder())

	h.sim.FailNextWrites(3)
	h.scan("scan_item", "A")
	h.scan("scan_item", "B")

	h.waitState(t, StateError)
	assert.Contains(t, h.c.Status().ErrorMessage, ErrHardwareCommand.Error())
}

func TestController_ResetDuringMixingStopsMotor(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-6", Steps: []workorder.Stage{
		{MixTimeSec: 5, Items: []workorder.Item{{ID: "A"}}},
	}}

	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.waitState(t, StateMixing)

	st := h.send("reset", nil).(Status)
	assert.Equal(t, StateIdle, st.ProcessState)
	assert.Empty(t, st.WorkorderID)

	require.Eventually(t, func() bool { return !h.sim.MotorOn() }, waitTimeout, 2*time.Millisecond)
}

func TestController_CompleteAbort(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-7", Steps: []workorder.Stage{
		{MixTimeSec: 5, Items: []workorder.Item{{ID: "A"}}},
	}}

	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.waitState(t, StateMixing)
	h.send("abort", nil)

	st := h.send("complete_abort", nil).(Status)
	assert.Equal(t, StateIdle, st.ProcessState)
	assert.Empty(t, st.ErrorMessage)
	assert.False(t, h.sim.MotorOn())
}

func TestController_CancelRespectsPolicy(t *testing.T) {
	h := newHarness(t, nil, func(p *config.ProcessConfig) {
		p.Policy = config.PolicyConfig{Abort: []string{"MIXING"}, Cancel: []string{"PRESCANNING"}}
	})

	h.c.LoadWorkOrder(h.ctx, testWorkOrder())
	h.scan("prescan_item", "A")
	h.scan("prescan_item", "B")
	h.scan("prescan_item", "C")

	st := h.send("cancel", nil).(Status)
	assert.Equal(t, StatePrescanComplete, st.ProcessState)

	h.c.LoadWorkOrder(h.ctx, testWorkOrder())
	st = h.send("cancel", nil).(Status)
	assert.Equal(t, StateIdle, st.ProcessState)
}

func TestController_LoadRefusedWhileRunning(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-8", Steps: []workorder.Stage{
		{MixTimeSec: 5, Items: []workorder.Item{{ID: "A"}}},
	}}
	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.waitState(t, StateMixing)

	resp := h.c.LoadWorkOrder(h.ctx, testWorkOrder()).(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "WO-8", h.c.Status().WorkorderID)
}

func TestController_SaveWorkorder(t *testing.T) {
	t.Run("not complete", func(t *testing.T) {
		h := newHarness(t, &memStore{}, nil)
		resp := h.send("save_workorder", nil).(Ack)
		assert.Equal(t, AckFail, resp.Status)
	})

	t.Run("no store", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		wo := &workorder.WorkOrder{ID: "WO-S", Steps: []workorder.Stage{{MixTimeSec: 0, Items: []workorder.Item{{ID: "A"}}}}}
		h.startRun(t, wo)
		h.scan("scan_item", "A")
		h.waitState(t, StateProcessComplete)

		resp := h.send("save_workorder", nil).(Ack)
		assert.Equal(t, AckFail, resp.Status)
		assert.Equal(t, "persistence not configured", resp.Message)
	})

	t.Run("store error", func(t *testing.T) {
		h := newHarness(t, &memStore{err: errors.New("db down")}, nil)
		wo := &workorder.WorkOrder{ID: "WO-S", Steps: []workorder.Stage{{MixTimeSec: 0, Items: []workorder.Item{{ID: "A"}}}}}
		h.startRun(t, wo)
		h.scan("scan_item", "A")
		h.waitState(t, StateProcessComplete)

		resp := h.send("save_workorder", nil).(Ack)
		assert.Equal(t, AckError, resp.Status)
		assert.Contains(t, resp.Message, "db down")
	})
}

func TestController_DirectCommands(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp := h.send("bogus", nil).(Ack)
	assert.Equal(t, AckError, resp.Status)
	assert.Equal(t, "Unknown command: bogus", resp.Message)

	resp = h.send("load_workorder", map[string]interface{}{"name": "missing id"}).(Ack)
	assert.Equal(t, AckError, resp.Status)
	assert.Contains(t, resp.Message, "Invalid workorder")

	tags := hardware.DefaultTags()
	res := h.c.Handle(h.ctx, Command{Command: "write", TagName: tags.LidControl, Value: 1}).(hardware.Result)
	assert.Empty(t, res.Error)
	require.Eventually(t, h.sim.LidClosed, waitTimeout, 2*time.Millisecond)

	h.sim.Disconnect()
	res = h.c.Handle(h.ctx, Command{Command: "write", TagName: tags.LidControl, Value: 0}).(hardware.Result)
	assert.Contains(t, res.Error, "Write command failed")

	st := h.send("get_status", nil).(Status)
	assert.Equal(t, StateIdle, st.ProcessState)
}

func TestController_EveryCommandAnsweredOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.c.LoadWorkOrder(h.ctx, testWorkOrder())

	commands := []string{"prescan_item", "scan_item", "abort", "resume", "cancel", "confirm_completion", "get_status", "bogus"}

	var wg sync.WaitGroup
	responses := make(chan Response, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses <- h.scan(commands[i%len(commands)], "A")
		}(i)
	}
	wg.Wait()
	close(responses)

	n := 0
	for resp := range responses {
		assert.NotNil(t, resp)
		n++
	}
	assert.Equal(t, 200, n)
}

func TestController_SubscribeReceivesChanges(t *testing.T) {
	h := newHarness(t, nil, nil)
	updates, cancel := h.c.Subscribe()
	defer cancel()

	h.c.LoadWorkOrder(h.ctx, testWorkOrder())

	require.Eventually(t, func() bool {
		select {
		case st := <-updates:
			return st.ProcessState == StatePrescanning
		default:
			return false
		}
	}, waitTimeout, 2*time.Millisecond)
}

func TestController_RunTwice(t *testing.T) {
	h := newHarness(t, nil, nil)
	// the harness already started Run
	require.Eventually(t, func() bool { return h.c.started.Load() }, waitTimeout, time.Millisecond)
	assert.Error(t, h.c.Run(h.ctx))
}

func TestController_EarlyScanSharedBarcode(t *testing.T) {
	h := newHarness(t, nil, nil)
	wo := &workorder.WorkOrder{ID: "WO-12", Steps: []workorder.Stage{
		{MixTimeSec: 0.5, Items: []workorder.Item{{ID: "A"}, {ID: "B"}}},
		{MixTimeSec: 0.1, Items: []workorder.Item{{ID: "A"}, {ID: "C"}}},
	}}

	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.scan("scan_item", "B")
	h.waitState(t, StateMixing)

	resp := h.scan("scan_item", "A").(Ack)
	assert.Equal(t, AckSuccess, resp.Status, resp.Message)
	assert.Contains(t, resp.Message, "Step 2")

	resp = h.scan("scan_item", "A").(Ack)
	assert.Equal(t, AckFail, resp.Status)
	assert.Equal(t, "Item already scanned.", resp.Message)

	st := h.c.Status()
	assert.Equal(t, LiveScanned, st.Steps[1].Items[0].LiveStatus)
	assert.Equal(t, LiveWaiting, st.Steps[1].Items[1].LiveStatus)

	h.scan("scan_item", "C")
	h.waitState(t, StateProcessComplete)
}

// holdingHW parks the first lid close write after arm until release is closed.
type holdingHW struct {
	hardware.Interface
	tag     string
	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func (hw *holdingHW) Send(ctx context.Context, cmd hardware.Command) (hardware.Result, error) {
	if cmd.Action == hardware.ActionWrite && cmd.TagName == hw.tag && hardware.Truthy(cmd.Value) &&
		hw.armed.CompareAndSwap(true, false) {
		close(hw.held)
		<-hw.release
	}
	return hw.Interface.Send(ctx, cmd)
}

func TestController_CompleteAbortWaitsForResume(t *testing.T) {
	hold := &holdingHW{
		tag:     hardware.DefaultTags().LidControl,
		held:    make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarnessWith(t, nil, nil, func(inner hardware.Interface) hardware.Interface {
		hold.Interface = inner
		return hold
	})
	wo := &workorder.WorkOrder{ID: "WO-13", Steps: []workorder.Stage{
		{MixTimeSec: 5, Items: []workorder.Item{{ID: "A"}}},
	}}

	h.startRun(t, wo)
	h.scan("scan_item", "A")
	h.waitState(t, StateMixing)
	h.send("abort", nil)
	require.Eventually(t, func() bool { return !h.sim.MotorOn() && !h.sim.LidClosed() },
		waitTimeout, 2*time.Millisecond)

	hold.armed.Store(true)
	go h.send("resume", nil)
	select {
	case <-hold.held:
	case <-time.After(waitTimeout):
		t.Fatal("resume never closed the lid")
	}

	done := make(chan Response, 1)
	go func() { done <- h.send("complete_abort", nil) }()

	select {
	case <-done:
		t.Fatal("complete_abort returned while the resume was still actuating")
	case <-time.After(50 * time.Millisecond):
	}
	close(hold.release)

	var st Status
	select {
	case resp := <-done:
		st = resp.(Status)
	case <-time.After(waitTimeout):
		t.Fatal("complete_abort did not return")
	}
	assert.Equal(t, StateIdle, st.ProcessState)

	// the late lid write lands before the safe stop, nothing follows it
	writes := h.sim.Writes()
	require.NotEmpty(t, writes)
	for _, w := range writes[len(writes)-2:] {
		assert.False(t, hardware.Truthy(w.Value), "%s", w.TagName)
	}
	motorOn := 0
	for _, w := range writes {
		if w.TagName == hardware.DefaultTags().MotorControl && hardware.Truthy(w.Value) {
			motorOn++
		}
	}
	assert.Equal(t, 1, motorOn, "motor was restarted by the cancelled resume")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, h.sim.MotorOn())
	assert.False(t, h.sim.LidClosed())
	assert.Equal(t, StateIdle, h.c.Status().ProcessState)
}

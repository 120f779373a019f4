package kneader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

func threeStageOrder() *workorder.WorkOrder {
	return &workorder.WorkOrder{
		ID:   "WO-P",
		Name: "Projection",
		Steps: []workorder.Stage{
			{MixTimeSec: 10, Items: []workorder.Item{{ID: "A", Name: "Flour"}}},
			{MixTimeSec: 20, Items: []workorder.Item{{ID: "B", Name: "Water"}, {ID: "C", Name: "Yeast"}}},
			{MixTimeSec: 30, Items: []workorder.Item{{ID: "D", Name: "Salt"}}},
		},
	}
}

func TestProject_Empty(t *testing.T) {
	st := Project(View{})

	assert.Equal(t, StateIdle, st.ProcessState)
	assert.NotNil(t, st.Steps)
	assert.Empty(t, st.Steps)
	assert.False(t, st.PrescanComplete)
	assert.Nil(t, st.PrescanStatus)
}

func TestProject_LiveStatus(t *testing.T) {
	scans := map[int]map[string]struct{}{
		1: {"B": {}},
		2: {"D": {}},
	}

	tests := []struct {
		name  string
		state ProcessState
		step  int
		want  [][]LiveStatus
	}{
		{
			name:  "prescanning",
			state: StatePrescanning,
			step:  1,
			want:  [][]LiveStatus{{LiveWaiting}, {LiveWaiting, LiveWaiting}, {LiveWaiting}},
		},
		{
			name:  "waiting for items",
			state: StateWaitingForItems,
			step:  1,
			want:  [][]LiveStatus{{LiveDone}, {LiveScanned, LiveWaiting}, {LiveScanned}},
		},
		{
			name:  "ready to load",
			state: StateReadyToLoad,
			step:  1,
			want:  [][]LiveStatus{{LiveDone}, {LiveReadyToLoad, LiveReadyToLoad}, {LiveScanned}},
		},
		{
			name:  "mixing",
			state: StateMixing,
			step:  1,
			want:  [][]LiveStatus{{LiveDone}, {LiveMixing, LiveMixing}, {LiveScanned}},
		},
		{
			name:  "waiting for lid",
			state: StateWaitingForLidClose,
			step:  1,
			want:  [][]LiveStatus{{LiveDone}, {LiveMixing, LiveMixing}, {LiveScanned}},
		},
		{
			name:  "aborted",
			state: StateAborted,
			step:  1,
			want:  [][]LiveStatus{{LiveDone}, {LiveAborted, LiveAborted}, {LiveScanned}},
		},
		{
			name:  "error keeps scan marks",
			state: StateError,
			step:  1,
			want:  [][]LiveStatus{{LiveDone}, {LiveScanned, LiveWaiting}, {LiveScanned}},
		},
		{
			name:  "complete",
			state: StateProcessComplete,
			step:  2,
			want:  [][]LiveStatus{{LiveDone}, {LiveDone, LiveDone}, {LiveDone}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Project(View{
				State:     tt.state,
				WorkOrder: threeStageOrder(),
				StepIndex: tt.step,
				Scans:     scans,
			})

			require.Len(t, st.Steps, len(tt.want))
			for i, step := range st.Steps {
				got := make([]LiveStatus, len(step.Items))
				for j, it := range step.Items {
					got[j] = it.LiveStatus
				}
				assert.Equal(t, tt.want[i], got, "step %d", i)
			}
		})
	}
}

func TestProject_Fields(t *testing.T) {
	var timer MixingTimer
	now := time.Now()
	timer.Start(20*time.Second, now)
	timer.Tick(now.Add(7260 * time.Millisecond))

	st := Project(View{
		State:        StateMixing,
		WorkOrder:    threeStageOrder(),
		StepIndex:    1,
		ItemIndex:    1,
		Timer:        timer,
		LidOpen:      false,
		MotorRunning: true,
	})

	assert.Equal(t, "WO-P", st.WorkorderID)
	assert.Equal(t, "Projection", st.WorkorderName)
	assert.Equal(t, 3, st.TotalSteps)
	assert.Equal(t, 1, st.CurrentStepIndex)
	assert.Equal(t, 1, st.CurrentItemIndex)
	assert.Equal(t, 20.0, st.MixingTimeTotal)
	assert.Equal(t, 12.7, st.MixingTimeRemaining)
	assert.True(t, st.MotorRunning)
	assert.True(t, st.PrescanComplete)
	assert.Equal(t, 20.0, st.Steps[1].MixTimeSec)
	assert.Equal(t, "Yeast", st.Steps[1].Items[1].Name)
}

func TestMixingTimer_PauseResume(t *testing.T) {
	var timer MixingTimer
	start := time.Now()

	timer.Start(60*time.Second, start)
	assert.True(t, timer.Started())
	assert.Equal(t, start.Add(60*time.Second), timer.EndTime())

	timer.Freeze(start.Add(20 * time.Second))
	assert.False(t, timer.Running)
	assert.Equal(t, 40*time.Second, timer.Remaining)

	// time spent paused does not count
	timer.Tick(start.Add(50 * time.Second))
	assert.Equal(t, 40*time.Second, timer.Remaining)

	resumedAt := start.Add(90 * time.Second)
	timer.Resume(resumedAt)
	assert.Equal(t, resumedAt.Add(40*time.Second), timer.EndTime())
	assert.Equal(t, 60*time.Second, timer.Total)

	timer.Tick(resumedAt.Add(50 * time.Second))
	assert.Equal(t, time.Duration(0), timer.Remaining)

	timer.Finish()
	assert.True(t, timer.Started())
	timer.Reset()
	assert.False(t, timer.Started())
}

func TestPauseGate(t *testing.T) {
	g := NewPauseGate()
	require.NoError(t, g.Wait(context.Background()))
	assert.False(t, g.Paused())

	g.Pause()
	g.Pause()
	assert.True(t, g.Paused())
	assert.Equal(t, uint64(2), g.Epoch())

	ctx, cancel := context.WithCancelCause(context.Background())
	errStop := errors.New("stop")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(errStop)
	}()
	assert.ErrorIs(t, g.Wait(ctx), errStop)

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	g.Resume(true)
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait not released by Resume")
	}

	assert.True(t, g.TakeResumed())
	assert.False(t, g.TakeResumed())
}

func TestPolicy(t *testing.T) {
	p, err := NewPolicy(config.PolicyConfig{})
	require.NoError(t, err)
	assert.True(t, p.CanAbort(StateMixing))
	assert.False(t, p.CanAbort(StatePrescanning))
	assert.True(t, p.CanCancel(StatePrescanComplete))
	assert.False(t, p.CanCancel(StateMixing))

	p, err = NewPolicy(config.PolicyConfig{Abort: []string{"READY_TO_LOAD"}, Cancel: []string{"ERROR"}})
	require.NoError(t, err)
	assert.False(t, p.CanAbort(StateMixing))
	assert.True(t, p.CanAbort(StateReadyToLoad))
	assert.True(t, p.CanCancel(StateError))

	_, err = NewPolicy(config.PolicyConfig{Abort: []string{"IDLE"}})
	assert.Error(t, err)

	_, err = NewPolicy(config.PolicyConfig{Cancel: []string{"SLEEPING"}})
	assert.Error(t, err)
}

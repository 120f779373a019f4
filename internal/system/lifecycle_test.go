package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Server.HMIAddress = "127.0.0.1:0"
	cfg.Server.HTTPPort = 0
	cfg.Server.GRPCPort = 0
	cfg.Hardware.Driver = "simulator"
	cfg.Hardware.Timeout = time.Second
	cfg.Hardware.Simulation.ActuationDelay = 0
	cfg.Logging.StatusLogFile = filepath.Join(dir, "status.json")
	cfg.Logging.EventLogFile = filepath.Join(dir, "events.json")
	cfg.Workorders.SearchPaths = []string{dir}
	return cfg
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateError, StateStopping, true},
		{StateStopped, StateRunning, false},
		{StateRunning, StateInitializing, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewHardware(t *testing.T) {
	tags := tagsFromConfig(config.TagNames{LidStatus: "rd_lid"})
	assert.Equal(t, "rd_lid", tags.LidStatus)
	assert.Equal(t, "wr_motor_control_kn1", tags.MotorControl)

	_, err := newHardware(config.HardwareConfig{Driver: "serial"}, tags)
	assert.ErrorContains(t, err, "unknown hardware driver")

	_, err = newHardware(config.HardwareConfig{Driver: "modbus", UnitID: 300}, tags)
	assert.ErrorContains(t, err, "unit id")

	hw, err := newHardware(config.HardwareConfig{Driver: "modbus", Address: "127.0.0.1:5020", UnitID: 1, Timeout: time.Second}, tags)
	require.NoError(t, err)
	assert.False(t, hw.IsConnected())
}

func TestLifecycle_StartAndShutdown(t *testing.T) {
	lm, err := NewLifecycleManager(nil, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, lm.Start())

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, kneader.StateIdle, status.ProcessState)
	assert.Equal(t, "simulator", status.HardwareDriver)
	assert.True(t, status.HardwareConnected)
	assert.False(t, status.PersistenceEnabled)

	resp := lm.Controller().Handle(context.Background(), kneader.Command{Command: "save_workorder"})
	ack, ok := resp.(kneader.Ack)
	require.True(t, ok)
	assert.Equal(t, kneader.AckFail, ack.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(ctx))
	assert.Equal(t, "STOPPED", lm.GetCurrentStatus().State)

	// second shutdown is a no-op
	assert.NoError(t, lm.Shutdown(ctx))
}

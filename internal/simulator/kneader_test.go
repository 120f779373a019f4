package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
)

func TestKneaderActuation(t *testing.T) {
	ctx := context.Background()
	tags := hardware.DefaultTags()
	k := New(Options{LidDelay: 10 * time.Millisecond, MotorDelay: 10 * time.Millisecond})

	_, err := k.Send(ctx, hardware.Read(tags.LidStatus))
	assert.ErrorIs(t, err, hardware.ErrDisconnected)

	require.NoError(t, k.Connect(ctx))

	res, err := k.Send(ctx, hardware.Read(tags.LidStatus))
	require.NoError(t, err)
	assert.Equal(t, false, res.Value)

	res, err = k.Send(ctx, hardware.Write(tags.LidControl, 1))
	require.NoError(t, err)
	assert.NoError(t, res.Err())
	assert.Eventually(t, k.LidClosed, time.Second, 5*time.Millisecond)

	_, err = k.Send(ctx, hardware.Write(tags.MotorControl, 1))
	require.NoError(t, err)
	assert.Eventually(t, k.MotorOn, time.Second, 5*time.Millisecond)

	res, err = k.Send(ctx, hardware.Read(tags.MotorStatus))
	require.NoError(t, err)
	assert.True(t, hardware.Truthy(res.Value))

	time.Sleep(20 * time.Millisecond)
	_, err = k.Send(ctx, hardware.Write(tags.MotorControl, 0))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !k.MotorOn() }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, k.MotorRunTime(), 20*time.Millisecond)

	assert.Len(t, k.Writes(), 3)
}

func TestKneaderFaults(t *testing.T) {
	ctx := context.Background()
	tags := hardware.DefaultTags()
	k := New(Options{})
	require.NoError(t, k.Connect(ctx))

	k.FailNextWrites(1)
	res, err := k.Send(ctx, hardware.Write(tags.LidControl, 1))
	require.NoError(t, err)
	assert.Error(t, res.Err())

	res, _ = k.Send(ctx, hardware.Write(tags.LidControl, 1))
	assert.NoError(t, res.Err())
	assert.True(t, k.LidClosed())

	k.ForceLidOpen()
	assert.False(t, k.LidClosed())

	k.JamMotor(true)
	k.Send(ctx, hardware.Write(tags.MotorControl, 1))
	assert.False(t, k.MotorOn())

	res, _ = k.Send(ctx, hardware.Read("nope"))
	assert.Error(t, res.Err())

	k.Disconnect()
	k.RefuseConnect(true)
	assert.ErrorIs(t, k.Connect(ctx), ErrConnectRefused)
}

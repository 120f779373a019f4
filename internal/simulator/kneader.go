// Package simulator provides an in-memory kneader microcontroller.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
)

var ErrConnectRefused = errors.New("simulator refused connection")

type Options struct {
	Tags       hardware.Tags
	LidDelay   time.Duration
	MotorDelay time.Duration
}

// Kneader follows lid and motor control writes after an actuation delay.
// The lid starts open and the motor stopped.
type Kneader struct {
	mu   sync.Mutex
	tags hardware.Tags

	lidDelay   time.Duration
	motorDelay time.Duration

	connected bool
	lidClosed bool
	motorOn   bool

	lidGen   uint64
	motorGen uint64

	motorSince time.Time
	motorTotal time.Duration

	// injected faults
	failWrites    int
	refuseConnect bool
	motorJammed   bool
	lidJammed     bool
	delayReplies  time.Duration

	writes []hardware.Command
}

func New(opts Options) *Kneader {
	if opts.Tags == (hardware.Tags{}) {
		opts.Tags = hardware.DefaultTags()
	}
	return &Kneader{
		tags:       opts.Tags,
		lidDelay:   opts.LidDelay,
		motorDelay: opts.MotorDelay,
	}
}

func (k *Kneader) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.refuseConnect {
		return ErrConnectRefused
	}
	k.connected = true
	return nil
}

func (k *Kneader) IsConnected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connected
}

func (k *Kneader) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.connected = false
	return nil
}

func (k *Kneader) Send(ctx context.Context, cmd hardware.Command) (hardware.Result, error) {
	k.mu.Lock()
	delay := k.delayReplies
	k.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return hardware.Result{}, ctx.Err()
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.connected {
		return hardware.Result{}, hardware.ErrDisconnected
	}

	switch cmd.Action {
	case hardware.ActionRead:
		switch cmd.TagName {
		case k.tags.LidStatus:
			return hardware.Result{Value: k.lidClosed}, nil
		case k.tags.MotorStatus:
			return hardware.Result{Value: k.motorOn}, nil
		}
		return hardware.Result{Error: fmt.Sprintf("invalid register %s for read", cmd.TagName)}, nil

	case hardware.ActionWrite:
		if k.failWrites > 0 {
			k.failWrites--
			return hardware.Result{Error: "write rejected"}, nil
		}
		on := hardware.Truthy(cmd.Value)
		switch cmd.TagName {
		case k.tags.LidControl:
			k.writes = append(k.writes, cmd)
			k.lidGen++
			k.schedule(k.lidDelay, k.lidGen, func(gen uint64) {
				if gen == k.lidGen && !k.lidJammed {
					k.lidClosed = on
				}
			})
			return hardware.Result{Value: on}, nil
		case k.tags.MotorControl:
			k.writes = append(k.writes, cmd)
			k.motorGen++
			k.schedule(k.motorDelay, k.motorGen, func(gen uint64) {
				if gen == k.motorGen && !(on && k.motorJammed) {
					k.setMotor(on)
				}
			})
			return hardware.Result{Value: on}, nil
		}
		return hardware.Result{Error: fmt.Sprintf("invalid register %s for write", cmd.TagName)}, nil
	}

	return hardware.Result{Error: "unknown command"}, nil
}

// schedule runs apply under the lock after delay. Must be called with k.mu held.
func (k *Kneader) schedule(delay time.Duration, gen uint64, apply func(gen uint64)) {
	if delay <= 0 {
		apply(gen)
		return
	}
	time.AfterFunc(delay, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		apply(gen)
	})
}

func (k *Kneader) setMotor(on bool) {
	if on == k.motorOn {
		return
	}
	if on {
		k.motorSince = time.Now()
	} else {
		k.motorTotal += time.Since(k.motorSince)
	}
	k.motorOn = on
}

// ForceLidOpen simulates the lid being lifted by hand.
func (k *Kneader) ForceLidOpen() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lidGen++
	k.lidClosed = false
}

func (k *Kneader) ForceLidClosed() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lidGen++
	k.lidClosed = true
}

// FailNextWrites makes the next n writes answer with a device rejection.
func (k *Kneader) FailNextWrites(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failWrites = n
}

func (k *Kneader) JamMotor(jammed bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.motorJammed = jammed
}

func (k *Kneader) JamLid(jammed bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lidJammed = jammed
}

func (k *Kneader) RefuseConnect(refuse bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.refuseConnect = refuse
}

func (k *Kneader) DelayReplies(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.delayReplies = d
}

// Disconnect drops the link as if the gateway went away.
func (k *Kneader) Disconnect() {
	_ = k.Close()
}

func (k *Kneader) LidClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lidClosed
}

func (k *Kneader) MotorOn() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.motorOn
}

// MotorRunTime is the accumulated time the motor has been running.
func (k *Kneader) MotorRunTime() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	total := k.motorTotal
	if k.motorOn {
		total += time.Since(k.motorSince)
	}
	return total
}

// Writes returns the accepted control writes in order.
func (k *Kneader) Writes() []hardware.Command {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]hardware.Command(nil), k.writes...)
}

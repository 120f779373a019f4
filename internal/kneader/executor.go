package kneader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/eventlog"
	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

var errWaitTimeout = errors.New("timed out waiting for tag")

// cycle closes the lid, starts the motor, mixes for the stage's time and
// opens the kneader again.
func (c *Controller) cycle(r *run, i int, stage workorder.Stage) (err error) {
	defer func() {
		if err != nil {
			c.safeStop(r.ctx)
		}
	}()

	err = c.startActuators(r.ctx, func() error {
		return c.apply(r, func() { c.setState(StateWaitingForMotorStart) })
	})
	if err != nil {
		if errors.Is(err, ErrMotorStartTimeout) {
			_ = c.apply(r, func() { c.motorAlert = true })
		}
		return err
	}

	var end time.Time
	err = c.apply(r, func() {
		c.timer.Start(stage.MixDuration(), time.Now())
		end = c.timer.EndTime()
		c.setState(StateMixing)
		c.journal.Log(eventlog.LevelInfo, fmt.Sprintf("Mixing started for Step %d", i+1), c.project(), true)
	})
	if err != nil {
		return err
	}

	lastReport, lastProgress := time.Now(), time.Now()
	for {
		if err := r.pause.Wait(r.ctx); err != nil {
			return err
		}
		if r.pause.TakeResumed() {
			if err := c.apply(r, func() { end = c.timer.EndTime() }); err != nil {
				return err
			}
		}

		now := time.Now()
		if !now.Before(end) {
			break
		}

		if c.sensors.lidOpen.Load() && !r.pause.Paused() && c.lidConfirmedOpen(r.ctx) {
			return c.lidEmergency(r)
		}

		if now.Sub(lastReport) >= c.cfg.RemainingReportInterval {
			if err := c.apply(r, func() { c.timer.Tick(time.Now()) }); err != nil {
				return err
			}
			lastReport = now
		}
		if now.Sub(lastProgress) >= c.cfg.ProgressLogInterval {
			c.logger.Info("Mixing in progress",
				zap.Int("step", i+1),
				zap.Duration("remaining", end.Sub(now).Round(time.Second)))
			lastProgress = now
		}

		if err := sleepCtx(r.ctx, min(c.cfg.PollInterval, end.Sub(now))); err != nil {
			return err
		}
	}

	err = c.apply(r, func() {
		c.timer.Finish()
		c.journal.Log(eventlog.LevelInfo, fmt.Sprintf("Mixing completed for Step %d", i+1), c.project(), true)
	})
	if err != nil {
		return err
	}

	if err := c.stopActuators(r.ctx); err != nil {
		return err
	}
	if err := c.waitFor(r.ctx, c.tags.LidStatus, false, c.cfg.LidOpenTimeout); err != nil {
		if !errors.Is(err, errWaitTimeout) {
			return err
		}
		c.logger.Warn("Lid did not report open after mixing", zap.Int("step", i+1))
	}
	return nil
}

// lidEmergency fails the run from the mixing loop.
func (c *Controller) lidEmergency(r *run) error {
	err := c.apply(r, func() {
		if c.state == StateMixing && !r.pause.Paused() {
			c.declareEmergency(r)
		}
	})
	if err != nil && !errors.Is(err, errStale) {
		return err
	}
	if cause := context.Cause(r.ctx); cause != nil {
		return cause
	}
	return ErrEmergencyLidOpen
}

func (c *Controller) lidConfirmedOpen(ctx context.Context) bool {
	res, err := c.hw.Send(ctx, hardware.Read(c.tags.LidStatus))
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		c.logger.Warn("Failed to confirm lid status", zap.Error(err))
		return false
	}
	return !hardware.Truthy(res.Value)
}

// startActuators closes the lid and starts the motor. onLidClosed runs
// between the two once the lid reports closed.
func (c *Controller) startActuators(ctx context.Context, onLidClosed func() error) error {
	if err := c.writeWithRetry(ctx, c.tags.LidControl, 1); err != nil {
		return err
	}
	if err := c.waitFor(ctx, c.tags.LidStatus, true, c.cfg.LidCloseTimeout); err != nil {
		if errors.Is(err, errWaitTimeout) {
			return ErrLidTimeout
		}
		return err
	}

	if onLidClosed != nil {
		if err := onLidClosed(); err != nil {
			return err
		}
	}

	if err := c.writeWithRetry(ctx, c.tags.MotorControl, 1); err != nil {
		return err
	}
	if err := c.waitFor(ctx, c.tags.MotorStatus, true, c.cfg.MotorStartTimeout); err != nil {
		if errors.Is(err, errWaitTimeout) {
			return ErrMotorStartTimeout
		}
		return err
	}
	return nil
}

// stopActuators switches the motor off and opens the lid. Both writes are
// attempted even if the first one fails.
func (c *Controller) stopActuators(ctx context.Context) error {
	motorErr := c.writeWithRetry(ctx, c.tags.MotorControl, 0)
	lidErr := c.writeWithRetry(ctx, c.tags.LidControl, 0)
	return errors.Join(motorErr, lidErr)
}

// safeStop is the best effort variant of stopActuators: one attempt per
// write, also after ctx was cancelled.
func (c *Controller) safeStop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ResponseTimeout)
	defer cancel()

	for _, tag := range []string{c.tags.MotorControl, c.tags.LidControl} {
		res, err := c.hw.Send(ctx, hardware.Write(tag, 0))
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			c.logger.Warn("Safe stop write failed", zap.String("tag", tag), zap.Error(err))
		}
	}
}

func (c *Controller) writeWithRetry(ctx context.Context, tag string, value int) error {
	attempts := max(c.cfg.CommandAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		res, err := c.hw.Send(ctx, hardware.Write(tag, value))
		if err == nil {
			err = res.Err()
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		lastErr = err
		c.logger.Warn("Hardware write failed",
			zap.String("tag", tag),
			zap.Int("value", value),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < attempts {
			if err := sleepCtx(ctx, c.cfg.RetryBackoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %s=%d after %d attempts: %v", ErrHardwareCommand, tag, value, attempts, lastErr)
}

// waitFor polls tag until it reads want. Read errors are logged and polled
// through until the timeout.
func (c *Controller) waitFor(ctx context.Context, tag string, want bool, timeout time.Duration) error {
	started := time.Now()
	deadline := started.Add(timeout)
	lastProgress := started
	for {
		res, err := c.hw.Send(ctx, hardware.Read(tag))
		if err == nil {
			err = res.Err()
		}
		switch {
		case err == nil && hardware.Truthy(res.Value) == want:
			return nil
		case ctx.Err() != nil:
			return context.Cause(ctx)
		case err != nil:
			c.logger.Debug("Polling tag failed", zap.String("tag", tag), zap.Error(err))
		}

		now := time.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("%w %s", errWaitTimeout, tag)
		}
		if now.Sub(lastProgress) >= c.cfg.ProgressLogInterval {
			c.logger.Info("Waiting for tag",
				zap.String("tag", tag),
				zap.Bool("want", want),
				zap.Duration("elapsed", now.Sub(started).Round(time.Second)))
			lastProgress = now
		}
		if err := sleepCtx(ctx, min(c.cfg.PollInterval, time.Until(deadline))); err != nil {
			return err
		}
	}
}

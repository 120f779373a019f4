package kneader

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/eventlog"
	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
)

// monitor polls lid and motor status and raises the emergency stop when
// the lid opens during mixing.
func (c *Controller) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	healthy := true
	var lastAbortedLog time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		readAt := time.Now()
		err := c.pollSensors(ctx)
		switch {
		case err != nil && healthy:
			c.logger.Warn("Sensor polling failed", zap.Error(err))
			healthy = false
		case err == nil && !healthy:
			c.logger.Info("Sensor polling recovered")
			healthy = true
		}

		st := c.Status()
		if err == nil && st.ProcessState == StateMixing && st.LidOpen {
			req := &request{fn: func() { c.emergencyStop(readAt) }, done: make(chan struct{})}
			if err := c.submit(ctx, req); err != nil {
				return
			}
		}

		if st.ProcessState == StateAborted && time.Since(lastAbortedLog) >= c.cfg.AbortedLogInterval {
			c.journal.Log(eventlog.LevelWarning, "Process is ABORTED, waiting for resume or complete abort", st, true)
			lastAbortedLog = time.Now()
		}
	}
}

func (c *Controller) pollSensors(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MonitorInterval)
	defer cancel()

	lid, err := c.readTag(ctx, c.tags.LidStatus)
	if err != nil {
		return err
	}
	motor, err := c.readTag(ctx, c.tags.MotorStatus)
	if err != nil {
		return err
	}

	// the coupler reports true for a closed lid
	c.sensors.lidOpen.Store(!hardware.Truthy(lid))
	c.sensors.motorRunning.Store(hardware.Truthy(motor))
	return nil
}

func (c *Controller) readTag(ctx context.Context, tag string) (interface{}, error) {
	res, err := c.hw.Send(ctx, hardware.Read(tag))
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Value, nil
}

// statusLog journals the status periodically and pushes it to subscribers.
func (c *Controller) statusLog(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := c.Status()
			c.journal.Log(eventlog.LevelInfo, "Status update", st, false)
			c.broadcast(st)
		}
	}
}

package kneader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/eventlog"
	"github.com/KevinKickass/OpenKneaderCore/internal/types"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

// process runs all stages of r in order. It returns nil once the last stage
// finished mixing.
func (c *Controller) process(r *run) error {
	for i, stage := range r.workorder.Steps {
		if err := c.runStage(r, i, stage); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) runStage(r *run, i int, stage workorder.Stage) error {
	empty := len(stage.Items) == 0
	err := c.advance(r, func() {
		c.stepIndex = i
		c.itemIndex = max(c.tracker.Count(i)-1, 0)
		c.timer.Reset()
		if empty {
			return
		}
		if c.tracker.IsFullyScanned(i, stage) {
			c.setState(StateReadyToLoad)
		} else {
			c.setState(StateWaitingForItems)
		}
		c.journal.Log(eventlog.LevelInfo, fmt.Sprintf("Processing Step %d", i+1), c.project(), true)
	})
	if err != nil {
		return err
	}
	if empty {
		c.logger.Warn("Skipping stage without items", zap.Int("step", i+1))
		return nil
	}

	if err := c.awaitScans(r, i, stage); err != nil {
		return err
	}
	if err := c.graceWindow(r); err != nil {
		return err
	}

	began := time.Now()
	if err := c.cycle(r, i, stage); err != nil {
		return err
	}
	wall := time.Since(began)
	c.metrics.StageMixSeconds.Observe(wall.Seconds())

	return c.apply(r, func() {
		r.stages = append(r.stages, types.StageRecord{
			Index:       i,
			MixTimeSec:  stage.MixTimeSec,
			WallSeconds: wall.Seconds(),
			Items:       stage.ItemIDs(),
		})
	})
}

// awaitScans blocks until every item of the stage has been scanned.
func (c *Controller) awaitScans(r *run, i int, stage workorder.Stage) error {
	for {
		full := false
		if err := c.apply(r, func() { full = c.tracker.IsFullyScanned(i, stage) }); err != nil {
			return err
		}
		if full {
			return nil
		}

		select {
		case <-r.scans:
		case <-r.ctx.Done():
			return context.Cause(r.ctx)
		}
	}
}

// graceWindow holds READY_TO_LOAD so the operator can load the bowl. A pause
// during the window restarts it.
func (c *Controller) graceWindow(r *run) error {
	for {
		var epoch uint64
		err := c.advance(r, func() {
			c.setState(StateReadyToLoad)
			epoch = r.pause.Epoch()
		})
		if err != nil {
			return err
		}

		if err := sleepCtx(r.ctx, c.cfg.GraceWindow); err != nil {
			return err
		}

		proceed := false
		err = c.apply(r, func() {
			if r.pause.Paused() || r.pause.Epoch() != epoch {
				return
			}
			c.setState(StateWaitingForLidClose)
			proceed = true
		})
		if err != nil {
			return err
		}
		if proceed {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

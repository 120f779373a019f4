package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type GuardConfig struct {
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Guard allows one command in flight, reconnects on demand and bounds every
// command by a response timeout.
type Guard struct {
	inner   Interface
	mu      sync.Mutex
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger

	observe func(action Action, result string)
}

func NewGuard(inner Interface, cfg GuardConfig, logger *zap.Logger) *Guard {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:        "hardware-connect",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Guard{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// OnCommand registers a hook called once per command with its outcome
// ("ok", "rejected", "error", "timeout", "disconnected").
func (g *Guard) OnCommand(fn func(action Action, result string)) {
	g.observe = fn
}

func (g *Guard) Send(ctx context.Context, cmd Command) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// a command queued behind the lock must not reach the device once its caller gave up
	if ctx.Err() != nil {
		return Result{}, context.Cause(ctx)
	}

	if err := g.ensureConnected(ctx); err != nil {
		g.record(cmd.Action, "disconnected")
		return Result{}, err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	res, err := g.inner.Send(ctx, cmd)
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		g.record(cmd.Action, "timeout")
		return Result{}, fmt.Errorf("%w: %s %s", ErrResponseTimeout, cmd.Action, cmd.TagName)
	case err != nil:
		g.record(cmd.Action, "error")
		return Result{}, fmt.Errorf("%s %s failed: %w", cmd.Action, cmd.TagName, err)
	case res.Error != "":
		g.record(cmd.Action, "rejected")
	default:
		g.record(cmd.Action, "ok")
	}
	return res, nil
}

func (g *Guard) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureConnected(ctx)
}

func (g *Guard) IsConnected() bool {
	return g.inner.IsConnected()
}

func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Close()
}

func (g *Guard) ensureConnected(ctx context.Context) error {
	if g.inner.IsConnected() {
		return nil
	}

	g.logger.Warn("Hardware not connected, attempting to reconnect")
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.inner.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	g.logger.Info("Hardware reconnected")
	return nil
}

func (g *Guard) record(action Action, result string) {
	if g.observe != nil {
		g.observe(action, result)
	}
}

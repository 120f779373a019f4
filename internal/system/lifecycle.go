package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/KevinKickass/OpenKneaderCore/internal/api/grpcapi"
	"github.com/KevinKickass/OpenKneaderCore/internal/api/hmi"
	"github.com/KevinKickass/OpenKneaderCore/internal/api/rest"
	"github.com/KevinKickass/OpenKneaderCore/internal/api/websocket"
	"github.com/KevinKickass/OpenKneaderCore/internal/auth"
	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/eventlog"
	"github.com/KevinKickass/OpenKneaderCore/internal/hardware"
	"github.com/KevinKickass/OpenKneaderCore/internal/interfaces"
	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
	"github.com/KevinKickass/OpenKneaderCore/internal/metrics"
	"github.com/KevinKickass/OpenKneaderCore/internal/modbus"
	"github.com/KevinKickass/OpenKneaderCore/internal/simulator"
	"github.com/KevinKickass/OpenKneaderCore/internal/storage"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

const healthInterval = time.Second

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

type LifecycleManager struct {
	config      *config.Config
	storage     *storage.PostgresClient
	journal     *eventlog.Journal
	hardware    *hardware.Guard
	metrics     *metrics.Metrics
	library     *workorder.Library
	controller  *kneader.Controller
	hub         *websocket.Hub
	authService *auth.AuthService
	logger      *zap.Logger

	eventsEnabled bool

	restServer *rest.Server
	grpcServer *grpc.Server
	hmiServer  *hmi.Server
	health     *health.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	shutdownOnce sync.Once
}

// NewLifecycleManager builds every component. db may be nil when
// persistence is disabled.
func NewLifecycleManager(db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	journal, err := eventlog.Open(cfg.Logging.StatusLogFile, cfg.Logging.EventLogFile, cfg.Logging.Level, logger)
	if err != nil {
		return nil, err
	}

	lm := &LifecycleManager{
		config:       cfg,
		storage:      db,
		journal:      journal,
		metrics:      metrics.New(),
		library:      workorder.NewLibrary(cfg.Workorders.SearchPaths, logger),
		logger:       logger,
		currentState: StateInitializing,
	}

	// Event fan-out ist optional, der Controller läuft auch ohne NATS
	if cfg.Events.NATSURL != "" {
		pub, err := eventlog.NewNATSPublisher(cfg.Events.NATSURL)
		if err != nil {
			logger.Warn("Event publishing disabled", zap.String("url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			journal.SetPublisher(pub, cfg.Events.Subject)
			lm.eventsEnabled = true
			logger.Info("Publishing events to NATS", zap.String("subject", cfg.Events.Subject))
		}
	}

	tags := tagsFromConfig(cfg.Hardware.Tags)
	inner, err := newHardware(cfg.Hardware, tags)
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	lm.hardware = hardware.NewGuard(inner, hardware.GuardConfig{
		Timeout:         cfg.Hardware.Timeout,
		BreakerFailures: cfg.Hardware.BreakerFailures,
		BreakerCooldown: cfg.Hardware.BreakerCooldown,
	}, logger.Named("hardware"))
	lm.hardware.OnCommand(func(action hardware.Action, result string) {
		lm.metrics.ObserveHardwareCommand(string(action), result)
	})

	lm.authService, err = auth.NewAuthService(cfg.Auth, logger)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	opts := kneader.Options{Process: cfg.Process, Tags: tags}
	if db != nil {
		opts.Store = db
	}
	lm.controller, err = kneader.New(lm.hardware, journal, lm.metrics, logger.Named("kneader"), opts)
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	lm.hub = websocket.NewHub(lm.controller, lm.authService, logger.Named("websocket"))

	return lm, nil
}

func newHardware(cfg config.HardwareConfig, tags hardware.Tags) (hardware.Interface, error) {
	switch cfg.Driver {
	case "simulator":
		return simulator.New(simulator.Options{
			Tags:       tags,
			LidDelay:   cfg.Simulation.ActuationDelay,
			MotorDelay: cfg.Simulation.ActuationDelay,
		}), nil
	case "modbus", "":
		if cfg.UnitID < 0 || cfg.UnitID > 247 {
			return nil, fmt.Errorf("invalid modbus unit id %d", cfg.UnitID)
		}
		regs, err := modbus.RegistersFromConfig(tags, cfg.Registers)
		if err != nil {
			return nil, fmt.Errorf("invalid register map: %w", err)
		}
		return modbus.NewGateway(cfg.Address, uint8(cfg.UnitID), cfg.Timeout, regs), nil
	}
	return nil, fmt.Errorf("unknown hardware driver %q", cfg.Driver)
}

func tagsFromConfig(t config.TagNames) hardware.Tags {
	tags := hardware.DefaultTags()
	if t.LidStatus != "" {
		tags.LidStatus = t.LidStatus
	}
	if t.MotorStatus != "" {
		tags.MotorStatus = t.MotorStatus
	}
	if t.LidControl != "" {
		tags.LidControl = t.LidControl
	}
	if t.MotorControl != "" {
		tags.MotorControl = t.MotorControl
	}
	return tags
}

// Controller returns the kneader controller
func (lm *LifecycleManager) Controller() *kneader.Controller {
	return lm.controller
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Start connects the hardware, starts the controller and opens all transports.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenKneaderCore",
		zap.String("hardware_driver", lm.config.Hardware.Driver),
		zap.String("hardware_address", lm.config.Hardware.Address))

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	connectCtx, connectCancel := context.WithTimeout(ctx, lm.config.Hardware.Timeout)
	if err := lm.hardware.Connect(connectCtx); err != nil {
		// Guard verbindet sich beim nächsten Zugriff erneut
		lm.logger.Warn("Hardware not reachable at startup", zap.Error(err))
	}
	connectCancel()

	lm.goRun(func() {
		if err := lm.controller.Run(ctx); err != nil {
			lm.logger.Error("Controller stopped with error", zap.Error(err))
		}
	})
	lm.goRun(func() { lm.hub.Run(ctx) })

	if err := lm.startGRPCServer(ctx); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.hmiServer = hmi.NewServer(lm.config.Server.HMIAddress, lm.controller, lm.logger.Named("hmi"))
	if err := lm.hmiServer.Start(); err != nil {
		lm.hmiServer = nil
		lm.setError(fmt.Errorf("failed to start HMI server: %w", err))
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.String("hmi_address", lm.config.Server.HMIAddress),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("persistence_enabled", lm.storage != nil),
		zap.Bool("auth_enabled", lm.authService.Enabled()))

	return nil
}

func (lm *LifecycleManager) goRun(fn func()) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		fn()
	}()
}

func (lm *LifecycleManager) startGRPCServer(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.health = grpcapi.Register(lm.grpcServer, grpcapi.NewControllerService(lm.controller, lm.logger.Named("grpc")))
	lm.goRun(func() { grpcapi.TrackHardware(ctx, lm.health, lm.hardware, healthInterval) })

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", grpcapi.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	deps := rest.Deps{
		Controller: lm.controller,
		Library:    lm.library,
		Hardware:   lm.hardware,
		Hub:        lm.hub,
		Auth:       lm.authService,
		Metrics:    lm.metrics.Handler(),
		System:     lm,
	}
	if lm.storage != nil {
		deps.Runs = lm.storage
	}
	lm.restServer = rest.NewServer(lm.config.Server, deps, lm.logger.Named("rest"))
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// 1. Transports first so no new commands arrive
	if lm.hmiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.hmiServer.Stop(); err != nil {
				errChan <- fmt.Errorf("hmi server stop failed: %w", err)
			}
		}()
	}

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	// 2. Controller stops an active run and switches the motor off
	wg.Add(1)
	go func() {
		defer wg.Done()
		if lm.cancel != nil {
			lm.cancel()
		}
		lm.wg.Wait()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		err = fmt.Errorf("shutdown timeout exceeded")
	case err = <-errChan:
	}

	// 3. Hardware link and journal last
	if cerr := lm.hardware.Close(); cerr != nil {
		lm.logger.Warn("Failed to close hardware link", zap.Error(cerr))
	}
	if cerr := lm.journal.Close(); cerr != nil {
		lm.logger.Warn("Failed to close journal", zap.Error(cerr))
	}
	return err
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state, lastErr := lm.currentState, lm.lastError
	lm.stateMu.RUnlock()

	st := lm.controller.Status()
	status := interfaces.SystemStatus{
		State:              state.String(),
		ProcessState:       st.ProcessState,
		WorkorderID:        st.WorkorderID,
		HardwareDriver:     lm.config.Hardware.Driver,
		HardwareConnected:  lm.hardware.IsConnected(),
		PersistenceEnabled: lm.storage != nil,
		EventsEnabled:      lm.eventsEnabled,
		WebSocketClients:   lm.hub.GetClientCount(),
	}
	if lastErr != nil {
		status.Error = lastErr.Error()
	}
	return status
}

package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/api/websocket"
	"github.com/KevinKickass/OpenKneaderCore/internal/auth"
	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/interfaces"
	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
	"github.com/KevinKickass/OpenKneaderCore/internal/types"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

// Controller is the part of the kneader controller the API drives.
type Controller interface {
	Handle(ctx context.Context, cmd kneader.Command) kneader.Response
	Status() kneader.Status
	LoadWorkOrder(ctx context.Context, wo *workorder.WorkOrder) kneader.Response
}

type WorkorderLibrary interface {
	List() ([]workorder.Summary, error)
	Get(id string) (*workorder.WorkOrder, error)
}

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]types.RunRecord, error)
}

type ConnectionState interface {
	IsConnected() bool
}

type SystemStatusProvider interface {
	GetCurrentStatus() interfaces.SystemStatus
}

// Deps are the collaborators of the server. Library, Runs, Hub, Metrics and
// System are optional.
type Deps struct {
	Controller Controller
	Library    WorkorderLibrary
	Runs       RunLister
	Hardware   ConnectionState
	Hub        *websocket.Hub
	Auth       *auth.AuthService
	Metrics    http.Handler
	System     SystemStatusProvider
}

type Server struct {
	router *gin.Engine
	deps   Deps
	logger *zap.Logger
	server *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		deps:   deps,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // resume can take lid and motor timeouts, websocket streams forever
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens synchronously so a busy port is reported to the caller.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.login)

		// ==================== WEBSOCKET (Auth via first message) ====================
		if s.deps.Hub != nil {
			v1.GET("/ws/live", s.wsLiveConnection)
		}

		// ==================== PROCESS (OPERATOR+) ====================
		process := v1.Group("")
		process.Use(s.deps.Auth.AuthMiddleware())
		process.Use(auth.RequirePermission(auth.PermOperator))
		{
			process.GET("/status", s.getStatus)
			process.POST("/commands", s.executeCommand)
			process.POST("/workorder/load", s.loadWorkorder)
			process.POST("/prescan", s.barcodeCommand("prescan_item"))
			process.POST("/confirm_prescan", s.simpleCommand("confirm_start"))
			process.POST("/scan", s.barcodeCommand("scan_item"))
			process.POST("/control/:action", s.control)
			process.POST("/confirm_completion", s.simpleCommand("confirm_completion"))
			process.POST("/save_workorder", s.simpleCommand("save_workorder"))
			process.POST("/write", auth.RequirePermission(auth.PermTechnician), s.writeTag)

			process.GET("/workorders", s.listWorkorders)
			process.GET("/workorders/:id", s.getWorkorder)
			process.POST("/workorders/:id/load", s.loadLibraryWorkorder)

			process.GET("/runs", s.listRuns)

			if s.deps.System != nil {
				process.GET("/system/status", s.getSystemStatus)
			}

			if s.deps.Hub != nil {
				process.GET("/ws/status", s.wsStatus)
			}
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.deps.Hub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.deps.Hub.GetClientCount(),
	})
}

package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State              string               `json:"state"`
	ProcessState       kneader.ProcessState `json:"process_state"`
	WorkorderID        string               `json:"workorder_id,omitempty"`
	HardwareDriver     string               `json:"hardware_driver"`
	HardwareConnected  bool                 `json:"hardware_connected"`
	PersistenceEnabled bool                 `json:"persistence_enabled"`
	EventsEnabled      bool                 `json:"events_enabled"`
	WebSocketClients   int                  `json:"websocket_clients"`
	Error              string               `json:"error,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	Controller() *kneader.Controller
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}

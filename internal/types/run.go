package types

import (
	"time"

	"github.com/google/uuid"
)

// RunRecord is the stored result of one completed workorder run.
type RunRecord struct {
	ID            uuid.UUID     `json:"id"`
	WorkorderID   string        `json:"workorder_id"`
	WorkorderName string        `json:"workorder_name"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Status        string        `json:"status"`
	Stages        []StageRecord `json:"stages"`
}

type StageRecord struct {
	Index       int      `json:"index"`
	MixTimeSec  float64  `json:"mix_time_sec"`
	WallSeconds float64  `json:"wall_seconds"`
	Items       []string `json:"items"`
}

// Package scan tracks barcode verification for a workorder run: the prescan
// session before processing starts and the per-stage scan sets during it.
//
// Neither type is safe for concurrent use; both are owned by the controller's
// supervisor goroutine.
package scan

import (
	"errors"
	"sort"
	"strconv"

	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

var ErrAlreadyActive = errors.New("prescan session already active")

type Result string

const (
	ResultSuccess   Result = "success"
	ResultDuplicate Result = "duplicate"
	ResultUnknown   Result = "unknown"
	ResultInvalid   Result = "invalid"
)

type ItemStatus string

const (
	StatusPending ItemStatus = "PENDING"
	StatusScanned ItemStatus = "SCANNED"
)

type prescanEntry struct {
	name   string
	stages []int // 1-based
	status ItemStatus
}

// PrescanSession gates entry into processing until every recipe item is accounted for.
type PrescanSession struct {
	workorder *workorder.WorkOrder
	items     map[string]*prescanEntry
	order     []string
	scanned   map[string]struct{}
	active    bool
}

type PrescanItem struct {
	ItemID string     `json:"item_id"`
	Name   string     `json:"name"`
	Status ItemStatus `json:"status"`
}

type StageBreakdown struct {
	Items      []PrescanItem `json:"items"`
	MixTime    float64       `json:"mix_time"`
	LiveStatus string        `json:"live_status"`
}

// PrescanStatus is a detached copy, safe to hand to other goroutines.
type PrescanStatus struct {
	TotalItems    int                       `json:"total_items"`
	ScannedCount  int                       `json:"scanned_count"`
	MissingCount  int                       `json:"missing_count"`
	MissingItems  []string                  `json:"missing_items"`
	StatusByStage map[string]StageBreakdown `json:"status_by_stage"`
	AllScanned    bool                      `json:"all_scanned"`
}

func NewPrescanSession() *PrescanSession {
	return &PrescanSession{}
}

func (p *PrescanSession) Initialize(wo *workorder.WorkOrder) error {
	if p.active {
		return ErrAlreadyActive
	}

	p.workorder = wo
	p.items = make(map[string]*prescanEntry)
	p.order = nil
	p.scanned = make(map[string]struct{})

	for i, stage := range wo.Steps {
		for _, it := range stage.Items {
			entry, ok := p.items[it.ID]
			if !ok {
				entry = &prescanEntry{name: it.Name, status: StatusPending}
				p.items[it.ID] = entry
				p.order = append(p.order, it.ID)
			}
			entry.stages = append(entry.stages, i+1)
		}
	}

	p.active = true
	return nil
}

func (p *PrescanSession) Active() bool {
	return p.active
}

// Close discards the session.
func (p *PrescanSession) Close() {
	p.workorder = nil
	p.items = nil
	p.order = nil
	p.scanned = nil
	p.active = false
}

// ScanItem marks barcode as physically present. The caller decides on the
// state transition when the returned status reports AllScanned.
func (p *PrescanSession) ScanItem(barcode string) (Result, PrescanStatus) {
	entry, ok := p.items[barcode]
	switch {
	case !ok:
		return ResultUnknown, p.Status()
	case entry.status == StatusScanned:
		return ResultDuplicate, p.Status()
	}

	entry.status = StatusScanned
	p.scanned[barcode] = struct{}{}
	return ResultSuccess, p.Status()
}

func (p *PrescanSession) Name(barcode string) string {
	if entry, ok := p.items[barcode]; ok {
		return entry.name
	}
	return ""
}

func (p *PrescanSession) AllScanned() bool {
	return p.active && len(p.scanned) == len(p.items)
}

func (p *PrescanSession) Status() PrescanStatus {
	st := PrescanStatus{
		MissingItems:  []string{},
		StatusByStage: make(map[string]StageBreakdown),
	}
	if !p.active {
		return st
	}

	for _, id := range p.order {
		entry := p.items[id]
		if entry.status != StatusScanned {
			st.MissingItems = append(st.MissingItems, id)
		}
		for _, stageNum := range entry.stages {
			key := strconv.Itoa(stageNum)
			b, ok := st.StatusByStage[key]
			if !ok {
				b = StageBreakdown{LiveStatus: "WAITING"}
				if s, found := p.workorder.Stage(stageNum - 1); found {
					b.MixTime = s.MixTimeSec
				}
			}
			b.Items = append(b.Items, PrescanItem{ItemID: id, Name: entry.name, Status: entry.status})
			st.StatusByStage[key] = b
		}
	}
	sort.Strings(st.MissingItems)

	st.TotalItems = len(p.items)
	st.ScannedCount = len(p.scanned)
	st.MissingCount = st.TotalItems - st.ScannedCount
	st.AllScanned = st.MissingCount == 0
	return st
}

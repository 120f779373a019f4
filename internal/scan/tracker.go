package scan

import (
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

// StageTracker records scanned item ids per stage index. Sets survive stage
// boundaries so the next stage can be filled while the current one mixes.
type StageTracker struct {
	sets map[int]map[string]struct{}
}

func NewStageTracker() *StageTracker {
	return &StageTracker{sets: make(map[int]map[string]struct{})}
}

func (t *StageTracker) Scan(stageIndex int, barcode string, stage workorder.Stage) Result {
	if !stage.Contains(barcode) {
		return ResultInvalid
	}

	set, ok := t.sets[stageIndex]
	if !ok {
		set = make(map[string]struct{})
		t.sets[stageIndex] = set
	}
	if _, dup := set[barcode]; dup {
		return ResultDuplicate
	}
	set[barcode] = struct{}{}
	return ResultSuccess
}

// ScanAhead applies the look-ahead rule used while a stage is mixing: a barcode
// still missing in the current stage is recorded there, anything else is tried
// against the next stage. A barcode already scanned here and unknown to the
// next stage is a duplicate. It returns the stage index the barcode was
// checked against.
func (t *StageTracker) ScanAhead(current int, barcode string, wo *workorder.WorkOrder) (Result, int) {
	cur, inCurrent := wo.Stage(current)
	inCurrent = inCurrent && cur.Contains(barcode)
	if inCurrent && !t.Has(current, barcode) {
		return t.Scan(current, barcode, cur), current
	}

	if next, ok := wo.Stage(current + 1); ok && next.Contains(barcode) {
		return t.Scan(current+1, barcode, next), current + 1
	}
	if inCurrent {
		return ResultDuplicate, current
	}
	return ResultInvalid, current
}

func (t *StageTracker) IsFullyScanned(stageIndex int, stage workorder.Stage) bool {
	set := t.sets[stageIndex]
	for _, it := range stage.Items {
		if _, ok := set[it.ID]; !ok {
			return false
		}
	}
	return true
}

func (t *StageTracker) Count(stageIndex int) int {
	return len(t.sets[stageIndex])
}

func (t *StageTracker) Has(stageIndex int, barcode string) bool {
	_, ok := t.sets[stageIndex][barcode]
	return ok
}

func (t *StageTracker) Reset() {
	t.sets = make(map[int]map[string]struct{})
}

// Snapshot copies the scan sets for read-only use outside the owner.
func (t *StageTracker) Snapshot() map[int]map[string]struct{} {
	out := make(map[int]map[string]struct{}, len(t.sets))
	for idx, set := range t.sets {
		cp := make(map[string]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		out[idx] = cp
	}
	return out
}

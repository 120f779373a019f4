package workorder

import (
	"time"
)

// WorkOrder is one batch recipe. It is treated as immutable once parsed.
type WorkOrder struct {
	ID    string  `json:"workorder_id" yaml:"workorder_id"`
	Name  string  `json:"name" yaml:"name"`
	Steps []Stage `json:"steps" yaml:"steps"`
}

type Stage struct {
	MixTimeSec float64 `json:"mix_time_sec" yaml:"mix_time_sec"`
	Items      []Item  `json:"items" yaml:"items"`
}

type Item struct {
	ID   string `json:"item_id" yaml:"item_id"`
	Name string `json:"name" yaml:"name"`
}

// Summary is the listing entry of a recipe file.
type Summary struct {
	ID        string `json:"workorder_id"`
	Name      string `json:"name"`
	StepCount int    `json:"step_count"`
	ItemCount int    `json:"item_count"`
	Path      string `json:"path"`
}

func (s Stage) MixDuration() time.Duration {
	return time.Duration(s.MixTimeSec * float64(time.Second))
}

func (s Stage) Contains(itemID string) bool {
	for _, it := range s.Items {
		if it.ID == itemID {
			return true
		}
	}
	return false
}

func (s Stage) ItemIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

// Stage returns the stage at index i, or false when i is out of range.
func (w *WorkOrder) Stage(i int) (Stage, bool) {
	if w == nil || i < 0 || i >= len(w.Steps) {
		return Stage{}, false
	}
	return w.Steps[i], true
}

func (w *WorkOrder) ItemCount() int {
	if w == nil {
		return 0
	}
	n := 0
	for _, s := range w.Steps {
		n += len(s.Items)
	}
	return n
}

func (w *WorkOrder) Summary(path string) Summary {
	return Summary{
		ID:        w.ID,
		Name:      w.Name,
		StepCount: len(w.Steps),
		ItemCount: w.ItemCount(),
		Path:      path,
	}
}

package kneader

import "time"

// MixingTimer tracks one stage's mixing time across pauses. On Resume the
// frozen remaining time becomes the new duration, so the delivered total
// always equals Total.
type MixingTimer struct {
	StartedAt time.Time
	Total     time.Duration
	Duration  time.Duration
	Remaining time.Duration
	Running   bool
}

func (t *MixingTimer) Start(d time.Duration, now time.Time) {
	t.StartedAt = now
	t.Total = d
	t.Duration = d
	t.Remaining = d
	t.Running = true
}

func (t *MixingTimer) Tick(now time.Time) {
	if !t.Running {
		return
	}
	t.Remaining = t.Duration - now.Sub(t.StartedAt)
	if t.Remaining < 0 {
		t.Remaining = 0
	}
}

func (t *MixingTimer) Freeze(now time.Time) {
	t.Tick(now)
	t.Running = false
}

func (t *MixingTimer) Resume(now time.Time) {
	t.Duration = t.Remaining
	t.StartedAt = now
	t.Running = true
}

// Finish marks the stage's mixing time as fully delivered.
func (t *MixingTimer) Finish() {
	t.Remaining = 0
	t.Running = false
}

func (t *MixingTimer) Reset() {
	*t = MixingTimer{}
}

func (t MixingTimer) Started() bool {
	return !t.StartedAt.IsZero()
}

func (t MixingTimer) EndTime() time.Time {
	return t.StartedAt.Add(t.Duration)
}

package sync

import "time"

// ItemError is one isolated per-item failure folded into the cycle report.
type ItemError struct {
	ItemID string
	Err    error
}

func (e ItemError) Error() string { return e.ItemID + ": " + e.Err.Error() }

func (e ItemError) Unwrap() error { return e.Err }

// CycleReport summarizes one sync cycle. Per-item failures never abort a
// cycle; they are counted and listed here instead.
type CycleReport struct {
	StartedAt  time.Time
	FinishedAt time.Time

	Pushed     int
	Pulled     int
	Conflicted int
	Failed     int
	Purged     int

	Errors []ItemError
}

func (r *CycleReport) fail(itemID string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, ItemError{ItemID: itemID, Err: err})
}

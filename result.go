package mermaidetl

import (
	"fmt"
	"time"
)

// Status summarizes a run.
type Status string

const (
	// StatusSuccess means every unit loaded all of its rows.
	StatusSuccess Status = "success"
	// StatusDegraded means at least one unit failed and at least one succeeded.
	StatusDegraded Status = "degraded"
	// StatusFailed means every unit failed.
	StatusFailed Status = "failed"
	// StatusFatal means the run stopped before any unit started, for example
	// because project discovery failed.
	StatusFatal Status = "fatal"
)

// Unit is one (project, survey type) pair, the granularity at which failures
// are isolated.
type Unit struct {
	ProjectID string
	Survey    SurveyType
}

func (u Unit) String() string {
	return fmt.Sprintf("%s/%s", u.ProjectID, u.Survey)
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	Unit

	// Extracted counts raw records after expansion.
	Extracted int
	// Skipped counts records dropped because their natural key was unusable.
	Skipped int
	// Warnings counts fields loaded as NULL after a coercion failure.
	Warnings int
	Rows     int
	Batches  int
	Duration time.Duration
	Err      error
}

// OK reports whether the unit completed.
func (r *UnitResult) OK() bool { return r.Err == nil }

// RunResult is the outcome of a whole run.
type RunResult struct {
	RunID      string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Projects   []string
	Units      []*UnitResult
	// Err is set when Status is StatusFatal.
	Err error
}

// Failed returns the units that did not complete.
func (r *RunResult) Failed() []*UnitResult {
	var out []*UnitResult
	for _, u := range r.Units {
		if !u.OK() {
			out = append(out, u)
		}
	}
	return out
}

// Rows returns the number of rows loaded by all units.
func (r *RunResult) Rows() int {
	n := 0
	for _, u := range r.Units {
		n += u.Rows
	}
	return n
}

// Summary is a one-line human readable description of the run.
func (r *RunResult) Summary() string {
	if r.Status == StatusFatal {
		return fmt.Sprintf("run %s %s: %v", r.RunID, r.Status, r.Err)
	}
	return fmt.Sprintf("run %s %s: %d units, %d failed, %d rows loaded in %s",
		r.RunID, r.Status, len(r.Units), len(r.Failed()), r.Rows(),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
}

func statusOf(units []*UnitResult) Status {
	failed := 0
	for _, u := range units {
		if !u.OK() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == len(units):
		return StatusFailed
	}
	return StatusDegraded
}

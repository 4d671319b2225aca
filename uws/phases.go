// Package uws manages asynchronous jobs following the IVOA Universal
// Worker Service pattern. Jobs live in per-queue tables of the dc
// schema; workers run as separate processes and report back through
// the same rows.
package uws

import (
	"errors"
	"slices"
)

const (
	Pending   = "PENDING"
	Queued    = "QUEUED"
	Executing = "EXECUTING"
	Completed = "COMPLETED"
	Error     = "ERROR"
	Aborted   = "ABORTED"
	Archived  = "ARCHIVED"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrIllegalTransition = errors.New("illegal phase transition")
	ErrJobNotPending     = errors.New("job parameters can only be changed while the job is pending")
)

var transitions = map[string][]string{
	Pending:   {Queued, Aborted},
	Queued:    {Executing, Aborted, Error},
	Executing: {Completed, Aborted, Error},
	Completed: {Archived},
	Aborted:   {Archived},
	Error:     {Archived},
}

var phases = []string{Pending, Queued, Executing, Completed, Error, Aborted, Archived}

func CanTransition(from, to string) bool {
	return slices.Contains(transitions[from], to)
}

// IsFinal is true for phases a job never leaves except by archival.
func IsFinal(phase string) bool {
	switch phase {
	case Completed, Error, Aborted, Archived:
		return true
	}
	return false
}

func IsPhase(phase string) bool {
	return slices.Contains(phases, phase)
}

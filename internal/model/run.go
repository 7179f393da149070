package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// EntityKind names what an extraction run asks the geodata service for.
type EntityKind string

const (
	KindPostalcodes EntityKind = "postalcodes"
	KindStreets     EntityKind = "streets"
)

// ParseEntityKind converts a string into an EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	switch s {
	case "postalcodes", "postalcode", "postal_codes":
		return KindPostalcodes, nil
	case "streets", "street":
		return KindStreets, nil
	default:
		return "", eris.Errorf("unknown entity kind: %q (valid: postalcodes, streets)", s)
	}
}

// RunStatus is the state of an extraction run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// ExtractionRun is one recorded populate run for an area.
type ExtractionRun struct {
	ID            int64         `json:"id"`
	Kind          EntityKind    `json:"kind"`
	AreaID        int64         `json:"area_id"`
	Status        RunStatus     `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Records       int64         `json:"records"`
	Duration      time.Duration `json:"duration"`
	ServerTimeout time.Duration `json:"server_timeout"`
	Error         string        `json:"error,omitempty"`
}

// RunResult is the outcome passed when completing a run.
type RunResult struct {
	Records       int64
	Duration      time.Duration
	ServerTimeout time.Duration
}

// Package model defines the street directory's domain types.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Postalcode is a postal code area in the directory. Code is the natural key;
// ID is assigned by the store on insert and never reused.
type Postalcode struct {
	ID                     uuid.UUID  `json:"id" yaml:"id"`
	Code                   string     `json:"code" yaml:"code"`
	CenterLatitude         *float64   `json:"center_latitude,omitempty" yaml:"center_latitude,omitempty"`
	CenterLongitude        *float64   `json:"center_longitude,omitempty" yaml:"center_longitude,omitempty"`
	Note                   *string    `json:"note,omitempty" yaml:"note,omitempty"`
	LastStreetExtractionOn *time.Time `json:"last_street_extraction_on,omitempty" yaml:"last_street_extraction_on,omitempty"`
	CreatedAt              time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Merge overwrites the mutable attributes of p with those of other.
// ID and CreatedAt are kept, and LastStreetExtractionOn only moves when other
// carries a value.
func (p *Postalcode) Merge(other Postalcode) {
	p.Code = other.Code
	p.CenterLatitude = other.CenterLatitude
	p.CenterLongitude = other.CenterLongitude
	p.Note = other.Note
	if other.LastStreetExtractionOn != nil {
		p.LastStreetExtractionOn = other.LastStreetExtractionOn
	}
}

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// StreetKey is the natural key of a street: its owning postal code and its name.
type StreetKey struct {
	PostalcodeID uuid.UUID
	Streetname   string
}

// Street is a named street inside a postal code area.
type Street struct {
	ID              uuid.UUID `json:"id" yaml:"id"`
	PostalcodeID    uuid.UUID `json:"postalcode_id" yaml:"postalcode_id"`
	Postalcode      string    `json:"postalcode" yaml:"postalcode"`
	Streetname      string    `json:"streetname" yaml:"streetname"`
	CenterLatitude  *float64  `json:"center_latitude,omitempty" yaml:"center_latitude,omitempty"`
	CenterLongitude *float64  `json:"center_longitude,omitempty" yaml:"center_longitude,omitempty"`
	// Geometry is an EWKB payload (SRID 4326) describing the street.
	Geometry  []byte    `json:"-" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Key returns the street's natural key.
func (s Street) Key() StreetKey {
	return StreetKey{PostalcodeID: s.PostalcodeID, Streetname: s.Streetname}
}

// Merge overwrites the mutable attributes of s with those of other.
func (s *Street) Merge(other Street) {
	s.PostalcodeID = other.PostalcodeID
	s.Postalcode = other.Postalcode
	s.Streetname = other.Streetname
	s.CenterLatitude = other.CenterLatitude
	s.CenterLongitude = other.CenterLongitude
	s.Geometry = other.Geometry
}

// ExtractedStreet is a street as delivered by street extraction, before its
// postal code has been resolved to a directory entry.
type ExtractedStreet struct {
	PostalCode      string
	Streetname      string
	CenterLatitude  *float64
	CenterLongitude *float64
}

// NormalizeStreetname returns name in Unicode NFC with surrounding whitespace
// trimmed and inner whitespace runs collapsed to a single space.
func NormalizeStreetname(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}

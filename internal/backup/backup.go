// Package backup exports the directory to YAML and imports it back through
// the reconciler, so an import behaves like a populate run.
package backup

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/street-directory/internal/model"
)

// FormatVersion is the document version written by Export.
const FormatVersion = 1

// Document is the on-disk backup format.
type Document struct {
	Version     int               `yaml:"version"`
	ExportedAt  time.Time         `yaml:"exported_at"`
	Postalcodes []PostalcodeEntry `yaml:"postalcodes"`
}

// PostalcodeEntry is one postal code with its streets.
type PostalcodeEntry struct {
	Code                   string        `yaml:"code"`
	Note                   *string       `yaml:"note,omitempty"`
	CenterLatitude         *float64      `yaml:"center_latitude,omitempty"`
	CenterLongitude        *float64      `yaml:"center_longitude,omitempty"`
	LastStreetExtractionOn *time.Time    `yaml:"last_street_extraction_on,omitempty"`
	Streets                []StreetEntry `yaml:"streets,omitempty"`
}

// StreetEntry is one street.
type StreetEntry struct {
	Name            string   `yaml:"name"`
	CenterLatitude  *float64 `yaml:"center_latitude,omitempty"`
	CenterLongitude *float64 `yaml:"center_longitude,omitempty"`
}

// Stats counts what an export or import touched.
type Stats struct {
	Postalcodes int `json:"postalcodes"`
	Streets     int `json:"streets"`
}

// PostalcodeUpserter reconciles one postal code.
type PostalcodeUpserter interface {
	UpdateOrAdd(ctx context.Context, pc model.Postalcode) (*model.Postalcode, error)
}

// StreetUpserter reconciles one street.
type StreetUpserter interface {
	UpdateOrAdd(ctx context.Context, es model.ExtractedStreet) (*model.Street, error)
}

// PostalcodeLister lists every postal code.
type PostalcodeLister interface {
	GetAll(ctx context.Context) ([]model.Postalcode, error)
}

// StreetLister lists every street.
type StreetLister interface {
	GetAll(ctx context.Context) ([]model.Street, error)
}

// Export writes every postal code and street to w.
func Export(ctx context.Context, pcs PostalcodeLister, sts StreetLister, w io.Writer) (Stats, error) {
	postalcodes, err := pcs.GetAll(ctx)
	if err != nil {
		return Stats{}, eris.Wrap(err, "backup: list postalcodes")
	}
	streets, err := sts.GetAll(ctx)
	if err != nil {
		return Stats{}, eris.Wrap(err, "backup: list streets")
	}

	byPostalcode := make(map[uuid.UUID][]StreetEntry, len(postalcodes))
	for _, s := range streets {
		byPostalcode[s.PostalcodeID] = append(byPostalcode[s.PostalcodeID], StreetEntry{
			Name:            s.Streetname,
			CenterLatitude:  s.CenterLatitude,
			CenterLongitude: s.CenterLongitude,
		})
	}

	doc := Document{
		Version:     FormatVersion,
		ExportedAt:  time.Now().UTC(),
		Postalcodes: make([]PostalcodeEntry, 0, len(postalcodes)),
	}
	for _, pc := range postalcodes {
		doc.Postalcodes = append(doc.Postalcodes, PostalcodeEntry{
			Code:                   pc.Code,
			Note:                   pc.Note,
			CenterLatitude:         pc.CenterLatitude,
			CenterLongitude:        pc.CenterLongitude,
			LastStreetExtractionOn: pc.LastStreetExtractionOn,
			Streets:                byPostalcode[pc.ID],
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return Stats{}, eris.Wrap(err, "backup: encode")
	}
	if err := enc.Close(); err != nil {
		return Stats{}, eris.Wrap(err, "backup: flush")
	}

	stats := Stats{Postalcodes: len(postalcodes), Streets: len(streets)}
	zap.L().Info("backup exported",
		zap.String("component", "backup"),
		zap.Int("postalcodes", stats.Postalcodes),
		zap.Int("streets", stats.Streets),
	)
	return stats, nil
}

// Import reads a document from r and upserts its entries by natural key. It
// stops at the first failing entry; entries before it stay imported.
func Import(ctx context.Context, r io.Reader, postalcodes PostalcodeUpserter, streets StreetUpserter) (Stats, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return Stats{}, eris.Wrap(err, "backup: decode")
	}
	if doc.Version != FormatVersion {
		return Stats{}, eris.Errorf("backup: unsupported format version %d", doc.Version)
	}

	var stats Stats
	for i, entry := range doc.Postalcodes {
		if entry.Code == "" {
			return stats, eris.Errorf("backup: postal code entry %d has no code", i+1)
		}
		_, err := postalcodes.UpdateOrAdd(ctx, model.Postalcode{
			Code:                   entry.Code,
			Note:                   entry.Note,
			CenterLatitude:         entry.CenterLatitude,
			CenterLongitude:        entry.CenterLongitude,
			LastStreetExtractionOn: entry.LastStreetExtractionOn,
		})
		if err != nil {
			return stats, eris.Wrapf(err, "backup: import postal code %s", entry.Code)
		}
		stats.Postalcodes++

		for _, s := range entry.Streets {
			_, err := streets.UpdateOrAdd(ctx, model.ExtractedStreet{
				PostalCode:      entry.Code,
				Streetname:      s.Name,
				CenterLatitude:  s.CenterLatitude,
				CenterLongitude: s.CenterLongitude,
			})
			if err != nil {
				return stats, eris.Wrapf(err, "backup: import street %q of %s", s.Name, entry.Code)
			}
			stats.Streets++
		}
	}

	zap.L().Info("backup imported",
		zap.String("component", "backup"),
		zap.Int("postalcodes", stats.Postalcodes),
		zap.Int("streets", stats.Streets),
	)
	return stats, nil
}

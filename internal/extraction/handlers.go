package extraction

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/overpass"
)

var (
	postalcodeColumns = []string{"postal_code", "note", "@lat", "@lon"}
	streetColumns     = []string{"postal_code", "name", "@lat", "@lon"}
)

// NewPostalcodeListHandler returns a handler for postal code query results.
func NewPostalcodeListHandler() overpass.ResultHandler[model.Postalcode] {
	return overpass.NewListHandler(postalcodeColumns, decodePostalcode)
}

// NewStreetListHandler returns a handler for street query results.
func NewStreetListHandler() overpass.ResultHandler[model.ExtractedStreet] {
	return overpass.NewListHandler(streetColumns, decodeStreet)
}

func decodePostalcode(row []string) (model.Postalcode, error) {
	code := strings.TrimSpace(row[0])
	if code == "" {
		return model.Postalcode{}, eris.New("missing postal code")
	}

	lat, lon, err := parseCenter(row[2], row[3])
	if err != nil {
		return model.Postalcode{}, err
	}

	p := model.Postalcode{
		Code:            code,
		CenterLatitude:  lat,
		CenterLongitude: lon,
	}
	if note := strings.TrimSpace(row[1]); note != "" {
		p.Note = &note
	}
	return p, nil
}

func decodeStreet(row []string) (model.ExtractedStreet, error) {
	code := strings.TrimSpace(row[0])
	if code == "" {
		return model.ExtractedStreet{}, eris.New("missing postal code")
	}
	name := model.NormalizeStreetname(row[1])
	if name == "" {
		return model.ExtractedStreet{}, eris.New("missing street name")
	}

	lat, lon, err := parseCenter(row[2], row[3])
	if err != nil {
		return model.ExtractedStreet{}, err
	}

	return model.ExtractedStreet{
		PostalCode:      code,
		Streetname:      name,
		CenterLatitude:  lat,
		CenterLongitude: lon,
	}, nil
}

// parseCenter parses an optional coordinate pair. Both values must be
// present or both absent.
func parseCenter(latStr, lonStr string) (*float64, *float64, error) {
	latStr, lonStr = strings.TrimSpace(latStr), strings.TrimSpace(lonStr)
	if latStr == "" && lonStr == "" {
		return nil, nil, nil
	}
	if latStr == "" || lonStr == "" {
		return nil, nil, eris.New("incomplete center coordinate")
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "parse latitude %q", latStr)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "parse longitude %q", lonStr)
	}
	if lat < -90 || lat > 90 {
		return nil, nil, eris.Errorf("latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return nil, nil, eris.Errorf("longitude %v out of range", lon)
	}
	return &lat, &lon, nil
}

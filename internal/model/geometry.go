package model

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID of every stored geometry (WGS 84).
const SRID = 4326

// PointEWKB encodes a center coordinate as an EWKB point. It returns nil when
// either coordinate is missing.
func PointEWKB(lat, lon *float64) ([]byte, error) {
	if lat == nil || lon == nil {
		return nil, nil
	}
	p := geom.NewPointFlat(geom.XY, []float64{*lon, *lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode point")
	}
	return data, nil
}

// DecodePoint returns the latitude and longitude of an EWKB point.
func DecodePoint(data []byte) (lat, lon float64, err error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return 0, 0, eris.Wrap(err, "model: decode point")
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return 0, 0, eris.Errorf("model: geometry is %T, not a point", g)
	}
	if p.SRID() != SRID {
		return 0, 0, eris.Errorf("model: unexpected SRID %d", p.SRID())
	}
	return p.Y(), p.X(), nil
}

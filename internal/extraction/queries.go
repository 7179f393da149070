package extraction

import (
	"text/template"
)

// queryParams is the data every query template is rendered with.
type queryParams struct {
	AreaID         int64
	TimeoutSeconds int
}

var postalcodeQuery = template.Must(template.New("postalcodes").Parse(
	`[out:csv(postal_code, note, ::lat, ::lon; true; "\t")][timeout:{{.TimeoutSeconds}}];
area({{.AreaID}})->.searchArea;
relation["boundary"="postal_code"](area.searchArea);
out center;
`))

var streetQuery = template.Must(template.New("streets").Parse(
	`[out:csv(postal_code, name, ::lat, ::lon; true; "\t")][timeout:{{.TimeoutSeconds}}];
area({{.AreaID}})->.searchArea;
relation["boundary"="postal_code"](area.searchArea)->.postalcodes;
foreach.postalcodes->.postalcode(
  .postalcode map_to_area->.postalcodeArea;
  way["highway"]["name"](area.postalcodeArea)->.ways;
  for.ways (t["name"])(
    make street postal_code=postalcode.u(t["postal_code"]), name=_.val, ::geom=hull(gcat(geom()));
    out center;
  );
);
`))

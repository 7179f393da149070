// Package overpass talks to an Overpass-style geodata query service. It sends
// opaque query strings, streams the tab-separated result table into a
// ResultHandler, and decides from round-trip timing whether an empty result
// was genuine or the server cut the query off at its own time budget.
package overpass

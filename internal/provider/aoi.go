package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// wktGeometryType matches the geometry tag at the start of a WKT string,
// e.g. "POLYGON((...))" or "MULTIPOLYGON(((...)))". It does not validate
// coordinate structure beyond balanced parentheses and numeric rings.
var wktGeometryType = regexp.MustCompile(`(?i)^\s*(POLYGON|MULTIPOLYGON)\s*\(`)

var wktCoordinate = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// ParseAOIGeometryType is the pure function the admission boundary uses to
// confirm a submitted AOI is a structurally valid Polygon or MultiPolygon
// before a job is ever durably recorded. It returns the geometry type
// ("Polygon" or "MultiPolygon") on success.
func ParseAOIGeometryType(aoi AOI) (string, error) {
	hasWKT := strings.TrimSpace(aoi.WKT) != ""
	hasGeoJSON := len(aoi.GeoJSON) > 0

	switch {
	case hasWKT:
		return parseWKTGeometryType(aoi.WKT)
	case hasGeoJSON:
		return parseGeoJSONGeometryType(aoi.GeoJSON)
	default:
		return "", fmt.Errorf("aoi has no geometry to parse")
	}
}

func parseWKTGeometryType(wkt string) (string, error) {
	m := wktGeometryType.FindStringSubmatch(wkt)
	if m == nil {
		return "", fmt.Errorf("invalid AOI: wkt is not a Polygon or MultiPolygon")
	}
	geomType := strings.ToUpper(m[1])
	if !balancedParens(wkt) {
		return "", fmt.Errorf("invalid AOI: wkt has unbalanced parentheses")
	}
	if !hasNumericRing(wkt) {
		return "", fmt.Errorf("invalid AOI: wkt does not contain a numeric coordinate ring")
	}
	if geomType == "MULTIPOLYGON" {
		return "MultiPolygon", nil
	}
	return "Polygon", nil
}

func balancedParens(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth < 0 {
			return false
		}
	}
	return depth == 0
}

// hasNumericRing confirms at least one coordinate pair of the form "x y"
// with numeric tokens appears inside the WKT body.
func hasNumericRing(wkt string) bool {
	body := strings.Trim(wkt, "() \t\n")
	for _, pair := range strings.Split(body, ",") {
		fields := strings.Fields(strings.Trim(pair, "() "))
		if len(fields) < 2 {
			continue
		}
		if wktCoordinate.MatchString(fields[0]) && wktCoordinate.MatchString(fields[1]) {
			return true
		}
	}
	return false
}

func parseGeoJSONGeometryType(geojson map[string]interface{}) (string, error) {
	t, ok := geojson["type"].(string)
	if !ok || t == "" {
		return "", fmt.Errorf("invalid AOI: geojson is missing a string \"type\" field")
	}
	if t != "Polygon" && t != "MultiPolygon" {
		return "", fmt.Errorf("invalid AOI: geojson type %q is not Polygon or MultiPolygon", t)
	}
	coords, ok := geojson["coordinates"].([]interface{})
	if !ok || len(coords) == 0 {
		return "", fmt.Errorf("invalid AOI: geojson is missing non-empty \"coordinates\"")
	}
	return t, nil
}

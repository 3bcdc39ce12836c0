// Package printability validates export parameters and interprets raw
// printability results on the MCP side, without the studio runtime. Heavy
// mesh analysis happens in the MeshForge addon; this package handles
// thresholds and reporting.
package printability

import (
	"errors"
	"fmt"
	"maps"
)

// H0 model-railroad scale constants. Scene geometry is modeled at prototype
// size in meters and printed at 1:87.1.
const (
	HOScale        = 1.0 / 87.1 // about 0.01148
	PrototypeUnits = "meters"
)

// Resin printer thresholds at target scale, in millimeters.
const (
	ResinWarnMM  = 0.3  // below this a feature is fragile
	ResinErrorMM = 0.05 // below this a feature will not resolve
)

// PrototypeToScaled converts a prototype dimension in meters to scaled
// millimeters at H0.
func PrototypeToScaled(meters float64) float64 {
	return meters * HOScale * 1000.0
}

// ScaledToPrototype converts a scaled dimension in millimeters back to
// prototype meters.
func ScaledToPrototype(mm float64) float64 {
	return (mm / 1000.0) / HOScale
}

// ValidateExportParams checks export_mesh parameters before they cross the
// wire. A nil objects slice means "export the current selection"; an empty
// non-nil slice is rejected.
func ValidateExportParams(filepath, format string, scale float64, objects []string) error {
	if filepath == "" {
		return errors.New("filepath must not be empty")
	}
	switch format {
	case "stl", "obj", "3mf":
	default:
		return fmt.Errorf("format must be 'stl', 'obj', or '3mf', got %q", format)
	}
	if scale <= 0 {
		return fmt.Errorf("scale must be positive, got %g", scale)
	}
	if objects != nil && len(objects) == 0 {
		return errors.New("objects list is empty; omit it to export selected objects")
	}
	return nil
}

// Interpret augments a raw check_printability result with severity
// classification, a plain-language summary, and recommended fixes. The
// original result keys are preserved in the returned map.
func Interpret(result map[string]any) map[string]any {
	issues := []string{}
	warnings := []string{}
	recommendations := []string{}

	if !boolField(result, "is_manifold") {
		issues = append(issues, fmt.Sprintf(
			"Non-manifold geometry: %d edges, %d vertices. The mesh has holes or internal faces and will not print reliably.",
			intField(result, "non_manifold_edges"), intField(result, "non_manifold_verts")))
		recommendations = append(recommendations,
			"Apply a voxel remesh or run Mesh > Repair > Make Manifold in MeshForge.")
	}

	if loose, ok := result["loose_geometry"].(map[string]any); ok {
		looseVerts := intField(loose, "vertices")
		looseEdges := intField(loose, "edges")
		if looseVerts > 0 || looseEdges > 0 {
			issues = append(issues, fmt.Sprintf(
				"Loose geometry: %d vertices, %d edges not connected to faces. These will create stray fragments in the print.",
				looseVerts, looseEdges))
			recommendations = append(recommendations,
				"Run Mesh > Clean Up > Delete Loose on the object.")
		}
	}

	if n := intField(result, "degenerate_faces"); n > 0 {
		issues = append(issues, fmt.Sprintf(
			"%d degenerate (zero-area) faces. May cause slicer errors.", n))
		recommendations = append(recommendations,
			"Run Mesh > Clean Up > Dissolve Degenerate.")
	}

	if boolField(result, "self_intersections") {
		warnings = append(warnings,
			"Self-intersecting faces detected. Resin slicers typically handle these but CNC toolpaths may fail.")
	}

	for _, feat := range featureList(result["thin_features"]) {
		dim := floatField(feat, "min_dimension_scaled_mm")
		loc := locationString(feat["location"])
		switch {
		case dim < ResinErrorMM:
			issues = append(issues, fmt.Sprintf(
				"Feature at %s: %.3fmm at target scale, below resin printer resolution (%gmm). Will not resolve.",
				loc, dim, ResinErrorMM))
		case dim < ResinWarnMM:
			warnings = append(warnings, fmt.Sprintf(
				"Feature at %s: %.3fmm at target scale, below recommended minimum (%gmm). May be fragile.",
				loc, dim, ResinWarnMM))
		}
	}

	printable := boolField(result, "printable")
	var summary string
	switch {
	case printable && len(issues) == 0 && len(warnings) == 0:
		summary = "Mesh is print-ready."
	case printable && len(issues) == 0:
		summary = fmt.Sprintf("Mesh is print-ready with %d warning(s).", len(warnings))
	default:
		summary = fmt.Sprintf("Mesh has %d issue(s) that should be resolved before printing.", len(issues))
	}

	out := maps.Clone(result)
	if out == nil {
		out = map[string]any{}
	}
	out["summary"] = summary
	out["issues"] = issues
	out["warnings"] = warnings
	out["recommendations"] = recommendations
	return out
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// intField coerces a numeric field. JSON decoding yields float64, handler
// results built in Go may carry int.
func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func featureList(v any) []map[string]any {
	switch feats := v.(type) {
	case []map[string]any:
		return feats
	case []any:
		out := make([]map[string]any, 0, len(feats))
		for _, f := range feats {
			if m, ok := f.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func locationString(v any) string {
	switch loc := v.(type) {
	case nil:
		return "unknown"
	case string:
		return loc
	default:
		return fmt.Sprintf("%v", loc)
	}
}

package hostsim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/dispatch"
	"github.com/meshforge/meshbridge/internal/printability"
)

func (h *Host) handleExportMesh(ctx context.Context, params map[string]any) (map[string]any, error) {
	filePath := stringParam(params, "filepath", "")
	format := strings.ToLower(stringParam(params, "format", "stl"))
	scale := floatParam(params, "scale", 1.0)
	validate := boolParam(params, "validate", true)
	objectNames, objectsGiven := stringsParam(params, "objects")

	var nameArg []string
	if objectsGiven {
		nameArg = objectNames
		if nameArg == nil {
			nameArg = []string{}
		}
	}
	if err := printability.ValidateExportParams(filePath, format, scale, nameArg); err != nil {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrInvalidParams, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if objectsGiven {
		sel := map[string]bool{}
		for _, name := range objectNames {
			if h.findLocked(name) == nil {
				return nil, fmt.Errorf("%w: %q; existing objects: %v",
					dispatch.ErrNotFound, name, h.namesLocked())
			}
			sel[name] = true
		}
		h.selected = sel
	}

	var meshes []*Object
	for _, o := range h.objects {
		if h.selected[o.Name] && o.Type == "MESH" {
			meshes = append(meshes, o)
		}
	}
	if len(meshes) == 0 {
		return nil, fmt.Errorf("%w: no mesh objects selected for export; pass 'objects' or select meshes in MeshForge first",
			dispatch.ErrInvalidParams)
	}

	var validation map[string]any
	if validate {
		validation = manifoldReport(meshes)
	}

	totalVerts, totalFaces := 0, 0
	data := make([]meshData, 0, len(meshes))
	bounds := newMeshStats()
	for _, o := range meshes {
		totalVerts += o.Vertices
		totalFaces += o.Faces
		min := scaleVec(o.Min, scale)
		max := scaleVec(o.Max, scale)
		bounds.observe(min)
		bounds.observe(max)
		data = append(data, meshData{name: o.Name, tris: boxTriangles(min, max)})
	}

	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}

	var payload []byte
	switch format {
	case "stl":
		payload = encodeSTL(data)
	case "obj":
		payload = encodeOBJ(data)
	case "3mf":
		payload, err = encode3MF(data)
		if err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(abs, payload, 0o644); err != nil {
		return nil, err
	}

	h.logger.Info("exported mesh",
		zap.String("path", abs),
		zap.String("format", format),
		zap.Int("objects", len(meshes)))

	return map[string]any{
		"filepath":        abs,
		"format":          format,
		"object_count":    len(meshes),
		"total_vertices":  totalVerts,
		"total_faces":     totalFaces,
		"file_size_bytes": len(payload),
		"scale_applied":   scale,
		"bounding_box_scaled_mm": map[string]any{
			"x_mm": roundTo((bounds.Max[0]-bounds.Min[0])*1000, 3),
			"y_mm": roundTo((bounds.Max[1]-bounds.Min[1])*1000, 3),
			"z_mm": roundTo((bounds.Max[2]-bounds.Min[2])*1000, 3),
		},
		"validation_result": validation,
	}, nil
}

func manifoldReport(objects []*Object) map[string]any {
	per := make([]map[string]any, 0, len(objects))
	all := true
	for _, o := range objects {
		ok := o.manifold()
		all = all && ok
		per = append(per, map[string]any{
			"object":             o.Name,
			"is_manifold":        ok,
			"non_manifold_edges": o.NonManifoldEdges,
			"non_manifold_verts": o.NonManifoldVerts,
		})
	}
	return map[string]any{"all_manifold": all, "per_object": per}
}

func (h *Host) handleImportMesh(ctx context.Context, params map[string]any) (map[string]any, error) {
	filePath := stringParam(params, "filepath", "")
	if filePath == "" {
		return nil, fmt.Errorf("%w: filepath is required", dispatch.ErrInvalidParams)
	}
	scale := floatParam(params, "scale", 1.0)
	if scale <= 0 {
		return nil, fmt.Errorf("%w: scale must be positive, got %g", dispatch.ErrInvalidParams, scale)
	}
	format := strings.ToLower(stringParam(params, "format", ""))
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var stats meshStats
	switch format {
	case "stl":
		stats, err = decodeSTL(data)
	case "obj":
		stats, err = decodeOBJ(data)
	case "3mf":
		stats, err = decode3MF(data)
	case "step":
		return nil, errors.New("STEP import requires the CAD importer addon; use execute_code with an importer available in the studio")
	default:
		return nil, fmt.Errorf("%w: unsupported import format %q", dispatch.ErrInvalidParams, format)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s file: %w", format, err)
	}
	if stats.Vertices == 0 {
		return nil, fmt.Errorf("no geometry found in %s", filePath)
	}

	min := scaleVec(stats.Min, scale)
	max := scaleVec(stats.Max, scale)
	size := boundsSize(min, max)

	h.mu.Lock()
	defer h.mu.Unlock()

	base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	name := h.addObjectLocked(Object{
		Name: base, Type: "MESH", Visible: true,
		Vertices: stats.Vertices,
		Faces:    stats.Triangles,
		Min:      min, Max: max,
		VolumeM3: size[0] * size[1] * size[2],
	})
	h.selected = map[string]bool{name: true}

	h.logger.Info("imported mesh",
		zap.String("path", filePath),
		zap.String("object", name),
		zap.Int("vertices", stats.Vertices))

	return map[string]any{
		"imported_objects": []string{name},
		"object_count":     1,
		"total_vertices":   stats.Vertices,
		"total_faces":      stats.Triangles,
		"bounding_box": map[string]any{
			"min":    roundVec(min, 4),
			"max":    roundVec(max, 4),
			"size_m": roundVec(size, 4),
		},
	}, nil
}

func scaleVec(v [3]float64, s float64) [3]float64 {
	return [3]float64{v[0] * s, v[1] * s, v[2] * s}
}

func roundVec(v [3]float64, places int) []float64 {
	return []float64{roundTo(v[0], places), roundTo(v[1], places), roundTo(v[2], places)}
}

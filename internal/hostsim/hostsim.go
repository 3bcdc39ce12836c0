// Package hostsim is a stand-in MeshForge host: an in-memory scene wired to
// the bridge command set. It backs `meshbridge bridge` when no real studio
// process is attached, and gives the client stack something real to talk to
// in tests. Meshes are modelled by their bounding boxes plus recorded
// geometry stats; exports write genuine STL/OBJ/3MF files built from those
// boxes.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/dispatch"
	"github.com/meshforge/meshbridge/internal/printability"
	"github.com/meshforge/meshbridge/internal/protocol"
)

// AppVersion is the simulated MeshForge release the host reports during
// the handshake.
const AppVersion = "4.2.0"

// ThinFeature is a spot on a mesh thinner than the inspection threshold.
type ThinFeature struct {
	MinDimensionM float64
	Location      [3]float64
}

// Object is one scene member. Geometry is summarized, not stored: bounds,
// counts, and the printability findings a real inspection would produce.
type Object struct {
	Name    string
	Type    string // "MESH", "CAMERA", "LIGHT"
	Visible bool

	Vertices int
	Faces    int
	Min, Max [3]float64 // world-space bounds, meters
	VolumeM3 float64

	Modifiers []string
	Materials []string

	NonManifoldEdges  int
	NonManifoldVerts  int
	LooseVerts        int
	LooseEdges        int
	DegenerateFaces   int
	SelfIntersections bool
	ThinFeatures      []ThinFeature
}

func (o *Object) manifold() bool {
	return o.NonManifoldEdges == 0 && o.NonManifoldVerts == 0
}

// Host is the simulated application state.
type Host struct {
	logger *zap.Logger

	mu         sync.Mutex
	sceneName  string
	unitSystem string
	unitScale  float64
	frame      int
	objects    []*Object
	selected   map[string]bool
}

// New seeds the default scene: a clean two-meter cube plus camera and light.
func New(logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{
		logger:     logger,
		sceneName:  "Scene",
		unitSystem: "METRIC",
		unitScale:  1.0,
		frame:      1,
		selected:   map[string]bool{"Cube": true},
	}
	h.objects = []*Object{
		{
			Name: "Cube", Type: "MESH", Visible: true,
			Vertices: 8, Faces: 6,
			Min: [3]float64{-1, -1, -1}, Max: [3]float64{1, 1, 1},
			VolumeM3:  8.0,
			Materials: []string{"Material"},
		},
		{Name: "Camera", Type: "CAMERA", Visible: true},
		{Name: "Light", Type: "LIGHT", Visible: true},
	}
	return h
}

// Register installs the scene-backed command handlers on the table.
func (h *Host) Register(table *dispatch.Table) {
	table.Register(protocol.CommandGetSceneInfo, h.handleGetSceneInfo)
	table.Register(protocol.CommandExportMesh, h.handleExportMesh)
	table.Register(protocol.CommandImportMesh, h.handleImportMesh)
	table.Register(protocol.CommandCheckPrintability, h.handleCheckPrintability)
	table.Register(protocol.CommandScreenshot, h.handleScreenshot)
	table.Register(protocol.CommandExecuteCode, h.handleExecuteCode)
}

// AddObject puts an object into the scene, renaming it if the name is
// taken. Returns the final name.
func (h *Host) AddObject(o Object) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addObjectLocked(o)
}

func (h *Host) addObjectLocked(o Object) string {
	o.Name = h.uniqueNameLocked(o.Name)
	h.objects = append(h.objects, &o)
	return o.Name
}

// uniqueNameLocked suffixes duplicate names the way the studio does:
// "Cube", "Cube.001", "Cube.002".
func (h *Host) uniqueNameLocked(base string) string {
	if base == "" {
		base = "Object"
	}
	if h.findLocked(base) == nil {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s.%03d", base, i)
		if h.findLocked(name) == nil {
			return name
		}
	}
}

func (h *Host) findLocked(name string) *Object {
	for _, o := range h.objects {
		if o.Name == name {
			return o
		}
	}
	return nil
}

func (h *Host) namesLocked() []string {
	names := make([]string, 0, len(h.objects))
	for _, o := range h.objects {
		names = append(names, o.Name)
	}
	return names
}

// SelectObjects replaces the current selection. Unknown names are ignored.
func (h *Host) SelectObjects(names []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selected = map[string]bool{}
	for _, n := range names {
		if h.findLocked(n) != nil {
			h.selected[n] = true
		}
	}
}

func (h *Host) handleGetSceneInfo(ctx context.Context, params map[string]any) (map[string]any, error) {
	detail := stringParam(params, "detail_level", "summary")
	switch detail {
	case "summary", "mesh", "full":
	default:
		return nil, fmt.Errorf("%w: detail_level must be 'summary', 'mesh', or 'full', got %q",
			dispatch.ErrInvalidParams, detail)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	objs := make([]map[string]any, 0, len(h.objects))
	for _, o := range h.objects {
		info := map[string]any{
			"name":    o.Name,
			"type":    o.Type,
			"visible": o.Visible,
		}
		if (detail == "mesh" || detail == "full") && o.Type == "MESH" {
			size := boundsSize(o.Min, o.Max)
			info["vertex_count"] = o.Vertices
			info["face_count"] = o.Faces
			info["bounding_box"] = map[string]any{
				"min":  []float64{o.Min[0], o.Min[1], o.Min[2]},
				"max":  []float64{o.Max[0], o.Max[1], o.Max[2]},
				"size": []float64{size[0], size[1], size[2]},
			}
		}
		if detail == "full" {
			info["modifiers"] = append([]string{}, o.Modifiers...)
			if o.Type == "MESH" {
				info["materials"] = append([]string{}, o.Materials...)
			}
		}
		objs = append(objs, info)
	}

	return map[string]any{
		"scene_name":    h.sceneName,
		"object_count":  len(h.objects),
		"unit_system":   h.unitSystem,
		"unit_scale":    h.unitScale,
		"frame_current": h.frame,
		"objects":       objs,
	}, nil
}

func (h *Host) handleCheckPrintability(ctx context.Context, params map[string]any) (map[string]any, error) {
	name := stringParam(params, "object_name", "")
	if name == "" {
		return nil, fmt.Errorf("%w: object_name is required", dispatch.ErrInvalidParams)
	}
	minThickness := floatParam(params, "min_thickness", 0.005)
	targetScale := floatParam(params, "target_scale", printability.HOScale)

	h.mu.Lock()
	defer h.mu.Unlock()

	obj := h.findLocked(name)
	if obj == nil {
		return nil, fmt.Errorf("%w: %q; existing objects: %v", dispatch.ErrNotFound, name, h.namesLocked())
	}
	if obj.Type != "MESH" {
		return nil, fmt.Errorf("%w: object %q is type %s, not MESH", dispatch.ErrInvalidParams, name, obj.Type)
	}

	thin := make([]map[string]any, 0)
	for _, tf := range obj.ThinFeatures {
		if tf.MinDimensionM >= minThickness {
			continue
		}
		thin = append(thin, map[string]any{
			"min_dimension_prototype_m": roundTo(tf.MinDimensionM, 6),
			"min_dimension_scaled_mm":   roundTo(tf.MinDimensionM*targetScale*1000, 4),
			"location": []float64{
				roundTo(tf.Location[0], 4),
				roundTo(tf.Location[1], 4),
				roundTo(tf.Location[2], 4),
			},
		})
	}

	size := boundsSize(obj.Min, obj.Max)
	printable := obj.manifold() && obj.LooseVerts == 0 && obj.LooseEdges == 0 && obj.DegenerateFaces == 0

	return map[string]any{
		"object_name":        obj.Name,
		"is_manifold":        obj.manifold(),
		"non_manifold_edges": obj.NonManifoldEdges,
		"non_manifold_verts": obj.NonManifoldVerts,
		"loose_geometry": map[string]any{
			"vertices": obj.LooseVerts,
			"edges":    obj.LooseEdges,
		},
		"degenerate_faces":   obj.DegenerateFaces,
		"self_intersections": obj.SelfIntersections,
		"thin_features":      thin,
		"bounding_box": map[string]any{
			"prototype_m": []float64{roundTo(size[0], 4), roundTo(size[1], 4), roundTo(size[2], 4)},
			"scaled_mm": []float64{
				roundTo(size[0]*targetScale*1000, 3),
				roundTo(size[1]*targetScale*1000, 3),
				roundTo(size[2]*targetScale*1000, 3),
			},
		},
		"volume": map[string]any{
			"prototype_m3": roundTo(obj.VolumeM3, 6),
			"scaled_mm3":   roundTo(obj.VolumeM3*math.Pow(targetScale, 3)*1e9, 3),
		},
		"target_scale": targetScale,
		"printable":    printable,
	}, nil
}

func (h *Host) handleExecuteCode(ctx context.Context, params map[string]any) (map[string]any, error) {
	code := stringParam(params, "code", "")
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", dispatch.ErrInvalidParams)
	}
	return nil, errors.New("execute_code requires the MeshForge studio runtime; the simulated host cannot run scripts")
}

func boundsSize(min, max [3]float64) [3]float64 {
	return [3]float64{max[0] - min[0], max[1] - min[1], max[2] - min[2]}
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

// floatParam accepts JSON numbers (float64) and plain ints from direct
// callers.
func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}

// stringsParam distinguishes an absent list (nil, false) from a present one.
func stringsParam(params map[string]any, key string) ([]string, bool) {
	switch v := params[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

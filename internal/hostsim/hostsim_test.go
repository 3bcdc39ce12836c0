package hostsim

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/png"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshforge/meshbridge/internal/dispatch"
	"github.com/meshforge/meshbridge/internal/printability"
	"github.com/meshforge/meshbridge/internal/protocol"
)

func TestSceneInfoSummary(t *testing.T) {
	h := New(nil)
	result, err := h.handleGetSceneInfo(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("get_scene_info: %v", err)
	}
	if result["scene_name"] != "Scene" || result["object_count"] != 3 {
		t.Fatalf("scene = %v", result)
	}
	objs := result["objects"].([]map[string]any)
	if len(objs) != 3 {
		t.Fatalf("objects = %d, want 3", len(objs))
	}
	if _, ok := objs[0]["vertex_count"]; ok {
		t.Fatal("summary detail must not include mesh stats")
	}
}

func TestSceneInfoMeshDetail(t *testing.T) {
	h := New(nil)
	result, err := h.handleGetSceneInfo(context.Background(), map[string]any{"detail_level": "mesh"})
	if err != nil {
		t.Fatalf("get_scene_info: %v", err)
	}
	objs := result["objects"].([]map[string]any)
	cube := objs[0]
	if cube["name"] != "Cube" {
		t.Fatalf("first object = %v", cube["name"])
	}
	if cube["vertex_count"] != 8 || cube["face_count"] != 6 {
		t.Fatalf("cube stats = %v", cube)
	}
	bb := cube["bounding_box"].(map[string]any)
	size := bb["size"].([]float64)
	if size[0] != 2 || size[1] != 2 || size[2] != 2 {
		t.Fatalf("cube size = %v", size)
	}
	// Camera carries no mesh stats at any detail level.
	if _, ok := objs[1]["vertex_count"]; ok {
		t.Fatal("camera should not have mesh stats")
	}
}

func TestSceneInfoFullDetail(t *testing.T) {
	h := New(nil)
	result, err := h.handleGetSceneInfo(context.Background(), map[string]any{"detail_level": "full"})
	if err != nil {
		t.Fatalf("get_scene_info: %v", err)
	}
	objs := result["objects"].([]map[string]any)
	mats := objs[0]["materials"].([]string)
	if len(mats) != 1 || mats[0] != "Material" {
		t.Fatalf("cube materials = %v", mats)
	}
	if _, ok := objs[0]["modifiers"]; !ok {
		t.Fatal("full detail should include modifiers")
	}
	if _, ok := objs[1]["materials"]; ok {
		t.Fatal("camera should not have materials")
	}
}

func TestSceneInfoRejectsUnknownDetail(t *testing.T) {
	h := New(nil)
	_, err := h.handleGetSceneInfo(context.Background(), map[string]any{"detail_level": "verbose"})
	if !errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("err = %v, want invalid params", err)
	}
}

func TestExportMeshWritesSTL(t *testing.T) {
	h := New(nil)
	out := filepath.Join(t.TempDir(), "cube.stl")
	result, err := h.handleExportMesh(context.Background(), map[string]any{"filepath": out})
	if err != nil {
		t.Fatalf("export_mesh: %v", err)
	}

	if result["format"] != "stl" || result["object_count"] != 1 {
		t.Fatalf("result = %v", result)
	}
	if result["total_vertices"] != 8 || result["total_faces"] != 6 {
		t.Fatalf("totals = %v", result)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if want := 84 + 12*50; len(data) != want {
		t.Fatalf("file size = %d, want %d", len(data), want)
	}
	stats, err := decodeSTL(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Triangles != 12 {
		t.Fatalf("triangles = %d, want 12", stats.Triangles)
	}

	bb := result["bounding_box_scaled_mm"].(map[string]any)
	if bb["x_mm"] != 2000.0 {
		t.Fatalf("x_mm = %v, want 2000", bb["x_mm"])
	}
	validation := result["validation_result"].(map[string]any)
	if validation["all_manifold"] != true {
		t.Fatalf("validation = %v", validation)
	}
}

func TestExportMeshAppliesScale(t *testing.T) {
	h := New(nil)
	out := filepath.Join(t.TempDir(), "half.stl")
	result, err := h.handleExportMesh(context.Background(), map[string]any{
		"filepath": out,
		"scale":    0.5,
		"validate": false,
	})
	if err != nil {
		t.Fatalf("export_mesh: %v", err)
	}
	bb := result["bounding_box_scaled_mm"].(map[string]any)
	if bb["x_mm"] != 1000.0 {
		t.Fatalf("x_mm = %v, want 1000", bb["x_mm"])
	}
	if v := result["validation_result"].(map[string]any); v != nil {
		t.Fatalf("validation_result = %v, want nil when validate=false", v)
	}
}

func TestExportMeshUnknownObject(t *testing.T) {
	h := New(nil)
	_, err := h.handleExportMesh(context.Background(), map[string]any{
		"filepath": filepath.Join(t.TempDir(), "x.stl"),
		"objects":  []any{"Missing"},
	})
	if !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestExportMeshRejectsBadSelections(t *testing.T) {
	h := New(nil)
	out := filepath.Join(t.TempDir(), "x.stl")

	_, err := h.handleExportMesh(context.Background(), map[string]any{
		"filepath": out,
		"objects":  []any{},
	})
	if !errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("empty objects err = %v, want invalid params", err)
	}

	h.SelectObjects([]string{"Camera"})
	_, err = h.handleExportMesh(context.Background(), map[string]any{"filepath": out})
	if !errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("no-mesh selection err = %v, want invalid params", err)
	}
}

func TestExportThenImportRoundTrip(t *testing.T) {
	cases := []struct {
		format    string
		wantVerts int
	}{
		{"stl", 36}, // 12 triangles, vertices counted per triangle
		{"obj", 36},
		{"3mf", 8}, // vertices deduplicated in the model document
	}
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			h := New(nil)
			out := filepath.Join(t.TempDir(), "part."+tc.format)
			if _, err := h.handleExportMesh(context.Background(), map[string]any{
				"filepath": out,
				"format":   tc.format,
			}); err != nil {
				t.Fatalf("export: %v", err)
			}

			result, err := h.handleImportMesh(context.Background(), map[string]any{"filepath": out})
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			imported := result["imported_objects"].([]string)
			if len(imported) != 1 || imported[0] != "part" {
				t.Fatalf("imported = %v", imported)
			}
			if result["total_vertices"] != tc.wantVerts {
				t.Fatalf("vertices = %v, want %d", result["total_vertices"], tc.wantVerts)
			}
			if result["total_faces"] != 12 {
				t.Fatalf("faces = %v, want 12", result["total_faces"])
			}
			bb := result["bounding_box"].(map[string]any)
			size := bb["size_m"].([]float64)
			if size[0] != 2 || size[1] != 2 || size[2] != 2 {
				t.Fatalf("size_m = %v, want [2 2 2]", size)
			}
			// The new object joins the scene and takes over the selection.
			if h.findLocked("part") == nil {
				t.Fatal("imported object missing from scene")
			}
			if !h.selected["part"] {
				t.Fatal("imported object should be selected")
			}
		})
	}
}

func TestImportMeshMissingFile(t *testing.T) {
	h := New(nil)
	_, err := h.handleImportMesh(context.Background(), map[string]any{
		"filepath": filepath.Join(t.TempDir(), "absent.stl"),
	})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestImportMeshFormatErrors(t *testing.T) {
	h := New(nil)
	path := filepath.Join(t.TempDir(), "part.xyz")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := h.handleImportMesh(context.Background(), map[string]any{"filepath": path})
	if !errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("unknown format err = %v, want invalid params", err)
	}

	_, err = h.handleImportMesh(context.Background(), map[string]any{
		"filepath": path,
		"format":   "step",
	})
	if err == nil || errors.Is(err, dispatch.ErrInvalidParams) || errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("step err = %v, want plain execution error", err)
	}
}

func TestCheckPrintabilityCleanCube(t *testing.T) {
	h := New(nil)
	result, err := h.handleCheckPrintability(context.Background(), map[string]any{"object_name": "Cube"})
	if err != nil {
		t.Fatalf("check_printability: %v", err)
	}
	if result["printable"] != true || result["is_manifold"] != true {
		t.Fatalf("result = %v", result)
	}
	bb := result["bounding_box"].(map[string]any)
	scaled := bb["scaled_mm"].([]float64)
	want := roundTo(2*printability.HOScale*1000, 3)
	if scaled[0] != want {
		t.Fatalf("scaled_mm = %v, want %v", scaled[0], want)
	}
	vol := result["volume"].(map[string]any)
	if vol["prototype_m3"] != 8.0 {
		t.Fatalf("volume = %v", vol)
	}
	if math.Abs(result["target_scale"].(float64)-printability.HOScale) > 1e-9 {
		t.Fatalf("target_scale = %v", result["target_scale"])
	}
}

func TestCheckPrintabilityDirtyMesh(t *testing.T) {
	h := New(nil)
	h.AddObject(Object{
		Name: "Broken", Type: "MESH", Visible: true,
		Vertices: 100, Faces: 90,
		Min: [3]float64{0, 0, 0}, Max: [3]float64{1, 1, 1},
		VolumeM3:         0.5,
		NonManifoldEdges: 3,
		LooseVerts:       2,
		DegenerateFaces:  1,
		ThinFeatures: []ThinFeature{
			{MinDimensionM: 0.0002, Location: [3]float64{0.1, 0.2, 0.3}},
			{MinDimensionM: 0.01, Location: [3]float64{0.5, 0.5, 0.5}},
		},
	})

	result, err := h.handleCheckPrintability(context.Background(), map[string]any{"object_name": "Broken"})
	if err != nil {
		t.Fatalf("check_printability: %v", err)
	}
	if result["printable"] != false || result["is_manifold"] != false {
		t.Fatalf("result = %v", result)
	}
	thin := result["thin_features"].([]map[string]any)
	if len(thin) != 1 {
		t.Fatalf("thin features = %v, want only the sub-threshold one", thin)
	}
	if thin[0]["min_dimension_prototype_m"] != 0.0002 {
		t.Fatalf("thin feature = %v", thin[0])
	}
	loose := result["loose_geometry"].(map[string]any)
	if loose["vertices"] != 2 {
		t.Fatalf("loose = %v", loose)
	}
}

func TestCheckPrintabilityErrors(t *testing.T) {
	h := New(nil)
	_, err := h.handleCheckPrintability(context.Background(), map[string]any{"object_name": "Ghost"})
	if !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("missing object err = %v", err)
	}
	_, err = h.handleCheckPrintability(context.Background(), map[string]any{"object_name": "Camera"})
	if !errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("wrong type err = %v", err)
	}
	_, err = h.handleCheckPrintability(context.Background(), map[string]any{})
	if !errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("missing name err = %v", err)
	}
}

func TestScreenshotReturnsBase64(t *testing.T) {
	h := New(nil)
	result, err := h.handleScreenshot(context.Background(), map[string]any{
		"width":  64.0,
		"height": 48.0,
	})
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(result["image_base64"].(string))
	if err != nil {
		t.Fatalf("decoding image: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parsing PNG: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Fatalf("image = %dx%d, want 64x48", cfg.Width, cfg.Height)
	}
}

func TestScreenshotWritesFile(t *testing.T) {
	h := New(nil)
	out := filepath.Join(t.TempDir(), "view.png")
	result, err := h.handleScreenshot(context.Background(), map[string]any{
		"filepath": out,
		"width":    32.0,
		"height":   32.0,
	})
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if result["file_size_bytes"] != int(info.Size()) {
		t.Fatalf("file_size_bytes = %v, stat says %d", result["file_size_bytes"], info.Size())
	}
	if _, ok := result["image_base64"]; ok {
		t.Fatal("file mode should not include base64 payload")
	}
}

func TestScreenshotRejectsBadDimensions(t *testing.T) {
	h := New(nil)
	for _, params := range []map[string]any{
		{"width": 0.0},
		{"height": -5.0},
		{"width": 100000.0},
	} {
		if _, err := h.handleScreenshot(context.Background(), params); !errors.Is(err, dispatch.ErrInvalidParams) {
			t.Fatalf("params %v: err = %v, want invalid params", params, err)
		}
	}
}

func TestExecuteCodeIsUnsupported(t *testing.T) {
	h := New(nil)
	_, err := h.handleExecuteCode(context.Background(), map[string]any{"code": "print('hi')"})
	if err == nil || errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("err = %v, want plain execution error", err)
	}
	_, err = h.handleExecuteCode(context.Background(), map[string]any{})
	if !errors.Is(err, dispatch.ErrInvalidParams) {
		t.Fatalf("missing code err = %v, want invalid params", err)
	}
}

func TestAddObjectDedupesNames(t *testing.T) {
	h := New(nil)
	if got := h.AddObject(Object{Name: "Cube", Type: "MESH"}); got != "Cube.001" {
		t.Fatalf("first duplicate = %q, want Cube.001", got)
	}
	if got := h.AddObject(Object{Name: "Cube", Type: "MESH"}); got != "Cube.002" {
		t.Fatalf("second duplicate = %q, want Cube.002", got)
	}
}

// Errors crossing the dispatch table must land on the wire taxonomy.
func TestHandlersClassifyThroughDispatch(t *testing.T) {
	h := New(nil)
	table := dispatch.NewTable(nil)
	h.Register(table)

	resp := table.Dispatch(context.Background(), protocol.NewRequest(protocol.CommandExportMesh, map[string]any{
		"filepath": filepath.Join(t.TempDir(), "x.stl"),
		"objects":  []any{"Missing"},
	}))
	if resp.Error == nil || resp.Error.Code != protocol.CodeObjectNotFound {
		t.Fatalf("export error = %+v, want OBJECT_NOT_FOUND", resp.Error)
	}

	resp = table.Dispatch(context.Background(), protocol.NewRequest(protocol.CommandImportMesh, map[string]any{
		"filepath": filepath.Join(t.TempDir(), "absent.stl"),
	}))
	if resp.Error == nil || resp.Error.Code != protocol.CodeImportFailed {
		t.Fatalf("import error = %+v, want IMPORT_FAILED", resp.Error)
	}

	resp = table.Dispatch(context.Background(), protocol.NewRequest(protocol.CommandExecuteCode, map[string]any{
		"code": "remesh()",
	}))
	if resp.Error == nil || resp.Error.Code != protocol.CodeExecutionError {
		t.Fatalf("execute error = %+v, want EXECUTION_ERROR", resp.Error)
	}
}

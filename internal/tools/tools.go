package tools

import (
	"context"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/meshforge/meshbridge/internal/printability"
	"github.com/meshforge/meshbridge/internal/protocol"
)

const (
	executeGraceSeconds = 5.0

	exportTimeout     = 60 * time.Second
	screenshotTimeout = 30 * time.Second
	importTimeout     = 30 * time.Second
)

// Register installs the seven bridge tools. manage_connection stays
// outside the instrumentation wrapper so reading the performance report
// does not show up in the performance report.
func (s *Service) Register(srv *server.MCPServer) {
	srv.AddTool(executeCodeTool, s.instrument("execute_code", s.executeCode))
	srv.AddTool(getSceneInfoTool, s.instrument("get_scene_info", s.getSceneInfo))
	srv.AddTool(exportMeshTool, s.instrument("export_mesh", s.exportMesh))
	srv.AddTool(checkPrintabilityTool, s.instrument("check_printability", s.checkPrintability))
	srv.AddTool(screenshotTool, s.instrument("screenshot", s.screenshot))
	srv.AddTool(importMeshTool, s.instrument("import_mesh", s.importMesh))
	srv.AddTool(manageConnectionTool, s.manageConnection)
}

var executeCodeTool = mcp.Tool{
	Name: "execute_code",
	Description: "Execute a script in MeshForge's embedded runtime. The script has " +
		"access to the full MeshForge API; use this for operations not covered by a " +
		"dedicated tool (modifier stacks, generator addons, custom mesh edits).",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Script to run in MeshForge's main namespace.",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Seconds to wait for completion. Growth simulations may need 120+.",
				"default":     30,
			},
		},
		Required: []string{"code"},
	},
}

func (s *Service) executeCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return nil, err
	}
	timeout := req.GetFloat("timeout", 30)

	if err := s.ensureConnected(ctx); err != nil {
		return s.transportResult(err), nil
	}
	resp, err := s.conn.SendCommand(ctx, protocol.CommandExecuteCode, map[string]any{
		"code":    code,
		"timeout": timeout,
	}, secondsToDuration(timeout+executeGraceSeconds))
	if err != nil {
		return s.transportResult(err), nil
	}
	return s.bridgeResult(resp), nil
}

var getSceneInfoTool = mcp.Tool{
	Name:        "get_scene_info",
	Description: "Return structured information about the current MeshForge scene.",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"detail_level": map[string]any{
				"type": "string",
				"description": "summary lists names and types; mesh adds vertex/face counts " +
					"and bounding boxes; full adds materials and modifier stacks.",
				"enum":    []string{"summary", "mesh", "full"},
				"default": "summary",
			},
		},
	},
}

func (s *Service) getSceneInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	detail := req.GetString("detail_level", "summary")
	switch detail {
	case "summary", "mesh", "full":
	default:
		return invalidParamsResult("Invalid detail_level %q. Must be 'summary', 'mesh', or 'full'.", detail), nil
	}

	if err := s.ensureConnected(ctx); err != nil {
		return s.transportResult(err), nil
	}
	resp, err := s.conn.SendCommand(ctx, protocol.CommandGetSceneInfo, map[string]any{
		"detail_level": detail,
	}, 0)
	if err != nil {
		return s.transportResult(err), nil
	}
	return s.bridgeResult(resp), nil
}

var exportMeshTool = mcp.Tool{
	Name: "export_mesh",
	Description: "Export mesh objects to a file for production (3D printing or CNC). " +
		"Modeling happens at prototype scale in meters; apply scale at export to size " +
		"the output. For HO scale pass scale=\"ho\" or 0.01148.",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"filepath": map[string]any{
				"type":        "string",
				"description": "Output file path (absolute path recommended).",
			},
			"objects": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Object names to export. Default: all selected mesh objects.",
			},
			"format": map[string]any{
				"type":    "string",
				"enum":    []string{"stl", "obj", "3mf"},
				"default": "stl",
			},
			"scale": map[string]any{
				"type":        []string{"number", "string"},
				"description": "Scale factor applied at export only, or the string \"ho\" for 1:87.1.",
				"default":     1.0,
			},
			"validate": map[string]any{
				"type":        "boolean",
				"description": "Run a manifold check before export.",
				"default":     true,
			},
		},
		Required: []string{"filepath"},
	},
}

func (s *Service) exportMesh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("filepath")
	if err != nil {
		return nil, err
	}
	format := req.GetString("format", "stl")
	validate := req.GetBool("validate", true)
	args := req.GetArguments()

	scale := 1.0
	switch v := args["scale"].(type) {
	case nil:
	case float64:
		scale = v
	case int:
		scale = float64(v)
	case string:
		if !strings.EqualFold(v, "ho") && !strings.EqualFold(v, "h0") {
			return invalidParamsResult("scale must be a number or the string \"ho\", got %q", v), nil
		}
		scale = printability.HOScale
	default:
		return invalidParamsResult("scale must be a number or the string \"ho\""), nil
	}

	var objects []string
	if raw, ok := args["objects"]; ok && raw != nil {
		objects, ok = stringList(raw)
		if !ok {
			return invalidParamsResult("objects must be an array of object names"), nil
		}
	}

	if verr := printability.ValidateExportParams(path, format, scale, objects); verr != nil {
		return invalidParamsResult("%v", verr), nil
	}

	if err := s.ensureConnected(ctx); err != nil {
		return s.transportResult(err), nil
	}
	params := map[string]any{
		"filepath": path,
		"format":   format,
		"scale":    scale,
		"validate": validate,
	}
	if objects != nil {
		params["objects"] = objects
	}
	resp, err := s.conn.SendCommand(ctx, protocol.CommandExportMesh, params, exportTimeout)
	if err != nil {
		return s.transportResult(err), nil
	}
	return s.bridgeResult(resp), nil
}

var checkPrintabilityTool = mcp.Tool{
	Name: "check_printability",
	Description: "Analyze a mesh object for 3D-printing readiness: manifold status, " +
		"thin features, loose geometry, and dimensions at both prototype and target scale. " +
		"The result includes a plain-language interpretation with recommended fixes.",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"object_name": map[string]any{
				"type":        "string",
				"description": "Name of the mesh object to analyze.",
			},
			"min_thickness": map[string]any{
				"type": "number",
				"description": "Minimum wall thickness in prototype meters. " +
					"Default 0.005 (5mm prototype, about 0.057mm at HO).",
				"default": 0.005,
			},
			"target_scale": map[string]any{
				"type":        "number",
				"description": "Scale factor for the scaled-size report. Default 0.01148 (HO 1:87.1).",
				"default":     0.01148,
			},
		},
		Required: []string{"object_name"},
	},
}

func (s *Service) checkPrintability(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("object_name")
	if err != nil {
		return nil, err
	}
	minThickness := req.GetFloat("min_thickness", 0.005)
	targetScale := req.GetFloat("target_scale", printability.HOScale)

	if err := s.ensureConnected(ctx); err != nil {
		return s.transportResult(err), nil
	}
	resp, err := s.conn.SendCommand(ctx, protocol.CommandCheckPrintability, map[string]any{
		"object_name":   name,
		"min_thickness": minThickness,
		"target_scale":  targetScale,
	}, 0)
	if err != nil {
		return s.transportResult(err), nil
	}
	if !resp.IsSuccess() {
		return remoteErrorResult(resp.Error), nil
	}

	payload := printability.Interpret(resp.Result)
	payload["status"] = "success"
	return textResult(payload), nil
}

var screenshotTool = mcp.Tool{
	Name: "screenshot",
	Description: "Capture the current MeshForge viewport as a PNG for visual " +
		"verification. Returns the image inline unless filepath is given.",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"filepath": map[string]any{
				"type":        "string",
				"description": "Where to save the screenshot. Omit to receive the image inline.",
			},
			"width": map[string]any{
				"type":    "number",
				"default": 1920,
			},
			"height": map[string]any{
				"type":    "number",
				"default": 1080,
			},
		},
	},
}

func (s *Service) screenshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	width := req.GetFloat("width", 1920)
	height := req.GetFloat("height", 1080)

	if err := s.ensureConnected(ctx); err != nil {
		return s.transportResult(err), nil
	}
	params := map[string]any{"width": width, "height": height}
	if path := req.GetString("filepath", ""); path != "" {
		params["filepath"] = path
	}
	resp, err := s.conn.SendCommand(ctx, protocol.CommandScreenshot, params, screenshotTimeout)
	if err != nil {
		return s.transportResult(err), nil
	}
	if !resp.IsSuccess() {
		return remoteErrorResult(resp.Error), nil
	}

	if b64, ok := resp.Result["image_base64"].(string); ok {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.ImageContent{Type: "image", Data: b64, MIMEType: "image/png"},
			},
		}, nil
	}
	return successResult(resp.Result), nil
}

var importMeshTool = mcp.Tool{
	Name: "import_mesh",
	Description: "Import a mesh file into the current MeshForge scene. Supports the " +
		"parametric-CAD handoff: base geometry modeled elsewhere is imported here for " +
		"organic detailing.",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"filepath": map[string]any{
				"type":        "string",
				"description": "Path of the mesh file to import.",
			},
			"format": map[string]any{
				"type":        "string",
				"enum":        []string{"stl", "obj", "3mf", "step"},
				"description": "File format. Default: auto-detect from the extension.",
			},
			"scale": map[string]any{
				"type":        "number",
				"description": "Scale factor applied on import.",
				"default":     1.0,
			},
		},
		Required: []string{"filepath"},
	},
}

func (s *Service) importMesh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("filepath")
	if err != nil {
		return nil, err
	}
	format := req.GetString("format", "")
	switch format {
	case "", "stl", "obj", "3mf", "step":
	default:
		return invalidParamsResult("Invalid format %q. Must be 'stl', 'obj', '3mf', 'step', or omit for auto-detect.", format), nil
	}
	scale := req.GetFloat("scale", 1.0)

	if err := s.ensureConnected(ctx); err != nil {
		return s.transportResult(err), nil
	}
	params := map[string]any{"filepath": path, "scale": scale}
	if format != "" {
		params["format"] = format
	}
	resp, err := s.conn.SendCommand(ctx, protocol.CommandImportMesh, params, importTimeout)
	if err != nil {
		return s.transportResult(err), nil
	}
	return s.bridgeResult(resp), nil
}

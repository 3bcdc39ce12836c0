package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/meshforge/meshbridge/internal/protocol"
)

func okHandler(result map[string]any) Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return result, nil
	}
}

func failHandler(err error) Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, err
	}
}

func request(command, version string, params map[string]any) *protocol.Request {
	if params == nil {
		params = map[string]any{}
	}
	return &protocol.Request{
		ProtocolVersion: version,
		MessageID:       "msg-test",
		Command:         command,
		Params:          params,
	}
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	table := NewTable(nil)
	table.Register(protocol.CommandPing, okHandler(map[string]any{"pong": true}))

	resp := table.Dispatch(context.Background(), request("warp_drive", protocol.Version, nil))

	if resp.IsSuccess() {
		t.Fatal("unknown command dispatched successfully")
	}
	if resp.Error.Code != protocol.CodeInvalidCommand {
		t.Fatalf("code = %q, want %q", resp.Error.Code, protocol.CodeInvalidCommand)
	}
	if resp.MessageID != "msg-test" {
		t.Fatalf("message id = %q, want %q", resp.MessageID, "msg-test")
	}
	valid, ok := resp.Error.Context["valid_commands"].([]string)
	if !ok || len(valid) != 1 || valid[0] != protocol.CommandPing {
		t.Fatalf("valid_commands = %v, want [%q]", resp.Error.Context["valid_commands"], protocol.CommandPing)
	}
}

func TestDispatchVersionGateRunsBeforeHandler(t *testing.T) {
	calls := 0
	table := NewTable(nil)
	table.Register(protocol.CommandPing, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{"pong": true}, nil
	})

	resp := table.Dispatch(context.Background(), request(protocol.CommandPing, "0.2.0", nil))

	if calls != 0 {
		t.Fatalf("handler ran %d times despite version mismatch", calls)
	}
	if resp.Error.Code != protocol.CodeVersionMismatch {
		t.Fatalf("code = %q, want %q", resp.Error.Code, protocol.CodeVersionMismatch)
	}
	if !strings.Contains(resp.Error.Message, "Update the MeshForge bridge addon") {
		t.Fatalf("mismatch message %q does not name the stale bridge side", resp.Error.Message)
	}

	resp = table.Dispatch(context.Background(), request(protocol.CommandPing, "0.0.9", nil))
	if !strings.Contains(resp.Error.Message, "Update the MCP server") {
		t.Fatalf("mismatch message %q does not name the stale server side", resp.Error.Message)
	}
}

func TestDispatchTreatsMissingVersionAsLocal(t *testing.T) {
	table := NewTable(nil)
	table.Register(protocol.CommandPing, okHandler(map[string]any{"pong": true}))

	resp := table.Dispatch(context.Background(), request(protocol.CommandPing, "", nil))
	if !resp.IsSuccess() {
		t.Fatalf("dispatch failed: %v", resp.Error)
	}
}

func TestDispatchInjectsExecutionTime(t *testing.T) {
	table := NewTable(nil)
	table.Register(protocol.CommandPing, okHandler(map[string]any{"pong": true}))
	table.Register(protocol.CommandGetSceneInfo, okHandler(nil))

	resp := table.Dispatch(context.Background(), request(protocol.CommandPing, protocol.Version, nil))
	if !resp.IsSuccess() {
		t.Fatalf("dispatch failed: %v", resp.Error)
	}
	elapsed, ok := resp.Result["_execution_time"].(float64)
	if !ok {
		t.Fatalf("_execution_time missing from result %v", resp.Result)
	}
	if elapsed < 0 {
		t.Fatalf("_execution_time = %v, want >= 0", elapsed)
	}

	resp = table.Dispatch(context.Background(), request(protocol.CommandGetSceneInfo, protocol.Version, nil))
	if !resp.IsSuccess() {
		t.Fatalf("dispatch failed: %v", resp.Error)
	}
	if _, ok := resp.Result["_execution_time"]; !ok {
		t.Fatal("nil handler result did not become a timed empty map")
	}
}

func TestDispatchClassifiesHandlerErrors(t *testing.T) {
	cases := []struct {
		name     string
		command  string
		err      error
		wantCode protocol.ErrorCode
	}{
		{
			name:     "not found sentinel",
			command:  protocol.CommandGetSceneInfo,
			err:      fmt.Errorf("object %q: %w", "Cube", ErrNotFound),
			wantCode: protocol.CodeObjectNotFound,
		},
		{
			name:     "invalid params sentinel",
			command:  protocol.CommandExportMesh,
			err:      fmt.Errorf("scale out of range: %w", ErrInvalidParams),
			wantCode: protocol.CodeInvalidParams,
		},
		{
			name:     "missing file on import",
			command:  protocol.CommandImportMesh,
			err:      fmt.Errorf("open model: %w", fs.ErrNotExist),
			wantCode: protocol.CodeImportFailed,
		},
		{
			name:     "missing file elsewhere",
			command:  protocol.CommandScreenshot,
			err:      fmt.Errorf("open target: %w", fs.ErrNotExist),
			wantCode: protocol.CodeExportFailed,
		},
		{
			name:     "os error on export",
			command:  protocol.CommandExportMesh,
			err:      &fs.PathError{Op: "write", Path: "/nope/model.stl", Err: errors.New("read-only file system")},
			wantCode: protocol.CodeExportFailed,
		},
		{
			name:     "os error elsewhere",
			command:  protocol.CommandScreenshot,
			err:      &fs.PathError{Op: "write", Path: "/nope/shot.png", Err: errors.New("read-only file system")},
			wantCode: protocol.CodeImportFailed,
		},
		{
			name:     "plain error",
			command:  protocol.CommandExecuteCode,
			err:      errors.New("geometry solver diverged"),
			wantCode: protocol.CodeExecutionError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := NewTable(nil)
			table.Register(tc.command, failHandler(tc.err))

			resp := table.Dispatch(context.Background(), request(tc.command, protocol.Version, nil))
			if resp.IsSuccess() {
				t.Fatal("dispatch succeeded, want error")
			}
			if resp.Error.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", resp.Error.Code, tc.wantCode)
			}
			if resp.Error.Context["command"] != tc.command {
				t.Fatalf("context command = %v, want %q", resp.Error.Context["command"], tc.command)
			}
		})
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	table := NewTable(nil)
	table.Register(protocol.CommandExecuteCode, func(ctx context.Context, params map[string]any) (map[string]any, error) {
		panic("kaboom")
	})

	resp := table.Dispatch(context.Background(), request(protocol.CommandExecuteCode, protocol.Version, nil))

	if resp.IsSuccess() {
		t.Fatal("panicking handler produced a success response")
	}
	if resp.Error.Code != protocol.CodeExecutionError {
		t.Fatalf("code = %q, want %q", resp.Error.Code, protocol.CodeExecutionError)
	}
	if !strings.Contains(resp.Error.Message, "kaboom") {
		t.Fatalf("message %q does not carry the panic value", resp.Error.Message)
	}
	if resp.Error.Traceback == "" {
		t.Fatal("panic response has no traceback")
	}
}

// Package dispatch routes bridge requests to registered command handlers and
// folds handler failures into wire error responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/meshbridge/internal/protocol"
)

// Handler executes one command on the bridge main loop. The returned map
// becomes the response result; a returned error is classified into a wire
// error code.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Classification sentinels for handler errors. Handlers wrap them with %w.
var (
	// ErrNotFound marks a missing scene object (OBJECT_NOT_FOUND).
	ErrNotFound = errors.New("object not found")
	// ErrInvalidParams marks unusable parameters (INVALID_PARAMS).
	ErrInvalidParams = errors.New("invalid params")
)

// Table maps command names to handlers. Register everything before the
// bridge starts serving; Dispatch itself runs on the single main-loop
// goroutine.
type Table struct {
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewTable returns an empty handler table.
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{handlers: map[string]Handler{}, logger: logger}
}

// Register binds command to h, replacing any previous binding.
func (t *Table) Register(command string, h Handler) {
	t.handlers[command] = h
}

// Commands returns the registered command names, sorted.
func (t *Table) Commands() []string {
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch executes the request and always returns a response carrying the
// request's message id. The version gate runs first, then command lookup;
// the handler is never invoked for either rejection. Handler panics become
// EXECUTION_ERROR responses instead of tearing down the bridge.
func (t *Table) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	if resp := t.checkVersion(req); resp != nil {
		return resp
	}
	h, ok := t.handlers[req.Command]
	if !ok {
		resp := protocol.NewErrorResponse(req.MessageID, protocol.CodeInvalidCommand,
			fmt.Sprintf("Unknown command: %s", req.Command))
		resp.Error.Context = map[string]any{"valid_commands": t.Commands()}
		return resp
	}

	start := time.Now()
	result, err := t.invoke(ctx, h, req.Params)
	elapsed := time.Since(start)
	if err != nil {
		t.logger.Warn("command failed",
			zap.String("command", req.Command),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return errorResponse(req, err)
	}
	if result == nil {
		result = map[string]any{}
	}
	result["_execution_time"] = roundTo(elapsed.Seconds(), 4)
	t.logger.Debug("command executed",
		zap.String("command", req.Command),
		zap.Duration("elapsed", elapsed))
	return protocol.NewSuccessResponse(req.MessageID, result)
}

// checkVersion rejects requests whose protocol version cannot interoperate
// with ours. A request without a version is treated as local. The mismatch
// message names the side that needs updating, ordered numerically.
func (t *Table) checkVersion(req *protocol.Request) *protocol.Response {
	reqVersion := req.ProtocolVersion
	if reqVersion == "" {
		reqVersion = protocol.Version
	}
	if protocol.VersionsCompatible(reqVersion, protocol.Version) {
		return nil
	}
	msg := fmt.Sprintf("Protocol version mismatch: request uses %s, bridge speaks %s.",
		reqVersion, protocol.Version)
	if cmp, err := protocol.CompareVersions(reqVersion, protocol.Version); err == nil {
		if cmp < 0 {
			msg += " Update the MCP server."
		} else {
			msg += " Update the MeshForge bridge addon."
		}
	}
	resp := protocol.NewErrorResponse(req.MessageID, protocol.CodeVersionMismatch, msg)
	resp.Error.Context = map[string]any{
		"request_version": reqVersion,
		"bridge_version":  protocol.Version,
	}
	return resp
}

func (t *Table) invoke(ctx context.Context, h Handler, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx, params)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func errorResponse(req *protocol.Request, err error) *protocol.Response {
	code, message, traceback, errCtx := classify(req.Command, req.Params, err)
	resp := protocol.NewErrorResponse(req.MessageID, code, message)
	resp.Error.Traceback = traceback
	resp.Error.Context = errCtx
	return resp
}

// classify maps a handler error onto the wire taxonomy. The missing-file
// check runs before the generic OS-error check because missing-file errors
// are a subset of them. OS errors outside export_mesh map to IMPORT_FAILED,
// mirroring the bridge addon's historical classification.
func classify(command string, params map[string]any, err error) (protocol.ErrorCode, string, string, map[string]any) {
	var pe *panicError
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.CodeObjectNotFound, err.Error(), "",
			map[string]any{"command": command, "params": params}
	case errors.Is(err, ErrInvalidParams):
		return protocol.CodeInvalidParams, err.Error(), "",
			map[string]any{"command": command}
	case errors.Is(err, fs.ErrNotExist):
		code := protocol.CodeExportFailed
		if command == protocol.CommandImportMesh {
			code = protocol.CodeImportFailed
		}
		return code, fmt.Sprintf("File not found: %v", err), "",
			map[string]any{"command": command}
	case isOSError(err):
		code := protocol.CodeImportFailed
		if command == protocol.CommandExportMesh {
			code = protocol.CodeExportFailed
		}
		return code, fmt.Sprintf("OS error: %v", err), "",
			map[string]any{"command": command}
	case errors.As(err, &pe):
		return protocol.CodeExecutionError,
			fmt.Sprintf("Error executing %s: %v", command, pe.value),
			string(pe.stack),
			map[string]any{"command": command}
	default:
		return protocol.CodeExecutionError,
			fmt.Sprintf("Error executing %s: %v", command, err), "",
			map[string]any{"command": command}
	}
}

func isOSError(err error) bool {
	var pathErr *fs.PathError
	var syscallErr *os.SyscallError
	var linkErr *os.LinkError
	return errors.As(err, &pathErr) || errors.As(err, &syscallErr) || errors.As(err, &linkErr)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Package protocol defines the newline-delimited JSON wire format spoken
// between the MCP server and the MeshForge bridge addon.
package protocol

import "sort"

// Version is the wire protocol version. Both ends must agree on major.minor;
// see VersionsCompatible.
const Version = "0.1.0"

// DefaultPort is the TCP port the bridge addon listens on (loopback only).
const DefaultPort = 9876

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Commands understood by the bridge.
const (
	CommandGetVersion        = "get_version"
	CommandPing              = "ping"
	CommandExecuteCode       = "execute_code"
	CommandGetSceneInfo      = "get_scene_info"
	CommandExportMesh        = "export_mesh"
	CommandCheckPrintability = "check_printability"
	CommandScreenshot        = "screenshot"
	CommandImportMesh        = "import_mesh"
)

var commandSet = map[string]struct{}{
	CommandGetVersion:        {},
	CommandPing:              {},
	CommandExecuteCode:       {},
	CommandGetSceneInfo:      {},
	CommandExportMesh:        {},
	CommandCheckPrintability: {},
	CommandScreenshot:        {},
	CommandImportMesh:        {},
}

// KnownCommand reports whether name is part of the command set.
func KnownCommand(name string) bool {
	_, ok := commandSet[name]
	return ok
}

// Commands returns the full command set in sorted order.
func Commands() []string {
	out := make([]string, 0, len(commandSet))
	for name := range commandSet {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrorCode identifies a failure class in error responses.
type ErrorCode string

// Wire error codes, carried in the "code" field of error responses.
const (
	CodeExecutionError  ErrorCode = "EXECUTION_ERROR"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInvalidCommand  ErrorCode = "INVALID_COMMAND"
	CodeInvalidParams   ErrorCode = "INVALID_PARAMS"
	CodeObjectNotFound  ErrorCode = "OBJECT_NOT_FOUND"
	CodeExportFailed    ErrorCode = "EXPORT_FAILED"
	CodeImportFailed    ErrorCode = "IMPORT_FAILED"
	CodeVersionMismatch ErrorCode = "VERSION_MISMATCH"
	CodeInternalError   ErrorCode = "INTERNAL_ERROR"
	CodeInvalidMessage  ErrorCode = "INVALID_MESSAGE" // bridge could not parse the request line
)

// Local error codes describe transport failures on the MCP side. They are
// never carried in wire payloads.
const (
	CodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	CodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	CodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
)

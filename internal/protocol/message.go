package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Request is one command sent to the bridge, encoded as a single JSON line.
type Request struct {
	ProtocolVersion string         `json:"protocol_version"`
	MessageID       string         `json:"message_id"` // correlates the response
	Command         string         `json:"command"`
	Params          map[string]any `json:"params"`
}

// Response answers exactly one request, correlated by message id.
type Response struct {
	ProtocolVersion string
	MessageID       string
	Status          string // "success" or "error"
	Result          map[string]any
	Error           *ErrorDetail
}

// ErrorDetail is the error payload of a failed response.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Traceback string         `json:"traceback,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// NewMessageID returns a fresh correlation id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewRequest builds a request for command with a fresh message id. A nil
// params map becomes an empty one.
func NewRequest(command string, params map[string]any) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{
		ProtocolVersion: Version,
		MessageID:       NewMessageID(),
		Command:         command,
		Params:          params,
	}
}

// NewSuccessResponse builds a success response carrying result.
func NewSuccessResponse(messageID string, result map[string]any) *Response {
	return &Response{
		ProtocolVersion: Version,
		MessageID:       messageID,
		Status:          StatusSuccess,
		Result:          result,
	}
}

// NewErrorResponse builds an error response. Callers may fill Traceback and
// Context on the returned detail afterwards.
func NewErrorResponse(messageID string, code ErrorCode, message string) *Response {
	return &Response{
		ProtocolVersion: Version,
		MessageID:       messageID,
		Status:          StatusError,
		Error:           &ErrorDetail{Code: code, Message: message},
	}
}

// IsSuccess reports whether the response carries a success status.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Encode serializes the request as one newline-terminated JSON line.
func (r *Request) Encode() ([]byte, error) {
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return append(b, '\n'), nil
}

// Encode serializes the response as one newline-terminated JSON line. The
// result field is present only when set, so an empty result map survives the
// round trip; the error field is present only on error responses.
func (r *Response) Encode() ([]byte, error) {
	payload := map[string]any{
		"protocol_version": r.ProtocolVersion,
		"message_id":       r.MessageID,
		"status":           r.Status,
	}
	if r.Result != nil {
		payload["result"] = r.Result
	}
	if r.Error != nil {
		payload["error"] = r.Error
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return append(b, '\n'), nil
}

// ParseRequest decodes one request line. It rejects anything that is not a
// JSON object naming a known command, and fills defaults for a missing
// message id, protocol version, or params.
func ParseRequest(raw []byte) (*Request, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty request")
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid request JSON: %w", err)
	}
	if req.Command == "" {
		return nil, errors.New("request missing command")
	}
	if !KnownCommand(req.Command) {
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
	applyRequestDefaults(&req)
	return &req, nil
}

func applyRequestDefaults(req *Request) {
	if req.MessageID == "" {
		req.MessageID = NewMessageID()
	}
	if req.ProtocolVersion == "" {
		req.ProtocolVersion = Version
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
}

// ParseResponse decodes one response line. A response must be a JSON object
// with a status field. Error responses without a usable error detail get a
// generic INTERNAL_ERROR one, so callers can rely on Error being non-nil
// whenever IsSuccess is false.
func ParseResponse(raw []byte) (*Response, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty response")
	}
	var aux struct {
		ProtocolVersion string         `json:"protocol_version"`
		MessageID       string         `json:"message_id"`
		Status          string         `json:"status"`
		Result          map[string]any `json:"result"`
		Error           *ErrorDetail   `json:"error"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, fmt.Errorf("invalid response JSON: %w", err)
	}
	if aux.Status == "" {
		return nil, errors.New("response missing status")
	}
	resp := &Response{
		ProtocolVersion: aux.ProtocolVersion,
		MessageID:       aux.MessageID,
		Status:          aux.Status,
		Result:          aux.Result,
		Error:           aux.Error,
	}
	if resp.ProtocolVersion == "" {
		resp.ProtocolVersion = Version
	}
	if !resp.IsSuccess() {
		if resp.Error == nil {
			resp.Error = &ErrorDetail{}
		}
		if resp.Error.Code == "" {
			resp.Error.Code = CodeInternalError
		}
		if resp.Error.Message == "" {
			resp.Error.Message = "Unknown error"
		}
	}
	return resp, nil
}

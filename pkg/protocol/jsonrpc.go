package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voxforge/voxd/pkg/core"
)

// Version is the only accepted value of the "jsonrpc" envelope field.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Implementation-defined codes, below the reserved -32000 boundary.
const (
	CodeServerBusy     = -32001
	CodeRequestTimeout = -32002
	CodeShuttingDown   = -32003

	// Engine domain errors occupy -32010..-32019.
	CodeEngineError        = -32010
	CodeNoProject          = -32011
	CodeLayerNotFound      = -32012
	CodeVoxelNotFound      = -32013
	CodeInvalidCoordinates = -32014
	CodeInvalidColor       = -32015
	CodeProjectExists      = -32016
	CodeUnsupportedFormat  = -32017
	CodeSnapshotCorrupt    = -32018
	CodeTooManyVoxels      = -32019
)

var nullID = json.RawMessage("null")

// Request is a decoded JSON-RPC 2.0 envelope. ID is the raw id token:
// nil when the field was absent, "null" when explicitly null. Both mark
// a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request must not be answered.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, nullID)
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is an outgoing JSON-RPC 2.0 response. Exactly one of Result
// and Err is populated.
type Response struct {
	ID     json.RawMessage
	Result any
	Err    *ErrorObject
}

// MarshalJSON emits the envelope with either a result or an error
// member, never both. The id is null when unknown.
func (r *Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = nullID
	}
	if r.Err != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *ErrorObject    `json:"error"`
		}{Version, id, r.Err})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{Version, id, r.Result})
}

// NewResult builds a success response for the given id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewError builds an error response for the given id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{ID: id, Err: &ErrorObject{Code: code, Message: message}}
}

// NewErrorData builds an error response carrying structured data.
func NewErrorData(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{ID: id, Err: &ErrorObject{Code: code, Message: message, Data: data}}
}

// ParseErrorResponse is the canonical -32700 response with a null id.
func ParseErrorResponse() *Response {
	return NewError(nil, CodeParseError, "Parse error")
}

// InvalidRequestResponse is the canonical -32600 response.
func InvalidRequestResponse(id json.RawMessage) *Response {
	return NewError(id, CodeInvalidRequest, "Invalid Request")
}

// IsBatch reports whether the frame is a JSON array.
func IsBatch(frame []byte) bool {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// SplitBatch decodes a batch frame into its raw elements.
func SplitBatch(frame []byte) ([]json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(frame, &elems); err != nil {
		return nil, err
	}
	return elems, nil
}

// DecodeRequest parses and validates one envelope. On failure it
// returns the error response the caller must send (subject to
// notification suppression, which cannot apply here because an invalid
// envelope has no trusted id claim beyond the raw token).
func DecodeRequest(raw []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, InvalidRequestResponse(nil)
	}
	if resp := validateEnvelope(&req); resp != nil {
		return nil, resp
	}
	return &req, nil
}

func validateEnvelope(req *Request) *Response {
	id := req.ID
	if !validID(id) {
		id = nil
	}
	if req.JSONRPC != Version {
		return InvalidRequestResponse(id)
	}
	if req.Method == "" {
		return InvalidRequestResponse(id)
	}
	if !validID(req.ID) {
		return InvalidRequestResponse(nil)
	}
	if len(req.Params) > 0 {
		trimmed := bytes.TrimLeft(req.Params, " \t\r\n")
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[' && !bytes.Equal(trimmed, nullID)) {
			return NewError(id, CodeInvalidParams, "params must be an object or array")
		}
	}
	return nil
}

// validID accepts absent, null, string, or number id tokens.
func validID(id json.RawMessage) bool {
	if len(id) == 0 || bytes.Equal(id, nullID) {
		return true
	}
	c := id[0]
	return c == '"' || c == '-' || (c >= '0' && c <= '9')
}

// CodeFor maps an error to its wire code and a safe client-facing
// message. Unrecognized errors collapse to an internal error so
// implementation details never leak to clients.
func CodeFor(err error) (int, string) {
	var eo *ErrorObject
	if errors.As(err, &eo) {
		return eo.Code, eo.Message
	}

	switch {
	case errors.Is(err, core.ErrServerBusy):
		return CodeServerBusy, "Server busy"
	case errors.Is(err, core.ErrRequestTimeout):
		return CodeRequestTimeout, "Request timed out"
	case errors.Is(err, core.ErrShuttingDown):
		return CodeShuttingDown, "Server shutting down"
	case errors.Is(err, core.ErrNoProject):
		return CodeNoProject, core.ErrNoProject.Error()
	case errors.Is(err, core.ErrProjectExists):
		return CodeProjectExists, core.ErrProjectExists.Error()
	case errors.Is(err, core.ErrLayerNotFound):
		return CodeLayerNotFound, core.ErrLayerNotFound.Error()
	case errors.Is(err, core.ErrVoxelNotFound):
		return CodeVoxelNotFound, core.ErrVoxelNotFound.Error()
	case errors.Is(err, core.ErrInvalidCoordinates):
		return CodeInvalidCoordinates, core.ErrInvalidCoordinates.Error()
	case errors.Is(err, core.ErrInvalidColor):
		return CodeInvalidColor, core.ErrInvalidColor.Error()
	case errors.Is(err, core.ErrUnsupportedFormat):
		return CodeUnsupportedFormat, core.ErrUnsupportedFormat.Error()
	case errors.Is(err, core.ErrTooManyVoxels):
		return CodeTooManyVoxels, core.ErrTooManyVoxels.Error()
	case errors.Is(err, core.ErrSnapshotCorrupt):
		return CodeSnapshotCorrupt, core.ErrSnapshotCorrupt.Error()
	default:
		return CodeInternalError, "Internal error"
	}
}

// ErrorResponseFor wraps CodeFor into a ready response.
func ErrorResponseFor(id json.RawMessage, err error) *Response {
	code, msg := CodeFor(err)
	return NewError(id, code, msg)
}

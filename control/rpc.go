package control

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/plugwork/dev-runtime/errors"
	"github.com/plugwork/dev-runtime/param"
)

// Version is the protocol version stamped on every envelope.
const Version = "2.0"

// Request methods.
const (
	MethodGetParameter     = "getParameter"
	MethodSetParameter     = "setParameter"
	MethodGetAllParameters = "getAllParameters"
	MethodGetStats         = "getStats"
	MethodPing             = "ping"
)

// Notification methods pushed by the host. Notifications carry no id and
// expect no reply.
const (
	NotifyParameterChanged  = "parameterChanged"
	NotifyParametersChanged = "parametersChanged"
	NotifyReloadFailed      = "reloadFailed"
)

// Protocol error codes. The -32xxx range follows JSON-RPC 2.0; the -320xx
// values are this protocol's own.
const (
	CodeParse           = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternal        = -32603
	CodeParamNotFound   = -32001
	CodeParamOutOfRange = -32002
)

// envelope is the single wire frame, one JSON object per line. A frame
// with a method is a request (or, without an id, a notification); a frame
// without one is a response.
type envelope struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the protocol error shape. It implements error so clients can
// surface it directly.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData carries the structured classification of a failure across the
// wire so UIs can render the remedy next to the cause.
type ErrorData struct {
	Phase  string `json:"phase,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Remedy string `json:"remedy,omitempty"`
}

// GetParameterParams selects a parameter by id.
type GetParameterParams struct {
	ID string `json:"id"`
}

// SetParameterParams carries one parameter edit.
type SetParameterParams struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// ParameterValue is the result of getParameter and the payload of
// parameterChanged.
type ParameterValue struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// ParameterState pairs a descriptor with its current value.
type ParameterState struct {
	param.Descriptor
	Value float64 `json:"value"`
}

// AllParametersResult is the result of getAllParameters, in declaration
// order of the live table.
type AllParametersResult struct {
	Parameters []ParameterState `json:"parameters"`
}

// ReloadFailedNote is the payload of reloadFailed. The previous module is
// still live when this arrives.
type ReloadFailedNote struct {
	Phase  string `json:"phase"`
	Error  string `json:"error"`
	Remedy string `json:"remedy,omitempty"`
}

// toRPCError maps a host error onto the protocol. Parameter lookups and
// range checks get their dedicated codes; everything else is internal.
func toRPCError(err error) *RPCError {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return &RPCError{Code: CodeInternal, Message: err.Error()}
	}
	code := CodeInternal
	switch e.Kind {
	case errors.KindNotFound:
		code = CodeParamNotFound
	case errors.KindOutOfRange:
		code = CodeParamOutOfRange
	case errors.KindInvalidInput:
		code = CodeInvalidParams
	}
	return &RPCError{
		Code:    code,
		Message: err.Error(),
		Data:    &ErrorData{Phase: string(e.Phase), Kind: string(e.Kind), Remedy: e.Remedy},
	}
}

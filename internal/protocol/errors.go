package protocol

import "fmt"

// Error codes carried inside a delivered Response.
const (
	CodeUnknownTool        = "unknown_tool"
	CodeInvalidArguments   = "invalid_arguments"
	CodeToolExecution      = "tool_execution_error"
	CodePaymentRequired    = "payment_required"
	CodePaymentUnavailable = "payment_unavailable"
	CodeInvoiceExpired     = "invoice_expired"
	CodeUnsupportedAction  = "unsupported_action"
	CodeInvalidRequest     = "invalid_request"
	CodeNotHandled         = "not_handled"
	CodeAgentFailure       = "agent_error"
)

// Error is a protocol-level failure surfaced inside Response.Error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so callers can use the
// package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

func NewError(code, message, detail string) *Error {
	return &Error{Code: code, Message: message, Detail: detail}
}

var (
	ErrUnknownTool        = &Error{Code: CodeUnknownTool, Message: "unknown tool"}
	ErrInvalidArguments   = &Error{Code: CodeInvalidArguments, Message: "invalid arguments"}
	ErrToolExecution      = &Error{Code: CodeToolExecution, Message: "tool execution failed"}
	ErrPaymentRequired    = &Error{Code: CodePaymentRequired, Message: "payment required"}
	ErrPaymentUnavailable = &Error{Code: CodePaymentUnavailable, Message: "payment gate not configured"}
	ErrInvoiceExpired     = &Error{Code: CodeInvoiceExpired, Message: "invoice expired before settlement"}
	ErrUnsupportedAction  = &Error{Code: CodeUnsupportedAction, Message: "unsupported action"}
	ErrInvalidRequest     = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrNotHandled         = &Error{Code: CodeNotHandled, Message: "no agent accepted the request"}
	ErrAgentFailure       = &Error{Code: CodeAgentFailure, Message: "agent failed"}
)

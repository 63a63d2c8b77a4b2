package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Request is the plaintext body of an encrypted direct message sent by an
// initiator.
type Request struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Messages  []string       `json:"messages,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
}

// Response answers exactly one Request. A priced call produces an interim
// Response carrying only an Invoice, followed by the final one under the
// same RequestID.
type Response struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	Invoice   *Invoice        `json:"invoice,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
}

// AwaitingPayment reports whether r is the interim invoice reply.
func (r Response) AwaitingPayment() bool {
	return r.Invoice != nil && len(r.Result) == 0 && r.Error == nil
}

func (r Request) ValidateBasic() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("invalid request: id is required")
	}
	switch r.Action {
	case ActionListTools:
	case ActionCallTool:
		if strings.TrimSpace(r.ToolName) == "" {
			return errors.New("invalid request: tool_name is required")
		}
	case ActionChat:
		if len(r.Messages) == 0 {
			return errors.New("invalid request: messages are required")
		}
	case "":
		return errors.New("invalid request: action is required")
	default:
		// Unknown actions are answered with unsupported_action, not dropped.
	}
	return nil
}

func (r Response) ValidateBasic() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return errors.New("invalid response: request_id is required")
	}
	return nil
}

// DecodeMessage parses a decrypted body into either a Request or a Response.
// Exactly one of the returned pointers is non-nil on success.
func DecodeMessage(data []byte) (*Request, *Response, error) {
	var head struct {
		Action    string `json:"action"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, nil, err
	}
	switch {
	case head.Action != "":
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, nil, err
		}
		if err := req.ValidateBasic(); err != nil {
			return nil, nil, err
		}
		return &req, nil, nil
	case head.RequestID != "":
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, nil, err
		}
		return nil, &resp, nil
	default:
		return nil, nil, errors.New("invalid message: neither request nor response")
	}
}

func EncodeRequest(req Request) ([]byte, error) {
	if req.Action == ActionCallTool && req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	if err := req.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

func EncodeResponse(resp Response) ([]byte, error) {
	if err := resp.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

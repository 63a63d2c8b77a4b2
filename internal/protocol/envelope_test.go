package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage_Request(t *testing.T) {
	req, resp, err := DecodeMessage([]byte(`{"id":"r1","action":"call_tool","tool_name":"add","arguments":{"a":1,"b":2}}`))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, req)
	assert.Equal(t, "add", req.ToolName)
	assert.Equal(t, float64(2), req.Arguments["b"])
}

func TestDecodeMessage_Response(t *testing.T) {
	req, resp, err := DecodeMessage([]byte(`{"request_id":"r1","result":5}`))
	require.NoError(t, err)
	require.Nil(t, req)
	require.NotNil(t, resp)
	assert.JSONEq(t, "5", string(resp.Result))
	assert.False(t, resp.AwaitingPayment())
}

func TestDecodeMessage_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":           `nope`,
		"neither":            `{"foo":1}`,
		"call without tool":  `{"id":"x","action":"call_tool"}`,
		"chat without msgs":  `{"id":"x","action":"chat"}`,
		"request without id": `{"action":"list_tools"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeMessage([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRequest_CallToolAlwaysCarriesArguments(t *testing.T) {
	b, err := EncodeRequest(Request{ID: "1", Action: ActionCallTool, ToolName: "now"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"arguments":{}`)
}

func TestEncodeResponse_RequiresRequestID(t *testing.T) {
	_, err := EncodeResponse(Response{Result: json.RawMessage("1")})
	assert.Error(t, err)
}

func TestResponse_AwaitingPayment(t *testing.T) {
	inv := &Invoice{ID: "inv", AmountSats: 3}
	assert.True(t, Response{RequestID: "1", Invoice: inv}.AwaitingPayment())
	assert.False(t, Response{RequestID: "1", Invoice: inv, Result: json.RawMessage(`"ok"`)}.AwaitingPayment())
	assert.False(t, Response{RequestID: "1", Invoice: inv, Error: ErrInvoiceExpired}.AwaitingPayment())
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := error(NewError(CodeUnknownTool, "no such tool", "foo"))
	assert.True(t, errors.Is(err, ErrUnknownTool))
	assert.False(t, errors.Is(err, ErrInvalidArguments))
	assert.Contains(t, err.Error(), "foo")
}

func TestInvoice_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, Invoice{}.Expired(now))
	assert.True(t, Invoice{ExpiresAt: now}.Expired(now))
	assert.False(t, Invoice{ExpiresAt: now.Add(time.Second)}.Expired(now))
}

func TestDescriptor_Cards(t *testing.T) {
	d := Descriptor{Content: json.RawMessage(`{"name":"Math","tools":[{"name":"add","satoshis":0}]}`)}
	card, err := d.ServerCard()
	require.NoError(t, err)
	assert.Equal(t, "Math", card.Name)
	require.Len(t, card.Tools, 1)

	empty, err := Descriptor{}.AgentCard()
	require.NoError(t, err)
	assert.Empty(t, empty.Name)
}

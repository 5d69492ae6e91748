package ocpp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCall(t *testing.T) {
	raw := []byte(`[2,"msg-1","StartTransaction",{"connectorId":1,"idTag":"cust-9","meterStart":1200}]`)

	f, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, Call, f.Type)
	assert.Equal(t, "msg-1", f.MessageId)
	assert.Equal(t, ActionStartTransaction, f.Action)
	assert.JSONEq(t, `{"connectorId":1,"idTag":"cust-9","meterStart":1200}`, string(f.Payload))
	assert.Equal(t, string(raw), string(f.Raw))
}

func TestDecodeCallResult(t *testing.T) {
	f, err := Decode([]byte(`[3,"msg-2",{"transactionId":77,"idTagInfo":{"status":"Accepted"}}]`))
	require.NoError(t, err)

	assert.Equal(t, CallResult, f.Type)
	assert.Equal(t, "msg-2", f.MessageId)
	assert.Empty(t, f.Action)

	var resp StartTransactionResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.Equal(t, 77, resp.TransactionId)
	assert.Equal(t, "Accepted", resp.IdTagInfo.Status)
}

func TestDecodeCallError(t *testing.T) {
	f, err := Decode([]byte(`[4,"msg-3","InternalError","boom",{"detail":"x"}]`))
	require.NoError(t, err)

	assert.Equal(t, CallError, f.Type)
	assert.Equal(t, "InternalError", f.ErrorCode)
	assert.Equal(t, "boom", f.ErrorDescription)
	assert.JSONEq(t, `{"detail":"x"}`, string(f.ErrorDetails))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		in   string
		want error
	}{
		"not an array":      {`{"a":1}`, ErrNotArray},
		"too short":         {`[2,"id"]`, ErrBadArity},
		"call wrong arity":  {`[2,"id","Heartbeat"]`, ErrBadArity},
		"result arity":      {`[3,"id",{},{}]`, ErrBadArity},
		"error arity":       {`[4,"id","code","desc"]`, ErrBadArity},
		"unknown type tag":  {`[9,"id",{}]`, ErrBadType},
		"non-string msg id": {`[2,42,"Heartbeat",{}]`, ErrBadMessageId},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.in))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncodeCallRoundTrip(t *testing.T) {
	raw, err := EncodeCall("m-1", ActionRemoteStartTransaction, RemoteStartTransaction{ConnectorId: 2, IdTag: "cust-1"})
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, Call, f.Type)
	assert.Equal(t, "m-1", f.MessageId)
	assert.Equal(t, ActionRemoteStartTransaction, f.Action)
	assert.JSONEq(t, `{"connectorId":2,"idTag":"cust-1"}`, string(f.Payload))
}

func TestEncodeCallError(t *testing.T) {
	raw, err := EncodeCallError("m-2", "NotSupported", "nope", map[string]string{})
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, CallError, f.Type)
	assert.Equal(t, "NotSupported", f.ErrorCode)
	assert.Equal(t, "nope", f.ErrorDescription)
}

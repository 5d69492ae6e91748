package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OCPP 1.6 message type tags.
const (
	Call       = 2
	CallResult = 3
	CallError  = 4
)

var (
	ErrNotArray     = errors.New("ocpp: frame is not a json array")
	ErrBadArity     = errors.New("ocpp: wrong element count for message type")
	ErrBadType      = errors.New("ocpp: unknown message type tag")
	ErrBadMessageId = errors.New("ocpp: messageId is not a string")
)

// Frame is one decoded OCPP wire message. Raw keeps the literal array so
// the ledger can store frames byte-for-byte.
type Frame struct {
	Type             int
	MessageId        string
	Action           string          // CALL only
	Payload          json.RawMessage // CALL and CALL_RESULT
	ErrorCode        string          // CALL_ERROR only
	ErrorDescription string          // CALL_ERROR only
	ErrorDetails     json.RawMessage // CALL_ERROR only
	Raw              json.RawMessage
}

// Decode parses a wire frame:
//
//	CALL:        [2, messageId, action, payload]
//	CALL_RESULT: [3, messageId, payload]
//	CALL_ERROR:  [4, messageId, errorCode, errorDescription, errorDetails]
func Decode(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	if len(parts) < 3 {
		return Frame{}, ErrBadArity
	}

	var typ int
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return Frame{}, ErrBadType
	}

	f := Frame{Type: typ, Raw: append(json.RawMessage(nil), data...)}
	if err := json.Unmarshal(parts[1], &f.MessageId); err != nil {
		return Frame{}, ErrBadMessageId
	}

	switch typ {
	case Call:
		if len(parts) != 4 {
			return Frame{}, ErrBadArity
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil {
			return Frame{}, fmt.Errorf("ocpp: action is not a string: %w", err)
		}
		f.Payload = parts[3]
	case CallResult:
		if len(parts) != 3 {
			return Frame{}, ErrBadArity
		}
		f.Payload = parts[2]
	case CallError:
		if len(parts) != 5 {
			return Frame{}, ErrBadArity
		}
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return Frame{}, fmt.Errorf("ocpp: errorCode is not a string: %w", err)
		}
		if err := json.Unmarshal(parts[3], &f.ErrorDescription); err != nil {
			return Frame{}, fmt.Errorf("ocpp: errorDescription is not a string: %w", err)
		}
		f.ErrorDetails = parts[4]
	default:
		return Frame{}, ErrBadType
	}
	return f, nil
}

// EncodeCall builds [2, messageId, action, payload].
func EncodeCall(messageId, action string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{Call, messageId, action, json.RawMessage(p)})
}

// EncodeCallResult builds [3, messageId, payload].
func EncodeCallResult(messageId string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{CallResult, messageId, json.RawMessage(p)})
}

// EncodeCallError builds [4, messageId, errorCode, errorDescription, errorDetails].
func EncodeCallError(messageId, code, description string, details any) ([]byte, error) {
	d, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{CallError, messageId, code, description, json.RawMessage(d)})
}

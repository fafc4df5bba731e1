package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for payloads that are not a typed JSON object
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrame is returned for a well-formed frame with an unknown type
	ErrUnknownFrame = errors.New("unknown frame type")
)

// Encode serializes a frame as a flat JSON object with a "type" field
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", f.FrameType(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s: %w", f.FrameType(), err)
	}

	typ, _ := json.Marshal(f.FrameType())
	fields["type"] = typ

	return json.Marshal(fields)
}

// Decode parses one frame. Unknown types yield ErrUnknownFrame.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch head.Type {
	case TypeSessionCreated:
		return decodeAs[SessionCreated](data)
	case TypeLog:
		return decodeAs[Log](data)
	case TypeScreenshot:
		return decodeAs[Screenshot](data)
	case TypeStatus:
		return decodeAs[Status](data)
	case TypeRequestOTP:
		return RequestOTP{}, nil
	case TypeRequestCaptcha:
		return decodeAs[RequestCaptcha](data)
	case TypeRequestCustomInput:
		f, err := decodeAs[RequestCustomInput](data)
		if err != nil {
			return nil, err
		}
		if f.InputType == "" {
			f.InputType = "text"
		}
		return f, nil
	case TypeResult:
		return decodeAs[Result](data)
	case TypeError:
		return decodeAs[Error](data)
	case TypeSubmitOTP:
		return decodeAs[SubmitOTP](data)
	case TypeSubmitCaptcha:
		return decodeAs[SubmitCaptcha](data)
	case TypeSubmitCustomInput:
		return decodeAs[SubmitCustomInput](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
}

func decodeAs[T Frame](data []byte) (T, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

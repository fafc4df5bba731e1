package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeIsFlat(t *testing.T) {
	data, err := Encode(Status{Step: "Filling personal details", Progress: 40, Message: "halfway"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if fields["type"] != "status" {
		t.Errorf("Expected type status, got %#v", fields["type"])
	}
	if fields["step"] != "Filling personal details" {
		t.Errorf("Expected step at top level, got %#v", fields["step"])
	}
	if fields["progress"] != float64(40) {
		t.Errorf("Expected progress 40, got %#v", fields["progress"])
	}
}

func TestDecodeEveryFrameType(t *testing.T) {
	frames := []Frame{
		SessionCreated{SessionID: "abc"},
		Log{Message: "Opened portal", Level: "success"},
		Screenshot{ImageData: "iVBORw0KGgo=", Step: "login"},
		Status{Step: "Login", Progress: 10},
		RequestOTP{},
		RequestCaptcha{ImageData: "R0lGODlh"},
		RequestCustomInput{FieldID: "category", Label: "Category", InputType: "select", Suggestions: []string{"GEN", "OBC"}},
		Result{Success: true, Message: "Registered"},
		Error{Message: "Exam not found: 9"},
		SubmitOTP{Value: "123456"},
		SubmitCaptcha{Value: "x7k2"},
		SubmitCustomInput{FieldID: "category", Value: "GEN"},
	}

	for _, want := range frames {
		t.Run(string(want.FrameType()), func(t *testing.T) {
			data, err := Encode(want)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Expected %#v, got %#v", want, got)
			}
		})
	}
}

func TestDecodeCustomInputDefaultsToText(t *testing.T) {
	f, err := Decode([]byte(`{"type":"request-custom-input","fieldId":"dob","label":"Date of birth"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	req, ok := f.(RequestCustomInput)
	if !ok {
		t.Fatalf("Expected RequestCustomInput, got %T", f)
	}
	if req.InputType != "text" {
		t.Errorf("Expected input type text, got %q", req.InputType)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"not json", `nope`, ErrMalformedFrame},
		{"missing type", `{"message":"hi"}`, ErrMalformedFrame},
		{"wrong field type", `{"type":"status","progress":"lots"}`, ErrMalformedFrame},
		{"unknown type", `{"type":"pause-workflow"}`, ErrUnknownFrame},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRequestAndSubmitKinds(t *testing.T) {
	if k, ok := RequestKind(RequestCaptcha{}); !ok || k != "captcha" {
		t.Errorf("Expected captcha request kind, got %q %v", k, ok)
	}
	if _, ok := RequestKind(Log{}); ok {
		t.Error("Log should not be a request")
	}
	if k, ok := SubmitKind(SubmitCustomInput{}); !ok || k != "custom" {
		t.Errorf("Expected custom submit kind, got %q %v", k, ok)
	}
}

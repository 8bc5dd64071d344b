package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEventObjectAndArray(t *testing.T) {
	cases := map[string]string{
		`{"event":"identify-face","data":"abc"}`: "abc",
		`["identify-face","abc"]`:                "abc",
		"  [\"identify-face\", \"abc\"]\n":        "abc",
	}
	for frame, want := range cases {
		ev, err := ParseEvent([]byte(frame))
		if err != nil {
			t.Fatalf("ParseEvent(%s) failed: %v", frame, err)
		}
		if ev.Name != EventIdentifyFace {
			t.Errorf("Expected identify-face, got %q", ev.Name)
		}
		req, err := ParseIdentifyRequest(ev.Data)
		if err != nil {
			t.Fatalf("ParseIdentifyRequest failed: %v", err)
		}
		if req.Raw != want {
			t.Errorf("Expected raw %q, got %q", want, req.Raw)
		}
	}

	ev, err := ParseEvent([]byte(`["ping"]`))
	if err != nil || ev.Name != EventPing || ev.Data != nil {
		t.Errorf("Unexpected ping parse: %+v %v", ev, err)
	}
}

func TestParseEventMalformed(t *testing.T) {
	frames := []string{"", "hello", `{"data":"x"}`, `[]`, `[42,"x"]`, `{"event":`}
	for _, frame := range frames {
		if _, err := ParseEvent([]byte(frame)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("ParseEvent(%q): expected ErrMalformedFrame, got %v", frame, err)
		}
	}
}

func TestParseIdentifyRequestRejectsNonStrings(t *testing.T) {
	for _, data := range []string{``, `42`, `""`, `{"raw":"x"}`, `null`} {
		if _, err := ParseIdentifyRequest(json.RawMessage(data)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ParseIdentifyRequest(%q): expected ErrInvalidPayload, got %v", data, err)
		}
	}
}

func TestNewEventEncoding(t *testing.T) {
	ev, err := NewEvent(EventAuthSuccess, AuthSuccess{ID: "p123", Name: "Kim"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	out, _ := json.Marshal(ev)
	if string(out) != `{"event":"auth-success","data":{"id":"p123","name":"Kim"}}` {
		t.Errorf("Unexpected encoding %s", out)
	}

	ev, _ = NewEvent(EventAuthFail, nil)
	out, _ = json.Marshal(ev)
	if string(out) != `{"event":"auth-fail"}` {
		t.Errorf("Unexpected encoding %s", out)
	}
}

package mcp

import (
	"encoding/json"
	"testing"
)

type stubBackend struct {
	lastMethod string
	lastParams any
	result     json.RawMessage
	err        error
}

func (s *stubBackend) Call(method string, params any) (json.RawMessage, error) {
	s.lastMethod = method
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestNewServerRequiresBackend(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("NewServer should reject a nil backend")
	}
	if s, err := NewServer(&stubBackend{}); err != nil || s == nil {
		t.Errorf("NewServer failed: %v", err)
	}
}

func TestForwardWrapsBackendOutcome(t *testing.T) {
	b := &stubBackend{result: json.RawMessage(`{"added":true}`)}

	res, err := forward(b, "voxd.add_voxel", map[string]any{"x": 1}, "voxel added")
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if res.IsError {
		t.Error("Success should not be flagged as error")
	}
	if b.lastMethod != "voxd.add_voxel" {
		t.Errorf("Wrong method forwarded: %s", b.lastMethod)
	}
}

func TestForwardReportsBackendError(t *testing.T) {
	b := &stubBackend{err: json.Unmarshal([]byte("{"), &struct{}{})}

	res, err := forward(b, "voxd.get_voxel", nil, "")
	if err != nil {
		t.Fatalf("forward should not fail hard: %v", err)
	}
	if !res.IsError {
		t.Error("Backend errors must surface as tool errors")
	}
}

func TestParseTriplet(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		x, z int
	}{
		{"1,2,3", true, 1, 3},
		{" -4 , 0 , 9 ", true, -4, 9},
		{"1,2", false, 0, 0},
		{"a,b,c", false, 0, 0},
		{"", false, 0, 0},
	}
	for _, tc := range cases {
		out, err := parseTriplet(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("%q: unexpected outcome %v", tc.in, err)
			continue
		}
		if err == nil && (out["x"] != tc.x || out["z"] != tc.z) {
			t.Errorf("%q: parsed to %v", tc.in, out)
		}
	}
}

func TestArgumentHelpers(t *testing.T) {
	args := map[string]any{
		"s": "hello",
		"n": float64(7),
		"b": true,
	}
	if getString(args, "s", "") != "hello" || getString(args, "missing", "d") != "d" {
		t.Error("getString misbehaved")
	}
	if getInt(args, "n", 0) != 7 || getInt(args, "missing", 3) != 3 {
		t.Error("getInt misbehaved")
	}
	if !getBool(args, "b", false) || getBool(nil, "b", true) != true {
		t.Error("getBool misbehaved")
	}
}

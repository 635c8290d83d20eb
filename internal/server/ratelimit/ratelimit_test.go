package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestConnections(t *testing.T) {
	rl := New(2, 5)

	rl.AddConnection("10.0.0.1")
	rl.AddConnection("10.0.0.1")
	if rl.CanConnect("10.0.0.1") {
		t.Error("CanConnect() at limit = true")
	}
	if !rl.CanConnect("10.0.0.2") {
		t.Error("other IP should not be limited")
	}

	rl.RemoveConnection("10.0.0.1")
	if !rl.CanConnect("10.0.0.1") {
		t.Error("CanConnect() after release = false")
	}
}

func TestAuthFailuresExpire(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := New(10, 2)
	rl.now = func() time.Time { return now }

	rl.RecordAuthFailure("10.0.0.1")
	if !rl.CanAuth("10.0.0.1") {
		t.Fatal("CanAuth() after one failure = false")
	}
	rl.RecordAuthFailure("10.0.0.1")
	if rl.CanAuth("10.0.0.1") {
		t.Fatal("CanAuth() after two failures = true")
	}

	now = now.Add(61 * time.Second)
	rl.cleanup()
	if !rl.CanAuth("10.0.0.1") {
		t.Error("CanAuth() after a minute = false")
	}
	if _, ok := rl.authFailures["10.0.0.1"]; ok && len(rl.authFailures["10.0.0.1"]) != 0 {
		t.Error("expired failures kept")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.1:5000", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:5000", "198.51.100.4"},
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/mentorbot/internal/config"
)

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in         string
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{"localhost:4317", "localhost:4317", false, false},
		{"http://collector:4318/v1/traces", "collector:4318", false, false},
		{"https://otel.example.com", "otel.example.com", true, false},
		{"http://", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, secure, err := normalizeEndpoint(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if host != tt.wantHost || secure != tt.wantSecure {
				t.Errorf("got %q, %v", host, secure)
			}
		})
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Endpoint: "localhost:4317"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Endpoint: "localhost:4317", Protocol: "udp"})
	if err == nil {
		t.Fatal("unknown protocol accepted")
	}
}

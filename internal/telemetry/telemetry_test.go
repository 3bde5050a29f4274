package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Dado-hash/fundings-screener/internal/config"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	mp, shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if mp == nil {
		t.Fatal("nil provider")
	}
	counter, err := mp.Meter("test").Int64Counter("noop.counter")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 1)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw      string
		host     string
		insecure bool
		wantErr  bool
	}{
		{raw: "localhost:4318", host: "localhost:4318"},
		{raw: "http://collector:4318", host: "collector:4318", insecure: true},
		{raw: "https://otel.example.com", host: "otel.example.com"},
		{raw: "http://", wantErr: true},
	}
	for _, tc := range cases {
		host, insecure, err := parseEndpoint(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.raw, err)
			continue
		}
		if host != tc.host || insecure != tc.insecure {
			t.Errorf("%s: got (%s, %v), want (%s, %v)", tc.raw, host, insecure, tc.host, tc.insecure)
		}
	}
}

package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Model.Mode != "mock" {
		t.Fatalf("expected mock model mode, got %q", cfg.Model.Mode)
	}
	if cfg.Model.InputSampleRate != 16000 || cfg.Model.OutputSampleRate != 24000 {
		t.Fatalf("unexpected sample rates: %d/%d", cfg.Model.InputSampleRate, cfg.Model.OutputSampleRate)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("PARLEY_BUS_USERNAME", "alice")
	t.Setenv("PARLEY_BUS_PASSWORD", "secret")
	t.Setenv("PARLEY_MODEL_MODE", "websocket")
	t.Setenv("PARLEY_MODEL_ENDPOINT", "wss://models.example.com/duplex")
	t.Setenv("PARLEY_MODEL_DEFAULT_MODEL_ID", "sonic-2")
	t.Setenv("PARLEY_MODEL_SESSION_TIMEOUT_MS", "120000")
	t.Setenv("PARLEY_MODEL_TOP_P", "0.5")
	t.Setenv("PARLEY_SESSION_MAX_ACTIVE", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Model.Mode != "websocket" {
		t.Fatalf("expected model mode override, got %q", cfg.Model.Mode)
	}
	if cfg.Model.Endpoint != "wss://models.example.com/duplex" {
		t.Fatalf("expected model endpoint override, got %q", cfg.Model.Endpoint)
	}
	if cfg.Model.DefaultModelID != "sonic-2" {
		t.Fatalf("expected model id override")
	}
	if cfg.Model.SessionTimeoutMS != 120000 {
		t.Fatalf("expected session timeout override, got %d", cfg.Model.SessionTimeoutMS)
	}
	if cfg.Model.TopP != 0.5 {
		t.Fatalf("expected top_p override, got %f", cfg.Model.TopP)
	}
	if cfg.Session.MaxActive != 3 {
		t.Fatalf("expected max active override, got %d", cfg.Session.MaxActive)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("PARLEY_MODEL_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

func TestValidateRejectsUnknownModelMode(t *testing.T) {
	t.Setenv("PARLEY_MODEL_MODE", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown model mode")
	}
}

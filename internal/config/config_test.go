package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.MaxUnitLength != 300 {
		t.Fatalf("expected default max unit length 300, got %d", cfg.Pipeline.MaxUnitLength)
	}
	if cfg.Artifacts.ExpireHours != 24 {
		t.Fatalf("expected default expiry 24h, got %d", cfg.Artifacts.ExpireHours)
	}
	if !cfg.Voices.AutoTranscribe {
		t.Fatal("expected auto transcribe enabled by default")
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXCPM_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOXCPM_BUS_USERNAME", "alice")
	t.Setenv("VOXCPM_BUS_TLS_INSECURE", "true")
	t.Setenv("VOXCPM_PIPELINE_MAX_UNIT_LENGTH", "150")
	t.Setenv("VOXCPM_ARTIFACTS_EXPIRE_HOURS", "48")
	t.Setenv("VOXCPM_VOICES_AUTO_TRANSCRIBE", "false")
	t.Setenv("VOXCPM_MODEL_SAMPLE_RATE", "44100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatal("expected username override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Pipeline.MaxUnitLength != 150 {
		t.Fatalf("expected max unit length 150, got %d", cfg.Pipeline.MaxUnitLength)
	}
	if cfg.Artifacts.ExpireHours != 48 {
		t.Fatalf("expected expiry 48h, got %d", cfg.Artifacts.ExpireHours)
	}
	if cfg.Voices.AutoTranscribe {
		t.Fatal("expected auto transcribe disabled")
	}
	if cfg.Model.SampleRate != 44100 {
		t.Fatalf("expected sample rate 44100, got %d", cfg.Model.SampleRate)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("VOXCPM_MODEL_MODE", "exec")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

func TestValidateRejectsShortTextCap(t *testing.T) {
	t.Setenv("VOXCPM_PIPELINE_MAX_TEXT_LENGTH", "100")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error when max_text_length < max_unit_length")
	}
}

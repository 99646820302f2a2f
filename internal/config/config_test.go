package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Fatalf("expected default server port 9001, got %d", cfg.Server.Port)
	}
	if cfg.Model.SampleRate != 24000 {
		t.Fatalf("expected default sample rate 24000, got %d", cfg.Model.SampleRate)
	}
	if cfg.Model.MaxConcurrency != 1 {
		t.Fatalf("expected default max concurrency 1, got %d", cfg.Model.MaxConcurrency)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus disabled by default")
	}
	if cfg.Audit.Enabled {
		t.Fatal("expected audit disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VELOX_SERVER_PORT", "9100")
	t.Setenv("VELOX_MODEL_MODE", "exec")
	t.Setenv("VELOX_MODEL_COMMAND", "voxcpm-runner --stream")
	t.Setenv("VELOX_MODEL_VOICES", "default, nigerian-accent")
	t.Setenv("VELOX_MODEL_MAX_CONCURRENCY", "2")
	t.Setenv("VELOX_SCHEDULER_QUEUE_DEPTH", "8")
	t.Setenv("VELOX_SCHEDULER_ADMISSION_TIMEOUT_MS", "2500")
	t.Setenv("VELOX_LIFECYCLE_RELOAD_ATTEMPTS", "5")
	t.Setenv("VELOX_AUDIT_ENABLED", "true")
	t.Setenv("VELOX_AUDIT_PATH", "./tmp-audit.db")
	t.Setenv("VELOX_AUDIT_RETENTION_DAYS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Fatalf("expected server port override, got %d", cfg.Server.Port)
	}
	if cfg.Model.Mode != "exec" || cfg.Model.Command != "voxcpm-runner --stream" {
		t.Fatalf("expected model mode/command override, got %q %q", cfg.Model.Mode, cfg.Model.Command)
	}
	if len(cfg.Model.Voices) != 2 || cfg.Model.Voices[1] != "nigerian-accent" {
		t.Fatalf("expected voices override, got %v", cfg.Model.Voices)
	}
	if cfg.Model.MaxConcurrency != 2 {
		t.Fatalf("expected concurrency override, got %d", cfg.Model.MaxConcurrency)
	}
	if cfg.Scheduler.QueueDepth != 8 {
		t.Fatalf("expected queue depth override, got %d", cfg.Scheduler.QueueDepth)
	}
	if cfg.Scheduler.AdmissionTimeoutMS != 2500 {
		t.Fatalf("expected admission timeout override, got %d", cfg.Scheduler.AdmissionTimeoutMS)
	}
	if cfg.Lifecycle.ReloadAttempts != 5 {
		t.Fatalf("expected reload attempts override, got %d", cfg.Lifecycle.ReloadAttempts)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Path != "./tmp-audit.db" || cfg.Audit.RetentionDays != 7 {
		t.Fatalf("expected audit overrides, got %+v", cfg.Audit)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("VELOX_MODEL_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}

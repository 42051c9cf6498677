package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synthesis.DefaultVoice != "af_heart" {
		t.Fatalf("expected default voice af_heart, got %q", cfg.Synthesis.DefaultVoice)
	}
	if cfg.Synthesis.SampleRate != 24000 {
		t.Fatalf("expected 24kHz default, got %d", cfg.Synthesis.SampleRate)
	}
	if !cfg.Jobs.CleanupParts {
		t.Fatal("expected cleanup_parts default true")
	}
	if cfg.History.Capacity != 50 {
		t.Fatalf("expected history capacity 50, got %d", cfg.History.Capacity)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KOKORO_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("KOKORO_BUS_USERNAME", "alice")
	t.Setenv("KOKORO_BUS_PASSWORD", "secret")
	t.Setenv("KOKORO_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("KOKORO_VOICE", "bf_isabella")
	t.Setenv("KOKORO_SPEED", "1.4")
	t.Setenv("KOKORO_SYNTHESIS_MODE", "exec")
	t.Setenv("KOKORO_SYNTHESIS_COMMAND", "kokoro-host --stream")
	t.Setenv("KOKORO_PLAYBACK_QUEUE_SIZE", "8")
	t.Setenv("KOKORO_JOBS_MAX_CHARS_PER_SECTION", "2500")
	t.Setenv("KOKORO_HISTORY_ARCHIVE_PATH", "./tmp.db")
	t.Setenv("KOKORO_WATCHER_ENABLED", "true")
	t.Setenv("KOKORO_WATCHER_DIR", "/tmp/drops")
	t.Setenv("KOKORO_STDIO_ENABLED", "true")

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
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Synthesis.DefaultVoice != "bf_isabella" {
		t.Fatalf("expected voice override, got %q", cfg.Synthesis.DefaultVoice)
	}
	if cfg.Synthesis.DefaultSpeed != 1.4 {
		t.Fatalf("expected speed override, got %v", cfg.Synthesis.DefaultSpeed)
	}
	if cfg.Synthesis.Mode != "exec" || cfg.Synthesis.Command != "kokoro-host --stream" {
		t.Fatalf("expected synthesis exec override, got %+v", cfg.Synthesis)
	}
	if cfg.Playback.QueueSize != 8 {
		t.Fatalf("expected queue size override, got %d", cfg.Playback.QueueSize)
	}
	if cfg.Jobs.MaxCharsPerSection != 2500 {
		t.Fatalf("expected section budget override, got %d", cfg.Jobs.MaxCharsPerSection)
	}
	if cfg.History.ArchivePath != "./tmp.db" {
		t.Fatalf("expected archive path override")
	}
	if !cfg.Watcher.Enabled || cfg.Watcher.Dir != "/tmp/drops" {
		t.Fatalf("expected watcher override, got %+v", cfg.Watcher)
	}
	if !cfg.Stdio.Enabled {
		t.Fatal("expected stdio override true")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kokorod.yaml")
	body := []byte("synthesis:\n  default_voice: am_michael\nplayback:\n  queue_size: 4\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synthesis.DefaultVoice != "am_michael" {
		t.Fatalf("expected file override, got %q", cfg.Synthesis.DefaultVoice)
	}
	if cfg.Playback.QueueSize != 4 {
		t.Fatalf("expected queue size from file, got %d", cfg.Playback.QueueSize)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("KOKORO_VOICE", "not_a_voice")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown default voice")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
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
	if cfg.Segmenter.SilenceThreshold != 0.02 || cfg.Segmenter.SilenceChunks != 8 {
		t.Fatalf("unexpected segmenter defaults %+v", cfg.Segmenter)
	}
	if cfg.Segmenter.MaxRecordingMS != 2500 || cfg.Segmenter.MinAudioMS != 500 {
		t.Fatalf("unexpected recording bounds %+v", cfg.Segmenter)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.BitsPerSample != 16 || cfg.Capture.Channels != 1 {
		t.Fatalf("unexpected capture format %+v", cfg.Capture)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictate.yaml")
	body := `
runtime_name: desk-mic
capture:
  mode: file
  file_path: ./testdata/hello.wav
stt:
  mode: server
  endpoint: http://whisper:8080
segmenter:
  silence_chunks: 6
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "desk-mic" || cfg.Capture.Mode != "file" || cfg.STT.Endpoint != "http://whisper:8080" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Segmenter.SilenceChunks != 6 || cfg.Segmenter.TickMS != 50 {
		t.Fatalf("expected partial override over defaults, got %+v", cfg.Segmenter)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_SEGMENTER_SILENCE_THRESHOLD", "0.05")
	t.Setenv("LOQA_STT_MODE", "exec")
	t.Setenv("LOQA_STT_COMMAND", "python3 transcribe.py")
	t.Setenv("LOQA_ORCHESTRATOR_AUTOSTART", "false")
	t.Setenv("LOQA_TRANSCRIPT_CAPITALIZE", "true")

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
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" || cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Segmenter.SilenceThreshold != 0.05 {
		t.Fatalf("expected silence threshold override, got %v", cfg.Segmenter.SilenceThreshold)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "python3 transcribe.py" {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.Orchestrator.Autostart {
		t.Fatal("expected autostart disabled")
	}
	if !cfg.Transcript.Capitalize {
		t.Fatal("expected capitalize enabled")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command": func(c *Config) { c.STT.Mode = "exec" },
		"unknown stt mode":     func(c *Config) { c.STT.Mode = "cloud" },
		"file without path":    func(c *Config) { c.Capture.Mode = "file" },
		"eight bit capture":    func(c *Config) { c.Capture.BitsPerSample = 8 },
		"zero threshold":       func(c *Config) { c.Segmenter.SilenceThreshold = 0 },
		"gain below unity":     func(c *Config) { c.Segmenter.MaxGain = 0.5 },
		"gain above four":      func(c *Config) { c.Segmenter.MaxGain = 8 },
		"bad retention":        func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"heartbeat inverted":   func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

package config_test

import (
	"strings"
	"testing"

	"github.com/sttmux/sttmux/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  max_concurrent_sessions: 64
  enable_voice: true

audio:
  ffmpeg_path: /usr/bin/ffmpeg
  target_sample_rate: 24000
  chunk_ms: 50

stream:
  soft_limit: 4
  hard_limit: 40
  max_drop_ms: 500
  keepalive_ms: 15000

jobs:
  max_parallel: 16
  retention_minutes: 5
  upload_dir: /var/lib/sttmux/uploads

storage:
  backend: sqlite
  sqlite_path: /var/lib/sttmux/sttmux.db
  realtime_retention_days: 7

voice:
  wake_words:
    - hey assistant
    - okay computer
  wake_window_ms: 5000
  barge_in_rms_factor: 2.5

providers:
  - name: primary
    kind: wsbridge
    url: wss://stt.internal/v1/listen
    api_key: key-test
    model: nova-3
    language: en
    sample_rate: 16000
    options:
      tier: enhanced
  - name: shadow
    kind: fake
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if !cfg.Server.EnableVoice {
		t.Error("server.enable_voice: got false, want true")
	}
	if cfg.Audio.TargetSampleRate != 24000 {
		t.Errorf("audio.target_sample_rate: got %d, want 24000", cfg.Audio.TargetSampleRate)
	}
	if cfg.Stream.SoftLimit != 4 || cfg.Stream.HardLimit != 40 {
		t.Errorf("stream limits: got %d/%d, want 4/40", cfg.Stream.SoftLimit, cfg.Stream.HardLimit)
	}
	if cfg.Jobs.RetentionMinutes != 5 {
		t.Errorf("jobs.retention_minutes: got %d, want 5", cfg.Jobs.RetentionMinutes)
	}
	if cfg.Storage.Backend != config.BackendSQLite {
		t.Errorf("storage.backend: got %q, want sqlite", cfg.Storage.Backend)
	}
	if len(cfg.Voice.WakeWords) != 2 {
		t.Fatalf("voice.wake_words: got %d, want 2", len(cfg.Voice.WakeWords))
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers: got %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "primary" || cfg.Providers[0].Kind != "wsbridge" {
		t.Errorf("providers[0]: got %q/%q", cfg.Providers[0].Name, cfg.Providers[0].Kind)
	}
	if cfg.Providers[0].Options["tier"] != "enhanced" {
		t.Errorf("providers[0].options.tier: got %q", cfg.Providers[0].Options["tier"])
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	// An empty config should succeed and equal the full defaults.
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}

	def := config.Default()
	if cfg.Server.ListenAddr != def.Server.ListenAddr {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, def.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
server:
  listen_addr: ":8080"
  log_lvl: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ── Defaults ─────────────────────────────────────────────────────────────────

func TestDefaults(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Audio.TargetSampleRate != 16000 {
		t.Errorf("target_sample_rate: got %d, want 16000", cfg.Audio.TargetSampleRate)
	}
	if cfg.Audio.ChunkMs != 100 {
		t.Errorf("chunk_ms: got %d, want 100", cfg.Audio.ChunkMs)
	}
	if cfg.Audio.MinReplayDurationMs != 100 {
		t.Errorf("min_replay_duration_ms: got %.1f, want 100", cfg.Audio.MinReplayDurationMs)
	}
	if cfg.Stream.SoftLimit != 8 {
		t.Errorf("soft_limit: got %d, want 8", cfg.Stream.SoftLimit)
	}
	if cfg.Stream.HardLimit != 32 {
		t.Errorf("hard_limit: got %d, want 32 (max(4*8, 32))", cfg.Stream.HardLimit)
	}
	if cfg.Stream.MaxDropMs != 1000 {
		t.Errorf("max_drop_ms: got %.1f, want 1000", cfg.Stream.MaxDropMs)
	}
	if cfg.Stream.MeetingQueueFactor != 4 {
		t.Errorf("meeting_queue_factor: got %d, want 4", cfg.Stream.MeetingQueueFactor)
	}
	if cfg.Stream.KeepaliveMs != 30000 || cfg.Stream.MaxMissedPongs != 2 {
		t.Errorf("keepalive: got %d/%d, want 30000/2", cfg.Stream.KeepaliveMs, cfg.Stream.MaxMissedPongs)
	}
	if cfg.Stream.MaxDictionaryPhrases != 1024 {
		t.Errorf("max_dictionary_phrases: got %d, want 1024", cfg.Stream.MaxDictionaryPhrases)
	}
	if cfg.Jobs.RetentionMinutes != 10 {
		t.Errorf("retention_minutes: got %d, want 10", cfg.Jobs.RetentionMinutes)
	}
	if cfg.Storage.Backend != config.BackendJSONL {
		t.Errorf("backend: got %q, want jsonl", cfg.Storage.Backend)
	}
	if cfg.Storage.RealtimeRetentionDays != 30 || cfg.Storage.RealtimeMaxRows != 100000 {
		t.Errorf("realtime retention: got %dd/%d rows, want 30d/100000",
			cfg.Storage.RealtimeRetentionDays, cfg.Storage.RealtimeMaxRows)
	}
	if cfg.Voice.WakeWindowMs != 8000 {
		t.Errorf("wake_window_ms: got %d, want 8000", cfg.Voice.WakeWindowMs)
	}
	if cfg.Voice.BargeInRmsFactor != 2.0 {
		t.Errorf("barge_in_rms_factor: got %.2f, want 2.0", cfg.Voice.BargeInRmsFactor)
	}
	if cfg.Voice.BargeInMinMs != 120 {
		t.Errorf("barge_in_min_ms: got %d, want 120", cfg.Voice.BargeInMinMs)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Kind != "fake" {
		t.Errorf("expected single default fake provider, got %+v", cfg.Providers)
	}
}

func TestDefaults_DerivedHardLimit(t *testing.T) {
	yaml := `
stream:
  soft_limit: 16
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stream.HardLimit != 64 {
		t.Errorf("hard_limit: got %d, want 64 (4*16)", cfg.Stream.HardLimit)
	}
}

// ── Settings conversion ──────────────────────────────────────────────────────

func TestProviderEntrySettings(t *testing.T) {
	e := config.ProviderEntry{
		Name:       "primary",
		Kind:       "wsbridge",
		URL:        "wss://stt.internal/v1/listen",
		APIKey:     "key",
		Model:      "nova-3",
		Language:   "en",
		SampleRate: 16000,
		Options:    map[string]string{"tier": "enhanced"},
	}

	s := e.Settings()
	if s.Name != e.Name || s.Kind != e.Kind || s.URL != e.URL {
		t.Errorf("identity fields not carried over: %+v", s)
	}
	if s.APIKey != e.APIKey || s.Model != e.Model || s.Language != e.Language {
		t.Errorf("credential fields not carried over: %+v", s)
	}
	if s.SampleRate != 16000 || s.Options["tier"] != "enhanced" {
		t.Errorf("tuning fields not carried over: %+v", s)
	}
}

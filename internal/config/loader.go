package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderKinds lists the adapter kinds registered by the server binary.
// Used by [Validate] to warn about unrecognised kinds, which may be typos or
// kinds registered by a custom build.
var ValidProviderKinds = []string{"fake", "mock", "wsbridge"}

// Default returns a Config populated with every default value. It is the
// configuration an empty YAML file yields.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a defaulted,
// validated [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every zero field that has a documented default.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.FFmpegPath == "" {
		cfg.Audio.FFmpegPath = "ffmpeg"
	}
	if cfg.Audio.FFprobePath == "" {
		cfg.Audio.FFprobePath = "ffprobe"
	}
	if cfg.Audio.TargetSampleRate == 0 {
		cfg.Audio.TargetSampleRate = 16000
	}
	if cfg.Audio.ChunkMs == 0 {
		cfg.Audio.ChunkMs = 100
	}
	if cfg.Audio.MaxFrameDurationMs == 0 {
		cfg.Audio.MaxFrameDurationMs = 5000
	}
	if cfg.Audio.MinReplayDurationMs == 0 {
		cfg.Audio.MinReplayDurationMs = 100
	}

	if cfg.Stream.SoftLimit == 0 {
		cfg.Stream.SoftLimit = 8
	}
	if cfg.Stream.HardLimit == 0 {
		cfg.Stream.HardLimit = max(4*cfg.Stream.SoftLimit, 32)
	}
	if cfg.Stream.MaxDropMs == 0 {
		cfg.Stream.MaxDropMs = 1000
	}
	if cfg.Stream.MeetingQueueFactor == 0 {
		cfg.Stream.MeetingQueueFactor = 4
	}
	if cfg.Stream.KeepaliveMs == 0 {
		cfg.Stream.KeepaliveMs = 30000
	}
	if cfg.Stream.MaxMissedPongs == 0 {
		cfg.Stream.MaxMissedPongs = 2
	}
	if cfg.Stream.MaxDictionaryPhrases == 0 {
		cfg.Stream.MaxDictionaryPhrases = 1024
	}

	if cfg.Jobs.MaxParallel == 0 {
		cfg.Jobs.MaxParallel = 8
	}
	if cfg.Jobs.RetentionMinutes == 0 {
		cfg.Jobs.RetentionMinutes = 10
	}
	if cfg.Jobs.UploadDir == "" {
		cfg.Jobs.UploadDir = "data/uploads"
	}
	if cfg.Jobs.MaxUploadBytes == 0 {
		cfg.Jobs.MaxUploadBytes = 512 << 20
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendJSONL
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/sttmux.db"
	}
	if cfg.Storage.RealtimeRetentionDays == 0 {
		cfg.Storage.RealtimeRetentionDays = 30
	}
	if cfg.Storage.RealtimeMaxRows == 0 {
		cfg.Storage.RealtimeMaxRows = 100000
	}
	if cfg.Storage.PruneIntervalMinutes == 0 {
		cfg.Storage.PruneIntervalMinutes = 60
	}

	if cfg.Voice.WakeWindowMs == 0 {
		cfg.Voice.WakeWindowMs = 8000
	}
	if cfg.Voice.BargeInRmsFactor == 0 {
		cfg.Voice.BargeInRmsFactor = 2.0
	}
	if cfg.Voice.BargeInMinMs == 0 {
		cfg.Voice.BargeInMinMs = 120
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderEntry{{Name: "fake", Kind: "fake"}}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. Defaults are assumed
// to have been applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxConcurrentSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_sessions %d must not be negative", cfg.Server.MaxConcurrentSessions))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio
	if cfg.Audio.TargetSampleRate < 8000 || cfg.Audio.TargetSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.target_sample_rate %d is out of range [8000, 48000]", cfg.Audio.TargetSampleRate))
	}
	if cfg.Audio.ChunkMs < 10 || cfg.Audio.ChunkMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.chunk_ms %d is out of range [10, 1000]", cfg.Audio.ChunkMs))
	}
	if cfg.Audio.MaxFrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_frame_duration_ms %.1f must be positive", cfg.Audio.MaxFrameDurationMs))
	}
	if cfg.Audio.MinReplayDurationMs < 0 {
		errs = append(errs, fmt.Errorf("audio.min_replay_duration_ms %.1f must not be negative", cfg.Audio.MinReplayDurationMs))
	}

	// Stream
	if cfg.Stream.SoftLimit < 1 {
		errs = append(errs, fmt.Errorf("stream.soft_limit %d must be at least 1", cfg.Stream.SoftLimit))
	}
	if cfg.Stream.HardLimit <= cfg.Stream.SoftLimit {
		errs = append(errs, fmt.Errorf("stream.hard_limit %d must exceed soft_limit %d", cfg.Stream.HardLimit, cfg.Stream.SoftLimit))
	}
	if cfg.Stream.MaxDropMs < 0 {
		errs = append(errs, fmt.Errorf("stream.max_drop_ms %.1f must not be negative", cfg.Stream.MaxDropMs))
	}
	if cfg.Stream.MeetingQueueFactor < 1 {
		errs = append(errs, fmt.Errorf("stream.meeting_queue_factor %d must be at least 1", cfg.Stream.MeetingQueueFactor))
	}
	if cfg.Stream.KeepaliveMs < 1000 {
		errs = append(errs, fmt.Errorf("stream.keepalive_ms %d must be at least 1000", cfg.Stream.KeepaliveMs))
	}
	if cfg.Stream.MaxMissedPongs < 1 {
		errs = append(errs, fmt.Errorf("stream.max_missed_pongs %d must be at least 1", cfg.Stream.MaxMissedPongs))
	}
	if cfg.Stream.MaxDictionaryPhrases < 0 {
		errs = append(errs, fmt.Errorf("stream.max_dictionary_phrases %d must not be negative", cfg.Stream.MaxDictionaryPhrases))
	}

	// Jobs
	if cfg.Jobs.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_parallel %d must be at least 1", cfg.Jobs.MaxParallel))
	}
	if cfg.Jobs.RetentionMinutes < 0 {
		errs = append(errs, fmt.Errorf("jobs.retention_minutes %d must not be negative", cfg.Jobs.RetentionMinutes))
	}
	if cfg.Jobs.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_upload_bytes %d must be positive", cfg.Jobs.MaxUploadBytes))
	}

	// Storage
	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: jsonl, sqlite, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == BackendPostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when backend is postgres"))
	}
	if cfg.Storage.RealtimeRetentionDays < 0 || cfg.Storage.HistoryRetentionDays < 0 {
		errs = append(errs, errors.New("storage retention days must not be negative"))
	}
	if cfg.Storage.RealtimeMaxRows < 0 || cfg.Storage.HistoryMaxRows < 0 {
		errs = append(errs, errors.New("storage max rows must not be negative"))
	}
	if cfg.Storage.PruneIntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("storage.prune_interval_minutes %d must be at least 1", cfg.Storage.PruneIntervalMinutes))
	}

	// Voice
	if cfg.Voice.WakeWindowMs < 1 {
		errs = append(errs, fmt.Errorf("voice.wake_window_ms %d must be positive", cfg.Voice.WakeWindowMs))
	}
	if cfg.Voice.BargeInRmsFactor < 1 {
		errs = append(errs, fmt.Errorf("voice.barge_in_rms_factor %.2f must be at least 1.0", cfg.Voice.BargeInRmsFactor))
	}
	if cfg.Voice.BargeInMinMs < 0 {
		errs = append(errs, fmt.Errorf("voice.barge_in_min_ms %d must not be negative", cfg.Voice.BargeInMinMs))
	}

	// Providers
	if len(cfg.Providers) == 0 {
		errs = append(errs, errors.New("providers must list at least one entry"))
	}
	namesSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.Kind == "" {
			errs = append(errs, fmt.Errorf("%s.kind is required", prefix))
		} else if !slices.Contains(ValidProviderKinds, p.Kind) {
			slog.Warn("unknown provider kind — may be a typo or a custom-build adapter",
				"name", p.Name,
				"kind", p.Kind,
				"known", ValidProviderKinds,
			)
		}
		if p.Kind == "wsbridge" && p.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when kind is wsbridge", prefix))
		}
		if p.SampleRate < 0 {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", prefix, p.SampleRate))
		}
	}

	return errors.Join(errs...)
}

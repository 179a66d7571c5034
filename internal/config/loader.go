package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livevox/internal/session"
)

// ValidProviderNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"live":    {"gemini-live", "gemini-genai", "openai-realtime"},
	"capture": {"malgo"},
	"output":  {"oto"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultLiveProvider   = "gemini-live"
	DefaultCapture        = "malgo"
	DefaultOutput         = "oto"
	DefaultSQLitePath     = "data/livevox.db"
	DefaultHandOffTimeout = session.DefaultHandOffTimeout
	DefaultEmbeddedPort   = 4222
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Primary.Name == "" {
		cfg.Live.Primary.Name = DefaultLiveProvider
	}
	if cfg.Session.HandOffTimeout == 0 {
		cfg.Session.HandOffTimeout = DefaultHandOffTimeout
	}
	if cfg.Audio.Capture == "" {
		cfg.Audio.Capture = DefaultCapture
	}
	if cfg.Audio.Output == "" {
		cfg.Audio.Output = DefaultOutput
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = HistorySQLite
	}
	if cfg.History.Backend == HistorySQLite && cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = DefaultSQLitePath
	}
	if cfg.Bus.Embedded && cfg.Bus.EmbeddedPort == 0 {
		cfg.Bus.EmbeddedPort = DefaultEmbeddedPort
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Live transports
	seen := make(map[string]int)
	for i, e := range cfg.Live.Entries() {
		prefix := "live.primary"
		if i > 0 {
			prefix = fmt.Sprintf("live.fallbacks[%d]", i-1)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			slog.Warn("live transport listed twice; the second entry only adds a retry",
				"name", e.Name, "first", prev, "second", i)
		}
		seen[e.Name] = i
		validateProviderName("live", e.Name)
	}

	// Session
	if cfg.Session.HandOffTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.handoff_timeout %s must not be negative", cfg.Session.HandOffTimeout))
	}

	// Audio
	validateProviderName("capture", cfg.Audio.Capture)
	validateProviderName("output", cfg.Audio.Output)
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputBufferMs < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer_ms %d must not be negative", cfg.Audio.OutputBufferMs))
	}

	// History
	switch b := cfg.History.Backend; {
	case b != "" && !b.IsValid():
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: none, memory, sqlite, postgres", b))
	case b == HistorySQLite && cfg.History.SQLitePath == "":
		errs = append(errs, errors.New("history.sqlite_path is required when backend is sqlite"))
	case b == HistoryPostgres && cfg.History.PostgresDSN == "":
		errs = append(errs, errors.New("history.postgres_dsn is required when backend is postgres"))
	}

	// Bus
	if cfg.Bus.EmbeddedPort < 0 || cfg.Bus.EmbeddedPort > 65535 {
		errs = append(errs, fmt.Errorf("bus.embedded_port %d is out of range", cfg.Bus.EmbeddedPort))
	}
	if cfg.Bus.Embedded && len(cfg.Bus.Servers) > 0 {
		slog.Warn("bus.embedded is set; bus.servers is ignored")
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}
	if cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", cfg.Resilience.HalfOpenMax))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or third-party implementation",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

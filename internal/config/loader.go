package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists the providers the llm backend can create.
var ValidLLMProviders = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

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

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
// An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
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

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Realtime.URL == "" {
		cfg.Realtime.URL = DefaultRealtimeURL
	}
	if cfg.Realtime.DedupWindow == 0 {
		cfg.Realtime.DedupWindow = DefaultDedupWindow
	}
	if cfg.Audio.OutputBuffer == 0 {
		cfg.Audio.OutputBuffer = DefaultOutputBuffer
	}
	if cfg.Assistant.Backend == "" {
		cfg.Assistant.Backend = BackendHTTP
	}
	if cfg.Assistant.Backend == BackendHTTP && cfg.Assistant.BaseURL == "" {
		cfg.Assistant.BaseURL = DefaultAssistantURL
	}
	if cfg.Assistant.Timeout == 0 {
		cfg.Assistant.Timeout = DefaultAssistantTime
	}
	if cfg.Dictation.MaxDuration == 0 {
		cfg.Dictation.MaxDuration = DefaultDictationMax
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

	// Realtime
	if err := checkURL(cfg.Realtime.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("realtime.url: %w", err))
	}
	if cfg.Realtime.DedupWindow < 0 {
		errs = append(errs, fmt.Errorf("realtime.dedup_window %s must not be negative", cfg.Realtime.DedupWindow))
	}

	// Audio
	if cfg.Audio.DeviceSampleRate < 0 || cfg.Audio.DeviceSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.device_sample_rate %d is out of range [0, 192000]", cfg.Audio.DeviceSampleRate))
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", cfg.Audio.FramesPerBuffer))
	}
	if cfg.Audio.FallbackFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.fallback_frames %d must not be negative", cfg.Audio.FallbackFrames))
	}

	// Assistant
	ac := cfg.Assistant
	errs = append(errs, validateBackend("assistant", ac.Backend, ac.BaseURL, ac.Provider, ac.Model, ac.APIKey)...)
	if fb := ac.Fallback; fb.Backend != "" {
		errs = append(errs, validateBackend("assistant.fallback", fb.Backend, fb.BaseURL, fb.Provider, fb.Model, fb.APIKey)...)
	}
	if ac.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("assistant.breaker.max_failures %d must not be negative", ac.Breaker.MaxFailures))
	}
	if ac.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("assistant.breaker.cooldown %s must not be negative", ac.Breaker.Cooldown))
	}

	// Dictation
	if cfg.Dictation.Enabled && cfg.Dictation.APIKey == "" {
		errs = append(errs, errors.New("dictation.api_key is required when dictation is enabled"))
	}
	if cfg.Dictation.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("dictation.max_duration %s must not be negative", cfg.Dictation.MaxDuration))
	}

	// Bill
	if cfg.Bill.AutofillURL != "" {
		if err := checkURL(cfg.Bill.AutofillURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("bill.autofill_url: %w", err))
		}
	}
	if cfg.Bill.Quiet && cfg.Bill.AutofillURL == "" {
		slog.Warn("bill.quiet is set without bill.autofill_url; extracted bills will not be shown anywhere")
	}

	// Transcript
	if cfg.Transcript.PostgresDSN == "" {
		slog.Debug("transcript.postgres_dsn is empty; transcripts are kept in memory")
	}

	return errors.Join(errs...)
}

// validateBackend checks one assistant backend section named by prefix.
func validateBackend(prefix string, backend Backend, baseURL, provider, model, apiKey string) []error {
	var errs []error
	switch backend {
	case BackendHTTP:
		if err := checkURL(baseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("%s.base_url: %w", prefix, err))
		}
	case BackendLLM:
		if provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required when backend is llm", prefix))
		} else if !slices.Contains(ValidLLMProviders, provider) {
			errs = append(errs, fmt.Errorf("%s.provider %q is unknown; valid values: %v", prefix, provider, ValidLLMProviders))
		}
		if model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required when backend is llm", prefix))
		}
		if apiKey == "" {
			slog.Warn(prefix+".api_key is empty; the provider will read its key from the environment",
				"provider", provider)
		}
	default:
		errs = append(errs, fmt.Errorf("%s.backend %q is invalid; valid values: http, llm", prefix, backend))
	}
	return errs
}

// checkURL reports whether raw is an absolute URL with one of schemes.
func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
	}
	return nil
}

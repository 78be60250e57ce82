package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the stepwise configuration file
// (~/.config/stepwise/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	// Backend
	BackendURL     string         `yaml:"backend_url"`
	Transport      string         `yaml:"transport"`
	Codec          string         `yaml:"codec"`
	CallsPerSecond *float64       `yaml:"calls_per_second"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`

	// Generation
	PrefillChunk     *int64 `yaml:"prefill_chunk"`
	DecodeChunk      *int64 `yaml:"decode_chunk"`
	MaxSteps         *int64 `yaml:"max_steps"`
	MaxPrefillRounds *int64 `yaml:"max_prefill_rounds"`
	MaxForwardCalls  *int64 `yaml:"max_forward_calls"`
	Template         string `yaml:"template"`
	SystemPrompt     string `yaml:"system_prompt"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "stepwise", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when path
// is empty. A missing default file yields a zero Config; a missing explicit
// file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig copies config file values into s for every flag the user did not
// set explicitly.
func applyConfig(isSet func(name string) bool, cfg Config, s *settings) {
	if cfg.BackendURL != "" && !isSet("backend-url") {
		s.backendURL = cfg.BackendURL
	}
	if cfg.Transport != "" && !isSet("transport") {
		s.transport = cfg.Transport
	}
	if cfg.Codec != "" && !isSet("codec") {
		s.codec = cfg.Codec
	}
	if cfg.CallsPerSecond != nil && !isSet("calls-per-second") {
		s.callsPerSecond = *cfg.CallsPerSecond
	}
	if cfg.RequestTimeout != nil && !isSet("request-timeout") {
		s.requestTimeout = *cfg.RequestTimeout
	}
	if cfg.PrefillChunk != nil && !isSet("prefill-chunk") {
		s.prefillChunk = *cfg.PrefillChunk
	}
	if cfg.DecodeChunk != nil && !isSet("decode-chunk") {
		s.decodeChunk = *cfg.DecodeChunk
	}
	if cfg.MaxSteps != nil && !isSet("max-steps") {
		s.maxSteps = *cfg.MaxSteps
	}
	if cfg.MaxPrefillRounds != nil && !isSet("max-prefill-rounds") {
		s.maxPrefillRounds = *cfg.MaxPrefillRounds
	}
	if cfg.MaxForwardCalls != nil && !isSet("max-forward-calls") {
		s.maxForwardCalls = *cfg.MaxForwardCalls
	}
	if cfg.Template != "" && !isSet("template") {
		s.family = cfg.Template
	}
	if cfg.SystemPrompt != "" && !isSet("default-system") {
		s.systemPrompt = cfg.SystemPrompt
	}
	if cfg.LogLevel != "" && !isSet("log-level") && !isSet("debug") {
		s.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet("log-format") {
		s.logFormat = cfg.LogFormat
	}
	if cfg.ServerAddress != "" && !isSet("addr") {
		s.serverAddress = cfg.ServerAddress
	}
}

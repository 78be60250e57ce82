package inference

import (
	"fmt"
	"math"
)

const (
	DefaultPrefillChunk     = 10
	DefaultDecodeChunk      = 5
	DefaultMaxSteps         = 50
	DefaultMaxPrefillRounds = 512
)

// Config controls how a generation is split into backend calls.
type Config struct {
	// PrefillChunk and DecodeChunk bound the layers computed per forward call.
	PrefillChunk int
	DecodeChunk  int

	// MaxSteps caps the decode loop. Reaching it truncates without error.
	MaxSteps int
	// MaxPrefillRounds caps begin_start/end_start rounds; 0 disables the cap.
	MaxPrefillRounds int
	// MaxForwardCalls caps forward calls per phase; 0 disables the cap.
	MaxForwardCalls int

	// Iterative selects chunked prefill. When false the whole prompt must be
	// consumed by a single round.
	Iterative bool

	Family             string
	SystemPrompt       string
	StripSpecialTokens bool
}

func DefaultConfig() Config {
	return Config{
		PrefillChunk:     DefaultPrefillChunk,
		DecodeChunk:      DefaultDecodeChunk,
		MaxSteps:         DefaultMaxSteps,
		MaxPrefillRounds: DefaultMaxPrefillRounds,
		Iterative:        true,
	}
}

// ConfigOptions holds optional overrides; nil fields keep the defaults.
type ConfigOptions struct {
	PrefillChunk     *int
	DecodeChunk      *int
	MaxSteps         *int
	MaxPrefillRounds *int
	MaxForwardCalls  *int
	Iterative        *bool

	Family             *string
	SystemPrompt       *string
	StripSpecialTokens *bool
}

func ResolveConfig(opts ConfigOptions) (Config, error) {
	cfg := DefaultConfig()

	if opts.PrefillChunk != nil {
		cfg.PrefillChunk = *opts.PrefillChunk
	}
	if opts.DecodeChunk != nil {
		cfg.DecodeChunk = *opts.DecodeChunk
	}
	if opts.MaxSteps != nil {
		cfg.MaxSteps = *opts.MaxSteps
	}
	if opts.MaxPrefillRounds != nil {
		cfg.MaxPrefillRounds = *opts.MaxPrefillRounds
	}
	if opts.MaxForwardCalls != nil {
		cfg.MaxForwardCalls = *opts.MaxForwardCalls
	}
	if opts.Iterative != nil {
		cfg.Iterative = *opts.Iterative
	}
	if opts.Family != nil {
		cfg.Family = *opts.Family
	}
	if opts.SystemPrompt != nil {
		cfg.SystemPrompt = *opts.SystemPrompt
	}
	if opts.StripSpecialTokens != nil {
		cfg.StripSpecialTokens = *opts.StripSpecialTokens
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validChunk(c.PrefillChunk); err != nil {
		return fmt.Errorf("prefill chunk: %w", err)
	}
	if err := validChunk(c.DecodeChunk); err != nil {
		return fmt.Errorf("decode chunk: %w", err)
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("max steps must be >= 0, got %d", c.MaxSteps)
	}
	if c.MaxPrefillRounds < 0 {
		return fmt.Errorf("max prefill rounds must be >= 0, got %d", c.MaxPrefillRounds)
	}
	if c.MaxForwardCalls < 0 {
		return fmt.Errorf("max forward calls must be >= 0, got %d", c.MaxForwardCalls)
	}
	return nil
}

func validChunk(n int) error {
	if n < 1 || n > math.MaxUint8 {
		return fmt.Errorf("%w: %d (expected 1..%d)", ErrInvalidChunk, n, math.MaxUint8)
	}
	return nil
}

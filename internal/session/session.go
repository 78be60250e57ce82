// Package session holds the generation state threaded through every backend
// call, and the helpers that cut it down to the slice a single call needs.
package session

import (
	"fmt"
	"slices"
)

// KVPair is the cached attention key and value for one layer.
type KVPair struct {
	Key   Tensor `json:"key"`
	Value Tensor `json:"value"`
}

// KVCache maps a layer index to its cached attention state. A layer entry is
// always replaced whole, never partially updated.
type KVCache map[int]KVPair

// Layers returns the cached layer indices in ascending order.
func (c KVCache) Layers() []int {
	out := make([]int, 0, len(c))
	for layer := range c {
		out = append(out, layer)
	}
	slices.Sort(out)
	return out
}

func (c KVCache) Clone() KVCache {
	if c == nil {
		return nil
	}
	out := make(KVCache, len(c))
	for layer, kv := range c {
		out[layer] = KVPair{Key: kv.Key.Clone(), Value: kv.Value.Clone()}
	}
	return out
}

// TokenStream tracks tokenization progress. The backend owns its contents;
// the client only carries it between calls.
type TokenStream struct {
	Tokens       []uint32 `json:"tokens"`
	PrevIndex    int      `json:"prev_index"`
	CurrentIndex int      `json:"current_index"`
	PromptIndex  int      `json:"prompt_index"`
	Prompt       []uint32 `json:"prompt"`
}

// Progress reports how many prompt tokens the backend has consumed so far.
func (t TokenStream) Progress() (consumed, total int) {
	return t.PromptIndex, len(t.Prompt)
}

func (t TokenStream) Clone() TokenStream {
	t.Tokens = slices.Clone(t.Tokens)
	t.Prompt = slices.Clone(t.Prompt)
	return t
}

type SamplingKind string

const (
	ArgMax       SamplingKind = "argmax"
	All          SamplingKind = "all"
	TopK         SamplingKind = "top_k"
	TopP         SamplingKind = "top_p"
	TopKThenTopP SamplingKind = "top_k_then_top_p"
)

// Sampling is the sampling configuration chosen by the backend when the
// session was started.
type Sampling struct {
	Kind        SamplingKind `json:"kind"`
	K           int          `json:"k,omitempty"`
	P           float64      `json:"p,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

func (s Sampling) Validate() error {
	switch s.Kind {
	case ArgMax:
		return nil
	case All, TopK, TopP, TopKThenTopP:
	default:
		return fmt.Errorf("unknown sampling kind %q", s.Kind)
	}
	if s.Temperature <= 0 {
		return fmt.Errorf("%s sampling needs a positive temperature", s.Kind)
	}
	if (s.Kind == TopK || s.Kind == TopKThenTopP) && s.K <= 0 {
		return fmt.Errorf("%s sampling needs k > 0", s.Kind)
	}
	if (s.Kind == TopP || s.Kind == TopKThenTopP) && (s.P <= 0 || s.P > 1) {
		return fmt.Errorf("%s sampling needs 0 < p <= 1", s.Kind)
	}
	return nil
}

// RNGState is a serialized random number generator checkpoint. Its encoding
// belongs to the backend.
type RNGState string

type LogitProcessor struct {
	RNG      RNGState `json:"rng"`
	Sampling Sampling `json:"sampling"`
}

// Session is the unit of state exchanged with the backend on every call.
type Session struct {
	LogitProcessor LogitProcessor `json:"logit_processor"`
	TokenStream    TokenStream    `json:"token_stream"`
	KVCache        KVCache        `json:"kv_cache"`
}

// Clone returns a deep copy that shares no slices or maps with s.
func (s Session) Clone() Session {
	return Session{
		LogitProcessor: s.LogitProcessor,
		TokenStream:    s.TokenStream.Clone(),
		KVCache:        s.KVCache.Clone(),
	}
}

// Validate checks every cached tensor.
func (s Session) Validate() error {
	for layer, kv := range s.KVCache {
		if layer < 0 {
			return fmt.Errorf("kv cache: negative layer index %d", layer)
		}
		if err := kv.Key.Validate(); err != nil {
			return fmt.Errorf("kv cache layer %d key: %w", layer, err)
		}
		if err := kv.Value.Validate(); err != nil {
			return fmt.Errorf("kv cache layer %d value: %w", layer, err)
		}
	}
	return nil
}

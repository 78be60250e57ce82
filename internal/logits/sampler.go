package logits

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/samcharles93/stepwise/internal/session"
)

// Sampler picks token ids from logits following a session.Sampling
// configuration. Its random state can be checkpointed as an RNGState and
// restored later, so a stateless backend samples the same sequence as a
// stateful one.
type Sampler struct {
	rng   *rand.Rand
	seed  int64
	draws int
	cfg   session.Sampling

	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler with a fresh random stream.
func NewSampler(cfg session.Sampling, seed int64) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		rng:  rand.New(rand.NewSource(seed)),
		seed: seed,
		cfg:  cfg,
	}, nil
}

// Restore rebuilds a sampler from a checkpoint taken with Checkpoint.
func Restore(cfg session.Sampling, state session.RNGState) (*Sampler, error) {
	seed, draws, err := ParseState(state)
	if err != nil {
		return nil, err
	}
	s, err := NewSampler(cfg, seed)
	if err != nil {
		return nil, err
	}
	for range draws {
		s.rng.Float64()
	}
	s.draws = draws
	return s, nil
}

// Checkpoint encodes the random stream position as "seed:draws".
func (s *Sampler) Checkpoint() session.RNGState {
	return FormatState(s.seed, s.draws)
}

func FormatState(seed int64, draws int) session.RNGState {
	return session.RNGState(strconv.FormatInt(seed, 10) + ":" + strconv.Itoa(draws))
}

func ParseState(state session.RNGState) (seed int64, draws int, err error) {
	seedStr, drawStr, ok := strings.Cut(string(state), ":")
	if !ok {
		return 0, 0, fmt.Errorf("rng state %q: expected seed:draws", state)
	}
	seed, err = strconv.ParseInt(seedStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("rng state %q: seed: %w", state, err)
	}
	draws, err = strconv.Atoi(drawStr)
	if err != nil || draws < 0 {
		return 0, 0, fmt.Errorf("rng state %q: invalid draw count", state)
	}
	return seed, draws, nil
}

// Sample draws a single index from logits:
//
//  1. argmax sampling returns the largest logit without touching the RNG.
//  2. Otherwise logits are scaled by the inverse temperature and the top k
//     are shortlisted (all of them unless the kind limits k).
//  3. A softmax over the shortlist is truncated once the cumulative
//     probability reaches p, for kinds that use p.
//  4. One uniform draw selects from the truncated distribution.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		return 0
	}
	if s.cfg.Kind == session.ArgMax {
		return argmax(logits)
	}

	k := len(logits)
	if s.cfg.Kind == session.TopK || s.cfg.Kind == session.TopKThenTopP {
		k = min(s.cfg.K, len(logits))
	}
	invTemp := float32(1 / s.cfg.Temperature)

	topIdx, topVal := s.topK(logits, k, invTemp)

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	cut := len(prob)
	if s.cfg.Kind == session.TopP || s.cfg.Kind == session.TopKThenTopP {
		var c float64
		for i := range prob {
			c += prob[i]
			if c >= s.cfg.P {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	s.draws++
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// argmax returns the index of the first maximum value.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits, scaled by invTemp.
// The returned slices are ordered from largest to smallest by value.
// This is an O(V*K) algorithm suitable for small K.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}

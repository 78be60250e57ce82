package session

import "fmt"

type RunKind string

const (
	RunSteps    RunKind = "steps"
	RunFinish   RunKind = "finish"
	RunFinished RunKind = "finished"
)

// RunState tells the backend where a chunked forward pass stands. For
// RunSteps, Step is the next layer index to compute.
type RunState struct {
	Kind RunKind `json:"kind"`
	Step int     `json:"step,omitempty"`
}

func Steps(n int) RunState { return RunState{Kind: RunSteps, Step: n} }
func Finish() RunState     { return RunState{Kind: RunFinish} }
func Finished() RunState   { return RunState{Kind: RunFinished} }

// Current returns the next layer index and true when the run is mid-chunk.
func (r RunState) Current() (int, bool) {
	if r.Kind != RunSteps {
		return 0, false
	}
	return r.Step, true
}

func (r RunState) String() string {
	if r.Kind == RunSteps {
		return fmt.Sprintf("steps(%d)", r.Step)
	}
	return string(r.Kind)
}

// ModelRun describes one phase of forward computation. It is created by the
// backend at the start of a phase and threaded through each forward call.
type ModelRun struct {
	IndexPos int      `json:"index_pos"`
	LayerIn  Tensor   `json:"layer_in"`
	Mask     *Tensor  `json:"mask,omitempty"`
	SeqLen   int      `json:"seq_len"`
	State    RunState `json:"state"`
}

func (r ModelRun) Validate() error {
	switch r.State.Kind {
	case RunSteps:
		if r.State.Step < 0 {
			return fmt.Errorf("model run: negative step %d", r.State.Step)
		}
	case RunFinish, RunFinished:
	default:
		return fmt.Errorf("model run: unknown state %q", r.State.Kind)
	}
	if r.SeqLen < 0 || r.IndexPos < 0 {
		return fmt.Errorf("model run: negative position (index_pos=%d seq_len=%d)", r.IndexPos, r.SeqLen)
	}
	if err := r.LayerIn.Validate(); err != nil {
		return fmt.Errorf("model run layer_in: %w", err)
	}
	if r.Mask != nil {
		if err := r.Mask.Validate(); err != nil {
			return fmt.Errorf("model run mask: %w", err)
		}
	}
	return nil
}

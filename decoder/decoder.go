// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decoder implements batched beam search over an autoregressive
// sequence model.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// ErrInvalidConfiguration reports a beam width or step limit out of range.
// It is returned before any decoding work begins.
var ErrInvalidConfiguration = errors.New("decoder: invalid configuration")

// ModelStepError wraps a failure of the model step function for one
// example. It invalidates that example's beam only; the other examples of
// the batch are decoded to completion.
type ModelStepError struct {
	Err error
}

func (e *ModelStepError) Error() string {
	return fmt.Sprintf("decoder: model step failed: %v", e.Err)
}

func (e *ModelStepError) Unwrap() error {
	return e.Err
}

// StepResult is the output of a single scoring step for one hypothesis.
type StepResult struct {
	// LogProbs is the log-probability distribution over the target
	// vocabulary for the next token.
	LogProbs []float64
	// Attention holds the attention weights over source positions for
	// this step.
	Attention []float64
	// State is the model state after consuming the previous token.
	State State
}

// StepFunc scores the next step of one hypothesis: given the previously
// chosen token id, the hypothesis state and the encoded source, it returns
// the next-token distribution, the attention weights and the new state.
// A nil state denotes the initial decoder state for the given source.
// The function must be pure given identical inputs.
type StepFunc func(prevTokenID int, state State, src any) (StepResult, error)

// Options configures the beam search.
type Options struct {
	// BeamSize is the beam width (> 0).
	BeamSize int
	// MaxSteps is the maximum number of decoding time steps (> 0).
	MaxSteps int
	// StartID is the start-of-sequence token id.
	StartID int
	// EndID is the end-of-sequence token id.
	EndID int
	// PadID is the padding token id.
	PadID int
}

// Result holds the outcome for one example of a batch. Err is non-nil when
// the example's beam was invalidated by a model step failure or an early
// abort. A step failure leaves Hypotheses empty; on early abort it holds
// whatever had completed before the cancellation.
type Result struct {
	Hypotheses []Hypothesis
	Err        error
}

// Decoder runs beam search against a model step function.
type Decoder struct {
	step StepFunc
	opts Options
}

// New returns a Decoder. It fails with ErrInvalidConfiguration if the beam
// width or the step limit is not positive.
func New(step StepFunc, opts Options) (*Decoder, error) {
	if opts.BeamSize < 1 {
		return nil, fmt.Errorf("%w: beam size must be >= 1, actual %d", ErrInvalidConfiguration, opts.BeamSize)
	}
	if opts.MaxSteps < 1 {
		return nil, fmt.Errorf("%w: max steps must be >= 1, actual %d", ErrInvalidConfiguration, opts.MaxSteps)
	}
	return &Decoder{step: step, opts: opts}, nil
}

// Decode runs beam search for a single encoded source example, returning
// up to BeamSize completed hypotheses sorted by descending score. There is
// always at least one hypothesis: if the step limit is reached first, the
// surviving alive hypotheses are force-completed as they stand.
func (d *Decoder) Decode(ctx context.Context, src any) ([]Hypothesis, error) {
	results, err := d.DecodeBatch(ctx, []any{src})
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Hypotheses, nil
}

// DecodeBatch runs beam search for a batch of encoded source examples,
// advancing every unresolved beam in lockstep, one global step at a time.
// Examples are fully independent: a step failure poisons only its own
// beam, and resolved examples are no longer stepped. On context
// cancellation the unresolved beams are discarded and their results carry
// the context error alongside whatever had already completed.
func (d *Decoder) DecodeBatch(ctx context.Context, srcs []any) ([]Result, error) {
	beams := make([]*beam, len(srcs))
	for i := range srcs {
		beams[i] = newBeam(d.opts.BeamSize, d.opts.StartID, nil)
	}

	aborted := false
loop:
	for t := 0; t < d.opts.MaxSteps; t++ {
		select {
		case <-ctx.Done():
			aborted = true
			break loop
		default:
		}

		pending := false
		for i, b := range beams {
			if b.resolved() {
				continue
			}
			d.advance(b, srcs[i])
			if !b.resolved() {
				pending = true
			}
		}
		if !pending {
			break
		}
	}

	results := make([]Result, len(beams))
	for i, b := range beams {
		switch {
		case b.err != nil:
			log.Warn().Err(b.err).Int("example", i).Msg("beam invalidated by model step failure")
			results[i] = Result{Err: b.err}
		case aborted && !b.resolved():
			b.sortCompleted()
			results[i] = Result{Hypotheses: collect(b.completed), Err: ctx.Err()}
		default:
			if len(b.alive) > 0 && len(b.completed) < b.capacity {
				log.Trace().Int("example", i).Msg("step limit reached, force-completing alive hypotheses")
				b.forceComplete()
			}
			b.sortCompleted()
			results[i] = Result{Hypotheses: collect(b.completed)}
		}
	}
	return results, nil
}

// advance runs one decoding step for one unresolved beam: it scores every
// alive hypothesis, pools the per-parent top-k extensions across the whole
// frontier and keeps the best of the pool, freezing those that emit the
// end-of-sequence token.
func (d *Decoder) advance(b *beam, src any) {
	steps := make([]StepResult, len(b.alive))
	for i, hyp := range b.alive {
		res, err := d.step(hyp.Tokens[len(hyp.Tokens)-1], hyp.State, src)
		if err != nil {
			b.fail(&ModelStepError{Err: err})
			return
		}
		steps[i] = res
	}

	// Pool candidates across all parents of this example: one strong
	// parent may contribute several survivors while a weak one
	// contributes none.
	candidates := make([]candidate, 0, len(b.alive)*b.capacity)
	for parent, hyp := range b.alive {
		for _, tok := range topTokens(steps[parent].LogProbs, b.capacity) {
			candidates = append(candidates, candidate{
				parent:  parent,
				tokenID: tok.id,
				logProb: tok.logProb,
				score:   hyp.Score + tok.logProb,
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].parent != candidates[j].parent {
			return candidates[i].parent < candidates[j].parent
		}
		return candidates[i].tokenID < candidates[j].tokenID
	})

	// The beam budget is shared between alive and completed hypotheses.
	keep := b.capacity - len(b.completed)
	if keep > len(candidates) {
		keep = len(candidates)
	}

	nextAlive := make([]*Hypothesis, 0, keep)
	for _, c := range candidates[:keep] {
		res := steps[c.parent]
		child := b.alive[c.parent].extend(c.tokenID, c.logProb, res.Attention, cloneState(res.State))
		if c.tokenID == d.opts.EndID {
			b.completed = append(b.completed, child)
			continue
		}
		nextAlive = append(nextAlive, child)
	}
	b.alive = nextAlive
}

// cloneState duplicates the state for one child. Siblings must never alias
// each other's state.
func cloneState(s State) State {
	if s == nil {
		return nil
	}
	return s.Clone()
}

func collect(hyps []*Hypothesis) []Hypothesis {
	out := make([]Hypothesis, len(hyps))
	for i, h := range hyps {
		out[i] = *h
	}
	return out
}

// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"container/heap"
	"sort"
)

// State is the opaque per-hypothesis model state. Each hypothesis owns its
// state exclusively: when a hypothesis is expanded into several children,
// the state is cloned per child, never aliased, since children evolve
// independently from that point on.
type State interface {
	Clone() State
}

// Hypothesis is one candidate output sequence for one input example.
type Hypothesis struct {
	// Tokens is the generated id sequence, starting with the start-of-sequence id.
	Tokens []int
	// Score is the cumulative sum of the step log-probabilities along Tokens.
	Score float64
	// AttentionHistory holds one attention-weight vector per decoding step
	// taken, each aligned to source positions. Diagnostics only; it plays
	// no role in ranking.
	AttentionHistory [][]float64
	// State is the model state after the most recent step.
	State State
}

func (h *Hypothesis) extend(tokenID int, logProb float64, attention []float64, state State) *Hypothesis {
	tokens := make([]int, len(h.Tokens)+1)
	copy(tokens, h.Tokens)
	tokens[len(h.Tokens)] = tokenID

	history := make([][]float64, len(h.AttentionHistory)+1)
	copy(history, h.AttentionHistory)
	history[len(h.AttentionHistory)] = attention

	return &Hypothesis{
		Tokens:           tokens,
		Score:            h.Score + logProb,
		AttentionHistory: history,
		State:            state,
	}
}

// beam is the bounded working set of hypotheses for one input example.
// Capacity is shared between alive and completed hypotheses: the beam is
// resolved once `capacity` hypotheses have completed, or nothing is left
// to extend.
type beam struct {
	capacity  int
	alive     []*Hypothesis
	completed []*Hypothesis
	err       error
}

func newBeam(capacity, startID int, state State) *beam {
	return &beam{
		capacity: capacity,
		alive:    []*Hypothesis{{Tokens: []int{startID}, State: state}},
	}
}

func (b *beam) resolved() bool {
	return b.err != nil || len(b.completed) >= b.capacity || len(b.alive) == 0
}

func (b *beam) fail(err error) {
	b.err = err
	b.alive = nil
	b.completed = nil
}

// forceComplete freezes every alive hypothesis as-is, appends it to the
// completed set and truncates to capacity by score.
func (b *beam) forceComplete() {
	b.completed = append(b.completed, b.alive...)
	b.alive = nil
	b.sortCompleted()
	if len(b.completed) > b.capacity {
		b.completed = b.completed[:b.capacity]
	}
}

func (b *beam) sortCompleted() {
	sort.SliceStable(b.completed, func(i, j int) bool {
		return b.completed[i].Score > b.completed[j].Score
	})
}

// candidate is one proposed single-token extension of an alive hypothesis.
type candidate struct {
	parent  int // index into the beam's alive slice
	tokenID int
	logProb float64
	score   float64
}

// scoredToken pairs a token id with its step log-probability.
type scoredToken struct {
	id      int
	logProb float64
}

// tokenHeap is a min-heap over scoredToken used for per-parent top-k
// selection: the worst retained token sits at the root. Ties keep the
// lower token id by evicting the higher one first.
type tokenHeap []scoredToken

func (h tokenHeap) Len() int { return len(h) }
func (h tokenHeap) Less(i, j int) bool {
	if h[i].logProb != h[j].logProb {
		return h[i].logProb < h[j].logProb
	}
	return h[i].id > h[j].id
}
func (h tokenHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tokenHeap) Push(x any)        { *h = append(*h, x.(scoredToken)) }
func (h *tokenHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topTokens returns the k best token ids by log-probability, sorted by
// descending log-probability and ascending id on ties.
func topTokens(logProbs []float64, k int) []scoredToken {
	if k > len(logProbs) {
		k = len(logProbs)
	}
	h := make(tokenHeap, 0, k)
	for id, lp := range logProbs {
		if len(h) < k {
			heap.Push(&h, scoredToken{id: id, logProb: lp})
			continue
		}
		if lp > h[0].logProb || (lp == h[0].logProb && id < h[0].id) {
			h[0] = scoredToken{id: id, logProb: lp}
			heap.Fix(&h, 0)
		}
	}
	out := []scoredToken(h)
	sort.Slice(out, func(i, j int) bool {
		if out[i].logProb != out[j].logProb {
			return out[i].logProb > out[j].logProb
		}
		return out[i].id < out[j].id
	})
	return out
}

// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seq2seq

import (
	"context"
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/losses"
	"github.com/nlpodyssey/spago/mat/rand"
)

// Loss computes the teacher-forced cross-entropy of a padded batch,
// summed over all predicted target positions. tfRatio is the probability
// of feeding the true previous token at each step; otherwise the model's
// own best prediction is fed back instead. Padding positions contribute
// no loss. It returns the loss node and the number of predicted words.
func (m *Model) Loss(ctx context.Context, src, tgt [][]int, srcLens, tgtLens []int, tfRatio float64, rng *rand.LockedRand) (ag.Node, int, error) {
	if len(src) != len(tgt) || len(src) != len(srcLens) || len(src) != len(tgtLens) {
		return nil, 0, fmt.Errorf("seq2seq: batch size mismatch: %d src, %d tgt, %d srcLens, %d tgtLens",
			len(src), len(tgt), len(srcLens), len(tgtLens))
	}
	if tfRatio < 0 || tfRatio > 1 {
		return nil, 0, fmt.Errorf("seq2seq: teacher forcing ratio must be in [0, 1], actual %f", tfRatio)
	}

	var loss ag.Node
	numWords := 0
	for i := range src {
		exampleLoss, n, err := m.exampleLoss(ctx, src[i][:srcLens[i]], tgt[i][:tgtLens[i]], tfRatio, rng)
		if err != nil {
			return nil, 0, fmt.Errorf("seq2seq: example %d: %w", i, err)
		}
		numWords += n
		if loss == nil {
			loss = exampleLoss
			continue
		}
		loss = ag.Add(loss, exampleLoss)
	}
	if loss == nil {
		return nil, 0, fmt.Errorf("seq2seq: empty batch")
	}
	return loss, numWords, nil
}

// exampleLoss accumulates the step losses of one example. The target is
// expected to start with the start-of-sequence id; each of the remaining
// positions is predicted from the previous one.
func (m *Model) exampleLoss(ctx context.Context, srcIDs, tgtIDs []int, tfRatio float64, rng *rand.LockedRand) (ag.Node, int, error) {
	if len(tgtIDs) < 2 {
		return nil, 0, fmt.Errorf("target sequence too short: %d tokens", len(tgtIDs))
	}

	encoded, err := m.Encode(ctx, srcIDs)
	if err != nil {
		return nil, 0, err
	}

	var loss ag.Node
	var state *State
	prev := tgtIDs[0]
	for t := 1; t < len(tgtIDs); t++ {
		logits, _, next, err := m.stepGraph(prev, state, encoded, true)
		if err != nil {
			return nil, 0, err
		}
		state = &State{rnn: next}

		stepLoss := losses.CrossEntropy(logits, tgtIDs[t])
		if loss == nil {
			loss = stepLoss
		} else {
			loss = ag.Add(loss, stepLoss)
		}

		// The step contract is identical whether the previous token came
		// from the reference or from the model's own prediction.
		if rng != nil && rng.Float64() >= tfRatio {
			prev = logits.Value().ArgMax()
		} else {
			prev = tgtIDs[t]
		}
	}
	return loss, len(tgtIDs) - 1, nil
}

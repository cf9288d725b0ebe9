// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seq2seq

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/nn/recurrent/lstm"
	"github.com/nlpodyssey/traduco/decoder"
)

// State is the decoder-side recurrent state of one hypothesis. It is
// exclusively owned by that hypothesis.
type State struct {
	rnn *lstm.State
}

// Clone returns an independent copy of the state. The wrapped nodes are
// immutable computation-graph snapshots, so copying the container is a
// logical deep copy.
func (s *State) Clone() decoder.State {
	if s == nil {
		return nil
	}
	rnn := *s.rnn
	return &State{rnn: &rnn}
}

// EncodedSource is the reusable representation of one source sentence: the
// stacked bidirectional encoder outputs, their projection for attention
// scoring, and the initial decoder state derived from the final encoder
// states.
type EncodedSource struct {
	// Length is the source sequence length.
	Length int
	// Hidden has one row per source position.
	Hidden ag.Node
	// Keys is Hidden projected into the attention-scoring space.
	Keys ag.Node

	init *State
}

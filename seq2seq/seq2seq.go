// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package seq2seq implements an encoder-decoder translation model with
// global attention: a bidirectional LSTM encoder over source embeddings
// and an LSTM decoder whose per-step output attends over all encoder
// states.
package seq2seq

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/initializers"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/recurrent/lstm"
	"github.com/nlpodyssey/traduco/decoder"
)

// Config is the model architecture configuration.
type Config struct {
	// EmbedSize is the size of the source and target token embeddings.
	EmbedSize int `json:"embed_size"`
	// HiddenSize is the size of the encoder and decoder hidden states.
	// The encoder is bidirectional, so its per-position output is twice
	// this size.
	HiddenSize int `json:"hidden_size"`
	// SrcVocabSize is the source vocabulary size.
	SrcVocabSize int `json:"src_vocab_size"`
	// TgtVocabSize is the target vocabulary size.
	TgtVocabSize int `json:"tgt_vocab_size"`
	// Dropout is the dropout probability applied during training.
	Dropout float64 `json:"dropout"`
}

// LoadConfig reads a Config from a JSON file.
func LoadConfig(filePath string) (Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	jsonDecoder := json.NewDecoder(file)
	if err := jsonDecoder.Decode(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Model is the attention-based encoder-decoder network.
type Model struct {
	nn.Module
	SrcEmbeddings nn.Param // EmbedSize x SrcVocabSize
	TgtEmbeddings nn.Param // EmbedSize x TgtVocabSize
	EncoderFwd    *lstm.Model
	EncoderBwd    *lstm.Model
	Decoder       *lstm.Model
	AttnProj      nn.Param // 2*HiddenSize x HiddenSize
	CombineW      nn.Param // HiddenSize x 3*HiddenSize
	CombineB      nn.Param // HiddenSize
	OutW          nn.Param // TgtVocabSize x HiddenSize
	OutB          nn.Param // TgtVocabSize
	InitYW        nn.Param // HiddenSize x 2*HiddenSize
	InitYB        nn.Param // HiddenSize
	InitCW        nn.Param // HiddenSize x 2*HiddenSize
	InitCB        nn.Param // HiddenSize
	Config        Config
}

func init() {
	gob.Register(&Model{})
}

// New returns a new Model with Xavier-initialized parameters.
func New[T float.DType](c Config, rndGen *rand.LockedRand) *Model {
	m := &Model{
		Config:        c,
		SrcEmbeddings: newInitParam[T](c.EmbedSize, c.SrcVocabSize, rndGen),
		TgtEmbeddings: newInitParam[T](c.EmbedSize, c.TgtVocabSize, rndGen),
		EncoderFwd:    lstm.New[T](c.EmbedSize, c.HiddenSize),
		EncoderBwd:    lstm.New[T](c.EmbedSize, c.HiddenSize),
		Decoder:       lstm.New[T](c.EmbedSize, c.HiddenSize),
		AttnProj:      newInitParam[T](2*c.HiddenSize, c.HiddenSize, rndGen),
		CombineW:      newInitParam[T](c.HiddenSize, 3*c.HiddenSize, rndGen),
		CombineB:      nn.NewParam(mat.NewEmptyVecDense[T](c.HiddenSize)),
		OutW:          newInitParam[T](c.TgtVocabSize, c.HiddenSize, rndGen),
		OutB:          nn.NewParam(mat.NewEmptyVecDense[T](c.TgtVocabSize)),
		InitYW:        newInitParam[T](c.HiddenSize, 2*c.HiddenSize, rndGen),
		InitYB:        nn.NewParam(mat.NewEmptyVecDense[T](c.HiddenSize)),
		InitCW:        newInitParam[T](c.HiddenSize, 2*c.HiddenSize, rndGen),
		InitCB:        nn.NewParam(mat.NewEmptyVecDense[T](c.HiddenSize)),
	}
	for _, rnn := range []*lstm.Model{m.EncoderFwd, m.EncoderBwd, m.Decoder} {
		nn.ForEachParam(rnn, func(p nn.Param, _ string, _ nn.ParamsType) {
			initializers.XavierUniform(p.Value(), 1.0, rndGen)
		})
	}
	return m
}

func newInitParam[T float.DType](rows, cols int, rndGen *rand.LockedRand) nn.Param {
	v := mat.NewEmptyDense[T](rows, cols)
	initializers.XavierUniform(v, 1.0, rndGen)
	return nn.NewParam(v)
}

// Encode runs the bidirectional encoder over one source sentence,
// producing the reusable source representation for decoding.
func (m *Model) Encode(_ context.Context, srcIDs []int) (*EncodedSource, error) {
	if len(srcIDs) == 0 {
		return nil, fmt.Errorf("seq2seq: cannot encode an empty source")
	}
	xs := make([]ag.Node, len(srcIDs))
	for i, id := range srcIDs {
		if id < 0 || id >= m.Config.SrcVocabSize {
			return nil, fmt.Errorf("seq2seq: source token id %d out of range [0, %d)", id, m.Config.SrcVocabSize)
		}
		xs[i] = ag.ColView(m.SrcEmbeddings, id)
	}

	fwdYs := make([]ag.Node, len(xs))
	var fwd *lstm.State
	for i, x := range xs {
		fwd = m.EncoderFwd.Next(fwd, x)
		fwdYs[i] = fwd.Y
	}

	bwdYs := make([]ag.Node, len(xs))
	var bwd *lstm.State
	for i := len(xs) - 1; i >= 0; i-- {
		bwd = m.EncoderBwd.Next(bwd, xs[i])
		bwdYs[i] = bwd.Y
	}

	rows := make([]ag.Node, len(xs))
	for i := range xs {
		rows[i] = ag.Concat(fwdYs[i], bwdYs[i])
	}
	hidden := ag.Stack(rows...)

	final := ag.Concat(fwd.Y, bwd.Y)
	initState := &State{rnn: &lstm.State{
		Y:    ag.Tanh(ag.Affine(m.InitYB, m.InitYW, final)),
		Cell: ag.Tanh(ag.Affine(m.InitCB, m.InitCW, final)),
	}}

	return &EncodedSource{
		Length: len(srcIDs),
		Hidden: hidden,
		Keys:   ag.Mul(hidden, m.AttnProj),
		init:   initState,
	}, nil
}

// Step scores the next decoding step: given the previously chosen target
// token, the current state and the encoded source, it returns the
// log-probability distribution over the target vocabulary, the new state
// and the attention weights over source positions. A nil state denotes
// the initial decoder state of the encoded source. The result does not
// depend on how the previous token was chosen.
func (m *Model) Step(prevTokenID int, state *State, src *EncodedSource) (mat.Matrix, *State, mat.Matrix, error) {
	logits, attn, next, err := m.stepGraph(prevTokenID, state, src, false)
	if err != nil {
		return nil, nil, nil, err
	}
	logProbs := ag.LogSoftmax(logits)
	return logProbs.Value(), &State{rnn: next}, attn.Value(), nil
}

// stepGraph builds the computation for one decoder step. With train set,
// dropout is applied to the embedding and the pre-output representation.
func (m *Model) stepGraph(prevTokenID int, state *State, src *EncodedSource, train bool) (logits, attn ag.Node, next *lstm.State, err error) {
	if src == nil {
		return nil, nil, nil, fmt.Errorf("seq2seq: nil encoded source")
	}
	if prevTokenID < 0 || prevTokenID >= m.Config.TgtVocabSize {
		return nil, nil, nil, fmt.Errorf("seq2seq: target token id %d out of range [0, %d)", prevTokenID, m.Config.TgtVocabSize)
	}
	if state == nil {
		state = src.init
	}

	x := ag.ColView(m.TgtEmbeddings, prevTokenID)
	if train && m.Config.Dropout > 0 {
		x = ag.Dropout(x, m.Config.Dropout)
	}

	next = m.Decoder.Next(state.rnn, x)

	scores := ag.Mul(src.Keys, next.Y)
	attn = ag.Softmax(scores)
	context := ag.Mul(ag.T(src.Hidden), attn)

	combined := ag.Tanh(ag.Affine(m.CombineB, m.CombineW, ag.Concat(next.Y, context)))
	if train && m.Config.Dropout > 0 {
		combined = ag.Dropout(combined, m.Config.Dropout)
	}
	logits = ag.Affine(m.OutB, m.OutW, combined)
	return logits, attn, next, nil
}

// StepFunc adapts the model to the beam search decoder contract.
func (m *Model) StepFunc() decoder.StepFunc {
	return func(prevTokenID int, state decoder.State, src any) (decoder.StepResult, error) {
		es, ok := src.(*EncodedSource)
		if !ok {
			return decoder.StepResult{}, fmt.Errorf("seq2seq: unexpected source type %T", src)
		}
		var st *State
		if state != nil {
			st, ok = state.(*State)
			if !ok {
				return decoder.StepResult{}, fmt.Errorf("seq2seq: unexpected state type %T", state)
			}
		}
		logProbs, nextState, attn, err := m.Step(prevTokenID, st, es)
		if err != nil {
			return decoder.StepResult{}, err
		}
		return decoder.StepResult{
			LogProbs:  copyFloats(logProbs.Data().F64()),
			Attention: copyFloats(attn.Data().F64()),
			State:     nextState,
		}, nil
	}
}

func copyFloats(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	return out
}

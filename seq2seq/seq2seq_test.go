// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seq2seq

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/traduco/decoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	return New[float32](Config{
		EmbedSize:    4,
		HiddenSize:   6,
		SrcVocabSize: 10,
		TgtVocabSize: 8,
		Dropout:      0,
	}, rand.NewLockedRand(42))
}

func TestEncodeShapes(t *testing.T) {
	m := testModel(t)

	src, err := m.Encode(context.Background(), []int{4, 5, 6})
	require.NoError(t, err)

	assert.Equal(t, 3, src.Length)
	assert.Equal(t, 3, src.Hidden.Value().Rows())
	assert.Equal(t, 2*m.Config.HiddenSize, src.Hidden.Value().Columns())
	assert.Equal(t, 3, src.Keys.Value().Rows())
	assert.Equal(t, m.Config.HiddenSize, src.Keys.Value().Columns())
	require.NotNil(t, src.init)
}

func TestEncodeEmptySource(t *testing.T) {
	m := testModel(t)

	_, err := m.Encode(context.Background(), nil)
	assert.Error(t, err)
}

func TestEncodeOutOfRangeToken(t *testing.T) {
	m := testModel(t)

	_, err := m.Encode(context.Background(), []int{4, 10})
	assert.Error(t, err)
}

func TestStepLogProbs(t *testing.T) {
	m := testModel(t)

	src, err := m.Encode(context.Background(), []int{4, 5, 6})
	require.NoError(t, err)

	logProbs, state, attn, err := m.Step(1, nil, src)
	require.NoError(t, err)
	require.NotNil(t, state)

	lp := logProbs.Data().F64()
	require.Len(t, lp, m.Config.TgtVocabSize)

	sum := 0.0
	for _, v := range lp {
		assert.LessOrEqual(t, v, 0.0)
		sum += math.Exp(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	aw := attn.Data().F64()
	require.Len(t, aw, src.Length)
	sum = 0.0
	for _, v := range aw {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestStepIsDeterministic(t *testing.T) {
	m := testModel(t)

	src, err := m.Encode(context.Background(), []int{4, 5, 6})
	require.NoError(t, err)

	a, _, _, err := m.Step(1, nil, src)
	require.NoError(t, err)
	b, _, _, err := m.Step(1, nil, src)
	require.NoError(t, err)

	assert.Equal(t, a.Data().F64(), b.Data().F64())
}

func TestStepDoesNotMutateState(t *testing.T) {
	m := testModel(t)

	src, err := m.Encode(context.Background(), []int{4, 5})
	require.NoError(t, err)

	_, s1, _, err := m.Step(1, nil, src)
	require.NoError(t, err)

	first, _, _, err := m.Step(3, s1, src)
	require.NoError(t, err)

	// Stepping a sibling from the same state must see the same input.
	second, _, _, err := m.Step(3, s1, src)
	require.NoError(t, err)

	assert.Equal(t, first.Data().F64(), second.Data().F64())
}

func TestStateCloneIsIndependent(t *testing.T) {
	m := testModel(t)

	src, err := m.Encode(context.Background(), []int{4, 5})
	require.NoError(t, err)

	_, s1, _, err := m.Step(1, nil, src)
	require.NoError(t, err)

	clone, ok := s1.Clone().(*State)
	require.True(t, ok)
	assert.NotSame(t, s1, clone)
	assert.Same(t, s1.rnn.Y, clone.rnn.Y)
}

func TestStepFuncAdaptsToDecoder(t *testing.T) {
	m := testModel(t)

	src, err := m.Encode(context.Background(), []int{4, 5, 6})
	require.NoError(t, err)

	step := m.StepFunc()
	res, err := step(1, nil, src)
	require.NoError(t, err)

	assert.Len(t, res.LogProbs, m.Config.TgtVocabSize)
	assert.Len(t, res.Attention, src.Length)
	require.NotNil(t, res.State)

	res2, err := step(2, res.State, src)
	require.NoError(t, err)
	assert.Len(t, res2.LogProbs, m.Config.TgtVocabSize)
}

func TestStepFuncRejectsForeignSource(t *testing.T) {
	m := testModel(t)

	_, err := m.StepFunc()(1, nil, "not a source")
	assert.Error(t, err)
}

func TestStepFuncRejectsForeignState(t *testing.T) {
	m := testModel(t)

	src, err := m.Encode(context.Background(), []int{4})
	require.NoError(t, err)

	_, err = m.StepFunc()(1, badState{}, src)
	assert.Error(t, err)
}

type badState struct{}

func (badState) Clone() decoder.State { return badState{} }

func TestLossCountsWords(t *testing.T) {
	m := testModel(t)

	src := [][]int{{4, 5, 6}, {7, 8, 0}}
	tgt := [][]int{{1, 3, 4, 2}, {1, 5, 2, 0}}
	loss, numWords, err := m.Loss(context.Background(), src, tgt, []int{3, 2}, []int{4, 3}, 1.0, rand.NewLockedRand(0))
	require.NoError(t, err)

	assert.Equal(t, 5, numWords)
	assert.Greater(t, loss.Value().Scalar().F64(), 0.0)
}

func TestLossEmptyBatch(t *testing.T) {
	m := testModel(t)

	_, _, err := m.Loss(context.Background(), nil, nil, nil, nil, 1.0, rand.NewLockedRand(0))
	assert.Error(t, err)
}

func TestLossInvalidRatio(t *testing.T) {
	m := testModel(t)

	_, _, err := m.Loss(context.Background(), [][]int{{4}}, [][]int{{1, 2}}, []int{1}, []int{2}, 1.5, rand.NewLockedRand(0))
	assert.Error(t, err)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	m := testModel(t)
	path := filepath.Join(t.TempDir(), "model.bin")

	require.NoError(t, Dump(m, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Config, loaded.Config)

	src1, err := m.Encode(context.Background(), []int{4, 5})
	require.NoError(t, err)
	src2, err := loaded.Encode(context.Background(), []int{4, 5})
	require.NoError(t, err)

	a, _, _, err := m.Step(1, nil, src1)
	require.NoError(t, err)
	b, _, _, err := loaded.Step(1, nil, src2)
	require.NoError(t, err)

	assert.InDeltaSlice(t, a.Data().F64(), b.Data().F64(), 1e-6)
}

func TestLoadConfig(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

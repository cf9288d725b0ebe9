// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package traduco

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/traduco/corpus"
	"github.com/nlpodyssey/traduco/seq2seq"
	"github.com/nlpodyssey/traduco/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(t *testing.T) *Traduco {
	t.Helper()
	voc := vocab.New(
		[][]string{{"il", "gatto", "dorme"}, {"il", "cane", "corre"}},
		[][]string{{"the", "cat", "sleeps"}, {"the", "dog", "runs"}},
		100, 1,
	)
	model := seq2seq.New[float32](seq2seq.Config{
		EmbedSize:    4,
		HiddenSize:   6,
		SrcVocabSize: voc.Src.Size(),
		TgtVocabSize: voc.Tgt.Size(),
	}, rand.NewLockedRand(42))
	return &Traduco{Model: model, Vocab: voc}
}

func TestTranslate(t *testing.T) {
	tr := testInstance(t)

	lines := []string{"il gatto dorme", "il cane corre"}
	translations, err := tr.Translate(context.Background(), lines, TranslateOptions{
		BeamSize:     2,
		MaxSteps:     5,
		Tokenization: corpus.Words,
	})
	require.NoError(t, err)
	require.Len(t, translations, 2)

	for i, res := range translations {
		assert.NoError(t, res.Err)
		assert.Equal(t, lines[i], res.Source)
		assert.LessOrEqual(t, res.Score, 0.0)
		assert.Equal(t, corpus.Detokenize(res.Tokens, corpus.Words), res.Text)
	}
}

func TestTranslateIsDeterministic(t *testing.T) {
	tr := testInstance(t)
	opts := TranslateOptions{BeamSize: 3, MaxSteps: 4, Tokenization: corpus.Words}

	first, err := tr.Translate(context.Background(), []string{"il gatto dorme"}, opts)
	require.NoError(t, err)
	second, err := tr.Translate(context.Background(), []string{"il gatto dorme"}, opts)
	require.NoError(t, err)

	assert.Equal(t, first[0].Tokens, second[0].Tokens)
	assert.Equal(t, first[0].Score, second[0].Score)
}

func TestTranslateEmptyLine(t *testing.T) {
	tr := testInstance(t)

	_, err := tr.Translate(context.Background(), []string{""}, DefaultTranslateOptions())
	assert.Error(t, err)
}

func TestLoadMissingModelDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestLoadRoundTrip(t *testing.T) {
	tr := testInstance(t)
	dir := t.TempDir()

	require.NoError(t, seq2seq.Dump(tr.Model, filepath.Join(dir, seq2seq.DefaultModelFilename)))
	require.NoError(t, vocab.Dump(tr.Vocab, filepath.Join(dir, vocab.DefaultVocabFilename)))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, tr.Model.Config, loaded.Model.Config)
	assert.Equal(t, tr.Vocab.Tgt.Tokens, loaded.Vocab.Tgt.Tokens)
}

func TestWriteSideBySide(t *testing.T) {
	translations := []Translation{
		{Source: "il gatto", Text: "the cat"},
		{Source: "il cane", Text: "the dog"},
	}
	var sb strings.Builder
	require.NoError(t, WriteSideBySide(&sb, translations, []string{"the cat", "a dog"}))

	assert.Equal(t, "il gatto\nthe cat\nthe cat\n\nil cane\na dog\nthe dog\n\n", sb.String())
}

func TestWriteSideBySideLengthMismatch(t *testing.T) {
	err := WriteSideBySide(&strings.Builder{}, []Translation{{}}, nil)
	assert.Error(t, err)
}

func TestWriteHypotheses(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, WriteHypotheses(&sb, []Translation{{Text: "the cat"}, {Err: context.Canceled}}))
	assert.Equal(t, "the cat\n\n", sb.String())
}

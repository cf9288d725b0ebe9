// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/traduco/corpus"
	"github.com/nlpodyssey/traduco/seq2seq"
	"github.com/nlpodyssey/traduco/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSetup(t *testing.T) (*seq2seq.Model, *vocab.Vocab, []corpus.Pair) {
	t.Helper()
	src := [][]string{{"a", "b"}, {"b", "c"}}
	tgt := [][]string{
		{vocab.StartToken, "x", "y", vocab.EndToken},
		{vocab.StartToken, "y", "z", vocab.EndToken},
	}
	voc := vocab.New(src, tgt, 100, 1)
	model := seq2seq.New[float32](seq2seq.Config{
		EmbedSize:    4,
		HiddenSize:   6,
		SrcVocabSize: voc.Src.Size(),
		TgtVocabSize: voc.Tgt.Size(),
	}, rand.NewLockedRand(42))
	pairs, err := corpus.Zip(src, tgt)
	require.NoError(t, err)
	return model, voc, pairs
}

func TestTrainOneEpoch(t *testing.T) {
	model, voc, pairs := testSetup(t)

	config := DefaultConfig()
	config.BatchSize = 2
	config.MaxEpoch = 1
	config.ValidEvery = 1
	config.LogEvery = 0
	config.BeamSize = 2
	config.MaxDecodingSteps = 4
	config.SaveDir = t.TempDir()

	tr := New(model, voc, config, nil)
	require.NoError(t, tr.Train(context.Background(), pairs, pairs))

	_, err := os.Stat(filepath.Join(config.SaveDir, seq2seq.DefaultModelFilename))
	require.NoError(t, err, "best model must be saved after a validated epoch")

	checkpoints, err := ListCheckpoints(config.SaveDir)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, 1, checkpoints[0].Epoch)
	assert.True(t, checkpoints[0].Validated)
}

func TestResumeFromCheckpointFile(t *testing.T) {
	model, voc, _ := testSetup(t)
	dir := t.TempDir()
	ckpt := Checkpoint{Epoch: 7, TrainLoss: 12.5, TeacherForcing: 0.85}
	path := filepath.Join(dir, ckpt.Filename())
	require.NoError(t, seq2seq.Dump(model, path))

	tr, err := Resume(path, voc, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 8, tr.startEpoch)
	assert.Equal(t, 0.85, tr.config.TeacherForcing)
	assert.Equal(t, model.Config, tr.Model().Config)
}

func TestResumeFromDirectoryPicksLatestEpoch(t *testing.T) {
	model, voc, _ := testSetup(t)
	dir := t.TempDir()
	older := Checkpoint{Epoch: 2, TrainLoss: 30.0, TeacherForcing: 1.0}
	latest := Checkpoint{Epoch: 5, TrainLoss: 20.0, TeacherForcing: 0.9}
	require.NoError(t, seq2seq.Dump(model, filepath.Join(dir, older.Filename())))
	require.NoError(t, seq2seq.Dump(model, filepath.Join(dir, latest.Filename())))

	tr, err := Resume(dir, voc, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, tr.startEpoch)
	assert.Equal(t, 0.9, tr.config.TeacherForcing)
}

func TestResumeFromEmptyDirectory(t *testing.T) {
	_, voc, _ := testSetup(t)
	_, err := Resume(t.TempDir(), voc, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestStepTeacherForcingDecay(t *testing.T) {
	policy := StepTeacherForcingDecay(10, 3)

	assert.Equal(t, 1.0, policy(1, 1.0), "no decay before warmup")
	assert.Equal(t, 1.0, policy(9, 1.0))
	assert.Equal(t, 1.0, policy(10, 1.0), "epoch 10 is not a multiple of 3")
	assert.InDelta(t, 0.95, policy(12, 1.0), 1e-9)
	assert.InDelta(t, 0.90, policy(15, 0.95), 1e-9)
	assert.Equal(t, 0.1, policy(30, 0.1), "never drops below 0.1")
}

func TestConstantTeacherForcing(t *testing.T) {
	assert.Equal(t, 0.7, ConstantTeacherForcing(42, 0.7))
}

func TestCheckpointFilenameRoundTrip(t *testing.T) {
	c := Checkpoint{
		Epoch:          12,
		TrainLoss:      34.56,
		DevPerplexity:  8.1,
		DevBLEU:        21.07,
		TeacherForcing: 0.95,
		Validated:      true,
	}
	name := c.Filename()
	assert.Equal(t, "epoch_12_trainLoss_34.56_devPerp_8.10_devBleu_21.07_TF_0.95", name)

	parsed, err := ParseCheckpoint(name)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestCheckpointFilenameWithoutValidation(t *testing.T) {
	c := Checkpoint{Epoch: 3, TrainLoss: 102.5, TeacherForcing: 1.0}
	name := c.Filename()
	assert.Equal(t, "epoch_3_trainLoss_102.50_TF_1.00", name)

	parsed, err := ParseCheckpoint(name)
	require.NoError(t, err)
	assert.False(t, parsed.Validated)
	assert.Equal(t, c, parsed)
}

func TestParseCheckpointRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{
		"",
		"model.bin",
		"epoch_x_trainLoss_1.00_TF_1.00",
		"epoch_1_trainLoss_1.00",
		"epoch_1_epoch_2_trainLoss_1.00_TF_1.00",
		"epoch_1_trainLoss_1.00_TF_1.00_extra",
	} {
		_, err := ParseCheckpoint(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestListCheckpoints(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"epoch_1_trainLoss_9.00_TF_1.00",
		"epoch_2_trainLoss_8.00_devPerp_5.00_devBleu_10.00_TF_1.00",
		"model.bin",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}

	checkpoints, err := ListCheckpoints(dir)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, 1, checkpoints[0].Epoch)
	assert.Equal(t, 2, checkpoints[1].Epoch)
	assert.True(t, checkpoints[1].Validated)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batchsize: 16\nmaxepoch: 3\nlr: 0.01\n"), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 16, config.BatchSize)
	assert.Equal(t, 3, config.MaxEpoch)
	assert.Equal(t, 0.01, config.Lr)
	assert.Equal(t, DefaultConfig().ClipGrad, config.ClipGrad, "unset fields keep the defaults")
	assert.Equal(t, 1e-5, config.WeightDecay)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

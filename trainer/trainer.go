// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trainer implements mini-batch training of translation models
// with teacher forcing, validation on a dev set and learning rate decay
// on plateau.
package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/gd"
	"github.com/nlpodyssey/spago/gd/adam"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/traduco/corpus"
	"github.com/nlpodyssey/traduco/decoder"
	"github.com/nlpodyssey/traduco/seq2seq"
	"github.com/nlpodyssey/traduco/vocab"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config contains the training hyperparameters.
type Config struct {
	BatchSize        int
	MaxEpoch         int
	Lr               float64
	LrDecay          float64
	WeightDecay      float64
	ClipGrad         float64
	TeacherForcing   float64
	ValidEvery       int
	LogEvery         int
	Patience         int
	MaxTrial         int
	BeamSize         int
	MaxDecodingSteps int
	SaveDir          string
	Seed             uint64
}

// DefaultConfig returns the baseline hyperparameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:        32,
		MaxEpoch:         30,
		Lr:               0.001,
		LrDecay:          0.5,
		WeightDecay:      1e-5,
		ClipGrad:         5.0,
		TeacherForcing:   1.0,
		ValidEvery:       2,
		LogEvery:         10,
		Patience:         5,
		MaxTrial:         5,
		BeamSize:         5,
		MaxDecodingSteps: 70,
		SaveDir:          "model",
		Seed:             0,
	}
}

// LoadConfig reads a training configuration from a YAML file, filling
// unset fields with the defaults.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("error reading configuration file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling configuration file: %w", err)
	}
	return config, nil
}

// Trainer runs the training loop for one model.
type Trainer struct {
	model      *seq2seq.Model
	vocab      *vocab.Vocab
	config     Config
	tfPolicy   TeacherForcingPolicy
	startEpoch int
}

// New creates a Trainer. A nil policy selects the step decay schedule
// with a ten epoch warmup and the validation interval as period.
func New(model *seq2seq.Model, voc *vocab.Vocab, config Config, policy TeacherForcingPolicy) *Trainer {
	if policy == nil {
		policy = StepTeacherForcingDecay(10, config.ValidEvery+1)
	}
	return &Trainer{
		model:      model,
		vocab:      voc,
		config:     config,
		tfPolicy:   policy,
		startEpoch: 1,
	}
}

// Resume creates a Trainer that continues a previous run from a saved
// checkpoint. Path may be a checkpoint file or a save directory, in which
// case the checkpoint with the highest epoch is picked. The epoch counter
// and the teacher forcing ratio are restored from the checkpoint name.
func Resume(path string, voc *vocab.Vocab, config Config, policy TeacherForcingPolicy) (*Trainer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("trainer: cannot resume from %q: %w", path, err)
	}
	if info.IsDir() {
		checkpoints, err := ListCheckpoints(path)
		if err != nil {
			return nil, fmt.Errorf("trainer: cannot resume from %q: %w", path, err)
		}
		if len(checkpoints) == 0 {
			return nil, fmt.Errorf("trainer: no checkpoints found in %q", path)
		}
		latest := checkpoints[0]
		for _, c := range checkpoints[1:] {
			if c.Epoch > latest.Epoch {
				latest = c
			}
		}
		path = filepath.Join(path, latest.Filename())
	}

	ckpt, err := ParseCheckpoint(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("trainer: cannot resume from %q: %w", path, err)
	}
	model, err := seq2seq.Load(path)
	if err != nil {
		return nil, fmt.Errorf("trainer: cannot resume from %q: %w", path, err)
	}

	log.Info().
		Int("epoch", ckpt.Epoch).
		Float64("tf", ckpt.TeacherForcing).
		Str("checkpoint", filepath.Base(path)).
		Msg("resuming training from checkpoint")

	config.TeacherForcing = ckpt.TeacherForcing
	t := New(model, voc, config, policy)
	t.startEpoch = ckpt.Epoch + 1
	return t, nil
}

// Model returns the model currently held by the trainer. After Train
// returns it is the last trained state, which may differ from the best
// snapshot stored in the save directory.
func (t *Trainer) Model() *seq2seq.Model {
	return t.model
}

// Train runs up to MaxEpoch epochs over the training pairs, validating
// on the dev pairs every ValidEvery epochs. The best model according to
// dev perplexity is written to SaveDir/model.bin; every validated epoch
// also leaves a metric-named checkpoint behind.
func (t *Trainer) Train(ctx context.Context, trainPairs, devPairs []corpus.Pair) error {
	if len(trainPairs) == 0 {
		return fmt.Errorf("trainer: no training pairs")
	}
	if err := os.MkdirAll(t.config.SaveDir, 0o755); err != nil {
		return fmt.Errorf("trainer: cannot create save directory: %w", err)
	}

	rng := rand.NewLockedRand(t.config.Seed)
	lr := t.config.Lr
	optimizer := t.newOptimizer(lr)
	tf := t.config.TeacherForcing
	bestPerp := math.Inf(1)
	bestPath := filepath.Join(t.config.SaveDir, seq2seq.DefaultModelFilename)
	patience, trial := 0, 0

	for epoch := t.startEpoch; epoch <= t.config.MaxEpoch; epoch++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tf = t.tfPolicy(epoch, tf)

		batches, err := corpus.BatchIter(trainPairs, t.vocab, t.config.BatchSize, rng)
		if err != nil {
			return err
		}

		sumLoss := 0.0
		numWords := 0
		for i, b := range batches {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			loss, n, err := t.model.Loss(ctx, b.Src, b.Tgt, b.SrcLens, b.TgtLens, tf, rng)
			if err != nil {
				return fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, i, err)
			}
			ag.Backward(loss)
			optimizer.Do()

			lossValue := loss.Value().Scalar().F64()
			ag.ReleaseGraph(loss)
			sumLoss += lossValue
			numWords += n

			if t.config.LogEvery > 0 && (i+1)%t.config.LogEvery == 0 {
				log.Info().
					Int("epoch", epoch).
					Int("batch", i+1).
					Int("batches", len(batches)).
					Float64("avgLoss", sumLoss/float64(numWords)).
					Float64("tf", tf).
					Msg("training")
			}
		}

		ckpt := Checkpoint{
			Epoch:          epoch,
			TrainLoss:      sumLoss / float64(numWords),
			TeacherForcing: tf,
		}

		if t.config.ValidEvery <= 0 || epoch%t.config.ValidEvery != 0 {
			if err := seq2seq.Dump(t.model, filepath.Join(t.config.SaveDir, ckpt.Filename())); err != nil {
				return fmt.Errorf("trainer: cannot save checkpoint: %w", err)
			}
			continue
		}

		devPerp, devBLEU, err := t.Validate(ctx, devPairs)
		if err != nil {
			return fmt.Errorf("trainer: validation failed: %w", err)
		}
		ckpt.DevPerplexity = devPerp
		ckpt.DevBLEU = devBLEU
		ckpt.Validated = true

		log.Info().
			Int("epoch", epoch).
			Float64("trainLoss", ckpt.TrainLoss).
			Float64("devPerp", devPerp).
			Float64("devBleu", devBLEU).
			Msg("validation")

		if err := seq2seq.Dump(t.model, filepath.Join(t.config.SaveDir, ckpt.Filename())); err != nil {
			return fmt.Errorf("trainer: cannot save checkpoint: %w", err)
		}

		if devPerp < bestPerp {
			bestPerp = devPerp
			patience = 0
			if err := seq2seq.Dump(t.model, bestPath); err != nil {
				return fmt.Errorf("trainer: cannot save best model: %w", err)
			}
			continue
		}

		patience++
		log.Info().Int("patience", patience).Msg("no improvement on dev set")
		if patience < t.config.Patience {
			continue
		}

		trial++
		if trial >= t.config.MaxTrial {
			log.Info().Int("trial", trial).Msg("early stop: maximum number of trials reached")
			return nil
		}

		lr *= t.config.LrDecay
		log.Info().Float64("lr", lr).Msg("decaying learning rate and restoring best model")
		restored, err := seq2seq.Load(bestPath)
		if err != nil {
			return fmt.Errorf("trainer: cannot restore best model: %w", err)
		}
		t.model = restored
		optimizer = t.newOptimizer(lr)
		patience = 0
	}
	return nil
}

// Validate computes perplexity and corpus BLEU of the current model on
// the given pairs. The BLEU hypotheses come from beam search with the
// configured beam size.
func (t *Trainer) Validate(ctx context.Context, devPairs []corpus.Pair) (perplexity, bleu float64, err error) {
	if len(devPairs) == 0 {
		return 0, 0, fmt.Errorf("no validation pairs")
	}

	batches, err := corpus.BatchIter(devPairs, t.vocab, t.config.BatchSize, nil)
	if err != nil {
		return 0, 0, err
	}
	sumLoss := 0.0
	numWords := 0
	for _, b := range batches {
		loss, n, err := t.model.Loss(ctx, b.Src, b.Tgt, b.SrcLens, b.TgtLens, 1.0, nil)
		if err != nil {
			return 0, 0, err
		}
		lossValue := loss.Value().Scalar().F64()
		ag.ReleaseGraph(loss)
		sumLoss += lossValue
		numWords += n
	}
	perplexity = corpus.Perplexity(sumLoss, numWords)

	dec, err := decoder.New(t.model.StepFunc(), decoder.Options{
		BeamSize: t.config.BeamSize,
		MaxSteps: t.config.MaxDecodingSteps,
		StartID:  vocab.StartID,
		EndID:    vocab.EndID,
		PadID:    vocab.PadID,
	})
	if err != nil {
		return 0, 0, err
	}

	refs := make([][]string, 0, len(devPairs))
	hyps := make([][]string, 0, len(devPairs))
	for _, p := range devPairs {
		encoded, err := t.model.Encode(ctx, t.vocab.Src.SentenceToIDs(p.Src))
		if err != nil {
			return 0, 0, err
		}
		found, err := dec.Decode(ctx, encoded)
		if err != nil {
			return 0, 0, err
		}
		tokens, err := t.vocab.Tgt.IDsToSentence(vocab.StripSentinels(found[0].Tokens))
		if err != nil {
			return 0, 0, err
		}
		refs = append(refs, corpus.Unwrap(p.Tgt))
		hyps = append(hyps, tokens)
	}
	bleu, err = corpus.CorpusBLEU(refs, hyps)
	if err != nil {
		return 0, 0, err
	}
	return perplexity, bleu, nil
}

// newOptimizer builds an AdamW optimizer over the current model, clipping
// gradients by L2 norm. Do() applies the deltas and zeroes the gradients.
func (t *Trainer) newOptimizer(lr float64) *gd.Optimizer {
	method := adam.New[float32](adam.NewAdamWConfig(lr, 0.9, 0.999, 1e-8, t.config.WeightDecay))
	optimizer := gd.NewOptimizer(t.model, method)
	if t.config.ClipGrad > 0 {
		optimizer = optimizer.WithClipGradByNorm(t.config.ClipGrad, 2)
	}
	return optimizer
}

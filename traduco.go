// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package traduco implements neural machine translation with a
// sequence-to-sequence attention model and beam search decoding.
package traduco

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/traduco/corpus"
	"github.com/nlpodyssey/traduco/decoder"
	"github.com/nlpodyssey/traduco/seq2seq"
	"github.com/nlpodyssey/traduco/vocab"
	"github.com/rs/zerolog/log"
)

// Traduco is the core struct of the library.
type Traduco struct {
	Model *seq2seq.Model
	Vocab *vocab.Vocab
}

// Load loads a Traduco model from the given directory.
func Load(modelDir string) (*Traduco, error) {
	voc, err := vocab.Load(filepath.Join(modelDir, vocab.DefaultVocabFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error: unable to find the vocabulary file in '%s'. Please ensure that the model has been trained or converted before trying again", modelDir)
		}
		return nil, err
	}
	model, err := seq2seq.Load(filepath.Join(modelDir, seq2seq.DefaultModelFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error: unable to find the model file in '%s'. Please ensure that the model has been trained or converted before trying again", modelDir)
		}
		return nil, err
	}
	return &Traduco{
		Model: model,
		Vocab: voc,
	}, nil
}

// TranslateOptions configures Translate.
type TranslateOptions struct {
	// BeamSize is the beam width.
	BeamSize int
	// MaxSteps is the maximum number of decoding time steps.
	MaxSteps int
	// Tokenization selects how source lines are split into tokens and
	// how hypotheses are joined back into text.
	Tokenization corpus.Tokenization
}

// DefaultTranslateOptions returns the baseline decoding parameters.
func DefaultTranslateOptions() TranslateOptions {
	return TranslateOptions{
		BeamSize:     5,
		MaxSteps:     70,
		Tokenization: corpus.Words,
	}
}

// Translation is the outcome of translating one source line. When Err
// is non-nil the model failed on that line and Text is empty; the rest
// of the batch is unaffected.
type Translation struct {
	Source string
	Tokens []string
	Text   string
	Score  float64
	Err    error
}

// Translate translates the given lines, one result per line. The
// hypotheses come from beam search; only the best one is rendered.
func (t *Traduco) Translate(ctx context.Context, lines []string, opts TranslateOptions) ([]Translation, error) {
	var nodesToRelease []ag.Node
	defer func() {
		ag.ReleaseGraph(nodesToRelease...)
		runtime.GC()
	}()

	dec, err := decoder.New(t.Model.StepFunc(), decoder.Options{
		BeamSize: opts.BeamSize,
		MaxSteps: opts.MaxSteps,
		StartID:  vocab.StartID,
		EndID:    vocab.EndID,
		PadID:    vocab.PadID,
	})
	if err != nil {
		return nil, err
	}

	srcs := make([]any, len(lines))
	for i, line := range lines {
		tokens := corpus.Tokenize(line, opts.Tokenization)
		if len(tokens) == 0 {
			return nil, fmt.Errorf("line %d is empty", i+1)
		}
		log.Trace().Int("line", i+1).Strs("tokens", tokens).Msg("tokenized source")
		encoded, err := t.Model.Encode(ctx, t.Vocab.Src.SentenceToIDs(tokens))
		if err != nil {
			return nil, fmt.Errorf("failed to encode line %d: %w", i+1, err)
		}
		srcs[i] = encoded
		nodesToRelease = append(nodesToRelease, encoded.Hidden, encoded.Keys)
	}

	results, err := dec.DecodeBatch(ctx, srcs)
	if err != nil {
		return nil, err
	}

	out := make([]Translation, len(results))
	for i, res := range results {
		out[i].Source = lines[i]
		if res.Err != nil {
			log.Warn().Err(res.Err).Int("line", i+1).Msg("translation failed")
			out[i].Err = res.Err
			continue
		}
		best := res.Hypotheses[0]
		tokens, err := t.Vocab.Tgt.IDsToSentence(vocab.StripSentinels(best.Tokens))
		if err != nil {
			return nil, fmt.Errorf("failed to render hypothesis for line %d: %w", i+1, err)
		}
		out[i].Tokens = tokens
		out[i].Text = corpus.Detokenize(tokens, opts.Tokenization)
		out[i].Score = best.Score
	}
	return out, nil
}

// WriteHypotheses writes the best hypothesis of each translation, one
// per line. Failed lines come out empty.
func WriteHypotheses(w io.Writer, translations []Translation) error {
	for _, tr := range translations {
		if _, err := fmt.Fprintln(w, tr.Text); err != nil {
			return err
		}
	}
	return nil
}

// WriteSideBySide writes source, reference and hypothesis groups
// separated by blank lines, for manual inspection of the output.
func WriteSideBySide(w io.Writer, translations []Translation, references []string) error {
	if len(references) != len(translations) {
		return fmt.Errorf("reference/translation count mismatch: %d vs %d", len(references), len(translations))
	}
	for i, tr := range translations {
		if _, err := fmt.Fprintf(w, "%s\n%s\n%s\n\n", tr.Source, references[i], tr.Text); err != nil {
			return err
		}
	}
	return nil
}

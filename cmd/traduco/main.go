// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/traduco"
	"github.com/nlpodyssey/traduco/corpus"
	"github.com/nlpodyssey/traduco/seq2seq"
	"github.com/nlpodyssey/traduco/trainer"
	"github.com/nlpodyssey/traduco/vocab"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func init() {
	ag.SetDebugMode(false)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "traduco",
		Usage: "Train and run neural machine translation models",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Value: "info",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				EnvVars: []string{"TRADUCO_LOGLEVEL"},
			},
		},
		Commands: []*cli.Command{
			trainCommand(),
			decodeCommand(),
			vocabCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

func trainCommand() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train a translation model on a parallel corpus",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "train-src", Usage: "source side of the training corpus", Required: true},
			&cli.StringFlag{Name: "train-tgt", Usage: "target side of the training corpus", Required: true},
			&cli.StringFlag{Name: "dev-src", Usage: "source side of the dev corpus", Required: true},
			&cli.StringFlag{Name: "dev-tgt", Usage: "target side of the dev corpus", Required: true},
			&cli.StringFlag{Name: "vocab", Usage: "path to the vocabulary file", Required: true},
			&cli.StringFlag{Name: "config", Usage: "optional YAML file with training hyperparameters"},
			&cli.StringFlag{Name: "load-from", Usage: "checkpoint file, or a save directory to resume from its latest checkpoint"},
			&cli.StringFlag{Name: "save-dir", Usage: "directory for checkpoints and the best model", Value: "model"},
			&cli.StringFlag{Name: "tokenization", Usage: "corpus tokenization (words, chars)", Value: "words"},
			&cli.IntFlag{Name: "embed-size", Usage: "embedding size", Value: 256},
			&cli.IntFlag{Name: "hidden-size", Usage: "hidden state size", Value: 256},
			&cli.Float64Flag{Name: "dropout", Usage: "dropout rate", Value: 0.3},
			&cli.IntFlag{Name: "batch-size", Usage: "mini-batch size", Value: 32},
			&cli.IntFlag{Name: "max-epoch", Usage: "maximum number of epochs", Value: 30},
			&cli.Float64Flag{Name: "lr", Usage: "learning rate", Value: 0.001},
			&cli.Float64Flag{Name: "lr-decay", Usage: "learning rate decay factor on plateau", Value: 0.5},
			&cli.Float64Flag{Name: "weight-decay", Usage: "weight decay coefficient", Value: 1e-5},
			&cli.Float64Flag{Name: "clip-grad", Usage: "gradient clipping norm", Value: 5.0},
			&cli.Float64Flag{Name: "teacher-forcing", Usage: "initial teacher forcing ratio", Value: 1.0},
			&cli.IntFlag{Name: "valid-every", Usage: "validate every n epochs", Value: 2},
			&cli.IntFlag{Name: "log-every", Usage: "log every n batches", Value: 10},
			&cli.IntFlag{Name: "patience", Usage: "validations without improvement before decaying the learning rate", Value: 5},
			&cli.IntFlag{Name: "max-trial", Usage: "learning rate decays before early stop", Value: 5},
			&cli.IntFlag{Name: "beam-size", Usage: "beam size for validation decoding", Value: 5},
			&cli.IntFlag{Name: "max-decoding-steps", Usage: "maximum decoding time steps", Value: 70},
			&cli.Uint64Flag{Name: "seed", Usage: "random seed", Value: 0},
		},
		Action: train,
	}
}

func train(c *cli.Context) error {
	config, err := trainConfig(c)
	if err != nil {
		return err
	}

	tok, err := tokenizationMode(c.String("tokenization"))
	if err != nil {
		return err
	}

	voc, err := vocab.Load(c.String("vocab"))
	if err != nil {
		return fmt.Errorf("error loading vocabulary: %w", err)
	}

	trainPairs, err := readParallelCorpus(c.String("train-src"), c.String("train-tgt"), tok)
	if err != nil {
		return err
	}
	devPairs, err := readParallelCorpus(c.String("dev-src"), c.String("dev-tgt"), tok)
	if err != nil {
		return err
	}
	log.Info().
		Int("trainPairs", len(trainPairs)).
		Int("devPairs", len(devPairs)).
		Int("srcVocab", voc.Src.Size()).
		Int("tgtVocab", voc.Tgt.Size()).
		Msg("Corpora loaded")

	var t *trainer.Trainer
	if loadFrom := c.String("load-from"); loadFrom != "" {
		t, err = trainer.Resume(loadFrom, voc, config, nil)
		if err != nil {
			return err
		}
	} else {
		model := seq2seq.New[float32](seq2seq.Config{
			EmbedSize:    c.Int("embed-size"),
			HiddenSize:   c.Int("hidden-size"),
			SrcVocabSize: voc.Src.Size(),
			TgtVocabSize: voc.Tgt.Size(),
			Dropout:      c.Float64("dropout"),
		}, rand.NewLockedRand(config.Seed))
		t = trainer.New(model, voc, config, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	if err := t.Train(ctx, trainPairs, devPairs); err != nil {
		return err
	}

	// keep a copy of the vocabulary next to the model so that the
	// decode command needs only the model directory
	return vocab.Dump(voc, filepath.Join(config.SaveDir, vocab.DefaultVocabFilename))
}

// trainConfig merges defaults, the optional YAML file and the command
// line flags, in increasing order of precedence.
func trainConfig(c *cli.Context) (trainer.Config, error) {
	config := trainer.DefaultConfig()
	if filename := c.String("config"); filename != "" {
		var err error
		config, err = trainer.LoadConfig(filename)
		if err != nil {
			return trainer.Config{}, err
		}
	}
	if c.IsSet("batch-size") {
		config.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("max-epoch") {
		config.MaxEpoch = c.Int("max-epoch")
	}
	if c.IsSet("lr") {
		config.Lr = c.Float64("lr")
	}
	if c.IsSet("lr-decay") {
		config.LrDecay = c.Float64("lr-decay")
	}
	if c.IsSet("weight-decay") {
		config.WeightDecay = c.Float64("weight-decay")
	}
	if c.IsSet("clip-grad") {
		config.ClipGrad = c.Float64("clip-grad")
	}
	if c.IsSet("teacher-forcing") {
		config.TeacherForcing = c.Float64("teacher-forcing")
	}
	if c.IsSet("valid-every") {
		config.ValidEvery = c.Int("valid-every")
	}
	if c.IsSet("log-every") {
		config.LogEvery = c.Int("log-every")
	}
	if c.IsSet("patience") {
		config.Patience = c.Int("patience")
	}
	if c.IsSet("max-trial") {
		config.MaxTrial = c.Int("max-trial")
	}
	if c.IsSet("beam-size") {
		config.BeamSize = c.Int("beam-size")
	}
	if c.IsSet("max-decoding-steps") {
		config.MaxDecodingSteps = c.Int("max-decoding-steps")
	}
	if c.IsSet("seed") {
		config.Seed = c.Uint64("seed")
	}
	if c.IsSet("save-dir") || config.SaveDir == "" {
		config.SaveDir = c.String("save-dir")
	}
	return config, nil
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "decode",
		Usage: "Translate a source file with beam search",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model-dir", Usage: "directory holding the model and vocabulary files", Required: true},
			&cli.StringFlag{Name: "input", Usage: "source file to translate, one sentence per line", Required: true},
			&cli.StringFlag{Name: "output", Usage: "file for the best hypotheses, one per line", Required: true},
			&cli.StringFlag{Name: "reference", Usage: "optional reference file; enables BLEU and the side-by-side report"},
			&cli.StringFlag{Name: "tokenization", Usage: "corpus tokenization (words, chars)", Value: "words"},
			&cli.IntFlag{Name: "beam-size", Usage: "beam size", Value: 5},
			&cli.IntFlag{Name: "max-decoding-steps", Usage: "maximum decoding time steps", Value: 70},
		},
		Action: decode,
	}
}

func decode(c *cli.Context) error {
	tok, err := tokenizationMode(c.String("tokenization"))
	if err != nil {
		return err
	}

	log.Debug().Msg("Loading model...")
	tr, err := traduco.Load(c.String("model-dir"))
	if err != nil {
		return err
	}

	lines, err := readLines(c.String("input"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	translations, err := tr.Translate(ctx, lines, traduco.TranslateOptions{
		BeamSize:     c.Int("beam-size"),
		MaxSteps:     c.Int("max-decoding-steps"),
		Tokenization: tok,
	})
	if err != nil {
		return err
	}

	if err := writeHypothesesFile(c.String("output"), translations); err != nil {
		return err
	}

	if reference := c.String("reference"); reference != "" {
		return report(c.String("output"), reference, tok, translations)
	}
	return nil
}

// report computes corpus BLEU against the reference file and writes the
// side-by-side full_<output> file next to the output.
func report(output, reference string, tok corpus.Tokenization, translations []traduco.Translation) error {
	refLines, err := readLines(reference)
	if err != nil {
		return err
	}
	if len(refLines) != len(translations) {
		return fmt.Errorf("reference file has %d lines, expected %d", len(refLines), len(translations))
	}

	refs := make([][]string, len(refLines))
	hyps := make([][]string, len(translations))
	for i := range translations {
		refs[i] = corpus.Tokenize(refLines[i], tok)
		hyps[i] = translations[i].Tokens
	}
	bleu, err := corpus.CorpusBLEU(refs, hyps)
	if err != nil {
		return err
	}
	log.Info().Float64("bleu", bleu).Msg("Corpus BLEU")

	fullPath := filepath.Join(filepath.Dir(output), "full_"+filepath.Base(output))
	f, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := traduco.WriteSideBySide(w, translations, refLines); err != nil {
		return err
	}
	return w.Flush()
}

func vocabCommand() *cli.Command {
	return &cli.Command{
		Name:  "vocab",
		Usage: "Build a vocabulary from a parallel corpus, or convert a pickled one",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "train-src", Usage: "source side of the training corpus"},
			&cli.StringFlag{Name: "train-tgt", Usage: "target side of the training corpus"},
			&cli.StringFlag{Name: "from-pickle", Usage: "convert a Python-pickled vocabulary file instead of building one"},
			&cli.StringFlag{Name: "output", Usage: "output vocabulary file", Required: true},
			&cli.StringFlag{Name: "tokenization", Usage: "corpus tokenization (words, chars)", Value: "words"},
			&cli.IntFlag{Name: "size", Usage: "maximum vocabulary size per side", Value: 50000},
			&cli.IntFlag{Name: "freq-cutoff", Usage: "minimum token frequency", Value: 2},
		},
		Action: buildVocab,
	}
}

func buildVocab(c *cli.Context) error {
	if pickled := c.String("from-pickle"); pickled != "" {
		return vocab.ConvertPickledVocab(pickled, c.String("output"))
	}
	if c.String("train-src") == "" || c.String("train-tgt") == "" {
		return fmt.Errorf("either --from-pickle or both --train-src and --train-tgt are required")
	}

	tok, err := tokenizationMode(c.String("tokenization"))
	if err != nil {
		return err
	}
	srcCorpus, err := corpus.ReadCorpus(c.String("train-src"), corpus.Source, tok)
	if err != nil {
		return err
	}
	tgtCorpus, err := corpus.ReadCorpus(c.String("train-tgt"), corpus.Target, tok)
	if err != nil {
		return err
	}

	voc := vocab.New(srcCorpus, tgtCorpus, c.Int("size"), c.Int("freq-cutoff"))
	log.Info().
		Int("srcVocab", voc.Src.Size()).
		Int("tgtVocab", voc.Tgt.Size()).
		Msg("Vocabulary built")
	return vocab.Dump(voc, c.String("output"))
}

func tokenizationMode(s string) (corpus.Tokenization, error) {
	switch s {
	case "words":
		return corpus.Words, nil
	case "chars":
		return corpus.Chars, nil
	}
	return 0, fmt.Errorf("unknown tokenization %q (expected words or chars)", s)
}

func readParallelCorpus(srcPath, tgtPath string, tok corpus.Tokenization) ([]corpus.Pair, error) {
	src, err := corpus.ReadCorpus(srcPath, corpus.Source, tok)
	if err != nil {
		return nil, err
	}
	tgt, err := corpus.ReadCorpus(tgtPath, corpus.Target, tok)
	if err != nil {
		return nil, err
	}
	return corpus.Zip(src, tgt)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func writeHypothesesFile(path string, translations []traduco.Translation) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := traduco.WriteHypotheses(w, translations); err != nil {
		return err
	}
	return w.Flush()
}

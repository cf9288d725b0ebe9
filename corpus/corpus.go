// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package corpus

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/traduco/vocab"
)

// Tokenization selects how raw lines are split into tokens.
type Tokenization int

const (
	// Chars splits a line into single characters (the default for the
	// character-level translation model).
	Chars Tokenization = iota
	// Words splits a line on whitespace.
	Words
)

// Side tells whether a corpus file holds source or target sentences.
// Target sentences are wrapped with the start and end sentinels.
type Side int

const (
	Source Side = iota
	Target
)

// Pair is one parallel example.
type Pair struct {
	Src []string
	Tgt []string
}

// ReadCorpus reads a corpus file, one sentence per line.
func ReadCorpus(path string, side Side, tok Tokenization) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus file %q: %w", path, err)
	}
	defer f.Close()

	var sents [][]string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		sent := Tokenize(line, tok)
		if side == Target {
			sent = append(append([]string{vocab.StartToken}, sent...), vocab.EndToken)
		}
		sents = append(sents, sent)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus file %q: %w", path, err)
	}
	return sents, nil
}

// Tokenize splits a sentence into tokens according to the tokenization
// mode.
func Tokenize(line string, tok Tokenization) []string {
	if tok == Words {
		return strings.Fields(line)
	}
	out := make([]string, 0, len(line))
	for _, r := range line {
		out = append(out, string(r))
	}
	return out
}

// Detokenize joins tokens back into a sentence, inverting Tokenize.
func Detokenize(tokens []string, tok Tokenization) string {
	if tok == Words {
		return strings.Join(tokens, " ")
	}
	return strings.Join(tokens, "")
}

// Unwrap removes the <s> and </s> wrappers of a target-side sentence.
func Unwrap(tokens []string) []string {
	if len(tokens) > 0 && tokens[0] == vocab.StartToken {
		tokens = tokens[1:]
	}
	if len(tokens) > 0 && tokens[len(tokens)-1] == vocab.EndToken {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

// Zip pairs up parallel source and target corpora.
func Zip(src, tgt [][]string) ([]Pair, error) {
	if len(src) != len(tgt) {
		return nil, fmt.Errorf("parallel corpora length mismatch: %d source vs %d target sentences", len(src), len(tgt))
	}
	pairs := make([]Pair, len(src))
	for i := range src {
		pairs[i] = Pair{Src: src[i], Tgt: tgt[i]}
	}
	return pairs, nil
}

// Batch is one padded mini-batch. SrcLens and TgtLens hold the true
// (unpadded) lengths, in the same order as the id matrices.
type Batch struct {
	Src     [][]int
	Tgt     [][]int
	SrcLens []int
	TgtLens []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	return len(b.Src)
}

// BatchIter cuts the corpus into mini-batches of at most batchSize pairs.
// When rng is non-nil the pair order is shuffled first. Within a batch,
// pairs are sorted by descending source length before padding.
func BatchIter(pairs []Pair, v *vocab.Vocab, batchSize int, rng *rand.LockedRand) ([]Batch, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, actual %d", batchSize)
	}

	order := make([]int, len(pairs))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches []Batch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		chunk := make([]Pair, 0, end-start)
		for _, idx := range order[start:end] {
			chunk = append(chunk, pairs[idx])
		}
		sortByDescendingSrcLen(chunk)

		b := Batch{
			Src:     make([][]int, len(chunk)),
			Tgt:     make([][]int, len(chunk)),
			SrcLens: make([]int, len(chunk)),
			TgtLens: make([]int, len(chunk)),
		}
		for i, p := range chunk {
			b.Src[i] = v.Src.SentenceToIDs(p.Src)
			b.Tgt[i] = v.Tgt.SentenceToIDs(p.Tgt)
			b.SrcLens[i] = len(p.Src)
			b.TgtLens[i] = len(p.Tgt)
		}
		b.Src = Pad(b.Src, vocab.PadID)
		b.Tgt = Pad(b.Tgt, vocab.PadID)
		batches = append(batches, b)
	}
	return batches, nil
}

func sortByDescendingSrcLen(chunk []Pair) {
	// insertion sort keeps equal-length pairs in their shuffled order
	for i := 1; i < len(chunk); i++ {
		for j := i; j > 0 && len(chunk[j].Src) > len(chunk[j-1].Src); j-- {
			chunk[j], chunk[j-1] = chunk[j-1], chunk[j]
		}
	}
}

// Pad right-pads every id sequence to the length of the longest one.
func Pad(ids [][]int, padID int) [][]int {
	maxLen := 0
	for _, seq := range ids {
		if len(seq) > maxLen {
			maxLen = len(seq)
		}
	}
	out := make([][]int, len(ids))
	for i, seq := range ids {
		padded := make([]int, maxLen)
		copy(padded, seq)
		for j := len(seq); j < maxLen; j++ {
			padded[j] = padID
		}
		out[i] = padded
	}
	return out
}

// Perplexity derives corpus perplexity from a summed log-loss over the
// given number of predicted words.
func Perplexity(sumLoss float64, numWords int) float64 {
	if numWords == 0 {
		return math.Inf(1)
	}
	return math.Exp(sumLoss / float64(numWords))
}

// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vocab

import (
	"fmt"
	"sort"
)

// Sentinel token ids, fixed by construction: every Entry reserves the
// first four ids for them.
const (
	PadID   = 0
	StartID = 1
	EndID   = 2
	UnkID   = 3
)

// Sentinel token literals.
const (
	PadToken   = "<pad>"
	StartToken = "<s>"
	EndToken   = "</s>"
	UnkToken   = "<unk>"
)

// Entry is a bidirectional mapping between tokens and dense integer ids
// for one language side.
type Entry struct {
	Tokens []string
	IDs    map[string]int
}

// NewEntry returns an Entry containing only the sentinel tokens.
func NewEntry() *Entry {
	e := &Entry{
		Tokens: make([]string, 0, 4),
		IDs:    make(map[string]int),
	}
	for _, t := range []string{PadToken, StartToken, EndToken, UnkToken} {
		e.add(t)
	}
	return e
}

func (e *Entry) add(token string) int {
	if id, ok := e.IDs[token]; ok {
		return id
	}
	id := len(e.Tokens)
	e.Tokens = append(e.Tokens, token)
	e.IDs[token] = id
	return id
}

// Size returns the number of tokens in the vocabulary, sentinels included.
func (e *Entry) Size() int {
	return len(e.Tokens)
}

// TokenToID returns the id of the given token. Unknown tokens map to UnkID;
// the substitution is silent, callers never see a lookup failure.
func (e *Entry) TokenToID(token string) int {
	if id, ok := e.IDs[token]; ok {
		return id
	}
	return UnkID
}

// IDToToken returns the token for the given id.
func (e *Entry) IDToToken(id int) (string, error) {
	if id < 0 || id >= len(e.Tokens) {
		return "", fmt.Errorf("vocab: id %d out of range [0, %d)", id, len(e.Tokens))
	}
	return e.Tokens[id], nil
}

// SentenceToIDs converts a tokenized sentence to ids.
func (e *Entry) SentenceToIDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = e.TokenToID(t)
	}
	return ids
}

// IDsToSentence converts ids back to tokens.
func (e *Entry) IDsToSentence(ids []int) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		t, err := e.IDToToken(id)
		if err != nil {
			return nil, err
		}
		tokens[i] = t
	}
	return tokens, nil
}

// BuildEntry constructs an Entry from a tokenized corpus, keeping at most
// maxSize tokens (sentinels excluded) among those occurring at least
// freqCutoff times, most frequent first. Ties are broken by token order
// so that construction is reproducible.
func BuildEntry(corpus [][]string, maxSize, freqCutoff int) *Entry {
	freq := make(map[string]int)
	for _, sent := range corpus {
		for _, tok := range sent {
			freq[tok]++
		}
	}

	candidates := make([]string, 0, len(freq))
	for tok, n := range freq {
		if n >= freqCutoff && !isSentinel(tok) {
			candidates = append(candidates, tok)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := freq[candidates[i]], freq[candidates[j]]
		if fi != fj {
			return fi > fj
		}
		return candidates[i] < candidates[j]
	})
	if len(candidates) > maxSize {
		candidates = candidates[:maxSize]
	}

	e := NewEntry()
	for _, tok := range candidates {
		e.add(tok)
	}
	return e
}

// StripSentinels removes the start-of-sequence prefix and, when present,
// the end-of-sequence suffix of a decoded id sequence.
func StripSentinels(ids []int) []int {
	if len(ids) > 0 && ids[0] == StartID {
		ids = ids[1:]
	}
	if len(ids) > 0 && ids[len(ids)-1] == EndID {
		ids = ids[:len(ids)-1]
	}
	return ids
}

func isSentinel(token string) bool {
	switch token {
	case PadToken, StartToken, EndToken, UnkToken:
		return true
	}
	return false
}

// Vocab pairs the source-side and target-side vocabularies.
type Vocab struct {
	Src *Entry
	Tgt *Entry
}

// New builds a Vocab from parallel tokenized corpora.
func New(srcCorpus, tgtCorpus [][]string, maxSize, freqCutoff int) *Vocab {
	return &Vocab{
		Src: BuildEntry(srcCorpus, maxSize, freqCutoff),
		Tgt: BuildEntry(tgtCorpus, maxSize, freqCutoff),
	}
}
